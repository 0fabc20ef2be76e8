package main

/*
  bio-umi-dedup corrects UMI barcode errors in a coordinate-sorted BAM
  file and collapses each group of reads that share a locus and a
  corrected barcode into one consensus record.  For more information,
  see github.com/grailbio/umidedup/dedup/doc.go
*/

import (
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/umidedup/dedup"
	"github.com/grailbio/umidedup/encoding/collapsed"
	"github.com/grailbio/umidedup/encoding/fasta"
	"github.com/grailbio/umidedup/encoding/readrecord"
	"github.com/grailbio/umidedup/interval"
)

var (
	bamFile       = flag.String("bam", "", "Input BAM filename, sorted by coordinate")
	outputPath    = flag.String("output", "", "Output collapsed record TSV. A .gz suffix compresses the output.")
	histogramPath = flag.String("histogram", "", "Output duplication histogram TSV")
	mismatchPath  = flag.String("mismatch-table", "", "Output mismatch table TSV")
	referencePath = flag.String("reference", "", "Reference FASTA, used for reads without an MD tag")
	bedPath       = flag.String("bed", "", "Only process reads overlapping the intervals in this BED file")
	region        = flag.String("region", "", "Only process reads overlapping this region, as ref, ref:pos or ref:first-last (1-based)")
	umiFile       = flag.String("umi-file", "", "snap barcodes to the known UMIs in this file, and drop reads that cannot be snapped")
	umiTag        = flag.String("umi-tag", readrecord.DefaultOpts.UMITag, "aux tag holding the barcode. Reads without it take the barcode from the last ':' field of the read name.")
	minReads      = flag.Int("min-reads", dedup.DefaultOpts.MinReads, "minimum number of reads in a UMI group for it to be reported")
	minMapQ       = flag.Int("min-mapq", readrecord.DefaultOpts.MinMapQ, "drop reads with a lower mapping quality")
	flagExclude   = flag.String("flag-exclude", fmt.Sprintf("%#x", int(readrecord.DefaultOpts.FlagExclude)), "drop reads with any of these SAM flags set")
	parallelism   = flag.Int("parallelism", runtime.NumCPU(), "Number of loci collapsed in parallel")
	queueLength   = flag.Int("queue-length", dedup.DefaultOpts.QueueLength, "Number of loci queued while waiting for a worker")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *bamFile == "" || *outputPath == "" {
		log.Fatalf("-bam and -output are required")
	}
	exclude, err := strconv.ParseUint(*flagExclude, 0, 16)
	if err != nil {
		log.Fatalf("-flag-exclude %q: %v", *flagExclude, err)
	}

	ctx := vcontext.Background()
	readOpts := readrecord.Opts{
		UMITag:      *umiTag,
		FlagExclude: sam.Flags(exclude),
		MinMapQ:     *minMapQ,
	}
	if *umiFile != "" {
		if readOpts.KnownUMIs, err = file.ReadFile(ctx, *umiFile); err != nil {
			log.Fatalf("reading %s: %v", *umiFile, err)
		}
	}
	if *referencePath != "" {
		if readOpts.Reference, err = fasta.Open(ctx, *referencePath); err != nil {
			log.Fatalf("reading %s: %v", *referencePath, err)
		}
	}
	switch {
	case *bedPath != "" && *region != "":
		log.Fatalf("-bed and -region are mutually exclusive")
	case *bedPath != "":
		if readOpts.Targets, err = interval.OpenBED(ctx, *bedPath); err != nil {
			log.Fatalf("reading %s: %v", *bedPath, err)
		}
	case *region != "":
		entry, err := interval.ParseRegion(*region)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if readOpts.Targets, err = interval.NewTargets([]interval.Entry{entry}); err != nil {
			log.Fatalf("%v", err)
		}
	}
	opts := dedup.Opts{
		MinReads:    *minReads,
		Parallelism: *parallelism,
		QueueLength: *queueLength,
	}

	in, err := readrecord.Open(ctx, *bamFile, &readOpts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	out, err := collapsed.Create(ctx, *outputPath, in.Conditions())
	if err != nil {
		log.Fatalf("%v", err)
	}
	metrics, err := dedup.Run(ctx, in, out, &opts)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := out.Close(); err != nil {
		log.Fatalf("%v", err)
	}
	if err := in.Close(); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("read stats: %+v", in.Stats())

	if *histogramPath != "" {
		if err := collapsed.WriteFile(ctx, *histogramPath, metrics, collapsed.WriteHistogram); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *mismatchPath != "" {
		if err := collapsed.WriteFile(ctx, *mismatchPath, metrics, collapsed.WriteMismatchTable); err != nil {
			log.Fatalf("%v", err)
		}
	}
	log.Debug.Printf("exiting")
}
