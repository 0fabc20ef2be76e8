package dedup

import (
	"runtime"

	"github.com/grailbio/base/errors"
)

// Corrector maps each barcode observed at a locus to the canonical
// barcode its reads belong to.
type Corrector interface {
	Correct(counts map[string]int) map[string]string
}

// Opts controls collapsing.
type Opts struct {
	// MinReads is the smallest number of reads a UMI group needs to
	// produce a collapsed record.
	MinReads int
	// Parallelism is the number of loci collapsed concurrently by Run.
	// Zero means runtime.NumCPU().
	Parallelism int
	// QueueLength bounds the number of loci buffered between the input
	// iterator, the workers, and the sink.
	QueueLength int
	// Corrector groups barcodes.  Nil means umi.GraphCorrector.
	Corrector Corrector
}

// DefaultOpts are the default options.
var DefaultOpts = Opts{
	MinReads:    1,
	Parallelism: 0,
	QueueLength: 64,
}

func validate(opts *Opts) error {
	if opts.MinReads < 1 {
		return errors.E(errors.Invalid, "min-reads must be at least 1")
	}
	if opts.Parallelism < 0 {
		return errors.E(errors.Invalid, "parallelism must be non-negative")
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.QueueLength <= 0 {
		return errors.E(errors.Invalid, "queue-length must be positive")
	}
	return nil
}
