package dedup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/umidedup/umi"
)

func (o *Opts) corrector() Corrector {
	if o.Corrector == nil {
		return umi.GraphCorrector{}
	}
	return o.Corrector
}

func (o *Opts) minReads() int {
	if o.MinReads < 1 {
		return 1
	}
	return o.MinReads
}

// recordKey is a canonical encoding of everything in a ReadRecord but
// its counts.
func recordKey(r *ReadRecord) string {
	var sb strings.Builder
	sb.WriteString(r.UMI)
	sb.WriteByte('|')
	sb.WriteString(FormatEdits(r.Edits))
	sb.WriteByte('|')
	if g := r.Geometry; g != nil {
		fmt.Fprintf(&sb, "%d,%d,%d", g.Before, g.Overlap, g.After)
	}
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(r.Multiplicity))
	return sb.String()
}

// canonicalOrder returns the indices of records sorted by barcode, then
// by recordKey, so that the result of collapsing does not depend on the
// order the records arrived in.
func canonicalOrder(records []ReadRecord) []int {
	keys := make([]string, len(records))
	order := make([]int, len(records))
	for i := range records {
		keys[i] = recordKey(&records[i])
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return keys[order[i]] < keys[order[j]] })
	return order
}

// Collapse corrects the barcodes of one locus and returns one collapsed
// record per condition per retained UMI group, with conditions in
// ascending order, together with the locus's metrics.
//
// Either every record of the locus is returned or an error is.  An
// error of kind errors.Integrity means an internal invariant was
// violated (reads lost or double counted, inconsistent mismatch votes);
// the caller should abort the run.
func Collapse(group *LocusGroup, opts *Opts) ([]CollapsedRecord, *Metrics, error) {
	metrics := NewMetrics()
	metrics.Loci = 1
	order := canonicalOrder(group.Records)
	var out []CollapsedRecord
	for cond := 0; cond < group.numConditions(); cond++ {
		var err error
		if out, err = collapseCondition(group, order, cond, opts, metrics, out); err != nil {
			return nil, nil, errors.E(err, fmt.Sprintf("locus %v, condition %d", group.Locus, cond))
		}
	}
	return out, metrics, nil
}

// collapseCondition appends the collapsed records of one condition to
// out.
func collapseCondition(group *LocusGroup, order []int, cond int, opts *Opts, metrics *Metrics,
	out []CollapsedRecord) ([]CollapsedRecord, error) {
	start := group.Locus.Start()
	counts := map[string]int{}
	byUMI := map[string]*umiGroup{}
	input := 0
	for _, i := range order {
		rec := &group.Records[i]
		n := rec.count(cond)
		if n < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("umi %s: negative read count %d", rec.UMI, n))
		}
		if n == 0 {
			continue
		}
		g, ok := byUMI[rec.UMI]
		if !ok {
			g = newUMIGroup(rec.UMI)
			byUMI[rec.UMI] = g
		}
		g.absorbRead(rec, n, start)
		counts[rec.UMI] += n
		input += n
	}
	if input == 0 {
		return out, nil
	}

	umis := make([]string, 0, len(byUMI))
	for u := range byUMI {
		umis = append(umis, u)
	}
	sort.Strings(umis)
	canonical := opts.corrector().Correct(counts)

	merged := map[string]*umiGroup{}
	var roots []string
	for _, u := range umis {
		if canonical[u] == u {
			merged[u] = byUMI[u]
			roots = append(roots, u)
		}
	}
	for _, u := range umis {
		root, ok := canonical[u]
		if !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("umi %s: no canonical barcode", u))
		}
		if root == u {
			continue
		}
		dst, ok := merged[root]
		if !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("umi %s: absorbed into %s, which is not canonical", u, root))
		}
		if log.At(log.Debug) {
			log.Debug.Printf("%v: condition %d: umi %s (%d reads) absorbed into %s (%d reads)",
				group.Locus, cond, u, byUMI[u].reads, root, dst.reads)
		}
		dst.absorbGroup(byUMI[u])
	}

	grouped := 0
	for _, r := range roots {
		grouped += merged[r].reads
	}
	if grouped != input {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%d reads in, %d reads after barcode correction", input, grouped))
	}

	minReads := opts.minReads()
	expected, emitted := 0, 0
	for _, r := range roots {
		g := merged[r]
		for change, n := range g.observed {
			metrics.mismatch(change).Total += int64(n)
		}
		if g.reads < minReads {
			continue
		}
		expected++
		c, err := resolve(g, start)
		if err != nil {
			return nil, err
		}
		rec := CollapsedRecord{
			Locus:        group.Locus,
			Condition:    cond,
			UMI:          g.umi,
			Edits:        c.edits,
			Multiplicity: g.minMultiplicity,
			Count:        1,
			Reads:        g.reads,
		}
		out = append(out, rec)
		emitted += rec.Count

		metrics.DupHistogram[g.reads]++
		for _, rc := range c.retained {
			s := metrics.mismatch(rc.change)
			s.Retained++
			s.RetainedDuplicate += int64(rc.votes)
		}
		if c.fallback {
			metrics.Fallbacks++
		}
	}
	if emitted != expected {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("emitted %d molecules, expected %d", emitted, expected))
	}
	metrics.Reads += int64(input)
	metrics.Groups += int64(len(roots))
	metrics.Retained += int64(emitted)
	return out, nil
}
