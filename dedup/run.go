package dedup

import (
	"context"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// LocusIterator yields the loci to collapse.  The LocusGroup returned by
// Group must remain valid after the following call to Scan.
type LocusIterator interface {
	// Scan advances to the next locus.  It returns false at the end of
	// the input or on error.
	Scan() bool
	// Group returns the current locus.
	Group() *LocusGroup
	// Err returns the error, if any, that stopped Scan.
	Err() error
}

// Sink consumes collapsed records.  Write is called with the records of
// one locus at a time, from a single goroutine.
type Sink interface {
	Write(records []CollapsedRecord) error
}

// Run collapses every locus produced by iter and writes the results to
// sink.  Loci are collapsed by opts.Parallelism workers, so the order of
// loci in the output may differ from the input; the records of one locus
// are always written together, in condition order.
//
// Run stops at the first error returned by iter, by Collapse or by sink.
// Loci already written are not retracted.
func Run(ctx context.Context, iter LocusIterator, sink Sink, opts *Opts) (*Metrics, error) {
	o := *opts
	if err := validate(&o); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		e          errors.Once
		metrics    = NewMetrics()
		loci       = make(chan *LocusGroup, o.QueueLength)
		results    = make(chan []CollapsedRecord, o.QueueLength)
		writerDone = make(chan struct{})
		start      = time.Now()
	)
	fail := func(err error) {
		if err != nil {
			e.Set(err)
			cancel()
		}
	}

	go func() {
		defer close(loci)
		for iter.Scan() {
			select {
			case loci <- iter.Group():
			case <-runCtx.Done():
				return
			}
		}
		fail(iter.Err())
	}()

	go func() {
		defer close(writerDone)
		for records := range results {
			// After a failure, keep draining so that workers never block.
			if runCtx.Err() != nil {
				continue
			}
			fail(sink.Write(records))
		}
	}()

	log.Printf("dedup: collapsing loci with %d workers", o.Parallelism)
	fail(traverse.Each(o.Parallelism, func(worker int) error {
		local := NewMetrics()
		for group := range loci {
			if runCtx.Err() != nil {
				continue
			}
			records, m, err := Collapse(group, &o)
			if err != nil {
				fail(err)
				continue
			}
			local.Merge(m)
			if len(records) > 0 {
				results <- records
			}
		}
		log.Debug.Printf("dedup: worker %d done: %d loci, %d reads", worker, local.Loci, local.Reads)
		metrics.Merge(local)
		return nil
	}))
	close(results)
	<-writerDone

	if err := e.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Printf("dedup: %d loci, %d reads, %d umi groups, %d records in %v",
		metrics.Loci, metrics.Reads, metrics.Groups, metrics.Retained, time.Since(start))
	return metrics, nil
}
