package readrecord

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/umidedup/dedup"
)

const maxInt = int(^uint(0) >> 1)

// Stats counts what a Reader did with its input.
type Stats struct {
	// Records is the number of SAM records read.
	Records int64
	// Filtered is the number of records dropped by Opts.FlagExclude or
	// Opts.MinMapQ, or because they were unmapped.
	Filtered int64
	// Unsnapped is the number of records dropped because their barcode
	// matched no known barcode.
	Unsnapped int64
	// Pairs and Singles count the fragments built.  A paired record whose
	// mate was dropped counts as a single.
	Pairs, Singles int64
	// Loci is the number of LocusGroups produced.
	Loci int64
}

// pendingMate is a paired alignment whose mate has not been read yet.
type pendingMate struct {
	a       *Alignment
	matePos int
	done    bool
}

// expiryKey orders pending mates by the position of their mate.
type expiryKey struct {
	matePos int
	name    string
}

func (k expiryKey) Compare(c llrb.Comparable) int {
	o := c.(expiryKey)
	if k.matePos != o.matePos {
		return k.matePos - o.matePos
	}
	return strings.Compare(k.name, o.name)
}

// openLocus collects the fragments of one locus until no later record
// can join it.
type openLocus struct {
	start   int
	key     string
	group   *dedup.LocusGroup
	records map[string]int
}

func (l *openLocus) Compare(c llrb.Comparable) int {
	o := c.(*openLocus)
	if l.start != o.start {
		return l.start - o.start
	}
	return strings.Compare(l.key, o.key)
}

// Reader groups the alignments of a coordinate-sorted BAM stream by
// locus.  It implements dedup.LocusIterator.
//
// Mates on the same reference are joined into one fragment.  A locus is
// produced once the input has moved past its start and no pending mate
// could still extend it, so memory holds only the loci that overlap the
// current position or an unresolved pair.  Loci are produced in order of
// their start on each reference.
type Reader struct {
	x     *Extractor
	in    *bam.Reader
	close func() error

	refID   int
	lastPos int
	pending map[string]*pendingMate
	// queue holds pending mates in order of their own start; entries
	// whose mate has been found are skipped lazily.
	queue  []*pendingMate
	expiry llrb.Tree
	open   map[string]*openLocus
	starts llrb.Tree

	ready []*dedup.LocusGroup
	cur   *dedup.LocusGroup
	err   error
	eof   bool
	stats Stats
}

// NewReader returns a Reader over an open BAM stream.  The caller
// remains responsible for closing in.
func NewReader(in *bam.Reader, opts *Opts) (*Reader, error) {
	x, err := NewExtractor(in.Header(), opts)
	if err != nil {
		return nil, err
	}
	return &Reader{
		x:       x,
		in:      in,
		refID:   -1,
		pending: map[string]*pendingMate{},
		open:    map[string]*openLocus{},
	}, nil
}

// Open opens the BAM file at path, which may be local or on S3.  The
// Reader must be closed.
func Open(ctx context.Context, path string, opts *Opts) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	in, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		_ = f.Close(ctx)
		return nil, errors.E(err, path)
	}
	r, err := NewReader(in, opts)
	if err != nil {
		_ = in.Close()
		_ = f.Close(ctx)
		return nil, err
	}
	r.close = func() error {
		e := errors.Once{}
		e.Set(in.Close())
		e.Set(f.Close(ctx))
		return e.Err()
	}
	return r, nil
}

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Conditions returns the read group names, indexed by condition.
func (r *Reader) Conditions() []string { return r.x.Conditions() }

// Stats returns the counts accumulated so far.
func (r *Reader) Stats() Stats { return r.stats }

// Scan implements dedup.LocusIterator.
func (r *Reader) Scan() bool {
	for len(r.ready) == 0 {
		if r.err != nil || r.eof {
			return false
		}
		r.step()
	}
	r.cur, r.ready = r.ready[0], r.ready[1:]
	return true
}

// Group implements dedup.LocusIterator.
func (r *Reader) Group() *dedup.LocusGroup { return r.cur }

// Err implements dedup.LocusIterator.
func (r *Reader) Err() error { return r.err }

// step consumes one record.
func (r *Reader) step() {
	rec, err := r.in.Read()
	if err == io.EOF {
		r.flush()
		r.eof = true
		log.Debug.Printf("readrecord: %+v", r.stats)
		return
	}
	if err != nil {
		r.err = errors.E(err, "reading bam")
		return
	}
	r.stats.Records++
	if r.x.Filtered(rec) {
		r.stats.Filtered++
		return
	}
	switch id := rec.Ref.ID(); {
	case id < r.refID, id == r.refID && rec.Pos < r.lastPos:
		r.err = errors.E(errors.Invalid, fmt.Sprintf("input is not coordinate sorted at %s:%d (read %s)",
			rec.Ref.Name(), rec.Pos+1, rec.Name))
		return
	case id != r.refID:
		r.flush()
		r.refID = id
	}
	r.lastPos = rec.Pos
	r.expire(rec.Pos)

	a, err := r.x.Extract(rec)
	if err != nil {
		r.err = err
		return
	}
	if a == nil {
		r.stats.Unsnapped++
	} else {
		r.add(rec, a)
	}
	r.release(r.threshold(rec.Pos))
}

// add pairs a with a pending mate or queues it.
func (r *Reader) add(rec *sam.Record, a *Alignment) {
	paired := rec.Flags&sam.Paired != 0 && rec.Flags&sam.MateUnmapped == 0 &&
		rec.MateRef != nil && rec.MateRef.ID() == rec.Ref.ID()
	if !paired {
		r.addFragment(newSingle(a))
		r.stats.Singles++
		return
	}
	if p, ok := r.pending[a.Name]; ok {
		delete(r.pending, a.Name)
		p.done = true
		r.expiry.Delete(expiryKey{p.matePos, a.Name})
		r.addFragment(newPair(p.a, a))
		r.stats.Pairs++
		return
	}
	if rec.MatePos < rec.Pos {
		// The mate came first and was dropped.
		r.addFragment(newSingle(a))
		r.stats.Singles++
		return
	}
	p := &pendingMate{a: a, matePos: rec.MatePos}
	r.pending[a.Name] = p
	r.queue = append(r.queue, p)
	r.expiry.Insert(expiryKey{rec.MatePos, a.Name})
}

// expire turns pending mates whose mate should have appeared before pos
// into single-read fragments.
func (r *Reader) expire(pos int) {
	for r.expiry.Len() > 0 {
		k := r.expiry.Min().(expiryKey)
		if k.matePos >= pos {
			return
		}
		r.expiry.DeleteMin()
		p := r.pending[k.name]
		delete(r.pending, k.name)
		p.done = true
		r.addFragment(newSingle(p.a))
		r.stats.Singles++
	}
}

// threshold returns the smallest start a fragment completed after the
// current record at pos could have.
func (r *Reader) threshold(pos int) int {
	for len(r.queue) > 0 && r.queue[0].done {
		r.queue[0] = nil
		r.queue = r.queue[1:]
	}
	if len(r.queue) > 0 && r.queue[0].a.Start() < pos {
		return r.queue[0].a.Start()
	}
	return pos
}

func (r *Reader) addFragment(f *fragment) {
	key := f.locus.String()
	l, ok := r.open[key]
	if !ok {
		l = &openLocus{
			start:   f.locus.Start(),
			key:     key,
			group:   &dedup.LocusGroup{Locus: f.locus},
			records: map[string]int{},
		}
		r.open[key] = l
		r.starts.Insert(l)
	}
	k := f.key()
	i, ok := l.records[k]
	if !ok {
		i = len(l.group.Records)
		l.records[k] = i
		l.group.Records = append(l.group.Records, f.record)
	}
	rec := &l.group.Records[i]
	for len(rec.Counts) <= f.condition {
		rec.Counts = append(rec.Counts, 0)
	}
	rec.Counts[f.condition]++
}

// release moves every open locus starting before threshold to the
// ready list.
func (r *Reader) release(threshold int) {
	for r.starts.Len() > 0 {
		l := r.starts.Min().(*openLocus)
		if l.start >= threshold {
			return
		}
		r.starts.DeleteMin()
		delete(r.open, l.key)
		r.ready = append(r.ready, l.group)
		r.stats.Loci++
	}
}

// flush releases everything held for the current reference.
func (r *Reader) flush() {
	r.expire(maxInt)
	r.queue = nil
	r.release(maxInt)
}
