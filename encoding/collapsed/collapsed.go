// Package collapsed writes the output of dedup as tab-separated text:
// the collapsed records, the duplication histogram and the mismatch
// table.  Paths ending in ".gz" are gzip-compressed.
package collapsed

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/umidedup/dedup"
	"github.com/klauspost/compress/gzip"
)

// Header is the first line of a collapsed-record file.
const Header = "#REF\tSTRAND\tREGION\tCONDITION\tUMI\tMULTIPLICITY\tREADS\tCOUNT\tEDITS"

// output is a possibly compressed destination opened by create.
type output struct {
	ctx context.Context
	f   file.File
	gz  *gzip.Writer
	w   io.Writer
}

func create(ctx context.Context, path string) (*output, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	o := &output{ctx: ctx, f: f, w: f.Writer(ctx)}
	if strings.HasSuffix(path, ".gz") {
		o.gz = gzip.NewWriter(o.w)
		o.w = o.gz
	}
	return o, nil
}

func (o *output) close() error {
	e := errors.Once{}
	if o.gz != nil {
		e.Set(o.gz.Close())
	}
	e.Set(o.f.Close(o.ctx))
	return e.Err()
}

// Writer writes collapsed records.  It implements dedup.Sink and is safe
// for concurrent use.
type Writer struct {
	mu         sync.Mutex
	conditions []string
	w          *tsv.Writer
	out        *output
	err        error
}

// NewWriter returns a Writer that writes the header and then records to
// w.  conditions names the conditions by index; a condition without a
// name is written as its index.
func NewWriter(w io.Writer, conditions []string) *Writer {
	cw := &Writer{conditions: conditions, w: tsv.NewWriter(w)}
	cw.w.WriteString(Header)
	cw.err = cw.w.EndLine()
	return cw
}

// Create creates the file at path and returns a Writer for it.  The
// Writer must be closed.
func Create(ctx context.Context, path string, conditions []string) (*Writer, error) {
	out, err := create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := NewWriter(out.w, conditions)
	w.out = out
	return w, nil
}

func (w *Writer) condition(c int) string {
	if c < len(w.conditions) && w.conditions[c] != "" {
		return w.conditions[c]
	}
	return strconv.Itoa(c)
}

// Write implements dedup.Sink.
func (w *Writer) Write(records []dedup.CollapsedRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	for i := range records {
		r := &records[i]
		w.w.WriteString(r.Locus.Ref)
		w.w.WriteByte(r.Locus.Strand)
		w.w.WriteString(r.Locus.RegionString())
		w.w.WriteString(w.condition(r.Condition))
		w.w.WriteString(r.UMI)
		w.w.WriteString(strconv.Itoa(r.Multiplicity))
		w.w.WriteString(strconv.Itoa(r.Reads))
		w.w.WriteString(strconv.Itoa(r.Count))
		w.w.WriteString(dedup.FormatEdits(r.Edits))
		if w.err = w.w.EndLine(); w.err != nil {
			return w.err
		}
	}
	return nil
}

// Close flushes buffered output and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := errors.Once{}
	e.Set(w.err)
	e.Set(w.w.Flush())
	if w.out != nil {
		e.Set(w.out.close())
	}
	return e.Err()
}

// WriteHistogram writes the duplication histogram of m to w, one row
// per group size.
func WriteHistogram(w io.Writer, m *dedup.Metrics) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("DUPLICATES\tFREQUENCY")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, row := range m.Histogram() {
		tw.WriteString(strconv.Itoa(row.Duplicates))
		tw.WriteString(strconv.FormatInt(row.Frequency, 10))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteMismatchTable writes the mismatch table of m to w, one row per
// base change.
func WriteMismatchTable(w io.Writer, m *dedup.Metrics) error {
	tw := tsv.NewWriter(w)
	tw.WriteString("REF_BASE\tREAD_BASE\tRETAINED\tRETAINED_DUPLICATE\tTOTAL")
	if err := tw.EndLine(); err != nil {
		return err
	}
	for _, row := range m.MismatchTable() {
		tw.WriteByte(row.Ref)
		tw.WriteByte(row.Read)
		tw.WriteString(strconv.FormatInt(row.Retained, 10))
		tw.WriteString(strconv.FormatInt(row.RetainedDuplicate, 10))
		tw.WriteString(strconv.FormatInt(row.Total, 10))
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteFile creates path and writes a table to it with fn, which is
// WriteHistogram or WriteMismatchTable.
func WriteFile(ctx context.Context, path string, m *dedup.Metrics, fn func(io.Writer, *dedup.Metrics) error) (err error) {
	out, err := create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.close(); e != nil && err == nil {
			err = errors.E(e, path)
		}
	}()
	if err = fn(out.w, m); err != nil {
		return errors.E(err, path)
	}
	return nil
}
