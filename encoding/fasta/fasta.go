// Package fasta loads reference sequences from FASTA files.  A FASTA
// file is a series of named sequences, each possibly split over several
// lines:
//
// >chr7
// ACGTAC
// GAGGAC
// >chr8 some description
// ACGT
//
// The name is the text after '>' up to the first space.  Bases are
// upper-cased on load, so soft-masked references compare equal to read
// sequences.
package fasta

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const maxLineLength = 1 << 28

// Fasta holds every sequence of a FASTA file in memory.  It is safe for
// concurrent use once loaded.
type Fasta struct {
	seqs  map[string]string
	names []string
}

// New reads FASTA data from r.
func New(r io.Reader) (*Fasta, error) {
	f := &Fasta{seqs: map[string]string{}}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineLength)
	var (
		name string
		seq  bytes.Buffer
	)
	flush := func() error {
		if name == "" {
			if seq.Len() > 0 {
				return errors.New("sequence data before the first '>' line")
			}
			return nil
		}
		if _, ok := f.seqs[name]; ok {
			return errors.Errorf("duplicate sequence %s", name)
		}
		f.seqs[name] = string(bytes.ToUpper(seq.Bytes()))
		f.names = append(f.names, name)
		seq.Reset()
		return nil
	}
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] != '>' {
			seq.Write(line)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		name = strings.SplitN(string(line[1:]), " ", 2)[0]
		if name == "" {
			return nil, errors.New("empty sequence name")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return f, nil
}

// Open loads the FASTA file at path, which may be local or on S3.  A
// path ending in ".gz" is decompressed.
func Open(ctx context.Context, path string) (_ *Fasta, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", path)
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	f, err := New(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return f, nil
}

// Get returns bases [start, end) of the named sequence.
func (f *Fasta) Get(name string, start, end int) (string, error) {
	s, ok := f.seqs[name]
	if !ok {
		return "", errors.Errorf("sequence not found: %s", name)
	}
	if start < 0 || end < start || end > len(s) {
		return "", errors.Errorf("invalid range %d-%d for sequence %s of length %d", start, end, name, len(s))
	}
	return s[start:end], nil
}

// Len returns the length of the named sequence.
func (f *Fasta) Len(name string) (int, error) {
	s, ok := f.seqs[name]
	if !ok {
		return 0, errors.Errorf("sequence not found: %s", name)
	}
	return len(s), nil
}

// SeqNames returns the sequence names in file order.
func (f *Fasta) SeqNames() []string {
	return f.names
}
