// Package readrecord turns coordinate-sorted alignments into the
// per-locus ReadRecords consumed by dedup.
package readrecord

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/umidedup/dedup"
	"github.com/grailbio/umidedup/umi"
)

var (
	mdTag = sam.NewTag("MD")
	nhTag = sam.NewTag("NH")
	rgTag = sam.NewTag("RG")

	umiRE = regexp.MustCompile(`^[ACGTN]+(\+[ACGTN]+)*$`)
)

// Alignment is the part of one SAM record needed to build ReadRecords.
type Alignment struct {
	Name  string
	RefID int
	Ref   string
	// Spans are the reference intervals covered by the alignment, split
	// at skipped (N) CIGAR operations.
	Spans        []dedup.Span
	Reverse      bool
	Mate         dedup.Mate
	UMI          string
	Condition    int
	Multiplicity int
	// Edits are in CIGAR order, soft clips included.
	Edits []dedup.Edit
}

// Start returns the leftmost reference position of the alignment.
func (a *Alignment) Start() int { return a.Spans[0].Start }

// End returns one past the rightmost reference position.
func (a *Alignment) End() int { return a.Spans[len(a.Spans)-1].End }

// Extractor converts sam.Records into Alignments.
type Extractor struct {
	opts       Opts
	umiTag     sam.Tag
	conditions map[string]int
	names      []string
	snap       *umi.SnapCorrector
}

// NewExtractor returns an Extractor for records carrying the given
// header.  Conditions are numbered in the order of the header's read
// groups.
func NewExtractor(header *sam.Header, opts *Opts) (*Extractor, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	x := &Extractor{opts: *opts, conditions: map[string]int{}}
	if opts.UMITag != "" {
		x.umiTag = sam.NewTag(opts.UMITag)
	}
	for i, rg := range header.RGs() {
		x.conditions[rg.Name()] = i
		x.names = append(x.names, rg.Name())
	}
	if len(opts.KnownUMIs) > 0 {
		snap, err := umi.NewSnapCorrector(opts.KnownUMIs)
		if err != nil {
			return nil, err
		}
		x.snap = snap
	}
	return x, nil
}

// Conditions returns the read group names, indexed by condition.
func (x *Extractor) Conditions() []string {
	return x.names
}

// Filtered reports whether r is dropped by the flag, mapping quality or
// target filters.
func (x *Extractor) Filtered(r *sam.Record) bool {
	if r.Ref == nil || r.Pos < 0 ||
		r.Flags&(sam.Unmapped|x.opts.FlagExclude) != 0 ||
		int(r.MapQ) < x.opts.MinMapQ {
		return true
	}
	if x.opts.Targets != nil {
		span, _ := r.Cigar.Lengths()
		return !x.opts.Targets.Overlaps(r.Ref.Name(), r.Pos, r.Pos+span)
	}
	return false
}

// Extract returns the Alignment of r.  It returns nil, with no error,
// when the barcode of r cannot be snapped to a known barcode.
func (x *Extractor) Extract(r *sam.Record) (*Alignment, error) {
	a := &Alignment{
		Name:         r.Name,
		RefID:        r.Ref.ID(),
		Ref:          r.Ref.Name(),
		Reverse:      r.Flags&sam.Reverse != 0,
		Multiplicity: 1,
	}
	if r.Flags&sam.Read2 != 0 {
		a.Mate = dedup.MateSecond
	}

	u, err := x.umi(r)
	if err != nil {
		return nil, errors.E(err, "read", r.Name)
	}
	if x.snap != nil {
		var ok bool
		if u, ok = x.snap.Snap(u); !ok {
			return nil, nil
		}
	}
	a.UMI = u

	if aux := r.AuxFields.Get(rgTag); aux != nil {
		name, _ := aux.Value().(string)
		c, ok := x.conditions[name]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("read %s: read group %q is not in the header", r.Name, name))
		}
		a.Condition = c
	}
	if aux := r.AuxFields.Get(nhTag); aux != nil {
		if n, ok := auxInt(aux); ok && n > 0 {
			a.Multiplicity = n
		}
	}
	if err := x.walk(r, a); err != nil {
		return nil, errors.E(err, "read", r.Name)
	}
	return a, nil
}

func (x *Extractor) umi(r *sam.Record) (string, error) {
	var raw string
	if x.opts.UMITag != "" {
		if aux := r.AuxFields.Get(x.umiTag); aux != nil {
			raw, _ = aux.Value().(string)
		}
	}
	if raw == "" {
		if i := strings.LastIndexByte(r.Name, ':'); i >= 0 {
			raw = r.Name[i+1:]
		}
	}
	return ParseUMI(raw)
}

// ParseUMI validates a barcode and normalizes it to upper case with '+'
// between its components.
func ParseUMI(s string) (string, error) {
	s = strings.ToUpper(strings.Replace(s, "-", umi.Separator, -1))
	if !umiRE.MatchString(s) {
		return "", errors.E(errors.Invalid, fmt.Sprintf("malformed umi %q", s))
	}
	return s, nil
}

// auxInt returns the value of an integer aux field.
func auxInt(aux sam.Aux) (int, bool) {
	switch v := aux.Value().(type) {
	case int8:
		return int(v), true
	case uint8:
		return int(v), true
	case int16:
		return int(v), true
	case uint16:
		return int(v), true
	case int32:
		return int(v), true
	case uint32:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// parseMD returns the reference bases of the mismatches listed in an MD
// tag, keyed by their offset among the bases the tag describes, and the
// number of bases it describes.
func parseMD(md string) (map[int]byte, int, error) {
	mismatches := map[int]byte{}
	off := 0
	for i := 0; i < len(md); {
		c := md[i]
		switch {
		case c >= '0' && c <= '9':
			j := i
			for j < len(md) && md[j] >= '0' && md[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(md[i:j])
			if err != nil {
				return nil, 0, errors.E(errors.Invalid, "MD tag", md, err)
			}
			off += n
			i = j
		case c == '^':
			i++
			for i < len(md) && isBase(md[i]) {
				i++
				off++
			}
		case isBase(c):
			mismatches[off] = upper(c)
			off++
			i++
		default:
			return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("MD tag %q: unexpected %q", md, c))
		}
	}
	return mismatches, off, nil
}

func isBase(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}

// walk fills in the spans and edits of a from the CIGAR of r, taking
// reference bases from the MD tag or, failing that, the reference.
func (x *Extractor) walk(r *sam.Record, a *Alignment) error {
	seq := r.Seq.Expand()
	var queryLen, refLen, mdLen int
	for _, op := range r.Cigar {
		consumes := op.Type().Consumes()
		queryLen += op.Len() * consumes.Query
		refLen += op.Len() * consumes.Reference
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch, sam.CigarDeletion:
			mdLen += op.Len()
		}
	}
	if len(seq) != queryLen {
		return errors.E(errors.Invalid, fmt.Sprintf("sequence has %d bases, CIGAR %v needs %d", len(seq), r.Cigar, queryLen))
	}

	var (
		mismatches map[int]byte
		ref        string
	)
	if aux := r.AuxFields.Get(mdTag); aux != nil {
		md, _ := aux.Value().(string)
		var (
			n   int
			err error
		)
		if mismatches, n, err = parseMD(md); err != nil {
			return err
		}
		if n != mdLen {
			return errors.E(errors.Invalid, fmt.Sprintf("MD tag %q describes %d bases, CIGAR %v has %d", md, n, r.Cigar, mdLen))
		}
	} else if x.opts.Reference != nil {
		var err error
		if ref, err = x.opts.Reference.Get(a.Ref, r.Pos, r.Pos+refLen); err != nil {
			return errors.E(errors.Invalid, err)
		}
	} else if mdLen > 0 {
		return errors.E(errors.Invalid, "no MD tag and no reference")
	}

	var (
		refPos, readPos, mdOff = r.Pos, 0, 0
		spanStart              = r.Pos
		aligned                bool
	)
	for _, op := range r.Cigar {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for j := 0; j < n; j++ {
				readBase := upper(seq[readPos+j])
				var refBase byte
				if mismatches != nil {
					b, ok := mismatches[mdOff+j]
					if !ok {
						continue
					}
					refBase = b
				} else {
					refBase = ref[refPos+j-r.Pos]
					if refBase == readBase {
						continue
					}
				}
				a.Edits = append(a.Edits, dedup.NewMismatch(refPos+j, refBase, readBase, a.Mate))
			}
			refPos += n
			readPos += n
			mdOff += n
			aligned = true
		case sam.CigarInsertion:
			a.Edits = append(a.Edits, dedup.NewInsertion(refPos, string(seq[readPos:readPos+n])))
			readPos += n
			aligned = true
		case sam.CigarDeletion:
			a.Edits = append(a.Edits, dedup.NewDeletion(refPos, n))
			refPos += n
			mdOff += n
			aligned = true
		case sam.CigarSkipped:
			if refPos > spanStart {
				a.Spans = append(a.Spans, dedup.Span{Start: spanStart, End: refPos})
			}
			refPos += n
			spanStart = refPos
			aligned = true
		case sam.CigarSoftClipped:
			// The left end is the 5' end of a forward read.
			side := dedup.FivePrime
			if aligned != a.Reverse {
				side = dedup.ThreePrime
			}
			a.Edits = append(a.Edits, dedup.NewSoftclip(side, a.Mate, string(seq[readPos:readPos+n])))
			readPos += n
		case sam.CigarHardClipped, sam.CigarPadded:
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("unsupported CIGAR operation %v", op))
		}
	}
	if refPos > spanStart || len(a.Spans) == 0 {
		a.Spans = append(a.Spans, dedup.Span{Start: spanStart, End: refPos})
	}
	return nil
}
