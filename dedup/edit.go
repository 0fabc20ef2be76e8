package dedup

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the variant held by an Edit.
type Kind uint8

const (
	// Mismatch is a single reference base read as a different base.
	Mismatch Kind = iota
	// Insertion is a run of read bases absent from the reference.
	Insertion
	// Deletion is a run of reference bases absent from the read.
	Deletion
	// Softclip is an unaligned flank of a read.
	Softclip
)

func (k Kind) String() string {
	switch k {
	case Mismatch:
		return "mismatch"
	case Insertion:
		return "insertion"
	case Deletion:
		return "deletion"
	case Softclip:
		return "softclip"
	}
	panic(fmt.Sprintf("unknown edit kind %d", k))
}

// Mate says which read of a pair reported an edit.
type Mate uint8

const (
	MateFirst Mate = iota
	MateSecond
	// MateBoth marks a consensus mismatch inside the overlap of a pair.
	MateBoth
)

// Side is the end of a read a soft clip sits on, relative to the
// read's own 5'->3' direction.
type Side uint8

const (
	FivePrime Side = iota
	ThreePrime
)

// Edit is one difference between a read and the reference at its
// locus.  Which fields are meaningful depends on Kind:
//
//   Mismatch:  Pos, RefBase, ReadBase, Mate
//   Insertion: Pos (the reference position the bases precede), Bases
//   Deletion:  Pos, Len
//   Softclip:  Side, Mate, Bases
//
// Positions are 0-based reference coordinates.
type Edit struct {
	Kind     Kind
	Pos      int
	Len      int
	RefBase  byte
	ReadBase byte
	Bases    string
	Mate     Mate
	Side     Side
}

// NewMismatch returns a Mismatch edit.
func NewMismatch(pos int, refBase, readBase byte, mate Mate) Edit {
	return Edit{Kind: Mismatch, Pos: pos, RefBase: refBase, ReadBase: readBase, Mate: mate}
}

// NewInsertion returns an Insertion edit.
func NewInsertion(pos int, bases string) Edit {
	return Edit{Kind: Insertion, Pos: pos, Bases: bases}
}

// NewDeletion returns a Deletion edit.
func NewDeletion(pos, length int) Edit {
	return Edit{Kind: Deletion, Pos: pos, Len: length}
}

// NewSoftclip returns a Softclip edit.
func NewSoftclip(side Side, mate Mate, bases string) Edit {
	return Edit{Kind: Softclip, Side: side, Mate: mate, Bases: bases}
}

// End returns one past the last reference position covered by a
// Deletion, and Pos+1 for a Mismatch.
func (e Edit) End() int {
	switch e.Kind {
	case Deletion:
		return e.Pos + e.Len
	case Mismatch:
		return e.Pos + 1
	case Insertion, Softclip:
		return e.Pos
	}
	panic(fmt.Sprintf("unknown edit kind %d", e.Kind))
}

// String renders the edit with 1-based positions:
//
//   X101:G>A (mismatch, "/1" "/2" or "/b" for the mate)
//   I101:ACG
//   D101:3
//   S5/1:TTG (5' soft clip of the first mate)
func (e Edit) String() string {
	switch e.Kind {
	case Mismatch:
		return fmt.Sprintf("X%d:%c>%c/%s", e.Pos+1, e.RefBase, e.ReadBase, e.Mate)
	case Insertion:
		return fmt.Sprintf("I%d:%s", e.Pos+1, e.Bases)
	case Deletion:
		return fmt.Sprintf("D%d:%d", e.Pos+1, e.Len)
	case Softclip:
		side := "5"
		if e.Side == ThreePrime {
			side = "3"
		}
		return fmt.Sprintf("S%s/%s:%s", side, e.Mate, e.Bases)
	}
	panic(fmt.Sprintf("unknown edit kind %d", e.Kind))
}

func (m Mate) String() string {
	switch m {
	case MateFirst:
		return "1"
	case MateSecond:
		return "2"
	case MateBoth:
		return "b"
	}
	return strconv.Itoa(int(m))
}

// FormatEdits joins the string form of edits with commas, or "." if
// there are none.
func FormatEdits(edits []Edit) string {
	if len(edits) == 0 {
		return "."
	}
	parts := make([]string, len(edits))
	for i, e := range edits {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// Geometry describes the layout of a read pair on the reference: Before
// bases covered by one mate only, then Overlap bases covered by both,
// then After bases covered by the other mate only.  Overlap <= 0 means
// the mates do not overlap (a negative value is the gap between them).
type Geometry struct {
	Before, Overlap, After int
}

// overlapRange returns the reference interval covered by both mates,
// given the fragment start.
func (g *Geometry) overlapRange(start int) (int, int) {
	if g == nil || g.Overlap <= 0 {
		return 0, 0
	}
	lo := start + g.Before
	return lo, lo + g.Overlap
}

func geometryEqual(a, b *Geometry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Span is a 0-based half-open reference interval.
type Span struct {
	Start, End int
}

// Locus is a reference sequence plus the set of intervals a read or
// read pair is aligned to.
type Locus struct {
	Ref    string
	Strand byte
	Region []Span
}

// Start returns the leftmost reference position of the locus.
func (l Locus) Start() int {
	if len(l.Region) == 0 {
		return 0
	}
	return l.Region[0].Start
}

// End returns one past the rightmost reference position of the locus.
func (l Locus) End() int {
	if len(l.Region) == 0 {
		return 0
	}
	return l.Region[len(l.Region)-1].End
}

// String renders the locus as ref:strand:start-end[,start-end...] with
// 1-based inclusive coordinates.
func (l Locus) String() string {
	var sb strings.Builder
	sb.WriteString(l.Ref)
	sb.WriteByte(':')
	sb.WriteByte(l.Strand)
	sb.WriteByte(':')
	sb.WriteString(l.RegionString())
	return sb.String()
}

// RegionString renders the region with 1-based inclusive coordinates.
func (l Locus) RegionString() string {
	parts := make([]string, len(l.Region))
	for i, s := range l.Region {
		parts[i] = fmt.Sprintf("%d-%d", s.Start+1, s.End)
	}
	return strings.Join(parts, ",")
}

// ReadRecord is one distinct aligned sequence at a locus: a unique
// combination of barcode, edits, multiplicity and geometry, together
// with how many reads of each condition carried it.
type ReadRecord struct {
	UMI          string
	Edits        []Edit
	Geometry     *Geometry
	Multiplicity int
	// Counts[c] is the number of reads of condition c.
	Counts []int
}

// count returns the number of reads of the given condition.
func (r *ReadRecord) count(condition int) int {
	if condition < len(r.Counts) {
		return r.Counts[condition]
	}
	return 0
}

// LocusGroup is every ReadRecord sharing one genomic footprint.
type LocusGroup struct {
	Locus   Locus
	Records []ReadRecord
}

// numConditions returns one more than the largest condition with a
// nonzero count.
func (g *LocusGroup) numConditions() int {
	n := 0
	for i := range g.Records {
		for c := len(g.Records[i].Counts) - 1; c >= n; c-- {
			if g.Records[i].Counts[c] != 0 {
				n = c + 1
				break
			}
		}
	}
	return n
}

// CollapsedRecord is the consensus of one UMI group in one condition.
type CollapsedRecord struct {
	Locus        Locus
	Condition    int
	UMI          string
	Edits        []Edit
	Multiplicity int
	// Count is always 1: one record stands for one molecule.
	Count int
	// Reads is the number of reads absorbed into the group.
	Reads int
}
