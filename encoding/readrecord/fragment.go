package readrecord

import (
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/umidedup/dedup"
)

// fragment is one read or read pair, ready to be counted at its locus.
type fragment struct {
	locus     dedup.Locus
	record    dedup.ReadRecord
	condition int
}

func strandOf(a *Alignment) byte {
	if a.Reverse {
		return '-'
	}
	return '+'
}

// newSingle returns the fragment of an unpaired alignment.
func newSingle(a *Alignment) *fragment {
	edits := append([]dedup.Edit(nil), a.Edits...)
	sortEdits(edits)
	return &fragment{
		locus: dedup.Locus{Ref: a.Ref, Strand: strandOf(a), Region: a.Spans},
		record: dedup.ReadRecord{
			UMI:          a.UMI,
			Edits:        edits,
			Multiplicity: a.Multiplicity,
		},
		condition: a.Condition,
	}
}

// newPair joins two mates on the same reference.  The mate flagged as
// the second read, or else the one seen last, reports its edits as
// dedup.MateSecond.  Barcode, condition, multiplicity and strand come
// from the first mate.
func newPair(a, b *Alignment) *fragment {
	first, second := a, b
	if a.Mate == dedup.MateSecond && b.Mate != dedup.MateSecond {
		first, second = b, a
	}
	edits := make([]dedup.Edit, 0, len(first.Edits)+len(second.Edits))
	edits = appendMateEdits(edits, first.Edits, dedup.MateFirst)
	edits = appendMateEdits(edits, second.Edits, dedup.MateSecond)
	sortEdits(edits)
	edits = uniqueIndels(edits)

	lo, hi := min(first.Start(), second.Start()), max(first.End(), second.End())
	overlapStart := max(first.Start(), second.Start())
	overlapEnd := min(first.End(), second.End())
	return &fragment{
		locus: dedup.Locus{
			Ref:    first.Ref,
			Strand: strandOf(first),
			Region: mergeSpans(first.Spans, second.Spans),
		},
		record: dedup.ReadRecord{
			UMI:   first.UMI,
			Edits: edits,
			Geometry: &dedup.Geometry{
				Before:  overlapStart - lo,
				Overlap: overlapEnd - overlapStart,
				After:   hi - overlapEnd,
			},
			Multiplicity: first.Multiplicity,
		},
		condition: first.Condition,
	}
}

// appendMateEdits appends edits to dst, attributing mismatches and soft
// clips to mate.  Indels carry no mate.
func appendMateEdits(dst, edits []dedup.Edit, mate dedup.Mate) []dedup.Edit {
	for _, e := range edits {
		if e.Kind == dedup.Mismatch || e.Kind == dedup.Softclip {
			e.Mate = mate
		}
		dst = append(dst, e)
	}
	return dst
}

// uniqueIndels drops repeats of an indel reported by both mates.  edits
// must be sorted.
func uniqueIndels(edits []dedup.Edit) []dedup.Edit {
	out := edits[:0]
	for _, e := range edits {
		if n := len(out); n > 0 && (e.Kind == dedup.Insertion || e.Kind == dedup.Deletion) && e == out[n-1] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func max(x, y int) int {
	if x > y {
		return x
	}
	return y
}

// mergeSpans returns the union of two span lists as a sorted list of
// disjoint, non-adjacent spans.
func mergeSpans(a, b []dedup.Span) []dedup.Span {
	all := make([]dedup.Span, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	merged := all[:1]
	for _, s := range all[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// sortEdits orders edits by position, then kind, then mate, with soft
// clips last in (side, mate) order.
func sortEdits(edits []dedup.Edit) {
	sort.SliceStable(edits, func(i, j int) bool {
		a, b := edits[i], edits[j]
		if (a.Kind == dedup.Softclip) != (b.Kind == dedup.Softclip) {
			return b.Kind == dedup.Softclip
		}
		if a.Kind == dedup.Softclip {
			if a.Side != b.Side {
				return a.Side < b.Side
			}
			return a.Mate < b.Mate
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Mate < b.Mate
	})
}

// key identifies the distinct sequence of a fragment within its locus.
func (f *fragment) key() string {
	var sb strings.Builder
	sb.WriteString(f.record.UMI)
	sb.WriteByte('|')
	sb.WriteString(dedup.FormatEdits(f.record.Edits))
	sb.WriteByte('|')
	if g := f.record.Geometry; g != nil {
		sb.WriteString(strconv.Itoa(g.Before))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(g.Overlap))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(g.After))
	}
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(f.record.Multiplicity))
	return sb.String()
}
