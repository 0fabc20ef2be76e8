package dedup

import (
	"strconv"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
)

// numClipSlots is the number of soft-clip slots: {5', 3'} x {first, second mate}.
const numClipSlots = 4

func clipSlot(side Side, mate Mate) int {
	return int(side)*2 + int(mate)
}

// EditPattern is the indel, soft-clip and geometry signature of one
// read.  Two patterns are Equal when their indels are equal in value
// and order, their geometries are equal, and each soft-clip slot has
// the same length.  Clip contents are deliberately ignored: they are
// resolved by a separate per-position vote.
//
// Patterns are never modified once built.
type EditPattern struct {
	Indels   []Edit
	Clips    [numClipSlots]string
	Geometry *Geometry
}

// newEditPattern extracts the pattern of a read's edits.
func newEditPattern(edits []Edit, geom *Geometry) *EditPattern {
	p := &EditPattern{Geometry: geom}
	for _, e := range edits {
		switch e.Kind {
		case Insertion, Deletion:
			p.Indels = append(p.Indels, e)
		case Softclip:
			p.Clips[clipSlot(e.Side, e.Mate)] = e.Bases
		case Mismatch:
		default:
			panic(e.Kind.String())
		}
	}
	return p
}

// Equal implements the pattern equality described on EditPattern.
func (p *EditPattern) Equal(o *EditPattern) bool {
	if len(p.Indels) != len(o.Indels) || !geometryEqual(p.Geometry, o.Geometry) {
		return false
	}
	for i := range p.Indels {
		if p.Indels[i] != o.Indels[i] {
			return false
		}
	}
	for i := range p.Clips {
		if len(p.Clips[i]) != len(o.Clips[i]) {
			return false
		}
	}
	return true
}

// hash returns a hash consistent with Equal.
func (p *EditPattern) hash() uint64 {
	var sb strings.Builder
	for _, e := range p.Indels {
		sb.WriteString(e.String())
		sb.WriteByte(';')
	}
	for _, c := range p.Clips {
		sb.WriteString(strconv.Itoa(len(c)))
		sb.WriteByte(';')
	}
	if g := p.Geometry; g != nil {
		sb.WriteString(strconv.Itoa(g.Before))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(g.Overlap))
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(g.After))
	}
	return seahash.Sum64(unsafe.StringToBytes(sb.String()))
}

// deletes reports whether one of the pattern's deletions spans pos.
func (p *EditPattern) deletes(pos int) bool {
	for _, e := range p.Indels {
		if e.Kind == Deletion && e.Pos <= pos && pos < e.End() {
			return true
		}
	}
	return false
}

// withoutIndels returns a copy of p with its indels removed.
func (p *EditPattern) withoutIndels() *EditPattern {
	return &EditPattern{Clips: p.Clips, Geometry: p.Geometry}
}

// weightedPattern is one recorded pattern standing for weight reads.
type weightedPattern struct {
	pattern *EditPattern
	weight  int
}

// patternVote accumulates support for one equivalence class of
// patterns, remembering the first member seen.
type patternVote struct {
	pattern *EditPattern
	votes   int
	order   int
}

// patternTally counts weighted patterns by equivalence class.
type patternTally struct {
	buckets map[uint64][]*patternVote
	votes   []*patternVote // in first-seen order
}

func newPatternTally() *patternTally {
	return &patternTally{buckets: map[uint64][]*patternVote{}}
}

func (t *patternTally) add(p *EditPattern, weight int) {
	h := p.hash()
	for _, v := range t.buckets[h] {
		if v.pattern.Equal(p) {
			v.votes += weight
			return
		}
	}
	v := &patternVote{pattern: p, votes: weight, order: len(t.votes)}
	t.buckets[h] = append(t.buckets[h], v)
	t.votes = append(t.votes, v)
}

// best returns the class with the most votes; ties go to the class seen
// first.  It returns nil if the tally is empty.
func (t *patternTally) best() *patternVote {
	var best *patternVote
	for _, v := range t.votes {
		if best == nil || v.votes > best.votes {
			best = v
		}
	}
	return best
}
