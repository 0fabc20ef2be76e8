package dedup

// BaseChange is a (reference base, read base) pair.
type BaseChange struct {
	Ref, Read byte
}

// siteTally holds the mismatch votes at one reference position.
type siteTally struct {
	changes map[BaseChange]int
	// mates counts votes by the mate that reported them.
	mates [2]int
}

func (t *siteTally) add(change BaseChange, mate Mate, n int) {
	t.changes[change] += n
	if mate == MateSecond {
		t.mates[1] += n
	} else {
		t.mates[0] += n
	}
}

func (t *siteTally) merge(o *siteTally) {
	for change, n := range o.changes {
		t.changes[change] += n
	}
	t.mates[0] += o.mates[0]
	t.mates[1] += o.mates[1]
}

// umiGroup accumulates the evidence of every read attributed to one
// canonical barcode within one locus and condition.
type umiGroup struct {
	umi             string
	reads           int
	minMultiplicity int
	// tally maps a reference position to the votes observed there.
	tally map[int]*siteTally
	// patterns holds one entry per absorbed record, weighted by its
	// read count.
	patterns []weightedPattern
	// observed counts every reported mismatch, including those dropped
	// by the paired-end consistency filter.
	observed map[BaseChange]int
}

func newUMIGroup(umi string) *umiGroup {
	return &umiGroup{
		umi:      umi,
		tally:    map[int]*siteTally{},
		observed: map[BaseChange]int{},
	}
}

// absorbRead adds n reads carrying rec's sequence.  locusStart is the
// leftmost reference position of the locus, used to place rec's
// overlap region.  A mismatch at a position rec itself deletes is
// observed but not voted.
func (g *umiGroup) absorbRead(rec *ReadRecord, n, locusStart int) {
	if n <= 0 {
		return
	}
	g.reads += n
	mult := rec.Multiplicity
	if mult < 1 {
		mult = 1
	}
	if g.minMultiplicity == 0 || mult < g.minMultiplicity {
		g.minMultiplicity = mult
	}

	pattern := newEditPattern(rec.Edits, rec.Geometry)
	lo, hi := rec.Geometry.overlapRange(locusStart)
	var secondMate map[int]byte
	if lo < hi {
		for _, e := range rec.Edits {
			if e.Kind == Mismatch && e.Mate == MateSecond && lo <= e.Pos && e.Pos < hi {
				if secondMate == nil {
					secondMate = map[int]byte{}
				}
				secondMate[e.Pos] = e.ReadBase
			}
		}
	}
	for _, e := range rec.Edits {
		if e.Kind != Mismatch {
			continue
		}
		change := BaseChange{e.RefBase, e.ReadBase}
		g.observed[change] += n
		// One mate reports a base where the other reports a deletion.
		if pattern.deletes(e.Pos) {
			continue
		}
		if lo <= e.Pos && e.Pos < hi {
			if e.Mate == MateSecond {
				continue
			}
			if base, ok := secondMate[e.Pos]; ok && base != e.ReadBase {
				continue
			}
		}
		g.site(e.Pos).add(change, e.Mate, n)
	}
	g.patterns = append(g.patterns, weightedPattern{pattern, n})
}

func (g *umiGroup) site(pos int) *siteTally {
	t := g.tally[pos]
	if t == nil {
		t = &siteTally{changes: map[BaseChange]int{}}
		g.tally[pos] = t
	}
	return t
}

// absorbGroup merges o into g.  o must not be used afterwards.
func (g *umiGroup) absorbGroup(o *umiGroup) {
	if o.reads == 0 {
		return
	}
	g.reads += o.reads
	if g.minMultiplicity == 0 || (o.minMultiplicity != 0 && o.minMultiplicity < g.minMultiplicity) {
		g.minMultiplicity = o.minMultiplicity
	}
	for pos, t := range o.tally {
		g.site(pos).merge(t)
	}
	for change, n := range o.observed {
		g.observed[change] += n
	}
	g.patterns = append(g.patterns, o.patterns...)
}
