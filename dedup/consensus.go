package dedup

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// basePriority breaks ties in the soft-clip base vote.  Bases not listed
// rank after N, in byte order.
var basePriority = [256]int{'A': 1, 'C': 2, 'G': 3, 'T': 4, 'N': 5}

func baseRank(b byte) int {
	if r := basePriority[b]; r > 0 {
		return r
	}
	return 6 + int(b)
}

// retainedChange is a consensus mismatch and the number of reads that
// supported it.
type retainedChange struct {
	change BaseChange
	votes  int
}

// consensus is the resolved form of one umiGroup.
type consensus struct {
	edits    []Edit
	retained []retainedChange
	// fallback is set when no pattern was compatible with the retained
	// mismatches and a representative pattern was used without indels.
	fallback bool
}

// resolve computes the consensus edits of g.  locusStart places the
// overlap region of the chosen geometry.
func resolve(g *umiGroup, locusStart int) (consensus, error) {
	var c consensus
	mismatches, err := resolveMismatches(g, &c)
	if err != nil {
		return c, err
	}
	pattern := resolvePattern(g, mismatches, &c)

	lo, hi := pattern.Geometry.overlapRange(locusStart)
	for i := range mismatches {
		if lo <= mismatches[i].Pos && mismatches[i].Pos < hi {
			mismatches[i].Mate = MateBoth
		}
	}

	edits := make([]Edit, 0, len(mismatches)+len(pattern.Indels)+numClipSlots)
	edits = append(edits, mismatches...)
	edits = append(edits, pattern.Indels...)
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].Pos != edits[j].Pos {
			return edits[i].Pos < edits[j].Pos
		}
		return edits[i].Kind < edits[j].Kind
	})
	for side := FivePrime; side <= ThreePrime; side++ {
		for mate := MateFirst; mate <= MateSecond; mate++ {
			if bases := resolveClip(g, pattern, clipSlot(side, mate)); bases != "" {
				edits = append(edits, NewSoftclip(side, mate, bases))
			}
		}
	}
	c.edits = edits
	return c, nil
}

// resolveMismatches returns the mismatches that a majority of the
// covering reads agree on, sorted by position.  A read covers a
// position unless one of its deletions spans it.  The best base change
// is kept only if more than half of the covering reads report it, and
// it has strictly more votes than the reference base and than any
// other base change.
func resolveMismatches(g *umiGroup, c *consensus) ([]Edit, error) {
	positions := make([]int, 0, len(g.tally))
	for pos := range g.tally {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var mismatches []Edit
	for _, pos := range positions {
		site := g.tally[pos]
		noCoverage := 0
		for _, wp := range g.patterns {
			if wp.pattern.deletes(pos) {
				noCoverage += wp.weight
			}
		}
		covering := g.reads - noCoverage

		changes := make([]BaseChange, 0, len(site.changes))
		sum := 0
		for change, n := range site.changes {
			if n <= 0 {
				return nil, errors.E(errors.Integrity, fmt.Sprintf(
					"umi %s: position %d has %d votes for %c>%c", g.umi, pos, n, change.Ref, change.Read))
			}
			changes = append(changes, change)
			sum += n
		}
		if sum > covering {
			return nil, errors.E(errors.Integrity, fmt.Sprintf(
				"umi %s: position %d has %d mismatch votes but only %d covering reads", g.umi, pos, sum, covering))
		}
		sort.Slice(changes, func(i, j int) bool {
			a, b := changes[i], changes[j]
			if a.Ref != b.Ref {
				return a.Ref < b.Ref
			}
			return a.Read < b.Read
		})
		var best BaseChange
		bestVotes, secondVotes := 0, 0
		for _, change := range changes {
			n := site.changes[change]
			if n > bestVotes {
				best, bestVotes, secondVotes = change, n, bestVotes
			} else if n > secondVotes {
				secondVotes = n
			}
		}
		refVotes := covering - sum
		if 2*bestVotes <= covering || bestVotes <= refVotes || bestVotes <= secondVotes {
			continue
		}
		mate := MateFirst
		if site.mates[1] > site.mates[0] {
			mate = MateSecond
		}
		mismatches = append(mismatches, NewMismatch(pos, best.Ref, best.Read, mate))
		c.retained = append(c.retained, retainedChange{best, bestVotes})
	}
	return mismatches, nil
}

// resolvePattern picks the indel/geometry pattern of the consensus.  If
// every recorded pattern is equal, that pattern is used.  Otherwise
// the patterns whose deletions do not span a retained mismatch vote,
// weighted by read count, with ties going to the pattern recorded
// first.  If no pattern is compatible, the first recorded pattern is
// used with its indels removed.
func resolvePattern(g *umiGroup, mismatches []Edit, c *consensus) *EditPattern {
	first := g.patterns[0].pattern
	unique := true
	for _, wp := range g.patterns[1:] {
		if !wp.pattern.Equal(first) {
			unique = false
			break
		}
	}
	if unique {
		return first
	}

	tally := newPatternTally()
	for _, wp := range g.patterns {
		if compatible(wp.pattern, mismatches) {
			tally.add(wp.pattern, wp.weight)
		}
	}
	if best := tally.best(); best != nil {
		return best.pattern
	}
	c.fallback = true
	if log.At(log.Debug) {
		log.Debug.Printf("umi %s: no indel pattern is compatible with %d retained mismatches, clearing indels",
			g.umi, len(mismatches))
	}
	return first.withoutIndels()
}

// compatible reports whether none of p's deletions spans a mismatch.
func compatible(p *EditPattern, mismatches []Edit) bool {
	for _, m := range mismatches {
		if p.deletes(m.Pos) {
			return false
		}
	}
	return true
}

// resolveClip returns the consensus soft clip for one slot.  The clips
// of every pattern equal to the chosen one are gathered; if they all
// agree that sequence is used, otherwise each position takes the base
// with the most read support.  A chosen pattern that no recorded
// pattern equals (the indel-free fallback) keeps its own clip.
func resolveClip(g *umiGroup, chosen *EditPattern, slot int) string {
	length := len(chosen.Clips[slot])
	if length == 0 {
		return ""
	}
	type clipVote struct {
		bases  string
		weight int
	}
	var votes []clipVote
	identical := true
	for _, wp := range g.patterns {
		if !wp.pattern.Equal(chosen) {
			continue
		}
		bases := wp.pattern.Clips[slot]
		if len(votes) > 0 && bases != votes[0].bases {
			identical = false
		}
		votes = append(votes, clipVote{bases, wp.weight})
	}
	if len(votes) == 0 {
		return chosen.Clips[slot]
	}
	if identical {
		return votes[0].bases
	}

	out := make([]byte, length)
	var counts [256]int
	for i := 0; i < length; i++ {
		counts = [256]int{}
		for _, v := range votes {
			counts[v.bases[i]] += v.weight
		}
		var best byte
		bestCount := 0
		for b, n := range counts {
			if n == 0 {
				continue
			}
			if n > bestCount || (n == bestCount && baseRank(byte(b)) < baseRank(best)) {
				best, bestCount = byte(b), n
			}
		}
		out[i] = best
	}
	return string(out)
}
