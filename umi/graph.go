package umi

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/biogo/store/llrb"
)

// GraphCorrector merges barcodes that are likely sequencing-error
// copies of a more abundant barcode at the same locus.
//
// A barcode a may be absorbed into a barcode b when the two differ by
// exactly one substitution and count(b) >= 2*count(a)-1.  Barcodes are
// visited in ascending order of their current count (ties by barcode);
// each visited barcode is absorbed into its best eligible neighbour,
// preferring the highest count, then the smallest barcode.  Counts are
// live: an absorption increases the target's count before the target
// is itself visited, so a chain a->b->c is resolved by two sequential
// absorptions and b's eligibility is judged with a's reads included.
//
// When two barcodes are mutually eligible (equal counts of at most
// one), the one visited first, i.e. the lexicographically smaller, is
// absorbed.
type GraphCorrector struct{}

// worklistEntry orders barcodes by (count, barcode).
type worklistEntry struct {
	count   int
	barcode string
}

func (e worklistEntry) Compare(c llrb.Comparable) int {
	o := c.(worklistEntry)
	if e.count != o.count {
		return e.count - o.count
	}
	return strings.Compare(e.barcode, o.barcode)
}

// eligible reports whether a barcode with count from may be absorbed
// into one with count to.
func eligible(from, to int) bool {
	return to >= 2*from-1
}

// Correct returns, for every barcode in counts, the canonical barcode it
// ends up in.  Canonical barcodes map to themselves.  counts is not
// modified.
func (GraphCorrector) Correct(counts map[string]int) map[string]string {
	barcodes := make([]string, 0, len(counts))
	for b := range counts {
		barcodes = append(barcodes, b)
	}
	sort.Strings(barcodes)
	neighbors := hammingNeighbors(barcodes)

	live := make(map[string]int, len(counts))
	var worklist llrb.Tree
	for _, b := range barcodes {
		live[b] = counts[b]
		worklist.Insert(worklistEntry{counts[b], b})
	}

	parent := make(map[string]string, len(counts))
	for worklist.Len() > 0 {
		cur := worklist.Min().(worklistEntry)
		worklist.DeleteMin()

		target, best := "", -1
		for _, n := range neighbors[cur.barcode] {
			c, present := live[n]
			if !present || !eligible(cur.count, c) {
				continue
			}
			// neighbors are sorted, so the first barcode at the best count wins.
			if c > best {
				target, best = n, c
			}
		}
		if best < 0 {
			continue
		}
		delete(live, cur.barcode)
		parent[cur.barcode] = target
		worklist.Delete(worklistEntry{best, target})
		live[target] = best + cur.count
		worklist.Insert(worklistEntry{best + cur.count, target})
	}

	canonical := make(map[string]string, len(counts))
	for _, b := range barcodes {
		root := b
		for {
			p, ok := parent[root]
			if !ok {
				break
			}
			root = p
		}
		canonical[b] = root
	}
	return canonical
}

// hammingNeighbors returns, for each barcode, the sorted list of
// barcodes at Hamming distance exactly one.  barcodes must be sorted.
func hammingNeighbors(barcodes []string) map[string][]string {
	byLen := map[int][]string{}
	for _, b := range barcodes {
		byLen[len(b)] = append(byLen[len(b)], b)
	}
	neighbors := make(map[string][]string, len(barcodes))
	for _, group := range byLen {
		for i, a := range group {
			for _, b := range group[i+1:] {
				if d, err := matchr.Hamming(a, b); err == nil && d == 1 {
					neighbors[a] = append(neighbors[a], b)
					neighbors[b] = append(neighbors[b], a)
				}
			}
		}
	}
	for _, ns := range neighbors {
		sort.Strings(ns)
	}
	return neighbors
}
