package umi

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Separator joins the barcodes of one read (e.g. both ends of a pair)
// into a single UMI string.
const Separator = "+"

var (
	alphabet      = []byte{'A', 'C', 'G', 'T'}
	alphabetWithN = []byte{'A', 'C', 'G', 'T', 'N'}
)

type snapCorrectorEntry struct {
	knownUMI string
	edits    int
}

// SnapCorrector moves a barcode onto the known barcode nearest to it by
// Levenshtein distance.  A barcode with two or more nearest known
// barcodes does not snap.
type SnapCorrector struct {
	knownUMIs []string
	k         int

	// correctionTable maps every snappable k-mer over ACGTN to the known
	// UMI it snaps to.
	correctionTable map[string]snapCorrectorEntry
}

// NewSnapCorrector creates a new snap corrector from a newline
// separated list of known UMIs.  Every known UMI must have the same
// length and consist of ACGT only.
func NewSnapCorrector(knownUMIs []byte) (*SnapCorrector, error) {
	log.Debug.Printf("building snap UMI correction table")
	scanner := bufio.NewScanner(bytes.NewReader(knownUMIs))
	var known []string
	k := -1
	for scanner.Scan() {
		umi := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if umi == "" {
			continue
		}
		if k < 0 {
			k = len(umi)
		}
		if len(umi) != k {
			return nil, errors.E(errors.Invalid, "umi", umi, "has length", len(umi), "other umis have length", k)
		}
		if !validUMI(umi, alphabet) {
			return nil, errors.E(errors.Invalid, "invalid base in known umi", umi)
		}
		known = append(known, umi)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, "reading known umis")
	}
	if k < 0 {
		return nil, errors.E(errors.Invalid, "no umis in input")
	}

	// For every possible k-mer, keep the known UMIs at the smallest
	// distance; the k-mer snaps only if that set has exactly one member.
	table := map[string]snapCorrectorEntry{}
	for _, kmer := range allKmers(k, alphabetWithN) {
		best, nBest := -1, 0
		var target string
		for _, knownUMI := range known {
			d := matchr.Levenshtein(kmer, knownUMI)
			switch {
			case best < 0 || d < best:
				best, nBest, target = d, 1, knownUMI
			case d == best:
				nBest++
			}
		}
		if nBest == 1 {
			table[kmer] = snapCorrectorEntry{target, best}
		}
	}
	log.Debug.Printf("snap table: %d known umis, %d snappable %d-mers", len(known), len(table), k)
	return &SnapCorrector{
		knownUMIs:       known,
		k:               k,
		correctionTable: table,
	}, nil
}

// CorrectUMI returns the known UMI that umi snaps to and its distance
// from umi; corrected is true when that UMI differs from umi.  An
// unsnappable umi is returned unchanged with edits = -1.
func (c *SnapCorrector) CorrectUMI(umi string) (correctedUMI string, edits int, corrected bool) {
	umi = strings.ToUpper(umi)
	entry, ok := c.correctionTable[umi]
	if !ok {
		return umi, -1, false
	}
	return entry.knownUMI, entry.edits, entry.knownUMI != umi
}

// Snap replaces each Separator-joined component of umi with the known
// UMI it snaps to.  It returns false if any component cannot be
// snapped, including components of the wrong length.
func (c *SnapCorrector) Snap(umi string) (string, bool) {
	parts := strings.Split(umi, Separator)
	for i, p := range parts {
		fixed, edits, _ := c.CorrectUMI(p)
		if edits < 0 {
			return umi, false
		}
		parts[i] = fixed
	}
	return strings.Join(parts, Separator), true
}

func validUMI(umi string, alphabet []byte) bool {
	for i := 0; i < len(umi); i++ {
		if bytes.IndexByte(alphabet, umi[i]) < 0 {
			return false
		}
	}
	return true
}

// allKmers returns every k-mer over alphabet, in lexicographic order of
// alphabet positions.
func allKmers(k int, alphabet []byte) []string {
	kmers := []string{""}
	for i := 0; i < k; i++ {
		next := make([]string, 0, len(kmers)*len(alphabet))
		for _, prefix := range kmers {
			for _, c := range alphabet {
				next = append(next, prefix+string(c))
			}
		}
		kmers = next
	}
	return kmers
}
