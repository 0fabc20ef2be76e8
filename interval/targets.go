/*Package interval implements the target-region sets used to restrict
  deduplication to part of the genome.  Overlapping and touching
  intervals are merged, so a Targets value is a union.  Coordinates are
  0-based and half-open.
*/
package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
)

// Entry is a single interval.
type Entry struct {
	RefName string
	Start0  int
	End     int
}

// Targets is a set of disjoint intervals per reference.  Each reference
// maps to a length-2N sequence where interval k starts at element [2k]
// and ends at element [2k+1], in increasing order.
type Targets struct {
	refs  map[string][]int
	bases int
}

// NewTargets builds a Targets from entries in any order.
func NewTargets(entries []Entry) (*Targets, error) {
	byRef := map[string][]Entry{}
	for _, e := range entries {
		if e.Start0 < 0 || e.End < e.Start0 {
			return nil, fmt.Errorf("interval.NewTargets: invalid interval %s:[%d, %d)", e.RefName, e.Start0, e.End)
		}
		byRef[e.RefName] = append(byRef[e.RefName], e)
	}
	t := &Targets{refs: map[string][]int{}}
	for ref, es := range byRef {
		sort.Slice(es, func(i, j int) bool { return es[i].Start0 < es[j].Start0 })
		var ends []int
		for _, e := range es {
			if e.End == e.Start0 {
				continue
			}
			if n := len(ends); n > 0 && e.Start0 <= ends[n-1] {
				// Merge with the previous interval.
				if e.End > ends[n-1] {
					t.bases += e.End - ends[n-1]
					ends[n-1] = e.End
				}
				continue
			}
			ends = append(ends, e.Start0, e.End)
			t.bases += e.End - e.Start0
		}
		t.refs[ref] = ends
	}
	return t, nil
}

// ReadBED loads the intervals of a BED file.  Only the first three
// columns are used; header and comment lines are skipped.
func ReadBED(r io.Reader) (*Targets, error) {
	scanner := bufio.NewScanner(r)
	var entries []Entry
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		line := scanner.Bytes()
		fields := strings.Fields(gunsafe.BytesToString(line))
		if len(fields) == 0 || fields[0] == "track" || fields[0] == "browser" || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("interval.ReadBED: line %d has fewer than 3 columns", lineIdx)
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("interval.ReadBED: line %d: %v", lineIdx, err)
		}
		// fields[0] aliases the scanner buffer.
		entries = append(entries, Entry{RefName: string([]byte(fields[0])), Start0: start, End: end})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	t, err := NewTargets(entries)
	if err != nil {
		return nil, err
	}
	log.Printf("BED loaded, %d base(s) covered", t.bases)
	return t, nil
}

// OpenBED reads the BED file at path, which may be gzip-compressed.
func OpenBED(ctx context.Context, path string) (t *Targets, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	reader := io.Reader(f.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, err
		}
	}
	return ReadBED(reader)
}

// ParseRegion parses a region string of one of the forms
//   ref:first-last   (1-based, inclusive)
//   ref:pos
//   ref
// A bare reference name covers the whole reference.
func ParseRegion(region string) (Entry, error) {
	if region == "" {
		return Entry{}, fmt.Errorf("interval.ParseRegion: empty region")
	}
	colon := strings.LastIndexByte(region, ':')
	if colon < 0 {
		return Entry{RefName: region, End: int(^uint(0) >> 1)}, nil
	}
	if colon == 0 {
		return Entry{}, fmt.Errorf("interval.ParseRegion: %q has no reference name", region)
	}
	e := Entry{RefName: region[:colon]}
	rng := strings.Replace(region[colon+1:], ",", "", -1)
	first, last := rng, rng
	if dash := strings.IndexByte(rng, '-'); dash >= 0 {
		first, last = rng[:dash], rng[dash+1:]
	}
	start1, err := strconv.Atoi(first)
	if err != nil {
		return Entry{}, fmt.Errorf("interval.ParseRegion: %q: %v", region, err)
	}
	end, err := strconv.Atoi(last)
	if err != nil {
		return Entry{}, fmt.Errorf("interval.ParseRegion: %q: %v", region, err)
	}
	if start1 <= 0 || end < start1 {
		return Entry{}, fmt.Errorf("interval.ParseRegion: %q is out of range", region)
	}
	e.Start0, e.End = start1-1, end
	return e, nil
}

// Overlaps reports whether [start, end) on ref shares a base with the
// set.
func (t *Targets) Overlaps(ref string, start, end int) bool {
	ends := t.refs[ref]
	if len(ends) == 0 || end <= start {
		return false
	}
	// idx is the number of endpoints <= start; odd means start is inside
	// an interval.
	idx := sort.SearchInts(ends, start+1)
	if idx&1 == 1 {
		return true
	}
	return idx < len(ends) && ends[idx] < end
}

// Bases returns the number of bases covered.
func (t *Targets) Bases() int { return t.bases }
