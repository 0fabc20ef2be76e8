package dedup

import (
	"sort"
	"sync"
)

// MismatchStats counts one kind of base change.
type MismatchStats struct {
	// Retained is the number of consensus records carrying the change.
	Retained int64
	// RetainedDuplicate is the number of reads that supported a retained
	// change.
	RetainedDuplicate int64
	// Total is the number of reads that reported the change, whether
	// retained or not.
	Total int64
}

// Metrics contains the side tables produced while collapsing.
type Metrics struct {
	// DupHistogram maps the number of reads absorbed by a retained UMI
	// group to the number of such groups.
	DupHistogram map[int]int64

	// Mismatches maps each (reference base, read base) change to its
	// counts.
	Mismatches map[BaseChange]*MismatchStats

	// Loci is the number of loci processed.
	Loci int64
	// Reads is the number of input reads.
	Reads int64
	// Groups is the number of UMI groups after barcode correction.
	Groups int64
	// Retained is the number of collapsed records emitted.
	Retained int64
	// Fallbacks is the number of groups whose indels were cleared
	// because no indel pattern was compatible with their mismatches.
	Fallbacks int64

	mutex sync.Mutex
}

// NewMetrics returns empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DupHistogram: map[int]int64{},
		Mismatches:   map[BaseChange]*MismatchStats{},
	}
}

func (m *Metrics) mismatch(change BaseChange) *MismatchStats {
	s, ok := m.Mismatches[change]
	if !ok {
		s = &MismatchStats{}
		m.Mismatches[change] = s
	}
	return s
}

// Merge adds the counts in other to m.  It is safe to call Merge
// concurrently on the same m.
func (m *Metrics) Merge(other *Metrics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for dups, n := range other.DupHistogram {
		m.DupHistogram[dups] += n
	}
	for change, s := range other.Mismatches {
		dst := m.mismatch(change)
		dst.Retained += s.Retained
		dst.RetainedDuplicate += s.RetainedDuplicate
		dst.Total += s.Total
	}
	m.Loci += other.Loci
	m.Reads += other.Reads
	m.Groups += other.Groups
	m.Retained += other.Retained
	m.Fallbacks += other.Fallbacks
}

// HistogramRow is one row of the duplication histogram.
type HistogramRow struct {
	Duplicates int
	Frequency  int64
}

// Histogram returns the duplication histogram sorted by Duplicates.
func (m *Metrics) Histogram() []HistogramRow {
	rows := make([]HistogramRow, 0, len(m.DupHistogram))
	for dups, n := range m.DupHistogram {
		rows = append(rows, HistogramRow{dups, n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Duplicates < rows[j].Duplicates })
	return rows
}

// MismatchRow is one row of the mismatch table.
type MismatchRow struct {
	BaseChange
	MismatchStats
}

// MismatchTable returns the mismatch table sorted by reference base,
// then read base.
func (m *Metrics) MismatchTable() []MismatchRow {
	rows := make([]MismatchRow, 0, len(m.Mismatches))
	for change, s := range m.Mismatches {
		rows = append(rows, MismatchRow{change, *s})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Ref != rows[j].Ref {
			return rows[i].Ref < rows[j].Ref
		}
		return rows[i].Read < rows[j].Read
	})
	return rows
}
