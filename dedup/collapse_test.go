package dedup

import (
	"math/rand"
	"os"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/umidedup/umi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	code := m.Run()
	shutdown()
	os.Exit(code)
}

var testLocus = Locus{Ref: "chr1", Strand: '+', Region: []Span{{100, 150}}}

func newRecord(umi string, count int, edits ...Edit) ReadRecord {
	return ReadRecord{UMI: umi, Edits: edits, Multiplicity: 1, Counts: []int{count}}
}

func collapseRecords(t *testing.T, opts Opts, records ...ReadRecord) ([]CollapsedRecord, *Metrics) {
	out, metrics, err := Collapse(&LocusGroup{Locus: testLocus, Records: records}, &opts)
	require.NoError(t, err)
	return out, metrics
}

func totalCount(records []CollapsedRecord) int {
	n := 0
	for _, r := range records {
		n += r.Count
	}
	return n
}

func TestCollapseAbsorbsNeighbourBarcode(t *testing.T) {
	out, metrics := collapseRecords(t, DefaultOpts,
		newRecord("AAAA", 10),
		newRecord("AAAT", 2))
	require.Len(t, out, 1)
	assert.Equal(t, "AAAA", out[0].UMI)
	assert.Equal(t, 12, out[0].Reads)
	assert.Equal(t, 1, out[0].Count)
	assert.Equal(t, 1, out[0].Multiplicity)
	assert.Empty(t, out[0].Edits)
	assert.Equal(t, testLocus, out[0].Locus)
	assert.Equal(t, map[int]int64{12: 1}, metrics.DupHistogram)
	assert.EqualValues(t, 12, metrics.Reads)
	assert.EqualValues(t, 1, metrics.Groups)
	assert.EqualValues(t, 1, metrics.Retained)
}

func TestCollapseMajorityMismatch(t *testing.T) {
	ga := BaseChange{'G', 'A'}
	m := NewMismatch(105, 'G', 'A', MateFirst)
	tests := []struct {
		name      string
		records   []ReadRecord
		wantEdits string
		wantStats MismatchStats
	}{
		{
			// AAAT (2 reads) joins AAAA (10 reads); 7 of the 12 reads
			// report the mismatch.
			name: "retained",
			records: []ReadRecord{
				newRecord("AAAA", 6, m), newRecord("AAAA", 4),
				newRecord("AAAT", 1, m), newRecord("AAAT", 1),
			},
			wantEdits: "X106:G>A/1",
			wantStats: MismatchStats{Retained: 1, RetainedDuplicate: 7, Total: 7},
		},
		{
			name: "dropped",
			records: []ReadRecord{
				newRecord("AAAA", 4, m), newRecord("AAAA", 6),
				newRecord("AAAT", 1, m), newRecord("AAAT", 1),
			},
			wantEdits: ".",
			wantStats: MismatchStats{Total: 5},
		},
		{
			name:      "even split dropped",
			records:   []ReadRecord{newRecord("AAAA", 6, m), newRecord("AAAA", 6)},
			wantEdits: ".",
			wantStats: MismatchStats{Total: 6},
		},
		{
			name:      "unanimous",
			records:   []ReadRecord{newRecord("AAAA", 4, m)},
			wantEdits: "X106:G>A/1",
			wantStats: MismatchStats{Retained: 1, RetainedDuplicate: 4, Total: 4},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, metrics := collapseRecords(t, DefaultOpts, test.records...)
			require.Len(t, out, 1)
			assert.Equal(t, "AAAA", out[0].UMI)
			assert.Equal(t, test.wantEdits, FormatEdits(out[0].Edits))
			assert.Equal(t, test.wantStats, *metrics.Mismatches[ga])
		})
	}
}

func TestCollapseCompetingChanges(t *testing.T) {
	out, metrics := collapseRecords(t, DefaultOpts,
		newRecord("AAAA", 4, NewMismatch(110, 'G', 'A', MateFirst)),
		newRecord("AAAA", 4, NewMismatch(110, 'G', 'T', MateFirst)),
		newRecord("AAAA", 1))
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Edits)
	assert.EqualValues(t, 4, metrics.Mismatches[BaseChange{'G', 'A'}].Total)
	assert.EqualValues(t, 4, metrics.Mismatches[BaseChange{'G', 'T'}].Total)

	out, _ = collapseRecords(t, DefaultOpts,
		newRecord("AAAA", 5, NewMismatch(110, 'G', 'A', MateFirst)),
		newRecord("AAAA", 3, NewMismatch(110, 'G', 'T', MateFirst)))
	require.Len(t, out, 1)
	assert.Equal(t, "X111:G>A/1", FormatEdits(out[0].Edits))

	// G>A has exactly half of the four covering reads.
	out, metrics = collapseRecords(t, DefaultOpts,
		newRecord("AAAA", 2, NewMismatch(105, 'G', 'A', MateFirst)),
		newRecord("AAAA", 1, NewMismatch(105, 'G', 'C', MateFirst)),
		newRecord("AAAA", 1))
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Edits)
	assert.Equal(t, 4, out[0].Reads)
	assert.Equal(t, MismatchStats{Total: 2}, *metrics.Mismatches[BaseChange{'G', 'A'}])

	out, _ = collapseRecords(t, DefaultOpts,
		newRecord("AAAA", 3, NewMismatch(105, 'G', 'A', MateFirst)),
		newRecord("AAAA", 1, NewMismatch(105, 'G', 'C', MateFirst)),
		newRecord("AAAA", 1))
	require.Len(t, out, 1)
	assert.Equal(t, "X106:G>A/1", FormatEdits(out[0].Edits))
}

func TestCollapseDeletionVote(t *testing.T) {
	del := NewDeletion(110, 3)
	tests := []struct {
		name       string
		deleted    int
		notDeleted int
		want       string
	}{
		{"deletion wins", 4, 2, "D111:3"},
		{"no deletion wins", 2, 4, "."},
		// Records are absorbed in canonical order, and "." sorts before
		// any edit.
		{"tie goes to the first pattern", 3, 3, "."},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for _, records := range [][]ReadRecord{
				{newRecord("ACGT", test.deleted, del), newRecord("ACGT", test.notDeleted)},
				{newRecord("ACGT", test.notDeleted), newRecord("ACGT", test.deleted, del)},
			} {
				out, metrics := collapseRecords(t, DefaultOpts, records...)
				require.Len(t, out, 1)
				assert.Equal(t, test.want, FormatEdits(out[0].Edits))
				assert.EqualValues(t, 0, metrics.Fallbacks)
			}
		})
	}
}

func TestCollapseDeletionReducesCoverage(t *testing.T) {
	// Two of five reads delete position 112, so the three reads that
	// report a mismatch there are a majority of the covering reads.
	out, _ := collapseRecords(t, DefaultOpts,
		newRecord("ACGT", 3, NewMismatch(112, 'C', 'T', MateFirst), NewDeletion(130, 2)),
		newRecord("ACGT", 2, NewDeletion(110, 5)))
	require.Len(t, out, 1)
	assert.Equal(t, "X113:C>T/1,D131:2", FormatEdits(out[0].Edits))
}

func TestCollapseMismatchInOwnDeletion(t *testing.T) {
	// The first mate reports a base inside the overlap where the second
	// mate reports a deletion.
	pair := ReadRecord{
		UMI:          "AAAA",
		Edits:        []Edit{NewDeletion(130, 3), NewMismatch(130, 'G', 'A', MateFirst)},
		Geometry:     &Geometry{Before: 10, Overlap: 30, After: 10},
		Multiplicity: 1,
		Counts:       []int{1},
	}
	out, metrics := collapseRecords(t, DefaultOpts, pair)
	require.Len(t, out, 1)
	assert.Equal(t, "D131:3", FormatEdits(out[0].Edits))
	assert.Equal(t, MismatchStats{Total: 1}, *metrics.Mismatches[BaseChange{'G', 'A'}])

	// Other reads covering the position still vote.
	out, _ = collapseRecords(t, DefaultOpts, pair,
		newRecord("AAAA", 3, NewMismatch(130, 'G', 'A', MateFirst)))
	require.Len(t, out, 1)
	assert.Equal(t, 4, out[0].Reads)
	assert.Contains(t, FormatEdits(out[0].Edits), "X131:G>A")
}

func TestCollapseIncompatiblePatternsFallBack(t *testing.T) {
	// Each pattern deletes the mismatch reported by the other one.
	out, metrics := collapseRecords(t, DefaultOpts,
		newRecord("ACGT", 3, NewMismatch(111, 'G', 'A', MateFirst), NewDeletion(120, 2)),
		newRecord("ACGT", 3, NewDeletion(110, 3), NewMismatch(120, 'C', 'T', MateFirst)))
	require.Len(t, out, 1)
	assert.Equal(t, "X112:G>A/1,X121:C>T/1", FormatEdits(out[0].Edits))
	assert.EqualValues(t, 1, metrics.Fallbacks)
}

func TestCollapsePairedOverlap(t *testing.T) {
	geom := &Geometry{Before: 10, Overlap: 20, After: 10}
	agree := ReadRecord{
		UMI: "ACGT",
		Edits: []Edit{
			NewMismatch(115, 'G', 'A', MateFirst),
			NewMismatch(115, 'G', 'A', MateSecond),
			NewMismatch(135, 'C', 'T', MateSecond),
		},
		Geometry:     geom,
		Multiplicity: 1,
		Counts:       []int{2},
	}
	disagree := ReadRecord{
		UMI: "ACGT",
		Edits: []Edit{
			NewMismatch(115, 'G', 'A', MateFirst),
			NewMismatch(115, 'G', 'T', MateSecond),
		},
		Geometry:     geom,
		Multiplicity: 1,
		Counts:       []int{1},
	}
	out, metrics := collapseRecords(t, DefaultOpts, agree, disagree)
	require.Len(t, out, 1)
	assert.Equal(t, "X116:G>A/b,X136:C>T/2", FormatEdits(out[0].Edits))
	assert.Equal(t, MismatchStats{Retained: 1, RetainedDuplicate: 2, Total: 5}, *metrics.Mismatches[BaseChange{'G', 'A'}])
	assert.Equal(t, MismatchStats{Total: 1}, *metrics.Mismatches[BaseChange{'G', 'T'}])
	assert.Equal(t, MismatchStats{Retained: 1, RetainedDuplicate: 2, Total: 2}, *metrics.Mismatches[BaseChange{'C', 'T'}])
}

func TestCollapseSecondMateOnlyInOverlap(t *testing.T) {
	geom := &Geometry{Before: 10, Overlap: 20, After: 10}
	rec := ReadRecord{
		UMI:          "ACGT",
		Edits:        []Edit{NewMismatch(115, 'G', 'A', MateSecond)},
		Geometry:     geom,
		Multiplicity: 1,
		Counts:       []int{3},
	}
	out, metrics := collapseRecords(t, DefaultOpts, rec)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Edits)
	assert.EqualValues(t, 3, metrics.Mismatches[BaseChange{'G', 'A'}].Total)
}

func TestCollapseSoftclipVote(t *testing.T) {
	out, _ := collapseRecords(t, DefaultOpts,
		newRecord("ACGT", 2, NewSoftclip(FivePrime, MateFirst, "TTG")),
		newRecord("ACGT", 1, NewSoftclip(FivePrime, MateFirst, "TAG")),
		newRecord("ACGT", 1, NewSoftclip(FivePrime, MateFirst, "CAG")))
	require.Len(t, out, 1)
	// Position 1 is a 2-2 tie between A and T, resolved in favor of A.
	assert.Equal(t, "S5/1:TAG", FormatEdits(out[0].Edits))

	out, _ = collapseRecords(t, DefaultOpts,
		newRecord("ACGT", 1, NewSoftclip(ThreePrime, MateFirst, "GGA"), NewSoftclip(FivePrime, MateFirst, "AC")),
		newRecord("ACGT", 1, NewSoftclip(ThreePrime, MateFirst, "GGA"), NewSoftclip(FivePrime, MateFirst, "AC")))
	require.Len(t, out, 1)
	assert.Equal(t, "S5/1:AC,S3/1:GGA", FormatEdits(out[0].Edits))
}

func TestCollapseClipLengthSplitsPatterns(t *testing.T) {
	out, _ := collapseRecords(t, DefaultOpts,
		newRecord("ACGT", 3, NewSoftclip(FivePrime, MateFirst, "TT")),
		newRecord("ACGT", 1, NewSoftclip(FivePrime, MateFirst, "TTTT")))
	require.Len(t, out, 1)
	assert.Equal(t, "S5/1:TT", FormatEdits(out[0].Edits))
}

func TestCollapseMinReads(t *testing.T) {
	opts := DefaultOpts
	opts.MinReads = 2
	out, metrics := collapseRecords(t, opts,
		newRecord("AAAA", 3),
		newRecord("CCCC", 1))
	require.Len(t, out, 1)
	assert.Equal(t, "AAAA", out[0].UMI)
	assert.Equal(t, map[int]int64{3: 1}, metrics.DupHistogram)
	assert.EqualValues(t, 4, metrics.Reads)
	assert.EqualValues(t, 2, metrics.Groups)
	assert.EqualValues(t, 1, metrics.Retained)
}

func TestCollapseConditions(t *testing.T) {
	records := []ReadRecord{
		{UMI: "AAAA", Multiplicity: 2, Counts: []int{2, 0, 1}},
		{UMI: "CCCC", Multiplicity: 1, Counts: []int{0, 0, 4}},
	}
	out, metrics := collapseRecords(t, DefaultOpts, records...)
	require.Len(t, out, 3)
	assert.Equal(t, 0, out[0].Condition)
	assert.Equal(t, "AAAA", out[0].UMI)
	assert.Equal(t, 2, out[0].Multiplicity)
	assert.Equal(t, 2, out[1].Condition)
	assert.Equal(t, "AAAA", out[1].UMI)
	assert.Equal(t, 2, out[2].Condition)
	assert.Equal(t, "CCCC", out[2].UMI)
	assert.Equal(t, 4, out[2].Reads)
	assert.EqualValues(t, 7, metrics.Reads)
	assert.Equal(t, map[int]int64{1: 1, 2: 1, 4: 1}, metrics.DupHistogram)
}

func TestCollapseMinMultiplicity(t *testing.T) {
	a := newRecord("AAAA", 3)
	a.Multiplicity = 4
	b := newRecord("AAAA", 1, NewMismatch(120, 'A', 'C', MateFirst))
	b.Multiplicity = 2
	c := newRecord("AAAT", 1)
	c.Multiplicity = 0
	out, _ := collapseRecords(t, DefaultOpts, a, b, c)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Multiplicity)
	assert.Equal(t, 5, out[0].Reads)
}

// randomRecords returns records spread over a few barcodes, with a
// small set of edits so that patterns and mismatches collide.
func randomRecords(r *rand.Rand, n int) []ReadRecord {
	umis := []string{"AAAA", "AAAT", "AATT", "CCCC", "CCCG", "GGGG"}
	alternatives := [][]Edit{
		{NewMismatch(105, 'G', 'A', MateFirst)},
		{NewMismatch(106, 'C', 'T', MateFirst), NewMismatch(106, 'C', 'G', MateFirst)},
		{NewDeletion(120, 2)},
		{NewInsertion(125, "AC"), NewInsertion(125, "A")},
		{NewDeletion(130, 4)},
		{
			NewSoftclip(ThreePrime, MateFirst, "ACGT"),
			NewSoftclip(ThreePrime, MateFirst, "ACTT"),
			NewSoftclip(ThreePrime, MateFirst, "AGG"),
		},
	}
	var records []ReadRecord
	for i := 0; i < n; i++ {
		var rec ReadRecord
		rec.UMI = umis[r.Intn(len(umis))]
		rec.Multiplicity = 1 + r.Intn(2)
		rec.Counts = []int{r.Intn(4), r.Intn(3)}
		for _, alt := range alternatives {
			if r.Intn(2) == 0 {
				rec.Edits = append(rec.Edits, alt[r.Intn(len(alt))])
			}
		}
		records = append(records, rec)
	}
	return records
}

func TestCollapseOrderIndependence(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for iter := 0; iter < 50; iter++ {
		records := randomRecords(r, 3+r.Intn(20))
		want, wantMetrics := collapseRecords(t, DefaultOpts, records...)

		for shuffle := 0; shuffle < 5; shuffle++ {
			shuffled := append([]ReadRecord(nil), records...)
			r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			got, gotMetrics := collapseRecords(t, DefaultOpts, shuffled...)
			assert.Equal(t, want, got)
			assert.Equal(t, wantMetrics.Histogram(), gotMetrics.Histogram())
			assert.Equal(t, wantMetrics.MismatchTable(), gotMetrics.MismatchTable())
		}
	}
}

func TestCollapseConservesReads(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for iter := 0; iter < 50; iter++ {
		records := randomRecords(r, 1+r.Intn(30))
		out, metrics := collapseRecords(t, DefaultOpts, records...)

		inputReads := map[int]int{}
		for _, rec := range records {
			for c, n := range rec.Counts {
				inputReads[c] += n
			}
		}
		outputReads := map[int]int{}
		for _, rec := range out {
			outputReads[rec.Condition] += rec.Reads
			assert.Equal(t, 1, rec.Count)
		}
		for c, n := range inputReads {
			assert.Equal(t, n, outputReads[c], "condition %d", c)
		}
		assert.EqualValues(t, metrics.Retained, totalCount(out))
		var histogramTotal int64
		for _, row := range metrics.Histogram() {
			histogramTotal += row.Frequency
		}
		assert.Equal(t, metrics.Retained, histogramTotal)
	}
}

func TestCollapseIdempotent(t *testing.T) {
	edits := []Edit{
		NewMismatch(103, 'A', 'G', MateFirst),
		NewDeletion(110, 2),
		NewInsertion(120, "TT"),
		NewSoftclip(FivePrime, MateFirst, "ACG"),
	}
	single, _ := collapseRecords(t, DefaultOpts, newRecord("ACGT", 1, edits...))
	require.Len(t, single, 1)
	assert.Equal(t, edits, single[0].Edits)

	doubled, _ := collapseRecords(t, DefaultOpts, newRecord("ACGT", 1, edits...), newRecord("ACGT", 1, edits...))
	require.Len(t, doubled, 1)
	assert.Equal(t, single[0].Edits, doubled[0].Edits)
	assert.Equal(t, 2, doubled[0].Reads)
}

type mapCorrector map[string]string

func (c mapCorrector) Correct(map[string]int) map[string]string { return c }

func TestCollapseIntegrityErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    Opts
		records []ReadRecord
	}{
		{
			name:    "mismatch inside own deletion",
			opts:    DefaultOpts,
			records: []ReadRecord{newRecord("ACGT", 2, NewDeletion(110, 3), NewMismatch(111, 'A', 'C', MateFirst))},
		},
		{
			name:    "barcode missing from correction",
			opts:    Opts{MinReads: 1, Corrector: mapCorrector{"AAAA": "AAAA"}},
			records: []ReadRecord{newRecord("AAAA", 1), newRecord("CCCC", 1)},
		},
		{
			name:    "absorbed into a non-canonical barcode",
			opts:    Opts{MinReads: 1, Corrector: mapCorrector{"AAAA": "CCCC", "CCCC": "AAAA"}},
			records: []ReadRecord{newRecord("AAAA", 1), newRecord("CCCC", 1)},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := test.opts
			_, _, err := Collapse(&LocusGroup{Locus: testLocus, Records: test.records}, &opts)
			require.Error(t, err)
			assert.True(t, errors.Is(errors.Integrity, err), "%v", err)
			assert.Contains(t, err.Error(), "chr1:+:101-150")
		})
	}
}

func TestCollapseNegativeCount(t *testing.T) {
	opts := DefaultOpts
	_, _, err := Collapse(&LocusGroup{Locus: testLocus, Records: []ReadRecord{newRecord("ACGT", -1)}}, &opts)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
}

func TestCollapseEmpty(t *testing.T) {
	out, metrics := collapseRecords(t, DefaultOpts, newRecord("ACGT", 0))
	assert.Empty(t, out)
	assert.EqualValues(t, 1, metrics.Loci)
	assert.EqualValues(t, 0, metrics.Reads)
}

func TestOptsCorrector(t *testing.T) {
	opts := DefaultOpts
	require.NoError(t, validate(&opts))
	assert.Nil(t, opts.Corrector)
	assert.Equal(t, umi.GraphCorrector{}, opts.corrector())

	opts.Corrector = mapCorrector{}
	assert.Equal(t, mapCorrector{}, opts.corrector())
}
