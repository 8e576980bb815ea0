package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(l, t, r, b float64) BoundingBox {
	return BoundingBox{L: l, T: t, R: r, B: b, CoordOrigin: TopLeft}
}

func TestBoundingBoxArea(t *testing.T) {
	assert.Equal(t, 100.0, box(0, 0, 10, 10).Area())
	assert.Equal(t, 0.0, box(10, 10, 0, 0).Area(), "malformed box has zero area")
}

func TestBoundingBoxIoU(t *testing.T) {
	a := box(0, 0, 10, 10)
	b := box(5, 5, 15, 15)
	// intersection = 5x5=25, union = 100+100-25=175
	assert.InDelta(t, 25.0/175.0, a.IntersectionOverUnion(b), 0.0001)
}

func TestBoundingBoxIoSNotSymmetric(t *testing.T) {
	small := box(0, 0, 10, 10)
	big := box(0, 0, 100, 100)
	// small is fully inside big: IoS(small, big) = 1
	assert.Equal(t, 1.0, small.IntersectionOverSelf(big))
	// big only 1% covered by small: IoS(big, small) = 0.01
	assert.InDelta(t, 0.01, big.IntersectionOverSelf(small), 0.0001)
}

func TestCellAssignment_TieBreaksFirstEncountered(t *testing.T) {
	cells := []TextCell{
		{Index: 0, Text: "hello", BBox: box(0, 0, 10, 10), Confidence: 0.9},
	}
	clusters := []Cluster{
		{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9},
		{ID: 2, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9},
	}

	th := DefaultThresholds()
	assignCells(clusters, cells, th)

	assert.Len(t, clusters[0].Cells, 1)
	assert.Empty(t, clusters[1].Cells, "identical-overlap tie goes to first cluster in input order")
}

func TestCellAssignment_SkipsEmptyAndBelowThreshold(t *testing.T) {
	cells := []TextCell{
		{Index: 0, Text: "", BBox: box(0, 0, 10, 10), Confidence: 0.9},   // empty text, skipped
		{Index: 1, Text: "x", BBox: box(100, 100, 101, 101), Confidence: 0.9}, // no overlap
	}
	clusters := []Cluster{
		{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9},
	}

	th := DefaultThresholds()
	assignCells(clusters, cells, th)

	assert.Empty(t, clusters[0].Cells)
}

func TestRemoveEmpty_FormulaSurvives(t *testing.T) {
	clusters := []Cluster{
		{ID: 1, Label: LabelText, Cells: nil},
		{ID: 2, Label: LabelFormula, Cells: nil},
		{ID: 3, Label: LabelText, Cells: []TextCell{{Index: 0}}},
	}

	out := removeEmpty(clusters)

	require.Len(t, out, 2)
	assert.Equal(t, LabelFormula, out[0].Label)
	assert.Equal(t, 3, out[1].ID)
}

func TestCreateOrphans_UsesMaxInputIDSequentially(t *testing.T) {
	cells := []TextCell{
		{Index: 0, Text: "claimed"},
		{Index: 1, Text: "orphan-a"},
		{Index: 2, Text: "orphan-b"},
		{Index: 3, Text: ""}, // empty text never becomes an orphan
	}
	regular := []Cluster{
		{ID: 5, Cells: []TextCell{{Index: 0}}},
	}

	orphans := createOrphans(regular, nil, cells, 5)

	require.Len(t, orphans, 2)
	assert.Equal(t, 6, orphans[0].ID)
	assert.Equal(t, 7, orphans[1].ID)
	assert.Equal(t, LabelText, orphans[0].Label)
}

func TestResolveOverlaps_MergesHighIoU(t *testing.T) {
	clusters := []Cluster{
		{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9, Cells: []TextCell{{Index: 0}}},
		{ID: 2, Label: LabelText, BBox: box(0.5, 0.5, 10.5, 10.5), Confidence: 0.9, Cells: []TextCell{{Index: 1}}},
	}
	params := overlapParams{
		areaDominance: 1.30,
		confTol:       0.05,
		iou:           0.80,
		containment:   0.80,
	}

	out := resolveOverlaps(clusters, params)

	require.Len(t, out, 1, "near-identical bboxes should merge into one cluster")
	assert.ElementsMatch(t, []int{0, 1}, cellIndices(out[0].Cells))
}

func TestResolveOverlaps_DistantClustersDoNotMerge(t *testing.T) {
	clusters := []Cluster{
		{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9},
		{ID: 2, Label: LabelText, BBox: box(1000, 1000, 1010, 1010), Confidence: 0.9},
	}
	params := overlapParams{
		areaDominance: 1.30,
		confTol:       0.05,
		iou:           0.80,
		containment:   0.80,
	}

	out := resolveOverlaps(clusters, params)

	assert.Len(t, out, 2)
}

func TestShouldPrefer_ListItemBeatsTextOnSimilarArea(t *testing.T) {
	listItem := Cluster{Label: LabelListItem, BBox: box(0, 0, 10, 10), Confidence: 0.8}
	text := Cluster{Label: LabelText, BBox: box(0, 0, 10, 9), Confidence: 0.99}
	p := overlapParams{areaDominance: 1.30, confTol: 0.05}

	assert.True(t, shouldPrefer(listItem, text, p))
}

func TestSelectBestCluster_LargerAreaWinsWithinConfidenceTolerance(t *testing.T) {
	small := Cluster{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.90}
	large := Cluster{ID: 2, Label: LabelText, BBox: box(0, 0, 20, 20), Confidence: 0.89}
	p := overlapParams{areaDominance: 1.30, confTol: 0.05}

	winner := selectBestCluster([]Cluster{small, large}, p)

	assert.Equal(t, 2, winner.ID, "larger cluster should win when confidence gap is within tolerance")
}

func TestSelectBestCluster_NearIdenticalAreaPrefersTextOverPageHeader(t *testing.T) {
	header := Cluster{ID: 1, Label: LabelPageHeader, BBox: box(0, 0, 10, 10), Confidence: 0.95}
	text := Cluster{ID: 2, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.90}
	p := overlapParams{areaDominance: 1.30, confTol: 0.05}

	winner := selectBestCluster([]Cluster{header, text}, p)

	assert.Equal(t, LabelText, winner.Label, "near-identical area should tie-break toward Text over PageHeader")
}

func TestSelectBestCluster_AllPairsDivergesFromSequentialFold(t *testing.T) {
	// x starts as the running "winner" in a naive sequential fold. y beats x
	// under shouldPrefer (similar area, not notably worse confidence), so a
	// sequential fold replaces winner=y; z then beats y the same way, so the
	// fold ends on z — the largest, least confident cluster. The all-pairs
	// rule instead requires a candidate to beat every other member; only x
	// does, via shouldReplaceBest's largest-area-wins tie-break never firing
	// against it (its area is never >  the others' within tolerance).
	x := Cluster{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.90} // area 100
	y := Cluster{ID: 2, Label: LabelText, BBox: box(0, 0, 5, 5), Confidence: 0.99}   // area 25
	z := Cluster{ID: 3, Label: LabelText, BBox: box(0, 0, 20, 20), Confidence: 0.50} // area 400
	p := overlapParams{areaDominance: 1.30, confTol: 0.05}

	winner := selectBestCluster([]Cluster{x, y, z}, p)

	assert.Equal(t, 1, winner.ID, "all-pairs selection should not degrade to whichever cluster a sequential fold happens to end on")
}

func TestMergeGroup_FoldsAllMembersCellsIntoWinner(t *testing.T) {
	clusters := []Cluster{
		{ID: 1, Label: LabelText, BBox: box(0, 0, 10, 10), Confidence: 0.9, Cells: []TextCell{{Index: 0}}},
		{ID: 2, Label: LabelText, BBox: box(0, 0, 20, 20), Confidence: 0.9, Cells: []TextCell{{Index: 1}}},
	}
	byID := map[int]int{1: 0, 2: 1}
	p := overlapParams{areaDominance: 1.30, confTol: 0.05}

	merged := mergeGroup([]int{1, 2}, byID, clusters, p)

	assert.Equal(t, 2, merged.ID, "larger cluster should be the winner")
	assert.ElementsMatch(t, []int{0, 1}, cellIndices(merged.Cells))
}

func TestFinalOrdering_EmptyClusterSortsLast(t *testing.T) {
	clusters := []Cluster{
		{ID: 1, BBox: box(0, 100, 10, 110)}, // no cells -> +inf min index
		{ID: 2, BBox: box(0, 0, 10, 10), Cells: []TextCell{{Index: 5}}},
	}

	sortReadingOrder(clusters)

	assert.Equal(t, 2, clusters[0].ID)
	assert.Equal(t, 1, clusters[1].ID)
}

func TestProcess_EndToEnd(t *testing.T) {
	cells := []TextCell{
		{Index: 0, Text: "Title text", BBox: box(0, 0, 100, 10), Confidence: 0.9},
		{Index: 1, Text: "Body paragraph", BBox: box(0, 20, 100, 40), Confidence: 0.9},
		{Index: 2, Text: "cell in table", BBox: box(0, 60, 50, 70), Confidence: 0.9},
		{Index: 3, Text: "unclaimed", BBox: box(200, 200, 210, 210), Confidence: 0.9},
	}
	clusters := []Cluster{
		{ID: 1, Label: LabelTitle, BBox: box(0, 0, 100, 10), Confidence: 0.9},
		{ID: 2, Label: LabelText, BBox: box(0, 20, 100, 40), Confidence: 0.9},
		{ID: 3, Label: LabelTable, BBox: box(0, 55, 100, 90), Confidence: 0.9},
	}

	out := Process(clusters, cells, DefaultThresholds())

	require.NotEmpty(t, out)
	var sawOrphan bool
	for _, c := range out {
		if c.ID > 3 {
			sawOrphan = true
		}
	}
	assert.True(t, sawOrphan, "the unclaimed cell should produce an orphan Text cluster")

	for i := 1; i < len(out); i++ {
		assert.False(t, readingOrderLess(out[i], out[i-1]), "output must already be in reading order")
	}
}

func cellIndices(cells []TextCell) []int {
	out := make([]int, len(cells))
	for i, c := range cells {
		out[i] = c.Index
	}
	return out
}
