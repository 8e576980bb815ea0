package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpatialIndex_FindCandidates(t *testing.T) {
	boxes := map[int]BoundingBox{
		1: box(0, 0, 10, 10),
		2: box(5, 5, 15, 15),
		3: box(1000, 1000, 1010, 1010),
	}
	idx := NewSpatialIndex(boxes)

	candidates := idx.FindCandidates(box(0, 0, 10, 10))

	assert.ElementsMatch(t, []int{1, 2}, candidates)
}

func TestSpatialIndex_NoOverlapReturnsEmpty(t *testing.T) {
	boxes := map[int]BoundingBox{
		1: box(0, 0, 10, 10),
	}
	idx := NewSpatialIndex(boxes)

	assert.Empty(t, idx.FindCandidates(box(100, 100, 110, 110)))
}
