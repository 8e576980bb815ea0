package layout

import "sort"

// entry is one indexed bbox.
type entry struct {
	id   int
	bbox BoundingBox
}

// SpatialIndex answers axis-aligned-bbox intersection queries over a fixed
// set of cluster bboxes. It keeps entries sorted by their left edge so a
// query can skip entries that start after the query's right edge, which is
// the bulk of the pruning an R-tree buys at this scale (a handful to a few
// hundred clusters per page).
type SpatialIndex struct {
	byLeft []entry
}

// NewSpatialIndex builds an index over the given (id, bbox) pairs.
func NewSpatialIndex(boxes map[int]BoundingBox) *SpatialIndex {
	idx := &SpatialIndex{byLeft: make([]entry, 0, len(boxes))}
	for id, bbox := range boxes {
		idx.byLeft = append(idx.byLeft, entry{id: id, bbox: bbox})
	}
	sort.Slice(idx.byLeft, func(i, j int) bool {
		return idx.byLeft[i].bbox.L < idx.byLeft[j].bbox.L
	})
	return idx
}

// FindCandidates returns the ids of every indexed bbox whose AABB intersects
// query (query's own id, if present, is included — callers filter self-hits).
func (idx *SpatialIndex) FindCandidates(query BoundingBox) []int {
	var candidates []int
	for _, e := range idx.byLeft {
		if e.bbox.L > query.R {
			// Sorted by left edge: everything after this also starts past
			// query's right edge, so nothing further can intersect.
			break
		}
		if e.bbox.R < query.L {
			continue
		}
		if e.bbox.T > query.B || e.bbox.B < query.T {
			continue
		}
		candidates = append(candidates, e.id)
	}
	return candidates
}
