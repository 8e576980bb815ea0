package layout

import "sort"

// Process runs the full layout post-processing pipeline: cell assignment,
// empty-cluster removal, orphan creation, iterative overlap resolution, the
// special-cluster path, and final reading-order sort.
func Process(clusters []Cluster, cells []TextCell, th Thresholds) []Cluster {
	maxInputID := 0
	for _, c := range clusters {
		if c.ID > maxInputID {
			maxInputID = c.ID
		}
	}

	regular, special := splitByConfidence(clusters, th)

	assignCells(regular, cells, th)
	assignCells(special, cells, th)

	regular = removeEmpty(regular)

	orphans := createOrphans(regular, special, cells, maxInputID)
	regular = append(regular, orphans...)

	regular = refineRegular(regular, th)

	regular, special = processSpecials(regular, special, th)

	result := make([]Cluster, 0, len(regular)+len(special))
	result = append(result, regular...)
	result = append(result, special...)
	sortReadingOrder(result)

	return result
}

// splitByConfidence partitions clusters into regular/special by label,
// dropping any that fall below their label's confidence floor.
func splitByConfidence(clusters []Cluster, th Thresholds) (regular, special []Cluster) {
	for _, c := range clusters {
		floor := th.StandardConfidence
		if highPrecisionLabels[c.Label] {
			floor = th.HighPrecisionConfidence
		}
		if c.Confidence < floor {
			continue
		}
		if c.Label.IsSpecial() {
			special = append(special, c)
		} else {
			regular = append(regular, c)
		}
	}
	return regular, special
}

// assignCells assigns each non-empty, positive-area cell to the cluster that
// maximizes IoS(cell, cluster), provided that maximum exceeds the minimum
// overlap threshold. Ties go to the first cluster encountered (input order).
func assignCells(clusters []Cluster, cells []TextCell, th Thresholds) {
	for _, cell := range cells {
		if cell.Text == "" || cell.BBox.Area() <= 0 {
			continue
		}
		best := -1
		bestIoS := 0.0
		for i := range clusters {
			ios := cell.BBox.IntersectionOverSelf(clusters[i].BBox)
			if ios > bestIoS {
				bestIoS = ios
				best = i
			}
		}
		if best >= 0 && bestIoS > th.MinCellOverlapIoS {
			clusters[best].Cells = append(clusters[best].Cells, cell)
		}
	}
	for i := range clusters {
		clusters[i].Cells = dedupCellsByIndex(clusters[i].Cells)
	}
}

func dedupCellsByIndex(cells []TextCell) []TextCell {
	seen := make(map[int]bool, len(cells))
	out := make([]TextCell, 0, len(cells))
	for _, c := range cells {
		if seen[c.Index] {
			continue
		}
		seen[c.Index] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// removeEmpty drops regular clusters with no cells, except Formula clusters
// which are meaningful even when no cell was assigned to them.
func removeEmpty(regular []Cluster) []Cluster {
	out := make([]Cluster, 0, len(regular))
	for _, c := range regular {
		if len(c.Cells) == 0 && c.Label != LabelFormula {
			continue
		}
		out = append(out, c)
	}
	return out
}

// createOrphans wraps every non-empty-text cell not claimed by any regular
// or special cluster in a new Text cluster, assigning stable ids above
// maxInputID so later filtering never disturbs them.
func createOrphans(regular, special []Cluster, cells []TextCell, maxInputID int) []Cluster {
	claimed := make(map[int]bool)
	for _, c := range regular {
		for _, cell := range c.Cells {
			claimed[cell.Index] = true
		}
	}
	for _, c := range special {
		for _, cell := range c.Cells {
			claimed[cell.Index] = true
		}
	}

	var orphans []Cluster
	next := maxInputID
	for _, cell := range cells {
		if cell.Text == "" || claimed[cell.Index] {
			continue
		}
		next++
		orphans = append(orphans, Cluster{
			ID:         next,
			Label:      LabelText,
			BBox:       cell.BBox,
			Confidence: cell.Confidence,
			Cells:      []TextCell{cell},
		})
	}
	return orphans
}

// textBearingAdjacency excludes headers/footers from the adjacency merge —
// spec 4.6.5 step 2 scopes it to "regular text-bearing labels".
var adjacencyExcluded = map[Label]bool{
	LabelPageHeader: true,
	LabelPageFooter: true,
}

// refineRegular runs up to 3 rounds of bbox adjustment + overlap resolution,
// stopping early once the cluster count stabilizes.
func refineRegular(clusters []Cluster, th Thresholds) []Cluster {
	params := overlapParams{
		areaDominance: th.RegularAreaDominance,
		confTol:       th.RegularConfidenceTol,
		adjacencyGap:  th.AdjacencyGapMultiplier,
		vertAlign:     th.VerticalAlignMultiplier,
		vertOverlap:   th.VerticalOverlapRatio,
		adjacency:     true,
		iou:           th.OverlapMergeIoU,
		containment:   th.OverlapMergeContainment,
	}

	for i := 0; i < 3; i++ {
		before := len(clusters)
		clusters = adjustBBoxes(clusters)
		clusters = resolveOverlaps(clusters, params)
		if len(clusters) == before {
			break
		}
	}
	return clusters
}

// adjustBBoxes recomputes each cluster's bbox from its cells. Table bboxes
// union with their original extent (tables can have structural area beyond
// the cells detected inside them); every other label's bbox is replaced.
func adjustBBoxes(clusters []Cluster) []Cluster {
	out := make([]Cluster, len(clusters))
	copy(out, clusters)
	for i := range out {
		if len(out[i].Cells) == 0 {
			continue
		}
		cellsBBox := out[i].Cells[0].BBox
		for _, cell := range out[i].Cells[1:] {
			cellsBBox = cellsBBox.Union(cell.BBox)
		}
		if out[i].Label == LabelTable {
			out[i].BBox = out[i].BBox.Union(cellsBBox)
		} else {
			out[i].BBox = cellsBBox
		}
	}
	return out
}

// overlapParams bundles the thresholds for one overlap-resolution pass;
// the regular, picture, and wrapper paths each use their own set.
type overlapParams struct {
	areaDominance float64
	confTol       float64
	adjacencyGap  float64 // 0 disables adjacency merge entirely
	vertAlign     float64
	vertOverlap   float64
	adjacency     bool
	iou           float64
	containment   float64
}

// resolveOverlaps groups clusters that should merge (by IoU/IoS overlap, and
// optionally adjacency), then collapses each group into its winner.
func resolveOverlaps(clusters []Cluster, p overlapParams) []Cluster {
	if len(clusters) == 0 {
		return clusters
	}

	boxes := make(map[int]BoundingBox, len(clusters))
	byID := make(map[int]int, len(clusters))
	ids := make([]int, 0, len(clusters))
	for i, c := range clusters {
		boxes[c.ID] = c.BBox
		byID[c.ID] = i
		ids = append(ids, c.ID)
	}

	index := NewSpatialIndex(boxes)
	uf := NewUnionFind(ids)

	for _, c := range clusters {
		for _, otherID := range index.FindCandidates(c.BBox) {
			if otherID == c.ID {
				continue
			}
			other := clusters[byID[otherID]]
			if shouldMerge(c, other, p) {
				uf.Union(c.ID, otherID)
			}
		}
	}

	groups := uf.Groups()
	rootOrder := make([]int, 0, len(groups))
	for root := range groups {
		rootOrder = append(rootOrder, root)
	}
	sort.Ints(rootOrder)

	out := make([]Cluster, 0, len(groups))
	for _, root := range rootOrder {
		members := groups[root]
		sort.Ints(members)
		out = append(out, mergeGroup(members, byID, clusters, p))
	}
	return out
}

func shouldMerge(a, b Cluster, p overlapParams) bool {
	if a.BBox.IntersectionOverUnion(b.BBox) > p.iou ||
		a.BBox.IntersectionOverSelf(b.BBox) > p.containment ||
		b.BBox.IntersectionOverSelf(a.BBox) > p.containment {
		return true
	}
	if !p.adjacency || p.adjacencyGap <= 0 {
		return false
	}
	if adjacencyExcluded[a.Label] || adjacencyExcluded[b.Label] {
		return false
	}
	gap := b.BBox.L - a.BBox.R
	avgH := ((a.BBox.B - a.BBox.T) + (b.BBox.B - b.BBox.T)) / 2
	if avgH <= 0 || gap <= 0 || gap > p.adjacencyGap*avgH {
		return false
	}
	minArea := min(a.BBox.Area(), b.BBox.Area())
	if minArea <= 0 {
		return false
	}
	vertOverlapRatio := a.BBox.IntersectionArea(b.BBox) / minArea
	if vertOverlapRatio > p.vertOverlap {
		return true
	}
	dt := a.BBox.T - b.BBox.T
	if dt < 0 {
		dt = -dt
	}
	return dt < p.vertAlign*avgH
}

// mergeGroup collapses a group's members (sorted ascending by id) into a
// single cluster: the winner found by selectBestCluster, with every other
// member's cells folded in.
func mergeGroup(members []int, byID map[int]int, clusters []Cluster, p overlapParams) Cluster {
	if len(members) == 1 {
		return clusters[byID[members[0]]]
	}

	group := make([]Cluster, len(members))
	for i, id := range members {
		group[i] = clusters[byID[id]]
	}
	winner := selectBestCluster(group, p)

	var allCells []TextCell
	for _, id := range members {
		allCells = append(allCells, clusters[byID[id]].Cells...)
	}
	winner.Cells = dedupCellsByIndex(allCells)
	return winner
}

// selectBestCluster picks the winner of an overlap group by all-pairs
// preference: a candidate only qualifies if shouldPrefer holds against every
// other member, then ties among qualifying candidates are broken by
// shouldReplaceBest. Falls back to the first member if nothing qualifies.
func selectBestCluster(group []Cluster, p overlapParams) Cluster {
	var best *Cluster
	for i := range group {
		candidate := group[i]
		qualifies := true
		for j := range group {
			if i == j {
				continue
			}
			if !shouldPrefer(candidate, group[j], p) {
				qualifies = false
				break
			}
		}
		if !qualifies {
			continue
		}
		if best == nil || shouldReplaceBest(candidate, *best, p) {
			best = &candidate
		}
	}
	if best == nil {
		return group[0]
	}
	return *best
}

// shouldPrefer implements the candidate-vs-other pairwise preference rule
// from spec 4.6.5 step 2.3.
func shouldPrefer(candidate, other Cluster, p overlapParams) bool {
	if candidate.Label == LabelListItem && other.Label == LabelText {
		areaRatio := areaRatio(candidate.BBox.Area(), other.BBox.Area())
		if absF(1-areaRatio) < 0.20 {
			return true
		}
	}
	if candidate.Label == LabelCode && other.BBox.IntersectionOverSelf(candidate.BBox) > 0.80 {
		return true
	}

	ratio := areaRatio(candidate.BBox.Area(), other.BBox.Area())
	if ratio <= p.areaDominance && (other.Confidence-candidate.Confidence) > p.confTol {
		return false
	}
	return true
}

// shouldReplaceBest decides whether candidate should replace the current
// best among qualifying members of a group: larger area wins outright when
// the confidence gap is within tolerance, and near-identical areas fall back
// to a Text-over-PageHeader tie-break.
func shouldReplaceBest(candidate, best Cluster, p overlapParams) bool {
	candArea := candidate.BBox.Area()
	bestArea := best.BBox.Area()
	confDiff := best.Confidence - candidate.Confidence
	nearIdentical := absF(candArea-bestArea) < 1.0

	if candArea > bestArea && confDiff <= p.confTol {
		return true
	}
	if nearIdentical && candidate.Label == LabelText && best.Label == LabelPageHeader {
		return true
	}
	return false
}

func areaRatio(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// processSpecials attaches child regular clusters to each special cluster,
// expands Form/KeyValueRegion bboxes to their children's union, then runs
// overlap resolution on the picture and wrapper partitions separately.
// Regular clusters claimed as children are dropped from the final set.
func processSpecials(regular, special []Cluster, th Thresholds) ([]Cluster, []Cluster) {
	childOf := make(map[int]bool, len(regular))

	for i := range special {
		var children []Cluster
		for _, r := range regular {
			if r.BBox.IntersectionOverSelf(special[i].BBox) > th.ChildContainmentIoS {
				children = append(children, r)
			}
		}
		sort.Slice(children, func(a, b int) bool {
			return readingOrderLess(children[a], children[b])
		})
		special[i].Children = children

		if special[i].Label == LabelForm || special[i].Label == LabelKeyValueRegion {
			for _, child := range children {
				special[i].BBox = special[i].BBox.Union(child.BBox)
			}
		}

		var cells []TextCell
		for _, child := range children {
			cells = append(cells, child.Cells...)
			childOf[child.ID] = true
		}
		special[i].Cells = dedupCellsByIndex(cells)
	}

	var pictures, wrappers, otherSpecials []Cluster
	for _, s := range special {
		switch {
		case s.Label == LabelPicture:
			pictures = append(pictures, s)
		case wrapperLabels[s.Label]:
			wrappers = append(wrappers, s)
		default:
			otherSpecials = append(otherSpecials, s)
		}
	}

	pictureParams := overlapParams{
		areaDominance: th.PictureAreaDominance,
		confTol:       th.PictureConfidenceTol,
		adjacency:     false,
		iou:           th.OverlapMergeIoU,
		containment:   th.OverlapMergeContainment,
	}
	wrapperParams := overlapParams{
		areaDominance: th.WrapperAreaDominance,
		confTol:       th.WrapperConfidenceTol,
		adjacency:     false,
		iou:           th.OverlapMergeIoU,
		containment:   th.OverlapMergeContainment,
	}

	pictures = resolveOverlaps(pictures, pictureParams)
	wrappers = resolveOverlaps(wrappers, wrapperParams)

	finalSpecial := make([]Cluster, 0, len(pictures)+len(wrappers)+len(otherSpecials))
	finalSpecial = append(finalSpecial, pictures...)
	finalSpecial = append(finalSpecial, wrappers...)
	finalSpecial = append(finalSpecial, otherSpecials...)

	finalRegular := make([]Cluster, 0, len(regular))
	for _, r := range regular {
		if !childOf[r.ID] {
			finalRegular = append(finalRegular, r)
		}
	}

	return finalRegular, finalSpecial
}

// readingOrderLess orders by (min cell index, bbox.T, bbox.L); a cluster
// with no cells sorts last.
func readingOrderLess(a, b Cluster) bool {
	aIdx, aOK := a.minCellIndex()
	bIdx, bOK := b.minCellIndex()
	if aOK != bOK {
		return aOK
	}
	if aOK && aIdx != bIdx {
		return aIdx < bIdx
	}
	if a.BBox.T != b.BBox.T {
		return a.BBox.T < b.BBox.T
	}
	return a.BBox.L < b.BBox.L
}

func sortReadingOrder(clusters []Cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		return readingOrderLess(clusters[i], clusters[j])
	})
}
