package search

import (
	"path/filepath"
	"sort"
	"strings"
)

// Confidence-aware weight adjustment thresholds and bounds.
const (
	highConfidenceThreshold = 0.70
	lowConfidenceThreshold  = 0.40
	midConfidenceThreshold  = 0.50
	confidenceAdjustment    = 0.20
	minSemanticWeight       = 0.30
	maxSemanticWeight       = 0.95
)

// Minimum-representation guarantees: the top-K fused results must include at
// least this many hits sourced from each branch, even when one branch's raw
// scores lose every head-to-head comparison.
const (
	minSemanticRepresentation = 5
	minKeywordRepresentation  = 2
	representationWindow      = 10
	semanticRepresentationBoost = 0.001
	keywordRepresentationBoost  = 0.0005
)

// filenameBoost is added to a result's score when the query appears to name
// the file it was found in.
const filenameBoost = 0.02

// ConfidenceAwareWeights adjusts base semantic/keyword weights based on how
// confident each branch's top hit is. A strong semantic hit (topSemanticScore
// above highConfidenceThreshold) pulls weight toward semantic; a weak semantic
// hit alongside a solid keyword hit pulls weight back toward keyword. Result
// is clamped to [minSemanticWeight, maxSemanticWeight] for the semantic share.
func ConfidenceAwareWeights(base Weights, topSemanticScore, topKeywordScore float64) Weights {
	semantic := base.Semantic

	switch {
	case topSemanticScore >= highConfidenceThreshold:
		semantic += confidenceAdjustment
	case topSemanticScore < lowConfidenceThreshold && topKeywordScore >= midConfidenceThreshold:
		semantic -= confidenceAdjustment
	}

	if semantic < minSemanticWeight {
		semantic = minSemanticWeight
	}
	if semantic > maxSemanticWeight {
		semantic = maxSemanticWeight
	}

	return Weights{
		Semantic: semantic,
		BM25:     1.0 - semantic,
	}
}

// ScoredHit is one ranked hit from a single retrieval branch (semantic or
// keyword), identified by chunk ID, ahead of fusion.
type ScoredHit struct {
	ChunkID      string
	DocPath      string
	Score        float64
	MatchedTerms []string
}

// ConfidenceAwareFuse blends semantic and keyword hits using RRF over each
// branch's rank, weighted by ConfidenceAwareWeights, then applies the
// minimum-representation guarantee and filename boost before the final sort.
func ConfidenceAwareFuse(query string, semantic, keyword []ScoredHit, baseWeights Weights) []*FusedResult {
	if len(semantic) == 0 && len(keyword) == 0 {
		return []*FusedResult{}
	}

	var topSemantic, topKeyword float64
	if len(semantic) > 0 {
		topSemantic = semantic[0].Score
	}
	if len(keyword) > 0 {
		topKeyword = keyword[0].Score
	}
	weights := ConfidenceAwareWeights(baseWeights, topSemantic, topKeyword)

	const k = DefaultRRFConstant
	scores := make(map[string]float64, len(semantic)+len(keyword))
	results := make(map[string]*FusedResult, len(semantic)+len(keyword))
	pathForID := make(map[string]string, len(semantic)+len(keyword))
	var semanticIDs, keywordIDs []string

	getOrCreate := func(id string) *FusedResult {
		if r, ok := results[id]; ok {
			return r
		}
		r := &FusedResult{ChunkID: id}
		results[id] = r
		return r
	}

	for rank, hit := range semantic {
		r := getOrCreate(hit.ChunkID)
		r.VecScore = hit.Score
		r.VecRank = rank + 1
		pathForID[hit.ChunkID] = hit.DocPath
		scores[hit.ChunkID] += weights.Semantic / float64(k+rank+1)
		semanticIDs = append(semanticIDs, hit.ChunkID)
	}
	for rank, hit := range keyword {
		r := getOrCreate(hit.ChunkID)
		r.BM25Score = hit.Score
		r.BM25Rank = rank + 1
		r.MatchedTerms = hit.MatchedTerms
		if _, ok := pathForID[hit.ChunkID]; !ok {
			pathForID[hit.ChunkID] = hit.DocPath
		}
		scores[hit.ChunkID] += weights.BM25 / float64(k+rank+1)
		keywordIDs = append(keywordIDs, hit.ChunkID)
		if r.VecRank > 0 {
			r.InBothLists = true
		}
	}

	missingRank := len(semantic)
	if len(keyword) > missingRank {
		missingRank = len(keyword)
	}
	missingRank++
	for id, r := range results {
		if r.VecRank == 0 && r.BM25Rank > 0 {
			scores[id] += weights.Semantic / float64(k+missingRank)
		}
		if r.BM25Rank == 0 && r.VecRank > 0 {
			scores[id] += weights.BM25 / float64(k+missingRank)
		}
	}

	ensureMinimumResults(scores, semanticIDs, minSemanticRepresentation, semanticRepresentationBoost)
	ensureMinimumResults(scores, keywordIDs, minKeywordRepresentation, keywordRepresentationBoost)
	applyFilenameBoost(scores, pathForID, query)

	for id, r := range results {
		r.RRFScore = scores[id]
	}

	sorted := make([]*FusedResult, 0, len(results))
	for _, r := range results {
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		if a.InBothLists != b.InBothLists {
			return a.InBothLists
		}
		if a.BM25Score != b.BM25Score {
			return a.BM25Score > b.BM25Score
		}
		return a.ChunkID < b.ChunkID
	})

	if len(sorted) > 0 && sorted[0].RRFScore > 0 {
		max := sorted[0].RRFScore
		for _, r := range sorted {
			r.RRFScore /= max
		}
	}

	return sorted
}

// ensureMinimumResults guarantees that at least minCount of sourceIDs (in
// their original rank order) land within the top representationWindow of the
// fused ranking, by adding a small decreasing boost to whichever of the
// leading sourceIDs are missing from the window. The boost decays so it can
// never invert a source's own internal ordering or dominate a genuinely
// stronger competing score.
func ensureMinimumResults(scores map[string]float64, sourceIDs []string, minCount int, boost float64) {
	if len(sourceIDs) == 0 || minCount <= 0 {
		return
	}

	ranked := make([]string, 0, len(scores))
	for id := range scores {
		ranked = append(ranked, id)
	}
	sort.Slice(ranked, func(i, j int) bool { return scores[ranked[i]] > scores[ranked[j]] })

	window := representationWindow
	if window > len(ranked) {
		window = len(ranked)
	}
	inWindow := make(map[string]bool, window)
	for _, id := range ranked[:window] {
		inWindow[id] = true
	}

	represented := 0
	for _, id := range sourceIDs {
		if inWindow[id] {
			represented++
		}
	}
	if represented >= minCount {
		return
	}

	need := minCount - represented
	for i, id := range sourceIDs {
		if need <= 0 {
			break
		}
		if inWindow[id] {
			continue
		}
		b := boost * (1.0 - float64(i)*0.1)
		if b < 0 {
			b = 0
		}
		scores[id] += b
		need--
	}
}

// applyFilenameBoost rewards results whose source file name matches a query
// term, under the same asymmetric rule as a plain substring match: either the
// filename stem contains the term, or the term contains the stem (only for
// stems of 4+ characters, and not when the term is just the stem pluralized).
func applyFilenameBoost(scores map[string]float64, pathForID map[string]string, query string) {
	terms := filenameBoostTerms(query)
	if len(terms) == 0 {
		return
	}

	for id, path := range pathForID {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		if stem == "" {
			continue
		}
		for _, term := range terms {
			if filenameTermMatches(stem, term) {
				scores[id] += filenameBoost
				break
			}
		}
	}
}

func filenameBoostTerms(query string) []string {
	var terms []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if len(tok) >= 3 {
			terms = append(terms, tok)
		}
	}
	return terms
}

func filenameTermMatches(stem, term string) bool {
	isFilenameMatch := strings.Contains(stem, term)
	if isFilenameMatch {
		return true
	}
	isSimplePlural := term == stem+"s" || term == stem+"es"
	isCompoundMatch := strings.Contains(term, stem) && len(stem) >= 4 && !isSimplePlural
	return isCompoundMatch
}
