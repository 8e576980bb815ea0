package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilaritySingleVectorIsDot(t *testing.T) {
	q := EmbeddingResult{Data: [][]float32{{1, 0, 0}}, NumTokens: 1}
	d := EmbeddingResult{Data: [][]float32{{1, 0, 0}}, NumTokens: 1}
	assert.InDelta(t, 1.0, Similarity(q, d), 1e-6)
}

func TestSimilarityMultiVectorIsMaxSim(t *testing.T) {
	// 3 query tokens, 5 doc tokens; verify sum_i max_j dot(q_i, d_j).
	q := EmbeddingResult{
		Data: [][]float32{
			{1, 0},
			{0, 1},
			{1, 1},
		},
		NumTokens: 3,
	}
	d := EmbeddingResult{
		Data: [][]float32{
			{1, 0},
			{0, 2},
			{0.5, 0.5},
			{0, 0},
			{2, 2},
		},
		NumTokens: 5,
	}
	// q0 best: dot with d4 (2,2) = 2
	// q1 best: dot with d1 (0,2) = 2, d4 (0,2 from y) = 2 as well, both 2
	// q2 best: dot with d4 = 4
	got := Similarity(q, d)
	assert.InDelta(t, 8.0, got, 1e-6)
}

func TestSimilarityEmptyIsZero(t *testing.T) {
	assert.Equal(t, float32(0), Similarity(EmbeddingResult{}, EmbeddingResult{}))
}
