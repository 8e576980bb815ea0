package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchStore_AddDocumentIsIdempotentOnUnchangedContent(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	id1, err := s.AddDocument(ctx, "a.md", "hello world")
	require.NoError(t, err)

	needsReindex, err := s.NeedsReindex(ctx, "a.md", "hello world")
	require.NoError(t, err)
	assert.False(t, needsReindex)

	id2, err := s.AddDocument(ctx, "a.md", "hello world")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	needsReindex, err = s.NeedsReindex(ctx, "a.md", "hello mars")
	require.NoError(t, err)
	assert.True(t, needsReindex)
}

func TestSearchStore_NeedsReindex_UnknownPath(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	needsReindex, err := s.NeedsReindex(context.Background(), "missing.md", "x")
	require.NoError(t, err)
	assert.True(t, needsReindex)
}

func TestSearchStore_BatchAddChunksWithLinks_RoundTrip(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	docID, err := s.AddDocument(ctx, "doc.md", "# Title\n\nbody text")
	require.NoError(t, err)

	chunks := []PendingChunkWithEmbedding{
		{
			Ordinal:     0,
			StartLine:   1,
			EndLine:     1,
			HeaderPath:  "doc.md > Title",
			Content:     "# Title",
			ContentHash: contentHashOf("# Title"),
			Language:    "markdown",
			Links:       []SearchChunkLink{{Text: "see", Target: "other.md", IsInternal: true}},
			Vector:      []float32{0.1, 0.2, 0.3},
			NumTokens:   1,
		},
		{
			Ordinal:     1,
			StartLine:   3,
			EndLine:     3,
			HeaderPath:  "doc.md > Title",
			Content:     "body text",
			ContentHash: contentHashOf("body text"),
			Language:    "markdown",
			Vector:      []float32{0.4, 0.5, 0.6},
			NumTokens:   1,
		},
	}
	require.NoError(t, s.BatchAddChunksWithLinks(ctx, docID, chunks))

	got, err := s.GetChunksForDoc(ctx, docID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "# Title", got[0].Content)
	assert.Equal(t, "doc.md > Title", got[0].HeaderPath)
	require.Len(t, got[0].Links, 1)
	assert.Equal(t, "other.md", got[0].Links[0].Target)
	assert.True(t, got[0].Links[0].IsInternal)

	emb, err := s.GetChunkEmbeddings(ctx, got[1].ID)
	require.NoError(t, err)
	require.NotNil(t, emb)
	assert.InDeltaSlice(t, []float32{0.4, 0.5, 0.6}, emb.Vector, 0.0001)
}

func TestSearchStore_GetEmbeddingByContentHash(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	docID, err := s.AddDocument(ctx, "doc.md", "content")
	require.NoError(t, err)

	hash := contentHashOf("shared text")
	require.NoError(t, s.BatchAddChunksWithLinks(ctx, docID, []PendingChunkWithEmbedding{
		{Ordinal: 0, Content: "shared text", ContentHash: hash, Vector: []float32{1, 2}, NumTokens: 1},
	}))

	vec, numTokens, ok, err := s.GetEmbeddingByContentHash(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, numTokens)
	assert.InDeltaSlice(t, []float32{1, 2}, vec, 0.0001)

	_, _, ok, err = s.GetEmbeddingByContentHash(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchStore_GetAllChunkEmbeddings_StopsOnFalse(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	docID, err := s.AddDocument(ctx, "doc.md", "content")
	require.NoError(t, err)

	require.NoError(t, s.BatchAddChunksWithLinks(ctx, docID, []PendingChunkWithEmbedding{
		{Ordinal: 0, Content: "a", ContentHash: contentHashOf("a"), Vector: []float32{1}, NumTokens: 1},
		{Ordinal: 1, Content: "b", ContentHash: contentHashOf("b"), Vector: []float32{2}, NumTokens: 1},
	}))

	seen := 0
	err = s.GetAllChunkEmbeddings(ctx, func(ChunkEmbedding) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen, "yield returning false must stop iteration early")
}

func TestSearchStore_BloomFilterRoundTrip(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	_, ok, err := s.LoadBloomFilter(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveBloomFilter(ctx, []byte{1, 2, 3}))
	blob, ok, err := s.LoadBloomFilter(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, blob)

	require.NoError(t, s.ClearBloomFilter(ctx))
	_, ok, err = s.LoadBloomFilter(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchStore_SearchDocumentsFTS(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	docID, err := s.AddDocument(ctx, "doc.md", "content")
	require.NoError(t, err)
	require.NoError(t, s.BatchAddChunksWithLinks(ctx, docID, []PendingChunkWithEmbedding{
		{Ordinal: 0, Content: "the quick brown fox", ContentHash: contentHashOf("1"), Vector: []float32{0}, NumTokens: 1},
		{Ordinal: 1, Content: "completely unrelated text", ContentHash: contentHashOf("2"), Vector: []float32{0}, NumTokens: 1},
	}))

	hits, err := s.SearchDocumentsFTS(ctx, `quick* OR fox*`, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, docID, hits[0].DocID)
}

func TestSearchStore_DeleteChunksForDoc(t *testing.T) {
	s, err := NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	docID, err := s.AddDocument(ctx, "doc.md", "content")
	require.NoError(t, err)
	require.NoError(t, s.BatchAddChunksWithLinks(ctx, docID, []PendingChunkWithEmbedding{
		{Ordinal: 0, Content: "a", ContentHash: contentHashOf("a"), Vector: []float32{1}, NumTokens: 1},
	}))

	require.NoError(t, s.DeleteChunksForDoc(ctx, docID))

	got, err := s.GetChunksForDoc(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
