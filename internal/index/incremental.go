package index

import (
	"context"
	"fmt"
	"os"

	"github.com/Aman-CERP/amanmcp/internal/chunk"
	"github.com/Aman-CERP/amanmcp/internal/embed"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// ReindexDelta counts what changed during an incremental reindex.
type ReindexDelta struct {
	Unchanged int
	New       int
	Deleted   int
}

// SearchIndexer drives the content-addressed indexing algorithm against a
// SearchStore, reusing embeddings for chunks whose content hash is unchanged.
type SearchIndexer struct {
	store    store.SearchStore
	embedder embed.MultiVectorEmbedder
	chunker  chunk.Chunker
}

// NewSearchIndexer wires a SearchStore, embedder, and chunker into an indexer.
func NewSearchIndexer(s store.SearchStore, embedder embed.Embedder, chunker chunk.Chunker) *SearchIndexer {
	return &SearchIndexer{
		store:    s,
		embedder: embed.AsMultiVector(embedder),
		chunker:  chunker,
	}
}

// IndexFileIncremental keeps the index consistent with the file at path,
// re-embedding only chunks whose content actually changed (spec 4.4.1).
// Returns (docID, nil, nil) when the file doesn't exist or has no document
// yet; ok=false signals "nothing to report, caller should full-index".
func (s *SearchIndexer) IndexFileIncremental(ctx context.Context, path string) (docID string, delta *ReindexDelta, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(raw)
	if content == "" {
		return "", nil, nil
	}

	existing, err := s.store.GetDocumentByPath(ctx, path)
	if err != nil {
		return "", nil, err
	}
	if existing == nil {
		docID, err := s.fullIndexFile(ctx, path, content)
		return docID, nil, err
	}

	needsReindex, err := s.store.NeedsReindex(ctx, path, content)
	if err != nil {
		return "", nil, err
	}
	if !needsReindex {
		return existing.ID, &ReindexDelta{}, nil
	}

	docID, err = s.store.AddDocument(ctx, path, content)
	if err != nil {
		return "", nil, err
	}

	oldChunks, err := s.store.GetChunksForDoc(ctx, docID)
	if err != nil {
		return "", nil, err
	}
	oldByHash := make(map[string]*store.ChunkEmbedding, len(oldChunks))
	for _, oc := range oldChunks {
		emb, err := s.store.GetChunkEmbeddings(ctx, oc.ID)
		if err != nil {
			return "", nil, err
		}
		if emb != nil {
			oldByHash[oc.ContentHash] = emb
		}
	}

	newChunks, err := s.chunker.Chunk(ctx, &chunk.FileInput{Path: path, Content: raw})
	if err != nil {
		return "", nil, fmt.Errorf("chunk %s: %w", path, err)
	}

	var toEmbed []*chunk.Chunk
	reused := make(map[string]*store.ChunkEmbedding)
	for _, nc := range newChunks {
		if emb, ok := oldByHash[nc.ContentHash]; ok {
			reused[nc.ContentHash] = emb
		} else {
			toEmbed = append(toEmbed, nc)
		}
	}

	embeddings, err := s.embedBatch(ctx, toEmbed)
	if err != nil {
		return "", nil, err
	}

	pending := make([]store.PendingChunkWithEmbedding, 0, len(newChunks))
	for i, nc := range newChunks {
		var vec []float32
		var numTokens int
		if r, ok := reused[nc.ContentHash]; ok {
			vec, numTokens = r.Vector, r.NumTokens
		} else {
			res := embeddings[toEmbedIndex(toEmbed, nc)]
			vec, numTokens = flatten(res), res.NumTokens
			_ = i
		}
		pending = append(pending, toPendingChunk(nc, vec, numTokens))
	}

	newHashes := make(map[string]bool, len(newChunks))
	for _, nc := range newChunks {
		newHashes[nc.ContentHash] = true
	}
	deletedCount := 0
	for hash := range oldByHash {
		if !newHashes[hash] {
			deletedCount++
		}
	}

	if err := s.store.DeleteChunksForDoc(ctx, docID); err != nil {
		return "", nil, err
	}
	if err := s.store.BatchAddChunksWithLinks(ctx, docID, pending); err != nil {
		return "", nil, err
	}

	return docID, &ReindexDelta{
		Unchanged: len(newChunks) - len(toEmbed),
		New:       len(toEmbed),
		Deleted:   deletedCount,
	}, nil
}

func (s *SearchIndexer) fullIndexFile(ctx context.Context, path, content string) (string, error) {
	docID, err := s.store.AddDocument(ctx, path, content)
	if err != nil {
		return "", err
	}

	chunks, err := s.chunker.Chunk(ctx, &chunk.FileInput{Path: path, Content: []byte(content)})
	if err != nil {
		return "", fmt.Errorf("chunk %s: %w", path, err)
	}

	embeddings, err := s.embedBatch(ctx, chunks)
	if err != nil {
		return "", err
	}

	pending := make([]store.PendingChunkWithEmbedding, 0, len(chunks))
	for i, c := range chunks {
		res := embeddings[i]
		pending = append(pending, toPendingChunk(c, flatten(res), res.NumTokens))
	}

	if err := s.store.BatchAddChunksWithLinks(ctx, docID, pending); err != nil {
		return "", err
	}
	return docID, nil
}

func (s *SearchIndexer) embedBatch(ctx context.Context, chunks []*chunk.Chunk) ([]embed.EmbeddingResult, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return s.embedder.EmbedBatchMulti(ctx, texts)
}

func toEmbedIndex(toEmbed []*chunk.Chunk, target *chunk.Chunk) int {
	for i, c := range toEmbed {
		if c == target {
			return i
		}
	}
	return 0
}

func toPendingChunk(c *chunk.Chunk, vec []float32, numTokens int) store.PendingChunkWithEmbedding {
	links := make([]store.SearchChunkLink, len(c.Links))
	for i, l := range c.Links {
		links[i] = store.SearchChunkLink{Text: l.Text, Target: l.Target, IsInternal: l.IsInternal}
	}
	return store.PendingChunkWithEmbedding{
		Ordinal:     c.Ordinal,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		HeaderPath:  c.HeaderPath,
		Content:     c.Content,
		ContentHash: c.ContentHash,
		Language:    c.Language,
		Links:       links,
		Vector:      vec,
		NumTokens:   numTokens,
	}
}

// flatten collapses an EmbeddingResult's (num_tokens, dim) matrix into one
// row-major slice for BLOB storage.
func flatten(r embed.EmbeddingResult) []float32 {
	if len(r.Data) == 0 {
		return nil
	}
	dim := len(r.Data[0])
	out := make([]float32, 0, len(r.Data)*dim)
	for _, row := range r.Data {
		out = append(out, row...)
	}
	return out
}
