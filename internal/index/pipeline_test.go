package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanmcp/internal/chunk"
	"github.com/Aman-CERP/amanmcp/internal/embed"
	"github.com/Aman-CERP/amanmcp/internal/scanner"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// lineChunker splits a file into one chunk per non-empty line, good enough
// to exercise the indexing paths without pulling in a real chunker.
type lineChunker struct{}

func (lineChunker) SupportedExtensions() []string { return nil }

func (lineChunker) Chunk(ctx context.Context, file *chunk.FileInput) ([]*chunk.Chunk, error) {
	var out []*chunk.Chunk
	lines := splitLines(string(file.Content))
	ordinal := 0
	for i, line := range lines {
		if line == "" {
			continue
		}
		out = append(out, &chunk.Chunk{
			ID:          fmt.Sprintf("%s:%d", file.Path, i),
			FilePath:    file.Path,
			Content:     line,
			Ordinal:     ordinal,
			StartLine:   i + 1,
			EndLine:     i + 1,
			ContentHash: contentHash(line),
		})
		ordinal++
	}
	return out, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func contentHash(s string) string {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return fmt.Sprintf("%016x", h)
}

// countingEmbedder returns a fixed-dimension vector per text and records how
// many times EmbedBatchMulti was invoked, so tests can assert dedup worked.
type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (e *countingEmbedder) Dimensions() int   { return 1 }
func (e *countingEmbedder) ModelName() string { return "counting-mock" }

func (e *countingEmbedder) EmbedQuery(ctx context.Context, text string) (embed.EmbeddingResult, error) {
	return embed.EmbeddingResult{Data: [][]float32{{1}}, NumTokens: 1}, nil
}

func (e *countingEmbedder) EmbedDocument(ctx context.Context, text string) (embed.EmbeddingResult, error) {
	return embed.EmbeddingResult{Data: [][]float32{{1}}, NumTokens: 1}, nil
}

func (e *countingEmbedder) EmbedBatchMulti(ctx context.Context, texts []string) ([]embed.EmbeddingResult, error) {
	e.calls++
	out := make([]embed.EmbeddingResult, len(texts))
	for i := range texts {
		out[i] = embed.EmbeddingResult{Data: [][]float32{{1}}, NumTokens: 1}
	}
	return out, nil
}

func writeTestTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("alpha\nbeta\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("gamma\ndelta\n"), 0o644))
	return dir
}

func TestIndexDirectoryPipelined_IndexesAllFiles(t *testing.T) {
	s, err := store.NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	embedder := &countingEmbedder{}
	indexer := NewSearchIndexer(s, embedder, lineChunker{})

	dir := writeTestTree(t)
	allow := scanner.NewFileTypeFilter(nil, nil)
	opts := DefaultDirectoryIndexOptions()
	opts.Pipelined = true
	opts.CrossfileBatchSize = 2

	require.NoError(t, indexer.IndexDirectoryPipelined(context.Background(), dir, allow, opts))

	ids, err := s.GetAllDocIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	var total int
	for _, id := range ids {
		chunks, err := s.GetChunksForDoc(context.Background(), id)
		require.NoError(t, err)
		total += len(chunks)
	}
	assert.Equal(t, 4, total)
}

func TestIndexDirectoryPipelined_ReusesEmbeddingsAcrossFiles(t *testing.T) {
	s, err := store.NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	embedder := &countingEmbedder{}
	indexer := NewSearchIndexer(s, embedder, lineChunker{})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("shared line\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("shared line\n"), 0o644))

	allow := scanner.NewFileTypeFilter(nil, nil)
	opts := DefaultDirectoryIndexOptions()
	opts.Pipelined = true
	opts.CrossfileBatchSize = 1

	require.NoError(t, indexer.IndexDirectoryPipelined(context.Background(), dir, allow, opts))

	count, err := s.ContentHashCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "identical content across files should collapse to one stored embedding")
}

func TestIndexDirectory_DispatchesToPipelinedPath(t *testing.T) {
	s, err := store.NewSQLiteSearchStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	embedder := &countingEmbedder{}
	indexer := NewSearchIndexer(s, embedder, lineChunker{})

	dir := writeTestTree(t)
	allow := scanner.NewFileTypeFilter(nil, nil)
	opts := DefaultDirectoryIndexOptions()
	opts.Pipelined = true

	require.NoError(t, indexer.IndexDirectory(context.Background(), dir, allow, opts))

	ids, err := s.GetAllDocIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}
