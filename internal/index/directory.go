package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Aman-CERP/amanmcp/internal/bloom"
	"github.com/Aman-CERP/amanmcp/internal/chunk"
	"github.com/Aman-CERP/amanmcp/internal/scanner"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// DirectoryIndexOptions configures the directory-walk, cross-file-batching
// indexing path (spec 4.4.2).
type DirectoryIndexOptions struct {
	CrossfileBatchSize  int
	UseBloomFilter      bool
	Force               bool
	ParallelFileReading bool
	Pipelined           bool
}

// DefaultDirectoryIndexOptions returns the spec's defaults.
func DefaultDirectoryIndexOptions() DirectoryIndexOptions {
	return DirectoryIndexOptions{
		CrossfileBatchSize:  64,
		UseBloomFilter:      true,
		Force:               false,
		ParallelFileReading: true,
		Pipelined:           false,
	}
}

// pendingChunk is a chunk queued for the cross-file batch buffer, not yet
// known to be reused or freshly embedded.
type pendingChunk struct {
	docID string
	chunk *chunk.Chunk
}

// IndexDirectory walks root, re-indexing every file that needs it (or every
// file, if opts.Force), batching embeddings across files via a cross-file
// buffer and a Bloom filter for cheap dedup probes.
func (s *SearchIndexer) IndexDirectory(ctx context.Context, root string, allow scanner.FileTypeFilter, opts DirectoryIndexOptions) error {
	if opts.CrossfileBatchSize <= 0 {
		opts.CrossfileBatchSize = DefaultDirectoryIndexOptions().CrossfileBatchSize
	}
	if opts.Pipelined {
		return s.IndexDirectoryPipelined(ctx, root, allow, opts)
	}

	filter, err := s.loadOrCreateBloomFilter(ctx, opts)
	if err != nil {
		return err
	}

	var buffer []pendingChunk
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := s.flushBatch(ctx, buffer, filter, opts); err != nil {
			return err
		}
		buffer = buffer[:0]
		return nil
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if !allow.Allows(rel) {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("index_directory_read_failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		content := string(raw)
		if content == "" {
			return nil
		}

		if !opts.Force {
			needsReindex, err := s.store.NeedsReindex(ctx, rel, content)
			if err != nil {
				return err
			}
			if !needsReindex {
				return nil
			}
		}

		docID, err := s.store.AddDocument(ctx, rel, content)
		if err != nil {
			return err
		}
		if err := s.store.DeleteChunksForDoc(ctx, docID); err != nil {
			return err
		}

		chunks, err := s.chunker.Chunk(ctx, &chunk.FileInput{Path: rel, Content: raw})
		if err != nil {
			slog.Warn("index_directory_chunk_failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		for _, c := range chunks {
			buffer = append(buffer, pendingChunk{docID: docID, chunk: c})
		}

		if len(buffer) >= opts.CrossfileBatchSize {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", root, walkErr)
	}

	if err := flush(); err != nil {
		return err
	}

	if opts.UseBloomFilter {
		if err := s.store.SaveBloomFilter(ctx, filter.Marshal()); err != nil {
			return fmt.Errorf("save bloom filter: %w", err)
		}
	}
	return nil
}

// loadOrCreateBloomFilter loads the persisted filter, rebuilding from stored
// content hashes if it's missing or corrupt (spec 4.4.2 step 1).
func (s *SearchIndexer) loadOrCreateBloomFilter(ctx context.Context, opts DirectoryIndexOptions) (*bloom.Filter, error) {
	if !opts.UseBloomFilter {
		return bloom.NewForCapacity(1, bloom.DefaultFalsePositiveRate), nil
	}

	existingCount, err := s.store.ContentHashCount(ctx)
	if err != nil {
		return nil, err
	}
	capacity := uint64(existingCount + 10_000)
	if capacity < 100_000 {
		capacity = 100_000
	}

	blob, ok, err := s.store.LoadBloomFilter(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		filter, err := bloom.Unmarshal(blob)
		if err == nil {
			return filter, nil
		}
		slog.Warn("bloom_filter_corrupt_rebuilding", slog.String("error", err.Error()))
	}

	filter := bloom.NewForCapacity(capacity, bloom.DefaultFalsePositiveRate)
	hashes, err := s.store.GetAllContentHashes(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		filter.Add(h)
	}
	return filter, nil
}

// flushBatch resolves cross-file dedup via the Bloom filter, batch-embeds
// whatever remains, and commits everything grouped by document.
func (s *SearchIndexer) flushBatch(ctx context.Context, buffer []pendingChunk, filter *bloom.Filter, opts DirectoryIndexOptions) error {
	type resolved struct {
		docID     string
		chunk     *chunk.Chunk
		vector    []float32
		numTokens int
		reused    bool
	}
	resolvedChunks := make([]resolved, len(buffer))

	var toEmbed []int
	for i, pc := range buffer {
		if !opts.Force && filter.MightContain(pc.chunk.ContentHash) {
			vec, numTokens, ok, err := s.store.GetEmbeddingByContentHash(ctx, pc.chunk.ContentHash)
			if err != nil {
				return err
			}
			if ok {
				resolvedChunks[i] = resolved{docID: pc.docID, chunk: pc.chunk, vector: vec, numTokens: numTokens, reused: true}
				continue
			}
		}
		resolvedChunks[i] = resolved{docID: pc.docID, chunk: pc.chunk}
		toEmbed = append(toEmbed, i)
	}

	if len(toEmbed) > 0 {
		texts := make([]string, len(toEmbed))
		for j, i := range toEmbed {
			texts[j] = buffer[i].chunk.Content
		}
		results, err := s.embedder.EmbedBatchMulti(ctx, texts)
		if err != nil {
			return fmt.Errorf("batch embed: %w", err)
		}
		for j, i := range toEmbed {
			resolvedChunks[i].vector = flatten(results[j])
			resolvedChunks[i].numTokens = results[j].NumTokens
			if opts.UseBloomFilter {
				filter.Add(resolvedChunks[i].chunk.ContentHash)
			}
		}
	}

	byDoc := make(map[string][]store.PendingChunkWithEmbedding)
	for _, r := range resolvedChunks {
		byDoc[r.docID] = append(byDoc[r.docID], toPendingChunk(r.chunk, r.vector, r.numTokens))
	}
	for docID, chunks := range byDoc {
		if err := s.store.BatchAddChunksWithLinks(ctx, docID, chunks); err != nil {
			return fmt.Errorf("commit batch for doc %s: %w", docID, err)
		}
	}
	return nil
}
