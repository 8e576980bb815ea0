package index

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanmcp/internal/bloom"
	"github.com/Aman-CERP/amanmcp/internal/chunk"
	"github.com/Aman-CERP/amanmcp/internal/scanner"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// readBatch is what the reader stage hands to the embedder: a group of
// chunks, read and split, not yet embedded.
type readBatch struct {
	items []pendingChunk
}

// embeddedBatch is what the embedder stage hands to the writer: the same
// chunks, each resolved to a vector (reused or freshly computed).
type embeddedBatch struct {
	items []resolvedChunk
}

type resolvedChunk struct {
	docID     string
	chunk     *chunk.Chunk
	vector    []float32
	numTokens int
}

// IndexDirectoryPipelined runs the reader/embedder/writer pipeline (spec
// 4.4.3): three cooperating stages connected by bounded channels, so file
// reads, embedding calls, and KV writes overlap instead of running strictly
// sequentially. The KV store is only ever touched from the writer stage.
// Cancellation propagates by closing the reader side; each stage drains its
// input channel before exiting.
func (s *SearchIndexer) IndexDirectoryPipelined(ctx context.Context, root string, allow scanner.FileTypeFilter, opts DirectoryIndexOptions) error {
	if opts.CrossfileBatchSize <= 0 {
		opts.CrossfileBatchSize = DefaultDirectoryIndexOptions().CrossfileBatchSize
	}
	queueCapacity := opts.CrossfileBatchSize * 3

	filter, err := s.loadOrCreateBloomFilter(ctx, opts)
	if err != nil {
		return err
	}
	var filterMu sync.Mutex

	readCh := make(chan readBatch, queueCapacity/opts.CrossfileBatchSize+1)
	writeCh := make(chan embeddedBatch, queueCapacity/opts.CrossfileBatchSize+1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(readCh)
		return s.pipelineReadStage(gctx, root, allow, opts, readCh)
	})

	g.Go(func() error {
		defer close(writeCh)
		return s.pipelineEmbedStage(gctx, readCh, writeCh, filter, &filterMu, opts)
	})

	g.Go(func() error {
		return s.pipelineWriteStage(gctx, writeCh)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if opts.UseBloomFilter {
		filterMu.Lock()
		blob := filter.Marshal()
		filterMu.Unlock()
		if err := s.store.SaveBloomFilter(ctx, blob); err != nil {
			return fmt.Errorf("save bloom filter: %w", err)
		}
	}
	return nil
}

// pipelineReadStage walks root, chunking every file that needs reindexing
// and emitting fixed-size batches onto out. Closing ctx drains the walk in
// order: the in-flight WalkDir call finishes its current file, then stops.
func (s *SearchIndexer) pipelineReadStage(ctx context.Context, root string, allow scanner.FileTypeFilter, opts DirectoryIndexOptions, out chan<- readBatch) error {
	var buffer []pendingChunk
	emit := func() {
		if len(buffer) == 0 {
			return
		}
		out <- readBatch{items: buffer}
		buffer = nil
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
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
			slog.Warn("pipeline_read_failed", slog.String("path", path), slog.String("error", err.Error()))
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
			slog.Warn("pipeline_chunk_failed", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		for _, c := range chunks {
			buffer = append(buffer, pendingChunk{docID: docID, chunk: c})
			if len(buffer) >= opts.CrossfileBatchSize {
				emit()
			}
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", root, walkErr)
	}
	emit()
	return nil
}

// pipelineEmbedStage consumes read batches, resolves each chunk's embedding
// (Bloom-probe + content-hash reuse, else a real embed_batch call), and
// forwards resolved batches to the writer. This is the only stage that talks
// to the embedder, so embed_batch calls from different file batches never
// race each other.
func (s *SearchIndexer) pipelineEmbedStage(ctx context.Context, in <-chan readBatch, out chan<- embeddedBatch, filter *bloom.Filter, filterMu *sync.Mutex, opts DirectoryIndexOptions) error {
	for batch := range in {
		resolved := make([]resolvedChunk, len(batch.items))
		var toEmbed []int

		for i, pc := range batch.items {
			hit := false
			if !opts.Force {
				filterMu.Lock()
				mightContain := filter.MightContain(pc.chunk.ContentHash)
				filterMu.Unlock()
				if mightContain {
					vec, numTokens, ok, err := s.store.GetEmbeddingByContentHash(ctx, pc.chunk.ContentHash)
					if err != nil {
						return err
					}
					if ok {
						resolved[i] = resolvedChunk{docID: pc.docID, chunk: pc.chunk, vector: vec, numTokens: numTokens}
						hit = true
					}
				}
			}
			if !hit {
				resolved[i] = resolvedChunk{docID: pc.docID, chunk: pc.chunk}
				toEmbed = append(toEmbed, i)
			}
		}

		if len(toEmbed) > 0 {
			texts := make([]string, len(toEmbed))
			for j, i := range toEmbed {
				texts[j] = batch.items[i].chunk.Content
			}
			results, err := s.embedder.EmbedBatchMulti(ctx, texts)
			if err != nil {
				return fmt.Errorf("batch embed: %w", err)
			}
			for j, i := range toEmbed {
				resolved[i].vector = flatten(results[j])
				resolved[i].numTokens = results[j].NumTokens
				if opts.UseBloomFilter {
					filterMu.Lock()
					filter.Add(resolved[i].chunk.ContentHash)
					filterMu.Unlock()
				}
			}
		}

		select {
		case out <- embeddedBatch{items: resolved}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pipelineWriteStage is the sole writer of the KV store: every commit comes
// through here, so SQLite transactions never contend across goroutines.
func (s *SearchIndexer) pipelineWriteStage(ctx context.Context, in <-chan embeddedBatch) error {
	for batch := range in {
		byDoc := make(map[string][]store.PendingChunkWithEmbedding)
		for _, r := range batch.items {
			byDoc[r.docID] = append(byDoc[r.docID], toPendingChunk(r.chunk, r.vector, r.numTokens))
		}
		for docID, chunks := range byDoc {
			if err := s.store.BatchAddChunksWithLinks(ctx, docID, chunks); err != nil {
				return fmt.Errorf("commit batch for doc %s: %w", docID, err)
			}
		}
	}
	return nil
}
