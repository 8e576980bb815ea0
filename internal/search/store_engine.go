package search

import (
	"context"
	"sort"
	"time"

	"github.com/Aman-CERP/amanmcp/internal/embed"
	amanerrors "github.com/Aman-CERP/amanmcp/internal/errors"
	"github.com/Aman-CERP/amanmcp/internal/scanner"
	"github.com/Aman-CERP/amanmcp/internal/store"
)

// semanticOversample controls how many semantic/keyword candidates are
// gathered before fusion, relative to the caller's requested limit, so the
// minimum-representation guarantee has a real pool to draw from.
const semanticOversample = 5

// StoreEngine implements SearchEngine directly over the content-addressed
// SearchStore, rather than the teacher's MetadataStore/BM25Index/VectorStore
// trio used by Engine. It keeps hybrid search's confidence-aware fusion but
// drives both branches (semantic scan, FTS5 keyword scan) off the same store.
type StoreEngine struct {
	store    store.SearchStore
	embedder embed.MultiVectorEmbedder
	config   EngineConfig

	classifier Classifier
	expander   *QueryExpander
}

var _ SearchEngine = (*StoreEngine)(nil)

// StoreEngineOption configures a StoreEngine.
type StoreEngineOption func(*StoreEngine)

// WithStoreClassifier sets an optional query classifier for dynamic weight selection.
func WithStoreClassifier(c Classifier) StoreEngineOption {
	return func(e *StoreEngine) { e.classifier = c }
}

// WithStoreExpander sets an optional query expander applied to the keyword branch.
func WithStoreExpander(exp *QueryExpander) StoreEngineOption {
	return func(e *StoreEngine) { e.expander = exp }
}

// NewStoreEngine constructs a StoreEngine over s using embedder for query
// embedding and the semantic scan.
func NewStoreEngine(s store.SearchStore, embedder embed.MultiVectorEmbedder, config EngineConfig, opts ...StoreEngineOption) *StoreEngine {
	e := &StoreEngine{store: s, embedder: embedder, config: config}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search executes a hybrid search query over the SearchStore, blending a
// semantic scan over GetAllChunkEmbeddings with an FTS5 keyword scan via
// SearchDocumentsFTS, using confidence-aware RRF fusion.
func (e *StoreEngine) Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error) {
	if len(query) == 0 {
		return nil, amanerrors.InvalidQueryInput("search query must not be empty", nil)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.config.DefaultLimit
	}
	if limit > e.config.MaxLimit {
		limit = e.config.MaxLimit
	}

	weights := e.config.DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	} else if e.classifier != nil {
		if _, w, err := e.classifier.Classify(ctx, query); err == nil {
			weights = w
		}
	}

	pathForDoc := make(map[string]string)
	docPath := func(docID string) string {
		if p, ok := pathForDoc[docID]; ok {
			return p
		}
		doc, err := e.store.GetDocument(ctx, docID)
		if err != nil || doc == nil {
			pathForDoc[docID] = ""
			return ""
		}
		pathForDoc[docID] = doc.Path
		return doc.Path
	}

	oversampled := limit * semanticOversample

	var semanticHits []ScoredHit
	chunkByID := make(map[string]*store.SearchChunk)
	if !opts.BM25Only {
		qEmb, err := e.embedder.EmbedQuery(ctx, formatQueryForEmbedding(query))
		if err != nil {
			return nil, amanerrors.EmbeddingFailure("failed to embed query", err)
		}

		type scored struct {
			hit   ScoredHit
			chunk store.SearchChunk
		}
		var all []scored
		scanErr := e.store.GetAllChunkEmbeddings(ctx, func(ce store.ChunkEmbedding) bool {
			doc := embed.EmbeddingResult{NumTokens: ce.NumTokens}
			if ce.NumTokens <= 1 {
				doc.Data = [][]float32{ce.Vector}
			} else {
				doc.Data = reshapeVector(ce.Vector, ce.NumTokens, ce.Dim)
			}
			score := float64(embed.Similarity(qEmb, doc))
			all = append(all, scored{
				hit:   ScoredHit{ChunkID: ce.Chunk.ID, DocPath: docPath(ce.Chunk.DocID), Score: score},
				chunk: ce.Chunk,
			})
			return true
		})
		if scanErr != nil {
			return nil, amanerrors.StorageFailure("semantic scan over search store failed", scanErr)
		}

		sort.Slice(all, func(i, j int) bool { return all[i].hit.Score > all[j].hit.Score })
		if len(all) > oversampled {
			all = all[:oversampled]
		}
		semanticHits = make([]ScoredHit, 0, len(all))
		for _, s := range all {
			semanticHits = append(semanticHits, s.hit)
			c := s.chunk
			chunkByID[c.ID] = &c
		}
	}

	ftsQuery := query
	if e.expander != nil {
		ftsQuery = e.expander.Expand(query)
	}
	ftsHits, err := e.store.SearchDocumentsFTS(ctx, ftsQuery, oversampled)
	if err != nil {
		return nil, amanerrors.StorageFailure("keyword search over search store failed", err)
	}
	keywordHits := make([]ScoredHit, 0, len(ftsHits))
	for _, h := range ftsHits {
		keywordHits = append(keywordHits, ScoredHit{ChunkID: h.ChunkID, DocPath: docPath(h.DocID), Score: h.BM25Score, MatchedTerms: h.MatchedTerms})
	}

	fused := ConfidenceAwareFuse(query, semanticHits, keywordHits, weights)

	results := make([]*SearchResult, 0, len(fused))
	for _, f := range fused {
		sc, ok := chunkByID[f.ChunkID]
		if !ok {
			sc, err = e.fetchSearchChunk(ctx, f.ChunkID, ftsHits)
			if err != nil || sc == nil {
				continue
			}
		}
		path := docPath(sc.DocID)
		result := &SearchResult{
			Chunk:        toStoreChunk(sc, path),
			Score:        f.RRFScore,
			BM25Score:    f.BM25Score,
			VecScore:     f.VecScore,
			BM25Rank:     f.BM25Rank,
			VecRank:      f.VecRank,
			InBothLists:  f.InBothLists,
			MatchedTerms: f.MatchedTerms,
		}
		if opts.AdjacentChunks > 0 {
			result.AdjacentContext = e.adjacentContext(ctx, sc, path, opts.AdjacentChunks)
		}
		results = append(results, result)
	}

	results = ApplyFilters(results, opts)
	results = ApplyTestFilePenalty(results)
	results = ApplyPathBoost(results)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	if opts.Explain && len(results) > 0 {
		results[0].Explain = &ExplainData{
			Query:             query,
			BM25ResultCount:   len(keywordHits),
			VectorResultCount: len(semanticHits),
			Weights:           weights,
			RRFConstant:       DefaultRRFConstant,
			BM25Only:          opts.BM25Only,
		}
	}

	return results, nil
}

// fetchSearchChunk resolves a chunk that only appeared in the keyword branch
// (and so was never loaded during the semantic scan) by looking up its
// parent document from the matching FTSHit and scanning its chunk list.
func (e *StoreEngine) fetchSearchChunk(ctx context.Context, chunkID string, ftsHits []store.FTSHit) (*store.SearchChunk, error) {
	var docID string
	for _, h := range ftsHits {
		if h.ChunkID == chunkID {
			docID = h.DocID
			break
		}
	}
	if docID == "" {
		return nil, nil
	}
	chunks, err := e.store.GetChunksForDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.ID == chunkID {
			return c, nil
		}
	}
	return nil, nil
}

// adjacentContext fetches the chunks immediately before/after sc within its
// document, ordered by ordinal, for context continuity.
func (e *StoreEngine) adjacentContext(ctx context.Context, sc *store.SearchChunk, path string, n int) AdjacentContext {
	chunks, err := e.store.GetChunksForDoc(ctx, sc.DocID)
	if err != nil {
		return AdjacentContext{}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })

	idx := -1
	for i, c := range chunks {
		if c.ID == sc.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return AdjacentContext{}
	}

	var ctxResult AdjacentContext
	for i := idx - 1; i >= 0 && len(ctxResult.Before) < n; i-- {
		ctxResult.Before = append(ctxResult.Before, toStoreChunk(chunks[i], path))
	}
	for i := idx + 1; i < len(chunks) && len(ctxResult.After) < n; i++ {
		ctxResult.After = append(ctxResult.After, toStoreChunk(chunks[i], path))
	}
	return ctxResult
}

// Index is unsupported on StoreEngine: ingestion into the content-addressed
// store goes through index.SearchIndexer, not the legacy chunk-based path.
func (e *StoreEngine) Index(ctx context.Context, chunks []*store.Chunk) error {
	return amanerrors.InvalidQueryInput("StoreEngine.Index is not supported; index via index.SearchIndexer", nil)
}

// Delete is unsupported on StoreEngine for the same reason as Index.
func (e *StoreEngine) Delete(ctx context.Context, chunkIDs []string) error {
	return amanerrors.InvalidQueryInput("StoreEngine.Delete is not supported; manage documents via SearchStore", nil)
}

// Stats reports document/chunk counts from the underlying SearchStore.
func (e *StoreEngine) Stats() *EngineStats {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := &EngineStats{BM25Stats: &store.IndexStats{}}
	if ids, err := e.store.GetAllDocIDs(ctx); err == nil {
		stats.BM25Stats.DocumentCount = len(ids)
	}
	if lines, err := e.store.TotalLines(ctx); err == nil {
		stats.BM25Stats.AvgDocLength = float64(lines)
	}
	if n, err := e.store.ContentHashCount(ctx); err == nil {
		stats.VectorCount = n
	}
	return stats
}

// Close releases the underlying store.
func (e *StoreEngine) Close() error {
	return e.store.Close()
}

// reshapeVector splits a flattened multi-vector embedding back into its
// NumTokens rows of Dim width.
func reshapeVector(flat []float32, numTokens, dim int) [][]float32 {
	if numTokens <= 0 || dim <= 0 {
		return [][]float32{flat}
	}
	rows := make([][]float32, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		start := i * dim
		end := start + dim
		if end > len(flat) {
			break
		}
		rows = append(rows, flat[start:end])
	}
	return rows
}

// toStoreChunk adapts a content-addressed SearchChunk into the richer Chunk
// shape the rest of the search pipeline (filters, boosts, adjacent context)
// expects, inferring content type/language from the document path.
func toStoreChunk(sc *store.SearchChunk, docPath string) *store.Chunk {
	language := sc.Language
	if language == "" {
		language = scanner.DetectLanguage(docPath)
	}
	contentType := store.ContentType(scanner.DetectContentType(language))

	return &store.Chunk{
		ID:          sc.ID,
		FileID:      sc.DocID,
		FilePath:    docPath,
		Content:     sc.Content,
		RawContent:  sc.Content,
		ContentType: contentType,
		Language:    language,
		StartLine:   sc.StartLine,
		EndLine:     sc.EndLine,
	}
}
