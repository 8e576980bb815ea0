package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go driver, matches the BM25 index's choice
)

// SearchDocument is a stored document: a file's content plus enough identity
// to detect whether it needs reindexing.
type SearchDocument struct {
	ID          string
	Path        string
	Content     string
	ContentHash string
}

// SearchChunkLink mirrors chunk.Link without importing the chunk package
// (store sits below chunk in the dependency graph).
type SearchChunkLink struct {
	Text       string
	Target     string
	IsInternal bool
}

// SearchChunk is a persisted chunk row, independent of MetadataStore.Chunk —
// this is the spec's content-addressed chunk shape (ordinal + header path +
// content hash + links), not the richer symbol-aware Chunk used by BM25/HNSW.
type SearchChunk struct {
	ID          string
	DocID       string
	Ordinal     int
	StartLine   int
	EndLine     int
	HeaderPath  string
	Content     string
	ContentHash string
	Language    string
	Links       []SearchChunkLink
}

// ChunkEmbedding pairs a SearchChunk with its embedding, as returned by the
// streaming scan used by the query pipeline's semantic scoring loop.
type ChunkEmbedding struct {
	Chunk     SearchChunk
	Vector    []float32 // flattened; NumTokens==1 means a single dim-length vector
	NumTokens int
	Dim       int
}

// PendingChunkWithEmbedding is what BatchAddChunksWithLinks accepts: a chunk
// plus the (possibly reused) embedding to persist alongside it.
type PendingChunkWithEmbedding struct {
	Ordinal     int
	StartLine   int
	EndLine     int
	HeaderPath  string
	Content     string
	ContentHash string
	Language    string
	Links       []SearchChunkLink
	Vector      []float32
	NumTokens   int
}

// FTSHit is one row from SearchDocumentsFTS, ranked by SQLite's bm25().
type FTSHit struct {
	ChunkID      string
	DocID        string
	BM25Score    float64
	MatchedTerms []string
}

// SearchStore is the KV store contract collaborators of the search core
// depend on (spec section 4.3). All operations are transactional per call.
type SearchStore interface {
	AddDocument(ctx context.Context, path, content string) (docID string, err error)
	GetDocument(ctx context.Context, id string) (*SearchDocument, error)
	GetDocumentByPath(ctx context.Context, path string) (*SearchDocument, error)
	GetAllDocIDs(ctx context.Context) ([]string, error)
	NeedsReindex(ctx context.Context, path, content string) (bool, error)

	DeleteChunksForDoc(ctx context.Context, docID string) error
	BatchAddChunksWithLinks(ctx context.Context, docID string, chunks []PendingChunkWithEmbedding) error
	GetChunksForDoc(ctx context.Context, docID string) ([]*SearchChunk, error)
	GetChunkEmbeddings(ctx context.Context, chunkID string) (*ChunkEmbedding, error)

	GetEmbeddingByContentHash(ctx context.Context, hash string) (vector []float32, numTokens int, ok bool, err error)
	GetAllChunkEmbeddings(ctx context.Context, yield func(ChunkEmbedding) bool) error

	GetAllContentHashes(ctx context.Context) ([]string, error)
	ContentHashCount(ctx context.Context) (int, error)

	SaveBloomFilter(ctx context.Context, blob []byte) error
	LoadBloomFilter(ctx context.Context) ([]byte, bool, error)
	ClearBloomFilter(ctx context.Context) error

	SearchDocumentsFTS(ctx context.Context, ftsQuery string, limit int) ([]FTSHit, error)
	TotalLines(ctx context.Context) (int, error)

	Close() error
}

const bloomFilterKVKey = "bloom_filter"

// SQLiteSearchStore implements SearchStore over SQLite + FTS5, using the
// same pure-Go driver and WAL configuration as SQLiteBM25Index.
type SQLiteSearchStore struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

var _ SearchStore = (*SQLiteSearchStore)(nil)

// NewSQLiteSearchStore opens (creating if needed) a search store at path.
// An empty path opens an in-memory store, for tests.
func NewSQLiteSearchStore(path string) (*SQLiteSearchStore, error) {
	dsn := ":memory:"
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create search store dir: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open search store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteSearchStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate search store: %w", err)
	}
	return s, nil
}

func (s *SQLiteSearchStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL REFERENCES documents(id),
			ordinal INTEGER NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			header_path TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			language TEXT NOT NULL,
			links_json TEXT NOT NULL,
			embedding BLOB NOT NULL,
			num_tokens INTEGER NOT NULL,
			dim INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(content_hash)`,
		`CREATE TABLE IF NOT EXISTS kv_blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED, doc_id UNINDEXED, content
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func contentHashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}

// AddDocument upserts a document by path; idempotent on unchanged content.
func (s *SQLiteSearchStore) AddDocument(ctx context.Context, path, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHashOf(content)
	id := contentHashOf(path) // stable per-path id

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, path, content, content_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content=excluded.content, content_hash=excluded.content_hash
	`, id, path, content, hash)
	if err != nil {
		return "", fmt.Errorf("upsert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteSearchStore) GetDocument(ctx context.Context, id string) (*SearchDocument, error) {
	return s.scanOneDocument(ctx, `SELECT id, path, content, content_hash FROM documents WHERE id = ?`, id)
}

func (s *SQLiteSearchStore) GetDocumentByPath(ctx context.Context, path string) (*SearchDocument, error) {
	return s.scanOneDocument(ctx, `SELECT id, path, content, content_hash FROM documents WHERE path = ?`, path)
}

func (s *SQLiteSearchStore) scanOneDocument(ctx context.Context, query string, arg string) (*SearchDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, query, arg)
	var d SearchDocument
	if err := row.Scan(&d.ID, &d.Path, &d.Content, &d.ContentHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteSearchStore) GetAllDocIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NeedsReindex compares the stored content hash against a fresh one.
func (s *SQLiteSearchStore) NeedsReindex(ctx context.Context, path, content string) (bool, error) {
	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return true, nil
	}
	return doc.ContentHash != contentHashOf(content), nil
}

func (s *SQLiteSearchStore) DeleteChunksForDoc(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE doc_id = ?`, docID); err != nil {
		return err
	}
	return tx.Commit()
}

// BatchAddChunksWithLinks inserts every chunk for docID in one transaction.
func (s *SQLiteSearchStore) BatchAddChunksWithLinks(ctx context.Context, docID string, chunks []PendingChunkWithEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		id := fmt.Sprintf("%s:%d", docID, c.Ordinal)
		linksJSON, err := json.Marshal(c.Links)
		if err != nil {
			return fmt.Errorf("marshal links: %w", err)
		}
		dim := 0
		if c.NumTokens > 0 {
			dim = len(c.Vector) / c.NumTokens
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (id, doc_id, ordinal, start_line, end_line, header_path, content, content_hash, language, links_json, embedding, num_tokens, dim)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				start_line=excluded.start_line, end_line=excluded.end_line,
				header_path=excluded.header_path, content=excluded.content,
				content_hash=excluded.content_hash, language=excluded.language,
				links_json=excluded.links_json, embedding=excluded.embedding,
				num_tokens=excluded.num_tokens, dim=excluded.dim
		`, id, docID, c.Ordinal, c.StartLine, c.EndLine, c.HeaderPath, c.Content, c.ContentHash, c.Language, string(linksJSON), encodeVector(c.Vector), c.NumTokens, dim)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks_fts (chunk_id, doc_id, content) VALUES (?, ?, ?)
		`, id, docID, c.Content); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteSearchStore) GetChunksForDoc(ctx context.Context, docID string) ([]*SearchChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, ordinal, start_line, end_line, header_path, content, content_hash, language, links_json
		FROM chunks WHERE doc_id = ? ORDER BY ordinal ASC
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SearchChunk
	for rows.Next() {
		c, err := scanSearchChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSearchChunk(rows *sql.Rows) (*SearchChunk, error) {
	var c SearchChunk
	var linksJSON string
	if err := rows.Scan(&c.ID, &c.DocID, &c.Ordinal, &c.StartLine, &c.EndLine, &c.HeaderPath, &c.Content, &c.ContentHash, &c.Language, &linksJSON); err != nil {
		return nil, err
	}
	if linksJSON != "" {
		if err := json.Unmarshal([]byte(linksJSON), &c.Links); err != nil {
			return nil, fmt.Errorf("unmarshal links for chunk %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *SQLiteSearchStore) GetChunkEmbeddings(ctx context.Context, chunkID string) (*ChunkEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, ordinal, start_line, end_line, header_path, content, content_hash, language, links_json, embedding, num_tokens, dim
		FROM chunks WHERE id = ?
	`, chunkID)

	var c SearchChunk
	var linksJSON string
	var embBlob []byte
	var numTokens, dim int
	if err := row.Scan(&c.ID, &c.DocID, &c.Ordinal, &c.StartLine, &c.EndLine, &c.HeaderPath, &c.Content, &c.ContentHash, &c.Language, &linksJSON, &embBlob, &numTokens, &dim); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if linksJSON != "" {
		if err := json.Unmarshal([]byte(linksJSON), &c.Links); err != nil {
			return nil, err
		}
	}
	return &ChunkEmbedding{Chunk: c, Vector: decodeVector(embBlob), NumTokens: numTokens, Dim: dim}, nil
}

// GetEmbeddingByContentHash returns the first chunk embedding stored under
// hash, used by the indexer's cross-file dedup path.
func (s *SQLiteSearchStore) GetEmbeddingByContentHash(ctx context.Context, hash string) ([]float32, int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT embedding, num_tokens FROM chunks WHERE content_hash = ? LIMIT 1
	`, hash)
	var embBlob []byte
	var numTokens int
	if err := row.Scan(&embBlob, &numTokens); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return decodeVector(embBlob), numTokens, true, nil
}

// GetAllChunkEmbeddings streams every chunk+embedding to yield, stopping
// early if yield returns false. This backs the semantic scoring loop, which
// needs to visit every chunk without materializing the whole index in RAM.
func (s *SQLiteSearchStore) GetAllChunkEmbeddings(ctx context.Context, yield func(ChunkEmbedding) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, ordinal, start_line, end_line, header_path, content, content_hash, language, links_json, embedding, num_tokens, dim
		FROM chunks
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c SearchChunk
		var linksJSON string
		var embBlob []byte
		var numTokens, dim int
		if err := rows.Scan(&c.ID, &c.DocID, &c.Ordinal, &c.StartLine, &c.EndLine, &c.HeaderPath, &c.Content, &c.ContentHash, &c.Language, &linksJSON, &embBlob, &numTokens, &dim); err != nil {
			return err
		}
		if linksJSON != "" {
			if err := json.Unmarshal([]byte(linksJSON), &c.Links); err != nil {
				return err
			}
		}
		if !yield(ChunkEmbedding{Chunk: c, Vector: decodeVector(embBlob), NumTokens: numTokens, Dim: dim}) {
			break
		}
	}
	return rows.Err()
}

func (s *SQLiteSearchStore) GetAllContentHashes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT content_hash FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteSearchStore) ContentHashCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT content_hash) FROM chunks`).Scan(&n)
	return n, err
}

func (s *SQLiteSearchStore) SaveBloomFilter(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_blobs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, bloomFilterKVKey, blob)
	return err
}

func (s *SQLiteSearchStore) LoadBloomFilter(ctx context.Context) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_blobs WHERE key = ?`, bloomFilterKVKey).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *SQLiteSearchStore) ClearBloomFilter(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_blobs WHERE key = ?`, bloomFilterKVKey)
	return err
}

// SearchDocumentsFTS runs a prefix-matched FTS5 query and scores hits with
// SQLite's built-in bm25() ranking function (lower is better; we negate it
// so callers can treat higher as better, matching the rest of the pipeline).
func (s *SQLiteSearchStore) SearchDocumentsFTS(ctx context.Context, ftsQuery string, limit int) ([]FTSHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, bm25(chunks_fts) FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts) ASC
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	terms := strings.Fields(strings.ToLower(strings.ReplaceAll(ftsQuery, "*", "")))

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		var rawScore float64
		if err := rows.Scan(&h.ChunkID, &h.DocID, &rawScore); err != nil {
			return nil, err
		}
		h.BM25Score = -rawScore // sqlite's bm25() is already "lower is better"; negate for 1/(1+bm25) downstream
		h.MatchedTerms = terms
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *SQLiteSearchStore) TotalLines(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(end_line - start_line + 1), 0) FROM chunks`).Scan(&total)
	return total, err
}

func (s *SQLiteSearchStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return err
	}
	slog.Debug("search_store_closed", slog.String("path", s.path))
	return nil
}

// encodeVector/decodeVector serialize a float32 vector as little-endian
// bytes for BLOB storage; avoids depending on the platform's float layout.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
