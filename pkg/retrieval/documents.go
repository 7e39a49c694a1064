package retrieval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/prontohq/pronto/internal/observability"
)

func init() {
	// Auto-register sqlite-vec extension on every connection.
	sqlite_vec.Auto()
}

// DocumentIndex indexes a directory of markdown and text documents and
// serves hybrid (vector + keyword) search over their chunks.
type DocumentIndex struct {
	db        *sql.DB
	corpusDir string
	logger    zerolog.Logger
	embedder  EmbeddingProvider
	watcher   *corpusWatcher

	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
}

// IndexStatus reports the current state of the document index.
type IndexStatus struct {
	TotalFiles   int        `json:"total_files"`
	TotalChunks  int        `json:"total_chunks"`
	IsDirty      bool       `json:"is_dirty"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// DocumentConfig holds document index configuration.
type DocumentConfig struct {
	CorpusDir string
	DBPath    string
	Logger    zerolog.Logger
	Embedder  EmbeddingProvider // optional; nil disables vector search
	Watch     bool
}

// NewDocumentIndex opens the index database and, when requested, starts a
// filesystem watcher that marks the index dirty on corpus changes.
func NewDocumentIndex(cfg DocumentConfig) (*DocumentIndex, error) {
	observability.EnsureRegistered()

	if cfg.CorpusDir == "" {
		return nil, errors.New("corpus directory is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &DocumentIndex{
		db:        db,
		corpusDir: cfg.CorpusDir,
		logger:    cfg.Logger,
		embedder:  cfg.Embedder,
		isDirty:   true,
	}

	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Watch {
		watcher, err := newCorpusWatcher(cfg.Logger, idx.MarkDirty)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create corpus watcher: %w", err)
		}
		if err := watcher.Watch(cfg.CorpusDir); err != nil {
			watcher.Stop()
			db.Close()
			return nil, fmt.Errorf("failed to watch corpus: %w", err)
		}
		idx.watcher = watcher
	}

	idx.logger.Info().Str("corpus", cfg.CorpusDir).Msg("Document index opened")
	return idx, nil
}

func (idx *DocumentIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_path ON documents(path);

		CREATE TABLE IF NOT EXISTS doc_chunks (
			id TEXT PRIMARY KEY,
			document_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_doc_chunks_document ON doc_chunks(document_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS doc_chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return err
	}

	if idx.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS doc_embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, idx.embedder.Dimension())
		if _, err := idx.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// MarkDirty flags the index for resync before the next search.
func (idx *DocumentIndex) MarkDirty() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.isDirty = true
}

// Search performs hybrid search over document chunks, syncing first when
// the corpus changed since the last sync.
func (idx *DocumentIndex) Search(ctx context.Context, query string, opts *Options) ([]Result, error) {
	start := time.Now()
	defer func() { observability.RecordRetrievalQuery("documents", time.Since(start)) }()

	if query == "" {
		return []Result{}, nil
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	idx.mu.RLock()
	dirty := idx.isDirty
	idx.mu.RUnlock()
	if dirty {
		if err := idx.Sync(ctx); err != nil {
			idx.logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var vectorHits []vectorHit
	var keywordHits []keywordHit
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if idx.embedder != nil {
			vectorHits, vectorErr = idx.vectorSearch(ctx, query, 200)
		}
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = idx.keywordSearch(query, 200)
	}()
	wg.Wait()

	if vectorErr != nil {
		idx.logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		idx.logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("both search methods failed")
	}

	merged := mergeHits(vectorHits, keywordHits, opts)
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}

	results := make([]Result, 0, len(merged))
	for _, hit := range merged {
		var content, path string
		err := idx.db.QueryRow(`
			SELECT c.content, d.path
			FROM doc_chunks c
			JOIN documents d ON c.document_id = d.id
			WHERE c.id = ?
		`, hit.id).Scan(&content, &path)
		if err != nil {
			idx.logger.Warn().Err(err).Str("chunk_id", hit.id).Msg("Failed to fetch chunk")
			continue
		}

		results = append(results, Result{
			ID:           hit.id,
			Source:       path,
			Content:      content,
			Score:        hit.score,
			VectorScore:  hit.vectorScore,
			KeywordScore: hit.keywordScore,
		})
	}

	return results, nil
}

func (idx *DocumentIndex) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	embedding, err := idx.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := idx.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) as distance
		FROM doc_embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		hits = append(hits, vectorHit{id: chunkID, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

func (idx *DocumentIndex) keywordSearch(query string, limit int) ([]keywordHit, error) {
	rows, err := idx.db.Query(`
		SELECT chunk_id, bm25(doc_chunks_fts) as score
		FROM doc_chunks_fts
		WHERE doc_chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// bm25() returns negative scores; flip them.
		hits = append(hits, keywordHit{id: chunkID, bm25Score: -score})
	}
	return hits, rows.Err()
}

// Sync walks the corpus directory and reindexes changed files.
func (idx *DocumentIndex) Sync(ctx context.Context) error {
	idx.mu.Lock()
	if idx.isSyncing {
		idx.mu.Unlock()
		return errors.New("sync already in progress")
	}
	idx.isSyncing = true
	idx.mu.Unlock()

	defer func() {
		idx.mu.Lock()
		idx.isSyncing = false
		idx.isDirty = false
		now := time.Now()
		idx.lastSyncTime = &now
		idx.mu.Unlock()
	}()

	var corpusFiles []string
	err := filepath.WalkDir(idx.corpusDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && indexableFile(d.Name()) {
			relPath, _ := filepath.Rel(idx.corpusDir, path)
			corpusFiles = append(corpusFiles, relPath)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk corpus: %w", err)
	}

	filesIndexed := 0
	chunksCreated := 0
	for _, relPath := range corpusFiles {
		indexed, chunks, err := idx.indexFile(ctx, filepath.Join(idx.corpusDir, relPath), relPath)
		if err != nil {
			idx.logger.Warn().Err(err).Str("file", relPath).Msg("Failed to index file")
			continue
		}
		if indexed {
			filesIndexed++
			chunksCreated += chunks
		}
	}

	pruned, err := idx.pruneDeleted(corpusFiles)
	if err != nil {
		idx.logger.Warn().Err(err).Msg("Failed to prune deleted files")
	}

	status := idx.Status()
	observability.SetRetrievalChunks(status.TotalChunks)

	idx.logger.Info().
		Int("files_indexed", filesIndexed).
		Int("chunks_created", chunksCreated).
		Int("files_pruned", pruned).
		Msg("Corpus sync completed")

	return nil
}

func indexableFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".txt")
}

func (idx *DocumentIndex) indexFile(ctx context.Context, fullPath, relPath string) (bool, int, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return false, 0, err
	}

	hash := sha256.Sum256(content)
	contentHash := hex.EncodeToString(hash[:])

	var existingHash string
	err = idx.db.QueryRow("SELECT content_hash FROM documents WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM documents WHERE path = ?", relPath); err != nil {
		return false, 0, err
	}

	stat, _ := os.Stat(fullPath)
	result, err := tx.Exec(
		"INSERT INTO documents (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		relPath, contentHash, time.Now().Unix(), stat.Size(),
	)
	if err != nil {
		return false, 0, err
	}
	documentID, _ := result.LastInsertId()

	chunks := splitChunks(string(content))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", relPath, i)

		if _, err := tx.Exec(
			"INSERT INTO doc_chunks (id, document_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, documentID, c.content, c.startOffset, c.endOffset,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.Exec(
			"INSERT INTO doc_chunks_fts (chunk_id, content) VALUES (?, ?)",
			chunkID, c.content,
		); err != nil {
			return false, 0, err
		}

		if idx.embedder != nil {
			if err := idx.storeEmbedding(ctx, tx, chunkID, c.content); err != nil {
				idx.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

func (idx *DocumentIndex) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	contentHashBytes := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(contentHashBytes[:])

	var cached []byte
	err := tx.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)

	var embedding []float32
	if err == nil {
		if err := json.Unmarshal(cached, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		embedding, err = idx.embedder.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		embeddingJSON, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, embeddingJSON, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for storage: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO doc_embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, string(embeddingJSON),
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}
	return nil
}

func (idx *DocumentIndex) pruneDeleted(existing []string) (int, error) {
	rows, err := idx.db.Query("SELECT path FROM documents")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	existingSet := make(map[string]bool, len(existing))
	for _, f := range existing {
		existingSet[f] = true
	}

	var toDelete []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return 0, err
		}
		if !existingSet[path] {
			toDelete = append(toDelete, path)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, path := range toDelete {
		if _, err := idx.db.Exec("DELETE FROM documents WHERE path = ?", path); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// Status reports index counters.
func (idx *DocumentIndex) Status() IndexStatus {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var status IndexStatus
	status.IsDirty = idx.isDirty
	status.LastSyncTime = idx.lastSyncTime
	idx.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&status.TotalFiles)
	idx.db.QueryRow("SELECT COUNT(*) FROM doc_chunks").Scan(&status.TotalChunks)
	return status
}

// Close stops the watcher and closes the database.
func (idx *DocumentIndex) Close() error {
	if idx.watcher != nil {
		idx.watcher.Stop()
	}
	return idx.db.Close()
}

type textChunk struct {
	content     string
	startOffset int
	endOffset   int
}

// splitChunks splits content into overlapping line-aligned chunks.
func splitChunks(content string) []textChunk {
	const minSize = 500
	const maxSize = 1000
	const overlap = 50

	var chunks []textChunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	currentOffset := 0

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, textChunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   currentOffset,
			})

			text := current.String()
			if len(text) > overlap {
				tail := text[len(text)-overlap:]
				current.Reset()
				current.WriteString(tail)
				startOffset = currentOffset - overlap
			} else {
				current.Reset()
				startOffset = currentOffset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		currentOffset += lineLen
	}

	if current.Len() >= minSize || len(chunks) == 0 {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			chunks = append(chunks, textChunk{
				content:     trimmed,
				startOffset: startOffset,
				endOffset:   currentOffset,
			})
		}
	}

	return chunks
}
