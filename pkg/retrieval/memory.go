package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/ident"
)

// MemoryIndex stores conversation exchanges and serves hybrid search over
// them, so a session can recall what was said earlier.
type MemoryIndex struct {
	db       *sql.DB
	logger   zerolog.Logger
	embedder EmbeddingProvider
	mu       sync.Mutex
}

// MemoryConfig holds memory index configuration.
type MemoryConfig struct {
	DBPath   string
	Logger   zerolog.Logger
	Embedder EmbeddingProvider // optional; nil disables vector search
}

// NewMemoryIndex opens the conversation memory database.
func NewMemoryIndex(cfg MemoryConfig) (*MemoryIndex, error) {
	observability.EnsureRegistered()

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

	m := &MemoryIndex{
		db:       db,
		logger:   cfg.Logger,
		embedder: cfg.Embedder,
	}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return m, nil
}

func (m *MemoryIndex) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
			entry_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return err
	}

	if m.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS memory_embeddings USING vec0(
				entry_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, m.embedder.Dimension())
		if _, err := m.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Add records one conversation exchange. Embedding failures degrade to
// keyword-only recall for the entry rather than failing the write.
func (m *MemoryIndex) Add(ctx context.Context, sessionID, role, content string) error {
	if content == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entryID := ident.NewMessageID()

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO memory_entries (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		entryID, sessionID, role, content, time.Now().Unix(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO memory_fts (entry_id, content) VALUES (?, ?)",
		entryID, content,
	); err != nil {
		return err
	}

	if m.embedder != nil {
		embedding, err := m.embedder.GenerateEmbedding(ctx, content)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failed to embed memory entry")
		} else {
			embeddingJSON, err := json.Marshal(embedding)
			if err != nil {
				return fmt.Errorf("failed to marshal embedding: %w", err)
			}
			if _, err := tx.Exec(
				"INSERT INTO memory_embeddings (entry_id, embedding) VALUES (?, ?)",
				entryID, string(embeddingJSON),
			); err != nil {
				return fmt.Errorf("failed to store embedding: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Search performs hybrid search over memory entries. An empty sessionID
// searches across all sessions.
func (m *MemoryIndex) Search(ctx context.Context, sessionID, query string, opts *Options) ([]Result, error) {
	start := time.Now()
	defer func() { observability.RecordRetrievalQuery("memory", time.Since(start)) }()

	if query == "" {
		return []Result{}, nil
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	var vectorHits []vectorHit
	var keywordHits []keywordHit
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if m.embedder != nil {
			vectorHits, vectorErr = m.vectorSearch(ctx, query, 200)
		}
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = m.keywordSearch(query, 200)
	}()
	wg.Wait()

	if vectorErr != nil {
		m.logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		m.logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("both search methods failed")
	}

	merged := mergeHits(vectorHits, keywordHits, opts)

	results := make([]Result, 0, len(merged))
	for _, hit := range merged {
		var content, role, entrySession string
		var createdAt int64
		err := m.db.QueryRow(
			"SELECT content, role, session_id, created_at FROM memory_entries WHERE id = ?",
			hit.id,
		).Scan(&content, &role, &entrySession, &createdAt)
		if err != nil {
			m.logger.Warn().Err(err).Str("entry_id", hit.id).Msg("Failed to fetch memory entry")
			continue
		}
		if sessionID != "" && entrySession != sessionID {
			continue
		}

		results = append(results, Result{
			ID:           hit.id,
			Source:       "memory",
			Content:      content,
			Score:        hit.score,
			VectorScore:  hit.vectorScore,
			KeywordScore: hit.keywordScore,
			Metadata: map[string]interface{}{
				"role":       role,
				"session_id": entrySession,
				"created_at": time.Unix(createdAt, 0).UTC().Format(time.RFC3339),
			},
		})
		if len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

func (m *MemoryIndex) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	embedding, err := m.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT entry_id, vec_distance_cosine(embedding, ?) as distance
		FROM memory_embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var entryID string
		var distance float64
		if err := rows.Scan(&entryID, &distance); err != nil {
			return nil, err
		}
		hits = append(hits, vectorHit{id: entryID, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

func (m *MemoryIndex) keywordSearch(query string, limit int) ([]keywordHit, error) {
	rows, err := m.db.Query(`
		SELECT entry_id, bm25(memory_fts) as score
		FROM memory_fts
		WHERE memory_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var entryID string
		var score float64
		if err := rows.Scan(&entryID, &score); err != nil {
			return nil, err
		}
		hits = append(hits, keywordHit{id: entryID, bm25Score: -score})
	}
	return hits, rows.Err()
}

// Count returns the total number of memory entries.
func (m *MemoryIndex) Count() (int, error) {
	var count int
	err := m.db.QueryRow("SELECT COUNT(*) FROM memory_entries").Scan(&count)
	return count, err
}

// Close closes the memory database.
func (m *MemoryIndex) Close() error {
	return m.db.Close()
}
