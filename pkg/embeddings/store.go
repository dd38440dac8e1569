package embeddings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store provides pgvector-backed embedding storage and search.
type Store struct {
	pool *pgxpool.Pool
}

// Dimensions is the embedding width of nomic-embed-text-v1.5.
const Dimensions = 768

// SearchResult holds a vector similarity search result.
type SearchResult struct {
	MemoryID int64
	Distance float64 // cosine distance (lower = more similar)
}

// Similarity maps cosine distance onto [0,1].
func (r SearchResult) Similarity() float64 {
	return clamp01(1 - r.Distance)
}

// Document is one memory to embed, scoped to its owner and category.
type Document struct {
	MemoryID    int64
	UserID      string
	Category    string
	ContentHash string
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

var storeSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_embeddings (
		memory_id    BIGINT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		category     TEXT NOT NULL,
		embedding    vector(%d) NOT NULL,
		content_hash TEXT NOT NULL,
		model_name   TEXT NOT NULL DEFAULT 'nomic-embed-text-v1.5',
		embedded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, Dimensions),
	// cosine HNSW; recall filters by scope before ranking
	`CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw ON memory_embeddings
		USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_scope ON memory_embeddings (user_id, category)`,
}

// Init creates the pgvector extension, table and indexes.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range storeSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init embedding store: %w", err)
		}
	}
	slog.Info("embedding store initialized", "dimensions", Dimensions)
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertEmbedding = `
	INSERT INTO memory_embeddings (memory_id, user_id, category, embedding, content_hash, embedded_at)
	VALUES ($1, $2, $3, $4, $5, now())
	ON CONFLICT (memory_id) DO UPDATE
	SET embedding = EXCLUDED.embedding,
		user_id = EXCLUDED.user_id,
		category = EXCLUDED.category,
		content_hash = EXCLUDED.content_hash,
		embedded_at = now()
`

// Insert stores or replaces the embedding of one memory.
func (s *Store) Insert(ctx context.Context, doc Document, embedding []float32) error {
	if _, err := s.pool.Exec(ctx, upsertEmbedding,
		doc.MemoryID, doc.UserID, doc.Category, pgvector.NewVector(embedding), doc.ContentHash); err != nil {
		return fmt.Errorf("upsert embedding %d: %w", doc.MemoryID, err)
	}
	return nil
}

// InsertBatch upserts a batch of embeddings in one round trip.
func (s *Store) InsertBatch(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("upsert batch: %d documents, %d embeddings", len(docs), len(embeddings))
	}
	batch := &pgx.Batch{}
	for i, doc := range docs {
		batch.Queue(upsertEmbedding, doc.MemoryID, doc.UserID, doc.Category, pgvector.NewVector(embeddings[i]), doc.ContentHash)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, doc := range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert embedding %d: %w", doc.MemoryID, err)
		}
	}
	return nil
}

// Search returns the memories of one user and category nearest to
// queryEmbedding by cosine distance.
func (s *Store) Search(ctx context.Context, userID, category string, queryEmbedding []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT memory_id, embedding <=> $1 AS distance
		FROM memory_embeddings
		WHERE user_id = $2 AND category = $3
		ORDER BY embedding <=> $1
		LIMIT $4
	`, pgvector.NewVector(queryEmbedding), userID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var r SearchResult
		err := row.Scan(&r.MemoryID, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan search result: %w", err)
	}
	return results, nil
}

// GetEmbedded returns the content hash of every embedded memory by id.
func (s *Store) GetEmbedded(ctx context.Context) (map[int64]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT memory_id, content_hash FROM memory_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("get embedded: %w", err)
	}
	defer rows.Close()

	embedded := make(map[int64]string)
	for rows.Next() {
		var id int64
		var hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan embedded: %w", err)
		}
		embedded[id] = hash
	}
	return embedded, rows.Err()
}

// Prune drops the embeddings of memories that no longer exist.
func (s *Store) Prune(ctx context.Context, memoryIDs []int64) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ANY($1)`, memoryIDs); err != nil {
		return fmt.Errorf("prune embeddings: %w", err)
	}
	return nil
}
