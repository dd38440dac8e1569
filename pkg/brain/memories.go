package brain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Memory is a persisted conversation snippet.
type Memory struct {
	ID         int64
	UserID     string
	Category   string
	Content    string
	SourceType string
	CreatedAt  time.Time
	// Similarity is set by searches, in [0,1].
	Similarity float64
}

// MemoryRef is the minimal projection used by the embedding sync.
type MemoryRef struct {
	ID       int64
	UserID   string
	Category string
	Content  string
}

// DefaultMemoryFloor is the similarity floor used when callers pass none.
const DefaultMemoryFloor = 0.25

// SaveMemory stores a memory and returns its id.
func (b *Brain) SaveMemory(ctx context.Context, userID, text, category, sourceType string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("save memory: empty content")
	}
	if sourceType == "" {
		sourceType = "chat"
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, category, content, source_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, category, text, sourceType, b.stamp())
	if err != nil {
		return 0, fmt.Errorf("save memory: %w", err)
	}
	return res.LastInsertId()
}

// SearchMemories returns the user's memories in one category matching query
// on the keyword index, best first. Results below floor are dropped. An
// empty query returns the most recent memories with zero similarity.
func (b *Brain) SearchMemories(ctx context.Context, userID, category, query string, limit int, floor float64) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		rows, err := b.db.QueryContext(ctx,
			`SELECT `+memoryColumns+` FROM memories
			 WHERE user_id = ? AND category = ? AND deleted_at IS NULL
			 ORDER BY created_at DESC, id DESC LIMIT ?`, userID, category, limit)
		if err != nil {
			return nil, fmt.Errorf("search memories: %w", err)
		}
		defer rows.Close()
		var out []Memory
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return nil, fmt.Errorf("scan memory: %w", err)
			}
			out = append(out, m)
		}
		return out, rows.Err()
	}

	hits, err := searchFTS(ctx, b.db, "memories",
		`WITH hits AS (SELECT rowid AS doc_id, bm25(memories_fts) AS score FROM memories_fts WHERE memories_fts MATCH ?)
		 SELECT `+memoryColumns+`, hits.score FROM memories JOIN hits ON memories.id = hits.doc_id
		 WHERE user_id = ? AND category = ? AND deleted_at IS NULL
		 ORDER BY hits.score LIMIT ?`,
		[]any{matchExpr(terms), userID, category, matchDepth(limit)},
		func(r rowScanner, score *float64) (Memory, error) { return scanMemory(r, score) },
		func(m Memory) float64 { return termOverlap(terms, "", m.Content) },
		limit, floor)
	if err != nil {
		return nil, err
	}
	out := make([]Memory, len(hits))
	for i, h := range hits {
		out[i] = h.item
		out[i].Similarity = h.score
	}
	return out, nil
}

// GetMemoriesByIDs loads memories by id, skipping deleted or foreign rows.
// Order follows ids.
func (b *Brain) GetMemoriesByIDs(ctx context.Context, userID string, ids []int64) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE user_id = ? AND deleted_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetAllMemoryRefs returns every live memory for embedding sync.
func (b *Brain) GetAllMemoryRefs(ctx context.Context) ([]MemoryRef, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, user_id, category, content FROM memories WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list memory refs: %w", err)
	}
	defer rows.Close()

	var refs []MemoryRef
	for rows.Next() {
		var r MemoryRef
		if err := rows.Scan(&r.ID, &r.UserID, &r.Category, &r.Content); err != nil {
			return nil, fmt.Errorf("scan memory ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteMemory soft-deletes a memory.
func (b *Brain) DeleteMemory(ctx context.Context, userID string, id int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = ? WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		b.stamp(), id, userID)
	if err != nil {
		return fmt.Errorf("delete memory %d: %w", id, err)
	}
	return requireAffected(res, "memory", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const memoryColumns = `id, user_id, category, content, source_type, created_at`

func scanMemory(r rowScanner, extra ...any) (Memory, error) {
	var m Memory
	var created string
	dest := append([]any{&m.ID, &m.UserID, &m.Category, &m.Content, &m.SourceType, &created}, extra...)
	if err := r.Scan(dest...); err != nil {
		return m, err
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}
