package brain

import (
	"context"
	"fmt"
	"time"
)

// Note is a user-authored note.
type Note struct {
	ID        int64
	UserID    string
	Title     string
	Content   string
	Tags      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateNote stores a note and returns it with its id set.
func (b *Brain) CreateNote(ctx context.Context, n Note) (Note, error) {
	now := b.stamp()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO notes (user_id, title, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Title, n.Content, n.Tags, now, now)
	if err != nil {
		return n, fmt.Errorf("create note: %w", err)
	}
	n.ID, _ = res.LastInsertId()
	n.CreatedAt = parseTime(now)
	n.UpdatedAt = n.CreatedAt
	return n, nil
}

// SearchNotes ranks the user's notes on the keyword index over title, content
// and tags. A literal hit on the whole query ranks first. An empty query
// returns the most recently updated notes.
func (b *Brain) SearchNotes(ctx context.Context, userID, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		rows, err := b.db.QueryContext(ctx,
			`SELECT `+noteColumns+` FROM notes WHERE user_id = ?
			 ORDER BY updated_at DESC, id DESC LIMIT ?`, userID, limit)
		if err != nil {
			return nil, fmt.Errorf("search notes: %w", err)
		}
		defer rows.Close()
		var out []Note
		for rows.Next() {
			n, err := scanNote(rows)
			if err != nil {
				return nil, fmt.Errorf("scan note: %w", err)
			}
			out = append(out, n)
		}
		return out, rows.Err()
	}

	// titles weigh double
	hits, err := searchFTS(ctx, b.db, "notes",
		`WITH hits AS (SELECT rowid AS doc_id, bm25(notes_fts, 2.0, 1.0, 1.0) AS score FROM notes_fts WHERE notes_fts MATCH ?)
		 SELECT `+noteColumns+`, hits.score FROM notes JOIN hits ON notes.id = hits.doc_id
		 WHERE user_id = ? ORDER BY hits.score LIMIT ?`,
		[]any{matchExpr(terms), userID, matchDepth(limit)},
		func(r rowScanner, score *float64) (Note, error) { return scanNote(r, score) },
		func(n Note) float64 { return termOverlap(terms, query, n.Title, n.Content, n.Tags) },
		limit, 0)
	if err != nil {
		return nil, err
	}
	return items(hits), nil
}

const noteColumns = `id, user_id, title, content, tags, created_at, updated_at`

func scanNote(r rowScanner, extra ...any) (Note, error) {
	var n Note
	var created, updated string
	dest := append([]any{&n.ID, &n.UserID, &n.Title, &n.Content, &n.Tags, &created, &updated}, extra...)
	if err := r.Scan(dest...); err != nil {
		return n, err
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	return n, nil
}
