package brain

import (
	"context"
	"fmt"
	"time"
)

// Recording is a transcribed audio recording.
type Recording struct {
	ID         int64
	UserID     string
	Title      string
	Transcript string
	Summary    string
	Duration   time.Duration
	RecordedAt time.Time
}

// CreateRecording stores a recording. A zero RecordedAt means now.
func (b *Brain) CreateRecording(ctx context.Context, r Recording) (Recording, error) {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = b.now()
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO recordings (user_id, title, transcript, summary, duration_seconds, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Title, r.Transcript, r.Summary, int64(r.Duration.Seconds()), formatTime(r.RecordedAt))
	if err != nil {
		return r, fmt.Errorf("create recording: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	r.RecordedAt = r.RecordedAt.UTC().Truncate(time.Second)
	return r, nil
}

// SearchRecordings ranks recordings on the keyword index over title, summary
// and transcript. An empty query returns the latest recordings.
func (b *Brain) SearchRecordings(ctx context.Context, userID, query string, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		rows, err := b.db.QueryContext(ctx,
			`SELECT `+recordingColumns+` FROM recordings WHERE user_id = ?
			 ORDER BY recorded_at DESC, id DESC LIMIT ?`, userID, limit)
		if err != nil {
			return nil, fmt.Errorf("search recordings: %w", err)
		}
		defer rows.Close()
		var out []Recording
		for rows.Next() {
			rec, err := scanRecording(rows)
			if err != nil {
				return nil, fmt.Errorf("scan recording: %w", err)
			}
			out = append(out, rec)
		}
		return out, rows.Err()
	}

	hits, err := searchFTS(ctx, b.db, "recordings",
		`WITH hits AS (SELECT rowid AS doc_id, bm25(recordings_fts) AS score FROM recordings_fts WHERE recordings_fts MATCH ?)
		 SELECT `+recordingColumns+`, hits.score FROM recordings JOIN hits ON recordings.id = hits.doc_id
		 WHERE user_id = ? ORDER BY hits.score LIMIT ?`,
		[]any{matchExpr(terms), userID, matchDepth(limit)},
		func(r rowScanner, score *float64) (Recording, error) { return scanRecording(r, score) },
		func(r Recording) float64 { return termOverlap(terms, query, r.Title, r.Summary, r.Transcript) },
		limit, 0)
	if err != nil {
		return nil, err
	}
	return items(hits), nil
}

const recordingColumns = `id, user_id, title, transcript, summary, duration_seconds, recorded_at`

func scanRecording(r rowScanner, extra ...any) (Recording, error) {
	var rec Recording
	var secs int64
	var recorded string
	dest := append([]any{&rec.ID, &rec.UserID, &rec.Title, &rec.Transcript, &rec.Summary, &secs, &recorded}, extra...)
	if err := r.Scan(dest...); err != nil {
		return rec, err
	}
	rec.Duration = time.Duration(secs) * time.Second
	rec.RecordedAt = parseTime(recorded)
	return rec, nil
}
