package brain

import (
	"context"
	"fmt"
	"time"
)

// Event is a calendar entry.
type Event struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Location    string
	Category    string
	CreatedAt   time.Time
}

// CreateEvent stores an event. A zero End means one hour after Start.
func (b *Brain) CreateEvent(ctx context.Context, e Event) (Event, error) {
	if e.Title == "" {
		return e, fmt.Errorf("create event: empty title")
	}
	if e.Start.IsZero() {
		return e, fmt.Errorf("create event: missing start")
	}
	if e.End.IsZero() {
		e.End = e.Start.Add(time.Hour)
	}
	if e.End.Before(e.Start) {
		return e, fmt.Errorf("create event: end %s before start %s", formatTime(e.End), formatTime(e.Start))
	}
	if e.Category == "" {
		e.Category = "general"
	}
	now := b.stamp()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO events (user_id, title, description, start_date, end_date, all_day, location, category, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Title, e.Description, formatTime(e.Start), formatTime(e.End), e.AllDay, e.Location, e.Category, now)
	if err != nil {
		return e, fmt.Errorf("create event: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = parseTime(now)
	return e, nil
}

// UpdateEvent rewrites the mutable fields of an event the user owns.
func (b *Brain) UpdateEvent(ctx context.Context, e Event) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE events SET title = ?, description = ?, start_date = ?, end_date = ?, all_day = ?, location = ?, category = ?
		 WHERE id = ? AND user_id = ?`,
		e.Title, e.Description, formatTime(e.Start), formatTime(e.End), e.AllDay, e.Location, e.Category, e.ID, e.UserID)
	if err != nil {
		return fmt.Errorf("update event %d: %w", e.ID, err)
	}
	return requireAffected(res, "event", e.ID)
}

// GetUserEvents returns events overlapping [start, end], ordered by start.
// An empty category matches all.
func (b *Brain) GetUserEvents(ctx context.Context, userID string, start, end time.Time, category string) ([]Event, error) {
	q := `SELECT id, user_id, title, description, start_date, end_date, all_day, location, category, created_at
		FROM events WHERE user_id = ? AND end_date >= ? AND start_date <= ?`
	args := []any{userID, formatTime(start), formatTime(end)}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY start_date, id`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var s, en, created string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &s, &en, &e.AllDay, &e.Location, &e.Category, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Start = parseTime(s)
		e.End = parseTime(en)
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
