package brain

import (
	"context"
	"fmt"
	"time"
)

// Reminder is a point-in-time nudge.
type Reminder struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	RemindAt    time.Time
	Completed   bool
	CreatedAt   time.Time
}

// CreateReminder stores a reminder.
func (b *Brain) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if r.Title == "" {
		return r, fmt.Errorf("create reminder: empty title")
	}
	if r.RemindAt.IsZero() {
		return r, fmt.Errorf("create reminder: missing remind time")
	}
	now := b.stamp()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO reminders (user_id, title, description, remind_at, completed, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Title, r.Description, formatTime(r.RemindAt), r.Completed, now)
	if err != nil {
		return r, fmt.Errorf("create reminder: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	r.RemindAt = r.RemindAt.UTC().Truncate(time.Second)
	r.CreatedAt = parseTime(now)
	return r, nil
}

// UpdateReminder rewrites the mutable fields of a reminder the user owns.
func (b *Brain) UpdateReminder(ctx context.Context, r Reminder) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE reminders SET title = ?, description = ?, remind_at = ?, completed = ? WHERE id = ? AND user_id = ?`,
		r.Title, r.Description, formatTime(r.RemindAt), r.Completed, r.ID, r.UserID)
	if err != nil {
		return fmt.Errorf("update reminder %d: %w", r.ID, err)
	}
	return requireAffected(res, "reminder", r.ID)
}

// GetUserReminders returns reminders ordered by remind time. With
// upcomingOnly, completed and past reminders are excluded.
func (b *Brain) GetUserReminders(ctx context.Context, userID string, upcomingOnly bool) ([]Reminder, error) {
	q := `SELECT id, user_id, title, description, remind_at, completed, created_at FROM reminders WHERE user_id = ?`
	args := []any{userID}
	if upcomingOnly {
		q += ` AND completed = 0 AND remind_at > ?`
		args = append(args, b.stamp())
	}
	q += ` ORDER BY remind_at, id`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var remind, created string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &remind, &r.Completed, &created); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.RemindAt = parseTime(remind)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DueReminders returns open reminders of every user whose time has come and
// that have not been delivered yet.
func (b *Brain) DueReminders(ctx context.Context) ([]Reminder, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, remind_at, completed, created_at FROM reminders
		 WHERE completed = 0 AND notified_at IS NULL AND remind_at <= ? ORDER BY remind_at, id`,
		b.stamp())
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var remind, created string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &remind, &r.Completed, &created); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.RemindAt = parseTime(remind)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReminderNotified records that a reminder was delivered.
func (b *Brain) MarkReminderNotified(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, `UPDATE reminders SET notified_at = ? WHERE id = ?`, b.stamp(), id)
	if err != nil {
		return fmt.Errorf("mark reminder %d notified: %w", id, err)
	}
	return requireAffected(res, "reminder", id)
}
