// Package brain provides the persistent per-user data the assistant reasons over.
//
// It owns a single SQLite database (state.db) holding conversation memories
// and the user's notes, recordings, tasks, reminders, events and goals. All
// reads and writes are scoped by user id.
package brain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an update targets a row the user does not own.
var ErrNotFound = errors.New("brain: not found")

// timeLayout keeps stored timestamps lexicographically ordered.
const timeLayout = time.RFC3339

// Brain provides access to the persistent store.
type Brain struct {
	db   *sql.DB
	now  func() time.Time
}

// Stats holds row counts per table.
type Stats struct {
	Memories   int `json:"memories"`
	Notes      int `json:"notes"`
	Recordings int `json:"recordings"`
	Tasks      int `json:"tasks"`
	Reminders  int `json:"reminders"`
	Events     int `json:"events"`
	Goals      int `json:"goals"`
}

// Open opens the brain at the given directory, creating state.db and the
// schema if they do not exist yet.
func Open(path string) (*Brain, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create brain dir: %w", err)
	}
	dbPath := filepath.Join(path, "state.db")

	// WAL for concurrent reads from the context fan-out
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open brain db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping brain db: %w", err)
	}

	b := &Brain{db: db, now: time.Now}
	if err := b.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	stats := b.Stats()
	slog.Info("brain opened",
		"path", path,
		"memories", stats.Memories,
		"notes", stats.Notes,
		"tasks", stats.Tasks,
	)
	return b, nil
}

// Close closes the brain database.
func (b *Brain) Close() error {
	return b.db.Close()
}

// SetClock overrides the time source used for "upcoming" and insight math.
func (b *Brain) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Stats returns counts for all brain tables.
func (b *Brain) Stats() Stats {
	var s Stats
	b.db.QueryRow("SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL").Scan(&s.Memories)
	b.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&s.Notes)
	b.db.QueryRow("SELECT COUNT(*) FROM recordings").Scan(&s.Recordings)
	b.db.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&s.Tasks)
	b.db.QueryRow("SELECT COUNT(*) FROM reminders").Scan(&s.Reminders)
	b.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&s.Events)
	b.db.QueryRow("SELECT COUNT(*) FROM goals").Scan(&s.Goals)
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		category    TEXT NOT NULL,
		content     TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT 'chat',
		created_at  TEXT NOT NULL,
		deleted_at  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_user_category ON memories(user_id, category)`,
	`CREATE TABLE IF NOT EXISTS notes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS recordings (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id          TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		transcript       TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		recorded_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_user ON recordings(user_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      TEXT NOT NULL,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		priority     TEXT NOT NULL DEFAULT 'medium',
		due_date     TEXT,
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, status)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		remind_at   TEXT NOT NULL,
		completed   INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		notified_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, remind_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_date  TEXT NOT NULL,
		end_date    TEXT NOT NULL,
		all_day     INTEGER NOT NULL DEFAULT 0,
		location    TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT 'general',
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id, start_date)`,
	`CREATE TABLE IF NOT EXISTS goals (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT 'general',
		status      TEXT NOT NULL DEFAULT 'active',
		progress    REAL NOT NULL DEFAULT 0,
		target_date TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_goals_user ON goals(user_id, status)`,
}

func (b *Brain) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate brain schema: %w", err)
		}
	}
	return b.migrateFTS(ctx)
}

// --- Helpers ---

func (b *Brain) stamp() string {
	return formatTime(b.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func requireAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// TimeAgo renders t relative to now in a compact human form.
func TimeAgo(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// parseTime parses a datetime string from SQLite, handling multiple formats.
// SQLite stores DATETIME as text and different writers may use different formats.
func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{} // zero value if unparseable
}
