package brain

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Task is a to-do item.
type Task struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	CreatedAt   time.Time
	CompletedAt *time.Time
}

const taskColumns = `id, user_id, title, description, status, priority, due_date, created_at, completed_at`

// open tasks first, then soonest due, undated last
const taskOrder = ` ORDER BY CASE WHEN status = 'completed' THEN 1 ELSE 0 END,
	CASE WHEN due_date IS NULL THEN 1 ELSE 0 END, due_date, created_at DESC, id DESC`

// CreateTask stores a task, defaulting status to pending and priority to medium.
func (b *Brain) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.Title == "" {
		return t, fmt.Errorf("create task: empty title")
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	now := b.stamp()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO tasks (user_id, title, description, status, priority, due_date, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Title, t.Description, t.Status, t.Priority, nullableTime(t.DueDate), now)
	if err != nil {
		return t, fmt.Errorf("create task: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	t.CreatedAt = parseTime(now)
	return t, nil
}

// UpdateTask rewrites the mutable fields of a task the user owns.
// Moving to completed stamps CompletedAt.
func (b *Brain) UpdateTask(ctx context.Context, t Task) error {
	var completed any
	if t.Status == TaskCompleted {
		if t.CompletedAt != nil {
			completed = formatTime(*t.CompletedAt)
		} else {
			completed = b.stamp()
		}
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, due_date = ?, completed_at = ?
		 WHERE id = ? AND user_id = ?`,
		t.Title, t.Description, t.Status, t.Priority, nullableTime(t.DueDate), completed, t.ID, t.UserID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return requireAffected(res, "task", t.ID)
}

// ListTasks returns the user's tasks, open first. limit <= 0 returns all.
func (b *Brain) ListTasks(ctx context.Context, userID string, limit int) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?` + taskOrder
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return b.queryTasks(ctx, q, args...)
}

// SearchTasks ranks the user's tasks on the keyword index over title and
// description. An empty query lists tasks in the usual order.
func (b *Brain) SearchTasks(ctx context.Context, userID, query string, limit int) ([]Task, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return b.ListTasks(ctx, userID, limit)
	}
	hits, err := searchFTS(ctx, b.db, "tasks",
		`WITH hits AS (SELECT rowid AS doc_id, bm25(tasks_fts) AS score FROM tasks_fts WHERE tasks_fts MATCH ?)
		 SELECT `+taskColumns+`, hits.score FROM tasks JOIN hits ON tasks.id = hits.doc_id
		 WHERE user_id = ? ORDER BY hits.score LIMIT ?`,
		[]any{matchExpr(terms), userID, matchDepth(limit)},
		func(r rowScanner, score *float64) (Task, error) { return scanTask(r, score) },
		func(t Task) float64 { return termOverlap(terms, query, t.Title, t.Description) },
		limit, 0)
	if err != nil {
		return nil, err
	}
	return items(hits), nil
}

func (b *Brain) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(r rowScanner, extra ...any) (Task, error) {
	var t Task
	var due, completed sql.NullString
	var created string
	dest := append([]any{&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority, &due, &created, &completed}, extra...)
	if err := r.Scan(dest...); err != nil {
		return t, err
	}
	t.DueDate = scanNullTime(due)
	t.CompletedAt = scanNullTime(completed)
	t.CreatedAt = parseTime(created)
	return t, nil
}

// CountOverdueTasks counts unfinished tasks past their due date, over all
// users.
func (b *Brain) CountOverdueTasks(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status != ? AND due_date IS NOT NULL AND due_date < ?`,
		TaskCompleted, b.stamp()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count overdue tasks: %w", err)
	}
	return n, nil
}
