package brain

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"
)

// Goal statuses.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalPaused    = "paused"
)

// Goal is a longer-term objective with progress in [0,100].
type Goal struct {
	ID          int64
	UserID      string
	Title       string
	Description string
	Category    string
	Status      string
	Progress    float64
	TargetDate  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GoalInsights compares actual progress to a linear schedule.
type GoalInsights struct {
	Goal             Goal
	ExpectedProgress float64
	// DaysRemaining is negative once the target date has passed.
	DaysRemaining int
	HasTarget     bool
	OnTrack       bool
}

const goalColumns = `id, user_id, title, description, category, status, progress, target_date, created_at, updated_at`

// CreateGoal stores a goal, defaulting status to active.
func (b *Brain) CreateGoal(ctx context.Context, g Goal) (Goal, error) {
	if g.Title == "" {
		return g, fmt.Errorf("create goal: empty title")
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.Category == "" {
		g.Category = "general"
	}
	g.Progress = clampProgress(g.Progress)
	now := b.stamp()
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO goals (user_id, title, description, category, status, progress, target_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Title, g.Description, g.Category, g.Status, g.Progress, nullableTime(g.TargetDate), now, now)
	if err != nil {
		return g, fmt.Errorf("create goal: %w", err)
	}
	g.ID, _ = res.LastInsertId()
	g.CreatedAt = parseTime(now)
	g.UpdatedAt = g.CreatedAt
	return g, nil
}

// UpdateGoal rewrites the mutable fields of a goal the user owns.
func (b *Brain) UpdateGoal(ctx context.Context, g Goal) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE goals SET title = ?, description = ?, category = ?, status = ?, progress = ?, target_date = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		g.Title, g.Description, g.Category, g.Status, clampProgress(g.Progress), nullableTime(g.TargetDate), b.stamp(), g.ID, g.UserID)
	if err != nil {
		return fmt.Errorf("update goal %d: %w", g.ID, err)
	}
	return requireAffected(res, "goal", g.ID)
}

// GetUserGoals returns goals filtered by status and category; empty filters
// match all.
func (b *Brain) GetUserGoals(ctx context.Context, userID, status, category string) ([]Goal, error) {
	q := `SELECT ` + goalColumns + ` FROM goals WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY CASE WHEN target_date IS NULL THEN 1 ELSE 0 END, target_date, id`

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGoalInsights computes schedule insights for one goal.
func (b *Brain) GetGoalInsights(ctx context.Context, userID string, goalID int64) (GoalInsights, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE id = ? AND user_id = ?`, goalID, userID)
	g, err := scanGoal(row)
	if err == sql.ErrNoRows {
		return GoalInsights{}, fmt.Errorf("goal %d: %w", goalID, ErrNotFound)
	}
	if err != nil {
		return GoalInsights{}, fmt.Errorf("get goal %d: %w", goalID, err)
	}
	return computeInsights(g, b.now()), nil
}

func computeInsights(g Goal, now time.Time) GoalInsights {
	in := GoalInsights{Goal: g}
	if g.TargetDate == nil {
		in.OnTrack = g.Status != GoalPaused
		return in
	}
	in.HasTarget = true
	target := *g.TargetDate
	in.DaysRemaining = int(math.Ceil(target.Sub(now).Hours() / 24))

	total := target.Sub(g.CreatedAt)
	switch {
	case total <= 0 || !now.Before(target):
		in.ExpectedProgress = 100
	case now.Before(g.CreatedAt):
		in.ExpectedProgress = 0
	default:
		in.ExpectedProgress = math.Round(100*float64(now.Sub(g.CreatedAt))/float64(total)*10) / 10
	}
	in.OnTrack = g.Status == GoalCompleted || g.Progress >= in.ExpectedProgress
	return in
}

func scanGoal(r rowScanner) (Goal, error) {
	var g Goal
	var target sql.NullString
	var created, updated string
	if err := r.Scan(&g.ID, &g.UserID, &g.Title, &g.Description, &g.Category, &g.Status, &g.Progress, &target, &created, &updated); err != nil {
		return g, err
	}
	g.TargetDate = scanNullTime(target)
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	return g, nil
}

func clampProgress(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}

// CountLapsedGoals counts active goals whose target date has passed, over
// all users.
func (b *Brain) CountLapsedGoals(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM goals WHERE status = ? AND target_date IS NOT NULL AND target_date < ?`,
		GoalActive, b.stamp()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count lapsed goals: %w", err)
	}
	return n, nil
}
