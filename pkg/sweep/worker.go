// Package sweep runs periodic housekeeping over the brain.
//
// Each cycle:
//   - delivers reminders whose time has come (once each)
//   - counts unfinished tasks past their due date
//   - counts active goals past their target date
//
// Delivery failures leave the reminder pending for the next cycle.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/concierge/pkg/brain"
)

// Store is the slice of the brain the sweep needs.
type Store interface {
	Stats() brain.Stats
	DueReminders(ctx context.Context) ([]brain.Reminder, error)
	MarkReminderNotified(ctx context.Context, id int64) error
	CountOverdueTasks(ctx context.Context) (int, error)
	CountLapsedGoals(ctx context.Context) (int, error)
}

// Notifier delivers one due reminder to its user.
type Notifier func(ctx context.Context, r brain.Reminder) error

// EventFunc is a callback for publishing sweep status.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Report holds the results of a single sweep cycle.
type Report struct {
	CycleNumber int         `json:"cycle_number"`
	StartedAt   time.Time   `json:"started_at"`
	Duration    string      `json:"duration"`
	Stats       brain.Stats `json:"stats"`

	RemindersDue  int `json:"reminders_due"`
	RemindersSent int `json:"reminders_sent"`
	OverdueTasks  int `json:"overdue_tasks"`
	LapsedGoals   int `json:"lapsed_goals"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`
}

// Config holds sweep worker configuration.
type Config struct {
	Interval   time.Duration // how often to sweep (default 1m)
	StartDelay time.Duration // wait before the first cycle (default 10s)
}

// DefaultConfig returns the default sweep schedule.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, StartDelay: 10 * time.Second}
}

// Worker is the sweep background worker.
type Worker struct {
	store      Store
	notify     Notifier
	onEvent    EventFunc
	interval   time.Duration
	startDelay time.Duration

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a sweep worker. A nil notifier marks due reminders
// delivered without sending anything.
func NewWorker(store Store, notify Notifier, onEvent EventFunc, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	return &Worker{
		store:      store,
		notify:     notify,
		onEvent:    onEvent,
		interval:   cfg.Interval,
		startDelay: cfg.StartDelay,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("sweep worker started", "interval", w.interval, "start_delay", w.startDelay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.startDelay):
	}
	w.logReport(w.SweepOnce(ctx))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep worker stopping")
			return
		case <-ticker.C:
			w.logReport(w.SweepOnce(ctx))
		}
	}
}

// SweepOnce runs a single cycle and returns its report.
func (w *Worker) SweepOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{CycleNumber: cycle, StartedAt: start}

	w.deliverReminders(ctx, report)

	var err error
	if report.OverdueTasks, err = w.store.CountOverdueTasks(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("overdue tasks: %v", err))
	}
	if report.LapsedGoals, err = w.store.CountLapsedGoals(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("lapsed goals: %v", err))
	}
	report.Stats = w.store.Stats()
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent sweep report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) deliverReminders(ctx context.Context, report *Report) {
	due, err := w.store.DueReminders(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("due reminders: %v", err))
		slog.Warn("sweep: due reminder scan failed", "error", err)
		return
	}
	report.RemindersDue = len(due)

	for _, r := range due {
		if w.notify != nil {
			if err := w.notify(ctx, r); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("notify reminder [%d]: %v", r.ID, err))
				slog.Warn("sweep: reminder delivery failed", "id", r.ID, "user_id", r.UserID, "error", err)
				continue
			}
		}
		if err := w.store.MarkReminderNotified(ctx, r.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("mark reminder [%d]: %v", r.ID, err))
			continue
		}
		report.RemindersSent++
	}
}

// logReport logs the cycle summary. Quiet cycles log at debug.
func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf(
		"Sweep cycle %d complete (%s): %d/%d reminders sent, %d overdue tasks, %d lapsed goals",
		report.CycleNumber,
		report.Duration,
		report.RemindersSent,
		report.RemindersDue,
		report.OverdueTasks,
		report.LapsedGoals,
	)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}

	if report.RemindersDue == 0 && len(report.Errors) == 0 {
		slog.Debug("sweep: cycle complete", "summary", summary)
		return
	}
	slog.Info("sweep: cycle complete", "summary", summary)
	w.emit("status", summary)
}

// emit publishes an event if the callback is set.
func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
