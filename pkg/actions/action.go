// Package actions detects requests to create events, tasks, reminders and
// goals in a chat message, parses them into structured actions and executes
// them against the user's stores.
package actions

import (
	"errors"
	"time"

	"github.com/nous-labs/concierge/pkg/intent"
)

var (
	// ErrNoDate means no usable date or time could be resolved.
	ErrNoDate = errors.New("could not determine a date or time")
	// ErrNoTitle means no usable title could be derived.
	ErrNoTitle = errors.New("could not determine a title")
)

// Action is a structured mutation inferred from a message.
type Action struct {
	Kind  intent.ActionKind
	Title string
	// At is the event start, reminder time, task due date or goal target
	// date. Tasks and goals may be undated.
	At          time.Time
	End         time.Time // events only
	HasDate     bool
	AllDay      bool
	Location    string
	Description string
	Category    string
	Priority    string // tasks only
}

func noun(kind intent.ActionKind) string {
	switch kind {
	case intent.ActionEvent:
		return "calendar event"
	case intent.ActionTask:
		return "task"
	case intent.ActionReminder:
		return "reminder"
	case intent.ActionGoal:
		return "goal"
	}
	return "item"
}
