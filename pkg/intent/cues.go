package intent

import "regexp"

// Routing keywords. The first three rows repeat the classic fallback words
// (finance/financial, work/career, health/fitness); the rest broaden recall
// for messages that name a domain without the category word itself.
var RoutingRules = []Rule[Category]{
	{
		Name: "finance",
		Match: Words("finance", "financial", "finances", "budget", "budgets", "budgeting",
			"money", "spending", "spend", "expense", "expenses", "invest", "investing",
			"investment", "investments", "savings", "salary", "tax", "taxes", "debt",
			"loan", "mortgage", "bank", "retirement", "401k"),
		Result: Finance,
	},
	{
		Name: "work",
		Match: Words("work", "career", "job", "boss", "manager", "colleague", "colleagues",
			"coworker", "coworkers", "promotion", "office", "interview", "resume",
			"client", "clients", "project", "projects"),
		Result: Work,
	},
	{
		Name: "health",
		Match: Words("health", "healthy", "fitness", "exercise", "workout", "workouts",
			"diet", "sleep", "doctor", "dentist", "weight", "running", "gym",
			"nutrition", "medication", "meditation", "stress", "calories"),
		Result: Health,
	},
}

// ClassifyKeywords applies RoutingRules to s, defaulting to General.
func ClassifyKeywords(s string) Category {
	if r, ok := First(RoutingRules, Normalize(s)); ok {
		return r.Result
	}
	return General
}

// Context-source cues.
var (
	RetrospectiveCue = Any(
		Words("past", "previous", "previously", "remember", "history", "earlier", "recall"),
		Phrases("last time", "we discussed", "we talked", "talked about", "i told you", "i mentioned"),
	)
	NoteCue = Any(
		Words("note", "notes", "wrote", "written"),
		Phrases("what did i"),
	)
	RecordingCue = Any(
		Words("recording", "recordings", "recorded", "transcript", "transcripts", "transcription", "audio", "memo", "memos"),
		Phrases("voice note", "listen to"),
	)
	TaskCue = Any(
		Words("task", "tasks", "todo", "todos", "to-do", "to-dos", "reminder", "reminders",
			"due", "deadline", "deadlines", "overdue"),
		Phrases("to do list"),
	)
	ListCue = Words("all", "list", "show")
	GoalCue = Words("goal", "goals", "objective", "objectives", "milestone", "milestones",
		"target", "targets", "resolution", "resolutions")
)

// ActionKind names a side-effecting action the extractor can take.
type ActionKind string

const (
	ActionEvent    ActionKind = "event"
	ActionTask     ActionKind = "task"
	ActionReminder ActionKind = "reminder"
	ActionGoal     ActionKind = "goal"
)

var (
	clockPattern    = regexp.MustCompile(`\d+\s*(am|pm|a\.m\.|p\.m\.|hours?|minutes?|mins?)\b`)
	hhmmPattern     = regexp.MustCompile(`\b\d{1,2}:\d{2}\b`)
	prepositionTime = regexp.MustCompile(`\b(at|for|on) \S`)
)

// Components of the event-request heuristic.
var (
	ScheduleVerb  = Any(Words("schedule", "create", "add", "book", "plan"), Phrases("set up", "put on", "put it on"))
	EventNoun     = Words("event", "events", "meeting", "meetings", "appointment", "appointments", "calendar")
	CalendarNoun  = Words("calendar")
	TimeReference = Any(
		Words("tomorrow", "next", "today", "tonight"),
		Pattern(clockPattern),
		Pattern(hhmmPattern),
		Pattern(prepositionTime),
	)
	RequestPhrase = Phrases("can you", "could you", "please", "for me", "i need", "i want")
)

// EventRequest is the compound scheduling heuristic:
// (verb ∧ noun) ∨ (verb ∧ time) ∨ (noun ∧ time ∧ request) ∨ (calendar ∧ verb).
var EventRequest = Any(
	All(ScheduleVerb, EventNoun),
	All(ScheduleVerb, TimeReference),
	All(EventNoun, TimeReference, RequestPhrase),
	All(CalendarNoun, ScheduleVerb),
)

var (
	ReminderRequest = Phrases("remind me", "set a reminder", "create a reminder", "add a reminder",
		"new reminder", "reminder to ", "reminder for ")
	TaskRequest = Any(
		Phrases("add a task", "create a task", "new task", "add task", "make a task",
			"to my to-do", "to my todo", "to my task", "to my tasks", "on my to-do", "on my todo"),
		All(Words("add", "create", "put"), Words("todo", "to-do")),
	)
	GoalRequest = Phrases("set a goal", "create a goal", "new goal", "add a goal", "set goal",
		"my goal is", "i want to achieve", "make it a goal")
)

// ActionRules selects at most one action per message, most specific first.
var ActionRules = []Rule[ActionKind]{
	{Name: "reminder_request", Match: ReminderRequest, Result: ActionReminder},
	{Name: "task_request", Match: TaskRequest, Result: ActionTask},
	{Name: "goal_request", Match: GoalRequest, Result: ActionGoal},
	{Name: "event_request", Match: EventRequest, Result: ActionEvent},
}

// DetectAction returns the action requested by s, if any.
func DetectAction(s string) (ActionKind, bool) {
	r, ok := First(ActionRules, Normalize(s))
	return r.Result, ok
}
