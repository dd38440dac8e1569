package actions

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ISOLayout is the literal timestamp format surfaced to models and users.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// FormatISO renders t in ISOLayout, in UTC.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

const (
	// DefaultHour is used when a date has no time of day.
	DefaultHour = 14
	// DefaultDuration is the length of an event with no explicit end.
	DefaultDuration = time.Hour
)

// When is a point in time resolved from free text.
type When struct {
	Time    time.Time // UTC
	HasDate bool
	HasTime bool
	AllDay  bool
}

// Found reports whether any date or time was recognized.
func (w When) Found() bool { return w.HasDate || w.HasTime }

var (
	ampmRe     = regexp.MustCompile(`(?i)\b(\d{1,2})(?::([0-5]\d))?\s*([ap])\.?m\b`)
	clock24Re  = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	relativeRe = regexp.MustCompile(`(?i)\bin\s+(\d+|an?|one|two|three)\s+(minutes?|mins?|hours?|hrs?|days?|weeks?)\b`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	monthDayRe = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
	monthRe    = regexp.MustCompile(`(?i)\b(?:by|in|before|until|end of)\s+(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(?:(next|this)\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	allDayRe   = regexp.MustCompile(`(?i)\ball[- ]day\b`)
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

var smallNumbers = map[string]int{"a": 1, "an": 1, "one": 1, "two": 2, "three": 3}

// ResolveWhen resolves relative date and time references in text against
// now. A date without a time lands at DefaultHour. A time without a date
// lands on the next occurrence of that time.
func ResolveWhen(text string, now time.Time) When {
	now = now.UTC()
	lower := strings.ToLower(text)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if m := relativeRe.FindStringSubmatch(lower); m != nil {
		n, ok := smallNumbers[m[1]]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		switch unit := m[2]; {
		case strings.HasPrefix(unit, "min"):
			return When{Time: now.Add(time.Duration(n) * time.Minute).Truncate(time.Minute), HasDate: true, HasTime: true}
		case strings.HasPrefix(unit, "h"):
			return When{Time: now.Add(time.Duration(n) * time.Hour).Truncate(time.Minute), HasDate: true, HasTime: true}
		case strings.HasPrefix(unit, "day"):
			return withTime(When{Time: today.AddDate(0, 0, n), HasDate: true}, lower)
		case strings.HasPrefix(unit, "week"):
			return withTime(When{Time: today.AddDate(0, 0, 7*n), HasDate: true}, lower)
		}
	}

	w := When{Time: today}
	switch {
	case strings.Contains(lower, "day after tomorrow"):
		w.Time, w.HasDate = today.AddDate(0, 0, 2), true
	case strings.Contains(lower, "tomorrow"):
		w.Time, w.HasDate = today.AddDate(0, 0, 1), true
	case strings.Contains(lower, "today"), strings.Contains(lower, "tonight"):
		w.HasDate = true
	case isoDateRe.MatchString(lower):
		m := isoDateRe.FindStringSubmatch(lower)
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			w.Time, w.HasDate = time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC), true
		}
	case monthDayRe.MatchString(lower):
		m := monthDayRe.FindStringSubmatch(lower)
		d, _ := strconv.Atoi(m[2])
		if d >= 1 && d <= 31 {
			t := time.Date(now.Year(), months[m[1][:3]], d, 0, 0, 0, 0, time.UTC)
			if t.Before(today) {
				t = t.AddDate(1, 0, 0)
			}
			w.Time, w.HasDate = t, true
		}
	case weekdayRe.MatchString(lower):
		m := weekdayRe.FindStringSubmatch(lower)
		delta := (int(weekdays[m[2]]) - int(now.Weekday()) + 7) % 7
		if delta == 0 && m[1] != "this" {
			delta = 7
		}
		w.Time, w.HasDate = today.AddDate(0, 0, delta), true
	case strings.Contains(lower, "next week"):
		w.Time, w.HasDate = today.AddDate(0, 0, 7), true
	case strings.Contains(lower, "next month"):
		w.Time, w.HasDate = today.AddDate(0, 1, 0), true
	case monthRe.MatchString(lower):
		m := monthRe.FindStringSubmatch(lower)
		mo := months[m[1][:3]]
		// deadline-style: last day of the month
		t := time.Date(now.Year(), mo+1, 0, 0, 0, 0, 0, time.UTC)
		if t.Before(today) {
			t = time.Date(now.Year()+1, mo+1, 0, 0, 0, 0, 0, time.UTC)
		}
		w.Time, w.HasDate = t, true
	}

	w = withTime(w, lower)
	if w.HasTime && !w.HasDate && !w.Time.After(now) {
		w.Time = w.Time.AddDate(0, 0, 1)
	}
	return w
}

func withTime(w When, lower string) When {
	day := w.Time
	if allDayRe.MatchString(lower) {
		w.AllDay = true
		return w
	}
	hour, minute, ok := clockTime(lower)
	if ok {
		w.Time = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
		w.HasTime = true
		return w
	}
	w.Time = time.Date(day.Year(), day.Month(), day.Day(), DefaultHour, 0, 0, 0, time.UTC)
	return w
}

func clockTime(lower string) (hour, minute int, ok bool) {
	if m := ampmRe.FindStringSubmatch(lower); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if m[3] == "p" && hour != 12 {
			hour += 12
		}
		if m[3] == "a" && hour == 12 {
			hour = 0
		}
		return hour, minute, true
	}
	if m := clock24Re.FindStringSubmatch(lower); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		return hour, minute, true
	}
	switch {
	case strings.Contains(lower, "noon"), strings.Contains(lower, "midday"):
		return 12, 0, true
	case strings.Contains(lower, "midnight"):
		return 0, 0, true
	case strings.Contains(lower, "tonight"):
		return 20, 0, true
	case strings.Contains(lower, "morning"):
		return 9, 0, true
	case strings.Contains(lower, "evening"):
		return 18, 0, true
	}
	return 0, 0, false
}

// span returns the start and end of an event at w.
func span(w When) (start, end time.Time) {
	if w.AllDay {
		d := w.Time
		start = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.Add(24*time.Hour - time.Second)
	}
	return w.Time, w.Time.Add(DefaultDuration)
}
