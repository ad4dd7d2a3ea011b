package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"calbot/internal/domain"
)

// ZoneName is the single fixed zone all instants are expressed in.
const ZoneName = "America/Los_Angeles"

type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Input, e.Reason)
}

func parseError(input, reason string) error {
	return &ParseError{Input: input, Reason: reason}
}

// Resolver turns natural-language and ISO date/time expressions into
// absolute instants anchored to the fixed zone. It is side effect free;
// the reference instant is always passed in by the caller.
type Resolver struct {
	loc *time.Location
}

func NewResolver() (*Resolver, error) {
	loc, err := time.LoadLocation(ZoneName)
	if err != nil {
		return nil, fmt.Errorf("load zone %s: %w", ZoneName, err)
	}
	return &Resolver{loc: loc}, nil
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Format renders an instant in the fixed zone. Resolve(Format(t)) round-trips.
func (r *Resolver) Format(t time.Time) string {
	return t.In(r.loc).Format(time.RFC3339)
}

// DayRange returns the start and end of t's calendar day in the fixed zone.
func (r *Resolver) DayRange(t time.Time) (time.Time, time.Time) {
	local := t.In(r.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	return start, start.AddDate(0, 0, 1)
}

// PinnedNow parses a YYYY-MM-DD date into the fixed reference instant used
// for deterministic test runs.
func (r *Resolver) PinnedNow(date string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(date), r.loc)
	if err != nil {
		return time.Time{}, parseError(date, "pinned now must be YYYY-MM-DD")
	}
	return t, nil
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	clockRe  = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b|\b(\d{1,2}):(\d{2})\b`)
	inDaysRe = regexp.MustCompile(`\bin\s+(\d+)\s+days?\b`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Resolve parses text into an absolute instant. Accepted forms: ISO-8601
// date/time strings, relative phrases ("today", "tomorrow", "next monday",
// bare weekday names, "in N days"), and clock phrases ("2pm", "2:30pm",
// "14:00") optionally combined with a date phrase. A clock phrase with no
// date phrase applies to ref's calendar date; a date phrase with no clock
// resolves to midnight.
func (r *Resolver) Resolve(text string, ref time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, parseError(text, "empty input")
	}

	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.In(r.loc), nil
	}
	for _, layout := range isoLayouts[1:] {
		if t, err := time.ParseInLocation(layout, trimmed, r.loc); err == nil {
			return t, nil
		}
	}
	// ISO-looking input that failed strict parsing (e.g. Feb 30) must not
	// fall through to the phrase grammar.
	if len(trimmed) >= 10 && trimmed[4] == '-' && trimmed[7] == '-' {
		return time.Time{}, parseError(text, "invalid calendar date")
	}

	lower := strings.ToLower(trimmed)

	hour, minute, hasClock, rest, err := extractClock(lower)
	if err != nil {
		return time.Time{}, parseError(text, err.Error())
	}

	day, hasDate, err := r.resolveDatePhrase(rest, ref)
	if err != nil {
		return time.Time{}, parseError(text, err.Error())
	}
	if !hasDate && !hasClock {
		return time.Time{}, parseError(text, "no recognized date or time pattern")
	}
	if !hasDate {
		day = ref.In(r.loc)
	}

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, r.loc), nil
}

// extractClock pulls a clock phrase out of the text and returns the rest.
func extractClock(text string) (hour, minute int, ok bool, rest string, err error) {
	m := clockRe.FindStringSubmatchIndex(text)
	if m == nil {
		return 0, 0, false, text, nil
	}
	groups := clockRe.FindStringSubmatch(text)
	switch {
	case groups[3] != "": // am/pm form
		hour, _ = strconv.Atoi(groups[1])
		if groups[2] != "" {
			minute, _ = strconv.Atoi(groups[2])
		}
		if hour < 1 || hour > 12 || minute > 59 {
			return 0, 0, false, text, fmt.Errorf("invalid clock time")
		}
		if hour == 12 {
			hour = 0
		}
		if groups[3] == "pm" {
			hour += 12
		}
	default: // 24h form
		hour, _ = strconv.Atoi(groups[4])
		minute, _ = strconv.Atoi(groups[5])
		if hour > 23 || minute > 59 {
			return 0, 0, false, text, fmt.Errorf("invalid clock time")
		}
	}
	rest = strings.TrimSpace(text[:m[0]] + " " + text[m[1]:])
	return hour, minute, true, rest, nil
}

// resolveDatePhrase maps a date phrase to a calendar day in the fixed zone.
// Bare weekday names and "next <weekday>" both mean the next occurrence
// strictly after ref's date.
func (r *Resolver) resolveDatePhrase(phrase string, ref time.Time) (time.Time, bool, error) {
	phrase = strings.TrimSpace(strings.Trim(phrase, ",."))
	phrase = strings.TrimSuffix(phrase, " at")
	phrase = strings.TrimPrefix(phrase, "on ")
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return time.Time{}, false, nil
	}

	today := ref.In(r.loc)
	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, r.loc)

	switch phrase {
	case "today", "tonight", "this evening", "this afternoon", "this morning":
		return today, true, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), true, nil
	}

	if m := inDaysRe.FindStringSubmatch(phrase); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false, fmt.Errorf("invalid day count")
		}
		return today.AddDate(0, 0, n), true, nil
	}

	name := strings.TrimPrefix(phrase, "next ")
	name = strings.TrimPrefix(name, "this ")
	if wd, ok := weekdays[name]; ok {
		days := (int(wd) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), true, nil
	}

	return time.Time{}, false, fmt.Errorf("unrecognized date phrase %q", phrase)
}

// Classify derives a booking's status relative to now: cancelled wins, then
// past, then same calendar day, then the current Mon-Sun week, else upcoming.
func (r *Resolver) Classify(b domain.Booking, now time.Time) domain.Status {
	if b.Cancelled {
		return domain.StatusCancelled
	}
	if b.End.Before(now) {
		return domain.StatusPast
	}

	local := now.In(r.loc)
	start := b.Start.In(r.loc)
	if local.Year() == start.Year() && local.YearDay() == start.YearDay() {
		return domain.StatusToday
	}

	weekStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	weekStart = weekStart.AddDate(0, 0, -((int(local.Weekday()) + 6) % 7))
	weekEnd := weekStart.AddDate(0, 0, 7)
	if !start.Before(weekStart) && start.Before(weekEnd) {
		return domain.StatusThisWeek
	}

	return domain.StatusUpcoming
}
