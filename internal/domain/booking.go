package domain

import "time"

// Status is derived from a booking's times and cancellation flag relative
// to "now"; the provider never returns it directly.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusToday     Status = "today"
	StatusThisWeek  Status = "this_week"
	StatusPast      Status = "past"
	StatusCancelled Status = "cancelled"
)

// Priority orders statuses for display: today first, cancelled last.
func (s Status) Priority() int {
	switch s {
	case StatusToday:
		return 0
	case StatusUpcoming:
		return 1
	case StatusThisWeek:
		return 2
	case StatusPast:
		return 3
	case StatusCancelled:
		return 4
	default:
		return 5
	}
}

// EventType is a named, duration-bound meeting template offered by the
// provider. Immutable once fetched.
type EventType struct {
	ID              int
	Name            string
	Slug            string
	DurationMinutes int
}

// Slot is an available bookable window for an event type.
type Slot struct {
	Start       time.Time
	End         time.Time
	EventTypeID int
}

type Booking struct {
	UID           string
	EventTypeID   int
	Start         time.Time
	End           time.Time
	AttendeeEmail string
	AttendeeName  string
	Cancelled     bool
	Status        Status
}

// Valid reports whether the booking satisfies Start < End.
func (b Booking) Valid() bool {
	return b.Start.Before(b.End)
}
