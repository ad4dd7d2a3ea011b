package calcom

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"calbot/internal/domain"
)

// The two API versions wrap payloads in different envelopes, and each
// endpoint has drifted over time. Every known shape is tried in a fixed
// order and the first candidate whose entities carry the required fields
// wins; everything about "the provider changed its response shape again"
// is isolated here.

type rawEventType struct {
	ID              int    `json:"id"`
	Title           string `json:"title"`
	Slug            string `json:"slug"`
	Length          int    `json:"length"`          // v1
	LengthInMinutes int    `json:"lengthInMinutes"` // v2
}

func (r rawEventType) toDomain() (domain.EventType, bool) {
	if r.ID == 0 || (r.Title == "" && r.Slug == "") {
		return domain.EventType{}, false
	}
	duration := r.LengthInMinutes
	if duration == 0 {
		duration = r.Length
	}
	return domain.EventType{
		ID:              r.ID,
		Name:            r.Title,
		Slug:            r.Slug,
		DurationMinutes: duration,
	}, true
}

type rawAttendee struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type rawEventTypeRef struct {
	ID int `json:"id"`
}

type rawBooking struct {
	ID          int              `json:"id"`
	UID         string           `json:"uid"`
	EventTypeID int              `json:"eventTypeId"`
	EventType   *rawEventTypeRef `json:"eventType"`
	Start       string           `json:"start"`     // v2
	End         string           `json:"end"`       // v2
	StartTime   string           `json:"startTime"` // v1
	EndTime     string           `json:"endTime"`   // v1
	Status      string           `json:"status"`
	Attendees   []rawAttendee    `json:"attendees"`
}

func (r rawBooking) toDomain() (domain.Booking, bool) {
	start := r.Start
	if start == "" {
		start = r.StartTime
	}
	end := r.End
	if end == "" {
		end = r.EndTime
	}
	if r.UID == "" || start == "" || end == "" {
		return domain.Booking{}, false
	}

	startT, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return domain.Booking{}, false
	}
	endT, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return domain.Booking{}, false
	}

	eventTypeID := r.EventTypeID
	if eventTypeID == 0 && r.EventType != nil {
		eventTypeID = r.EventType.ID
	}

	b := domain.Booking{
		UID:         r.UID,
		EventTypeID: eventTypeID,
		Start:       startT,
		End:         endT,
		Cancelled:   isCancelledStatus(r.Status),
	}
	if len(r.Attendees) > 0 {
		b.AttendeeName = r.Attendees[0].Name
		b.AttendeeEmail = r.Attendees[0].Email
	}
	return b, true
}

func isCancelledStatus(status string) bool {
	switch strings.ToLower(status) {
	case "cancelled", "canceled":
		return true
	}
	return false
}

// listEnvelopes is the ordered set of wrappers a list payload may arrive
// in: a bare array, {"data": [...]}, {"data": {"<key>": [...]}}, a
// version-specific top-level key, and {"results": [...]}.
func listEnvelopes(body []byte, keys ...string) [][]byte {
	var candidates [][]byte

	var bare json.RawMessage
	if err := json.Unmarshal(body, &bare); err == nil && len(bare) > 0 && bare[0] == '[' {
		candidates = append(candidates, bare)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		if data, ok := top["data"]; ok {
			if len(data) > 0 && data[0] == '[' {
				candidates = append(candidates, data)
			}
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(data, &nested); err == nil {
				for _, key := range keys {
					if inner, ok := nested[key]; ok && len(inner) > 0 && inner[0] == '[' {
						candidates = append(candidates, inner)
					}
				}
			}
		}
		for _, key := range keys {
			if inner, ok := top[key]; ok && len(inner) > 0 && inner[0] == '[' {
				candidates = append(candidates, inner)
			}
		}
		if results, ok := top["results"]; ok && len(results) > 0 && results[0] == '[' {
			candidates = append(candidates, results)
		}
	}

	return candidates
}

func topLevelKeys(body []byte) []string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return []string{"<non-object>"}
	}
	keys := make([]string, 0, len(top))
	for k := range top {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeEventTypes converts an event-type listing from either API
// version into domain values.
func NormalizeEventTypes(body []byte, version Version) ([]domain.EventType, error) {
	for _, candidate := range listEnvelopes(body, "eventTypes", "event_types") {
		var raw []rawEventType
		if err := json.Unmarshal(candidate, &raw); err != nil {
			continue
		}
		out := make([]domain.EventType, 0, len(raw))
		ok := true
		for _, r := range raw {
			et, valid := r.toDomain()
			if !valid {
				ok = false
				break
			}
			out = append(out, et)
		}
		if ok {
			return out, nil
		}
	}
	return nil, &NormalizationError{Kind: "event types", Version: version, Keys: topLevelKeys(body)}
}

// NormalizeBookings converts a booking listing from either API version.
func NormalizeBookings(body []byte, version Version) ([]domain.Booking, error) {
	for _, candidate := range listEnvelopes(body, "bookings") {
		var raw []rawBooking
		if err := json.Unmarshal(candidate, &raw); err != nil {
			continue
		}
		out := make([]domain.Booking, 0, len(raw))
		ok := true
		for _, r := range raw {
			b, valid := r.toDomain()
			if !valid {
				ok = false
				break
			}
			out = append(out, b)
		}
		if ok {
			return out, nil
		}
	}
	return nil, &NormalizationError{Kind: "bookings", Version: version, Keys: topLevelKeys(body)}
}

// NormalizeBooking converts a single-booking payload: create, reschedule
// and get-by-uid responses wrap the entity as {"data": {...}} on v2,
// {"booking": {...}} on v1, or return it bare.
func NormalizeBooking(body []byte, version Version) (domain.Booking, error) {
	var candidates []json.RawMessage

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		if data, ok := top["data"]; ok && len(data) > 0 && data[0] == '{' {
			candidates = append(candidates, data)
		}
		if booking, ok := top["booking"]; ok && len(booking) > 0 && booking[0] == '{' {
			candidates = append(candidates, booking)
		}
		candidates = append(candidates, json.RawMessage(body))
	}

	for _, candidate := range candidates {
		var raw rawBooking
		if err := json.Unmarshal(candidate, &raw); err != nil {
			continue
		}
		if b, valid := raw.toDomain(); valid {
			return b, nil
		}
	}
	return domain.Booking{}, &NormalizationError{Kind: "booking", Version: version, Keys: topLevelKeys(body)}
}

// NormalizeSlots converts an availability payload. Both versions group
// slots by date: v2 under data.slots, v1 under a top-level slots key; each
// entry is either an object with a time/start field or a bare ISO string.
func NormalizeSlots(body []byte, eventTypeID int, version Version) ([]domain.Slot, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &NormalizationError{Kind: "slots", Version: version, Keys: topLevelKeys(body)}
	}

	var candidates []json.RawMessage
	if data, ok := top["data"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(data, &nested); err == nil {
			if slots, ok := nested["slots"]; ok {
				candidates = append(candidates, slots)
			} else {
				candidates = append(candidates, data)
			}
		}
	}
	if slots, ok := top["slots"]; ok {
		candidates = append(candidates, slots)
	}

	for _, candidate := range candidates {
		var byDate map[string][]json.RawMessage
		if err := json.Unmarshal(candidate, &byDate); err != nil {
			continue
		}
		out := []domain.Slot{}
		ok := true
		for _, entries := range byDate {
			for _, entry := range entries {
				start, valid := parseSlotEntry(entry)
				if !valid {
					ok = false
					break
				}
				out = append(out, domain.Slot{Start: start, EventTypeID: eventTypeID})
			}
			if !ok {
				break
			}
		}
		if ok {
			sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
			return out, nil
		}
	}
	return nil, &NormalizationError{Kind: "slots", Version: version, Keys: topLevelKeys(body)}
}

func parseSlotEntry(entry json.RawMessage) (time.Time, bool) {
	var iso string
	if err := json.Unmarshal(entry, &iso); err == nil {
		t, err := time.Parse(time.RFC3339, iso)
		return t, err == nil
	}

	var obj struct {
		Time  string `json:"time"`
		Start string `json:"start"`
	}
	if err := json.Unmarshal(entry, &obj); err != nil {
		return time.Time{}, false
	}
	iso = obj.Time
	if iso == "" {
		iso = obj.Start
	}
	t, err := time.Parse(time.RFC3339, iso)
	return t, err == nil
}
