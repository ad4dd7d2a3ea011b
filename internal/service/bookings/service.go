package bookings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"calbot/internal/calcom"
	"calbot/internal/domain"
	"calbot/internal/timeparse"
)

// defaultSlotDuration fills slot ends when the event type's duration is
// unknown at normalization time.
const defaultSlotDuration = 30 * time.Minute

const defaultCancelReason = "Cancelled by user"

// matchThreshold is the minimum fuzzy score for an intent to select an
// event type.
const matchThreshold = 0.5

type providerClient interface {
	Do(ctx context.Context, req calcom.Request) (*calcom.Response, error)
}

// Options carries the per-session identity and policy knobs. Now is the
// clock used for validation and status classification; leaving it nil uses
// the real time, tests and the pinned-now mode inject a fixed instant.
type Options struct {
	AttendeeEmail string
	AttendeeName  string

	// OverrideEventTypeID, when non-zero, wins over any intent text.
	OverrideEventTypeID int

	Now func() time.Time
}

// Service orchestrates booking operations against the provider: it decides
// version fallback, owns the session event-type cache and the attendee
// identity, and reports typed outcomes for every failure mode.
type Service struct {
	client   providerClient
	resolver *timeparse.Resolver
	log      *slog.Logger

	attendeeEmail string
	attendeeName  string
	overrideID    int
	now           func() time.Time

	eventTypes []domain.EventType
}

func NewService(client providerClient, resolver *timeparse.Resolver, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		client:        client,
		resolver:      resolver,
		log:           log.With(slog.String("component", "bookings.service")),
		attendeeEmail: opts.AttendeeEmail,
		attendeeName:  opts.AttendeeName,
		overrideID:    opts.OverrideEventTypeID,
		now:           now,
	}
}

// EventTypes returns the provider's event types, fetched once per session.
func (s *Service) EventTypes(ctx context.Context) ([]domain.EventType, error) {
	if s.eventTypes != nil {
		return s.eventTypes, nil
	}

	resp, err := s.client.Do(ctx, calcom.Request{
		Method:    http.MethodGet,
		Path:      "/event-types",
		Version:   calcom.V2,
		Cacheable: true,
	})
	version := calcom.V2
	if errors.Is(err, calcom.ErrNeedsFallback) {
		version = calcom.V1
		resp, err = s.client.Do(ctx, calcom.Request{
			Method:    http.MethodGet,
			Path:      "/event-types",
			Version:   calcom.V1,
			Cacheable: true,
		})
	}
	if err != nil {
		return nil, err
	}

	types, err := calcom.NormalizeEventTypes(resp.Body, version)
	if err != nil {
		return nil, err
	}
	s.eventTypes = types
	return types, nil
}

// FindEventType fuzzy-matches intent text against event type names and
// slugs. A configured manual override ID always wins.
func (s *Service) FindEventType(ctx context.Context, intent string) (domain.EventType, error) {
	types, err := s.EventTypes(ctx)
	if err != nil {
		return domain.EventType{}, err
	}

	if s.overrideID != 0 {
		for _, et := range types {
			if et.ID == s.overrideID {
				return et, nil
			}
		}
		return domain.EventType{}, &NotFoundError{Query: fmt.Sprintf("event type id %d", s.overrideID)}
	}

	intent = strings.TrimSpace(intent)
	if intent == "" {
		return domain.EventType{}, validationError("intent text is required")
	}

	best := domain.EventType{}
	bestScore := 0.0
	for _, et := range types {
		score := matchScore(intent, et)
		if score > bestScore || (score == bestScore && score > 0 && et.ID < best.ID) {
			best = et
			bestScore = score
		}
	}
	if bestScore < matchThreshold {
		return domain.EventType{}, &NotFoundError{Query: intent}
	}

	s.log.Debug("event type matched",
		slog.String("intent", intent),
		slog.Int("event_type_id", best.ID),
		slog.Float64("score", bestScore),
	)
	return best, nil
}

// matchScore implements the intent scoring policy: exact name/slug match,
// then substring containment either direction, then token overlap.
func matchScore(intent string, et domain.EventType) float64 {
	intentLower := strings.ToLower(intent)
	name := strings.ToLower(et.Name)
	slug := strings.ToLower(strings.ReplaceAll(et.Slug, "-", " "))

	if intentLower == name || intentLower == slug {
		return 1.0
	}
	for _, candidate := range []string{name, slug} {
		if candidate == "" {
			continue
		}
		if strings.Contains(intentLower, candidate) || strings.Contains(candidate, intentLower) {
			return 0.8
		}
	}

	intentTokens := tokenize(intentLower)
	nameTokens := tokenize(name + " " + slug)
	if len(intentTokens) == 0 || len(nameTokens) == 0 {
		return 0
	}
	overlap := 0
	for tok := range nameTokens {
		if _, ok := intentTokens[tok]; ok {
			overlap++
		}
	}
	return 0.7 * float64(overlap) / float64(len(nameTokens))
}

func tokenize(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/'
	}) {
		if len(tok) > 1 {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// Availability returns the bookable slots for an event type on the given
// calendar date. An empty result is a valid "no availability" outcome.
func (s *Service) Availability(ctx context.Context, eventTypeID int, date time.Time) ([]domain.Slot, error) {
	dayStart, dayEnd := s.resolver.DayRange(date)

	body := map[string]any{
		"eventTypeId": eventTypeID,
		"startTime":   s.resolver.Format(dayStart),
		"endTime":     s.resolver.Format(dayEnd),
	}
	// The slots call is POST-shaped but reads availability; marking it
	// idempotent keeps the retry and fallback policy of a GET.
	resp, err := s.client.Do(ctx, calcom.Request{
		Method:     http.MethodPost,
		Path:       "/slots",
		Version:    calcom.V2,
		Body:       body,
		Idempotent: true,
	})
	version := calcom.V2
	if errors.Is(err, calcom.ErrNeedsFallback) {
		version = calcom.V1
		resp, err = s.client.Do(ctx, calcom.Request{
			Method:  http.MethodGet,
			Path:    "/slots",
			Version: calcom.V1,
			Query: url.Values{
				"eventTypeId": {strconv.Itoa(eventTypeID)},
				"startTime":   {s.resolver.Format(dayStart)},
				"endTime":     {s.resolver.Format(dayEnd)},
			},
			Cacheable: true,
		})
	}
	if err != nil {
		return nil, err
	}

	slots, err := calcom.NormalizeSlots(resp.Body, eventTypeID, version)
	if err != nil {
		return nil, err
	}

	duration := defaultSlotDuration
	if et, ok := s.eventTypeByID(ctx, eventTypeID); ok && et.DurationMinutes > 0 {
		duration = time.Duration(et.DurationMinutes) * time.Minute
	}
	for i := range slots {
		if !slots[i].End.After(slots[i].Start) {
			slots[i].End = slots[i].Start.Add(duration)
		}
	}
	return slots, nil
}

func (s *Service) eventTypeByID(ctx context.Context, id int) (domain.EventType, bool) {
	types, err := s.EventTypes(ctx)
	if err != nil {
		return domain.EventType{}, false
	}
	for _, et := range types {
		if et.ID == id {
			return et, true
		}
	}
	return domain.EventType{}, false
}

// Create books the session attendee onto the event type at start. The v2
// create is attempted first; on fallback the v1 endpoint is called with
// its own body shape. Both carry the same deterministic idempotency key so
// a retried write cannot double-book.
func (s *Service) Create(ctx context.Context, eventTypeID int, start time.Time, reason string) (domain.Booking, error) {
	if s.attendeeEmail == "" {
		return domain.Booking{}, validationError("attendee email is required")
	}
	return s.createBooking(ctx, eventTypeID, start, s.attendeeName, s.attendeeEmail, reason)
}

func (s *Service) createBooking(ctx context.Context, eventTypeID int, start time.Time, name, email, reason string) (domain.Booking, error) {
	now := s.now()
	if !start.After(now) {
		return domain.Booking{}, validationError("start time must be in the future")
	}

	duration := defaultSlotDuration
	if et, ok := s.eventTypeByID(ctx, eventTypeID); ok && et.DurationMinutes > 0 {
		duration = time.Duration(et.DurationMinutes) * time.Minute
	}
	end := start.Add(duration)

	idemKey := uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte("calbot:create:"+email+":"+strconv.Itoa(eventTypeID)+":"+start.UTC().Format(time.RFC3339))).String()

	resp, err := s.client.Do(ctx, calcom.Request{
		Method:  http.MethodPost,
		Path:    "/bookings",
		Version: calcom.V2,
		Body: map[string]any{
			"eventTypeId": eventTypeID,
			"start":       s.resolver.Format(start),
			"attendee": map[string]any{
				"name":     name,
				"email":    email,
				"timeZone": timeparse.ZoneName,
			},
			"metadata": map[string]any{"reason": reason},
		},
		IdempotencyKey: idemKey,
	})
	version := calcom.V2
	if errors.Is(err, calcom.ErrNeedsFallback) {
		s.log.Info("create falling back to v1",
			slog.Int("event_type_id", eventTypeID),
			slog.Time("start", start),
		)
		version = calcom.V1
		resp, err = s.client.Do(ctx, calcom.Request{
			Method:  http.MethodPost,
			Path:    "/bookings",
			Version: calcom.V1,
			Body: map[string]any{
				"eventTypeId": eventTypeID,
				"start":       s.resolver.Format(start),
				"end":         s.resolver.Format(end),
				"responses": map[string]any{
					"name":  name,
					"email": email,
				},
				"timeZone": timeparse.ZoneName,
				"language": "en",
				"metadata": map[string]any{"reason": reason},
			},
			IdempotencyKey: idemKey,
		})
	}
	if err != nil {
		var apiErr *calcom.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return domain.Booking{}, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return domain.Booking{}, err
	}

	booking, err := calcom.NormalizeBooking(resp.Body, version)
	if err != nil {
		return domain.Booking{}, err
	}
	booking.Status = s.resolver.Classify(booking, now)

	s.log.Info("booking created",
		slog.String("uid", booking.UID),
		slog.Int("event_type_id", booking.EventTypeID),
		slog.Time("start", booking.Start),
		slog.String("api_version", string(version)),
	)
	return booking, nil
}

// Filter narrows and orders a booking listing. Zero value means every
// status, ordered by start time ascending.
type Filter struct {
	Statuses     []domain.Status
	SortByStatus bool
}

// List fetches the attendee's bookings, derives each status relative to
// now, then applies the filter.
func (s *Service) List(ctx context.Context, email string, filter Filter) ([]domain.Booking, error) {
	if email == "" {
		email = s.attendeeEmail
	}
	if email == "" {
		return nil, validationError("attendee email is required")
	}

	query := url.Values{"attendeeEmail": {email}}
	resp, err := s.client.Do(ctx, calcom.Request{
		Method:    http.MethodGet,
		Path:      "/bookings",
		Version:   calcom.V2,
		Query:     query,
		Cacheable: true,
	})
	version := calcom.V2
	if errors.Is(err, calcom.ErrNeedsFallback) {
		version = calcom.V1
		resp, err = s.client.Do(ctx, calcom.Request{
			Method:    http.MethodGet,
			Path:      "/bookings",
			Version:   calcom.V1,
			Query:     query,
			Cacheable: true,
		})
	}
	if err != nil {
		return nil, err
	}

	all, err := calcom.NormalizeBookings(resp.Body, version)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]domain.Booking, 0, len(all))
	for _, b := range all {
		b.Status = s.resolver.Classify(b, now)
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, b.Status) {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if filter.SortByStatus && out[i].Status != out[j].Status {
			return out[i].Status.Priority() < out[j].Status.Priority()
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func containsStatus(statuses []domain.Status, s domain.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Cancel cancels a booking. Cancelling an already-cancelled booking is a
// success, not an error.
func (s *Service) Cancel(ctx context.Context, uid, reason string) error {
	if uid == "" {
		return validationError("booking uid is required")
	}
	if reason == "" {
		reason = defaultCancelReason
	}

	idemKey := uuid.NewSHA1(uuid.NameSpaceOID, []byte("calbot:cancel:"+uid)).String()

	_, err := s.client.Do(ctx, calcom.Request{
		Method:         http.MethodPost,
		Path:           "/bookings/" + uid + "/cancel",
		Version:        calcom.V2,
		Body:           map[string]any{"cancellationReason": reason},
		IdempotencyKey: idemKey,
	})
	if errors.Is(err, calcom.ErrNeedsFallback) {
		_, err = s.client.Do(ctx, calcom.Request{
			Method:         http.MethodDelete,
			Path:           "/bookings/" + uid,
			Version:        calcom.V1,
			Query:          url.Values{"cancellationReason": {reason}},
			IdempotencyKey: idemKey,
		})
	}
	if err == nil {
		s.log.Info("booking cancelled", slog.String("uid", uid))
		return nil
	}

	var apiErr *calcom.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return &NotFoundError{Query: uid}
		case http.StatusBadRequest, http.StatusConflict:
			// The provider rejects repeat cancellations; re-read to
			// distinguish "already cancelled" from a genuine conflict.
			booking, getErr := s.Get(ctx, uid)
			if getErr == nil && booking.Cancelled {
				s.log.Info("booking already cancelled", slog.String("uid", uid))
				return nil
			}
			if apiErr.StatusCode == http.StatusConflict {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
		}
	}
	return err
}

// Get fetches a single booking by uid.
func (s *Service) Get(ctx context.Context, uid string) (domain.Booking, error) {
	resp, err := s.client.Do(ctx, calcom.Request{
		Method:  http.MethodGet,
		Path:    "/bookings/" + uid,
		Version: calcom.V2,
	})
	version := calcom.V2
	if errors.Is(err, calcom.ErrNeedsFallback) {
		version = calcom.V1
		resp, err = s.client.Do(ctx, calcom.Request{
			Method:  http.MethodGet,
			Path:    "/bookings/" + uid,
			Version: calcom.V1,
		})
	}
	if err != nil {
		var apiErr *calcom.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return domain.Booking{}, &NotFoundError{Query: uid}
		}
		return domain.Booking{}, err
	}

	booking, err := calcom.NormalizeBooking(resp.Body, version)
	if err != nil {
		return domain.Booking{}, err
	}
	booking.Status = s.resolver.Classify(booking, s.now())
	return booking, nil
}

// Reschedule moves a booking to a new start. The dedicated v2 endpoint is
// tried first; when it is unavailable or exhausted the operation runs as a
// compensating transaction: cancel the original, then create a replacement
// with the same event type and attendee. If the create half fails after
// the cancel succeeded, a PartialRescheduleError names the cancelled uid.
func (s *Service) Reschedule(ctx context.Context, uid string, newStart time.Time, reason string) (domain.Booking, error) {
	if uid == "" {
		return domain.Booking{}, validationError("booking uid is required")
	}
	now := s.now()
	if !newStart.After(now) {
		return domain.Booking{}, validationError("new start time must be in the future")
	}

	idemKey := uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte("calbot:reschedule:"+uid+":"+newStart.UTC().Format(time.RFC3339))).String()

	resp, err := s.client.Do(ctx, calcom.Request{
		Method:  http.MethodPost,
		Path:    "/bookings/" + uid + "/reschedule",
		Version: calcom.V2,
		Body: map[string]any{
			"start":              s.resolver.Format(newStart),
			"reschedulingReason": reason,
		},
		IdempotencyKey: idemKey,
	})
	if err == nil {
		booking, nErr := calcom.NormalizeBooking(resp.Body, calcom.V2)
		if nErr != nil {
			return domain.Booking{}, nErr
		}
		booking.Status = s.resolver.Classify(booking, now)
		s.log.Info("booking rescheduled",
			slog.String("uid", booking.UID),
			slog.Time("start", booking.Start),
		)
		return booking, nil
	}

	var apiErr *calcom.APIError
	endpointUnavailable := errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
	if !errors.Is(err, calcom.ErrNeedsFallback) && !endpointUnavailable {
		return domain.Booking{}, err
	}

	s.log.Info("reschedule endpoint unavailable, compensating",
		slog.String("uid", uid),
		slog.Any("err", err),
	)

	existing, err := s.Get(ctx, uid)
	if err != nil {
		return domain.Booking{}, err
	}
	if existing.Cancelled {
		return domain.Booking{}, validationError("booking is already cancelled")
	}

	if err := s.Cancel(ctx, uid, "Rescheduled"); err != nil {
		// Cancel failed: the original booking is intact, nothing was lost.
		return domain.Booking{}, fmt.Errorf("reschedule cancel step: %w", err)
	}

	name := existing.AttendeeName
	email := existing.AttendeeEmail
	if email == "" {
		name, email = s.attendeeName, s.attendeeEmail
	}
	replacement, err := s.createBooking(ctx, existing.EventTypeID, newStart, name, email, reason)
	if err != nil {
		return domain.Booking{}, &PartialRescheduleError{OriginalUID: uid, Err: err}
	}
	return replacement, nil
}
