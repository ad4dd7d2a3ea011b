package bookings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"calbot/internal/calcom"
	"calbot/internal/domain"
	"calbot/internal/timeparse"
)

type fakeClient struct {
	doFn     func(ctx context.Context, req calcom.Request) (*calcom.Response, error)
	requests []calcom.Request
}

func (f *fakeClient) Do(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
	f.requests = append(f.requests, req)
	if f.doFn == nil {
		panic("Do not configured")
	}
	return f.doFn(ctx, req)
}

func (f *fakeClient) count(method, path string) int {
	n := 0
	for _, req := range f.requests {
		if req.Method == method && req.Path == path {
			n++
		}
	}
	return n
}

func ok(body string) (*calcom.Response, error) {
	return &calcom.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func needsFallback() (*calcom.Response, error) {
	return nil, fmt.Errorf("POST /bookings: %w", calcom.ErrNeedsFallback)
}

const eventTypesV2 = `{"data":{"eventTypes":[
	{"id":7,"title":"Quick Chat","slug":"quick-chat","lengthInMinutes":15},
	{"id":9,"title":"Deep Dive","slug":"deep-dive","lengthInMinutes":60}
]}}`

func newTestService(t *testing.T, client providerClient, opts Options) (*Service, *timeparse.Resolver) {
	t.Helper()
	r, err := timeparse.NewResolver()
	if err != nil {
		t.Fatalf("NewResolver error: %v", err)
	}
	if opts.AttendeeEmail == "" {
		opts.AttendeeEmail = "ada@example.com"
	}
	if opts.AttendeeName == "" {
		opts.AttendeeName = "Ada"
	}
	if opts.Now == nil {
		now := time.Date(2026, 3, 2, 10, 0, 0, 0, r.Location())
		opts.Now = func() time.Time { return now }
	}
	return NewService(client, r, nil, opts), r
}

func TestFindEventType_FuzzyMatch(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(eventTypesV2)
	}}
	svc, _ := newTestService(t, client, Options{})

	tests := []struct {
		intent string
		wantID int
	}{
		{"quick chat", 7},
		{"book a quick chat tomorrow", 7},
		{"Deep Dive", 9},
		{"schedule a deep dive session", 9},
		{"deep-dive", 9},
	}

	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			et, err := svc.FindEventType(context.Background(), tt.intent)
			if err != nil {
				t.Fatalf("FindEventType(%q) error: %v", tt.intent, err)
			}
			if et.ID != tt.wantID {
				t.Fatalf("FindEventType(%q) = %d, want %d", tt.intent, et.ID, tt.wantID)
			}
		})
	}
}

func TestFindEventType_NoMatch(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(eventTypesV2)
	}}
	svc, _ := newTestService(t, client, Options{})

	_, err := svc.FindEventType(context.Background(), "something entirely unrelated")
	var nfErr *NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
}

func TestFindEventType_OverrideWins(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(eventTypesV2)
	}}
	svc, _ := newTestService(t, client, Options{OverrideEventTypeID: 9})

	et, err := svc.FindEventType(context.Background(), "quick chat")
	if err != nil {
		t.Fatalf("FindEventType error: %v", err)
	}
	if et.ID != 9 {
		t.Fatalf("override ignored: got %d, want 9", et.ID)
	}
}

func TestFindEventType_CachedPerSession(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(eventTypesV2)
	}}
	svc, _ := newTestService(t, client, Options{})

	for i := 0; i < 3; i++ {
		if _, err := svc.FindEventType(context.Background(), "quick chat"); err != nil {
			t.Fatalf("FindEventType error: %v", err)
		}
	}
	if got := client.count(http.MethodGet, "/event-types"); got != 1 {
		t.Fatalf("event-type fetches = %d, want 1", got)
	}
}

func TestAvailability_EmptyIsNotAnError(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		if req.Path == "/event-types" {
			return ok(eventTypesV2)
		}
		return ok(`{"data":{"slots":{}}}`)
	}}
	svc, r := newTestService(t, client, Options{})

	slots, err := svc.Availability(context.Background(), 7, time.Date(2026, 3, 3, 0, 0, 0, 0, r.Location()))
	if err != nil {
		t.Fatalf("Availability error: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("slots = %d, want 0", len(slots))
	}
}

func TestAvailability_FillsSlotEndsFromEventTypeDuration(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		if req.Path == "/event-types" {
			return ok(eventTypesV2)
		}
		return ok(`{"data":{"slots":{"2026-03-03":[{"time":"2026-03-03T17:00:00Z"}]}}}`)
	}}
	svc, r := newTestService(t, client, Options{})

	slots, err := svc.Availability(context.Background(), 7, time.Date(2026, 3, 3, 0, 0, 0, 0, r.Location()))
	if err != nil {
		t.Fatalf("Availability error: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(slots))
	}
	if got := slots[0].End.Sub(slots[0].Start); got != 15*time.Minute {
		t.Fatalf("slot duration = %v, want 15m", got)
	}
}

func TestAvailability_SlotsReadIsMarkedIdempotent(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		if req.Path == "/event-types" {
			return ok(eventTypesV2)
		}
		return ok(`{"data":{"slots":{}}}`)
	}}
	svc, r := newTestService(t, client, Options{})

	if _, err := svc.Availability(context.Background(), 7, time.Date(2026, 3, 3, 0, 0, 0, 0, r.Location())); err != nil {
		t.Fatalf("Availability error: %v", err)
	}

	found := false
	for _, req := range client.requests {
		if req.Method == http.MethodPost && req.Path == "/slots" {
			found = true
			if !req.Idempotent {
				t.Fatalf("slots read not marked idempotent; a transient failure would not be retried")
			}
		}
	}
	if !found {
		t.Fatalf("no v2 slots request was issued")
	}
}

func TestAvailability_FallsBackToV1(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case req.Path == "/event-types":
			return ok(eventTypesV2)
		case req.Path == "/slots" && req.Version == calcom.V2:
			return needsFallback()
		case req.Path == "/slots" && req.Version == calcom.V1:
			return ok(`{"slots":{"2026-03-03":["2026-03-03T17:00:00Z"]}}`)
		}
		t.Fatalf("unexpected request %s %s %s", req.Method, string(req.Version), req.Path)
		return nil, nil
	}}
	svc, r := newTestService(t, client, Options{})

	slots, err := svc.Availability(context.Background(), 7, time.Date(2026, 3, 3, 0, 0, 0, 0, r.Location()))
	if err != nil {
		t.Fatalf("Availability error: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("slots = %d, want 1", len(slots))
	}

	var v1 *calcom.Request
	for i := range client.requests {
		req := client.requests[i]
		if req.Path == "/slots" && req.Version == calcom.V1 {
			v1 = &client.requests[i]
		}
	}
	if v1 == nil {
		t.Fatalf("no v1 slots request was issued")
	}
	if v1.Method != http.MethodGet || !v1.Cacheable {
		t.Fatalf("v1 slots request = %s cacheable=%v, want cacheable GET", v1.Method, v1.Cacheable)
	}
}

func TestCreate_RejectsPastStart(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(eventTypesV2)
	}}
	svc, r := newTestService(t, client, Options{})

	past := time.Date(2026, 3, 1, 10, 0, 0, 0, r.Location())
	_, err := svc.Create(context.Background(), 7, past, "")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if got := client.count(http.MethodPost, "/bookings"); got != 0 {
		t.Fatalf("create calls = %d, want 0", got)
	}
}

func TestCreate_FallsBackToV1(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case req.Path == "/event-types":
			return ok(eventTypesV2)
		case req.Path == "/bookings" && req.Version == calcom.V2:
			return needsFallback()
		case req.Path == "/bookings" && req.Version == calcom.V1:
			return ok(`{"booking":{"uid":"new-uid","eventTypeId":7,"startTime":"2026-03-03T14:00:00-08:00","endTime":"2026-03-03T14:15:00-08:00","status":"accepted"}}`)
		}
		t.Fatalf("unexpected request %s %s %s", req.Method, string(req.Version), req.Path)
		return nil, nil
	}}
	svc, r := newTestService(t, client, Options{})

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, r.Location())
	booking, err := svc.Create(context.Background(), 7, start, "sync up")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if booking.UID != "new-uid" {
		t.Fatalf("uid = %q, want new-uid", booking.UID)
	}
	// March 3rd relative to the pinned March 2nd "now" is this week.
	if booking.Status != domain.StatusThisWeek {
		t.Fatalf("status = %q, want %q", booking.Status, domain.StatusThisWeek)
	}

	var v1Create *calcom.Request
	for i := range client.requests {
		req := client.requests[i]
		if req.Path == "/bookings" && req.Version == calcom.V1 && req.Method == http.MethodPost {
			v1Create = &client.requests[i]
		}
	}
	if v1Create == nil {
		t.Fatalf("no v1 create was issued")
	}
	if v1Create.IdempotencyKey == "" {
		t.Fatalf("v1 create carried no idempotency key")
	}

	body, err := json.Marshal(v1Create.Body)
	if err != nil {
		t.Fatalf("marshal v1 body: %v", err)
	}
	if !strings.Contains(string(body), `"end"`) {
		t.Fatalf("v1 body missing computed end time: %s", body)
	}
}

func TestCreate_SameInputsSameIdempotencyKey(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		if req.Path == "/event-types" {
			return ok(eventTypesV2)
		}
		return ok(`{"data":{"uid":"u1","eventTypeId":7,"start":"2026-03-03T14:00:00Z","end":"2026-03-03T14:15:00Z"}}`)
	}}
	svc, r := newTestService(t, client, Options{})

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, r.Location())
	if _, err := svc.Create(context.Background(), 7, start, ""); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := svc.Create(context.Background(), 7, start, ""); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	var keys []string
	for _, req := range client.requests {
		if req.Path == "/bookings" && req.Method == http.MethodPost {
			keys = append(keys, req.IdempotencyKey)
		}
	}
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("idempotency keys = %v, want two equal non-empty keys", keys)
	}
}

func TestCreate_ConflictIsErrConflict(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		if req.Path == "/event-types" {
			return ok(eventTypesV2)
		}
		return nil, &calcom.APIError{StatusCode: http.StatusConflict, Body: []byte(`{"message":"slot taken"}`)}
	}}
	svc, r := newTestService(t, client, Options{})

	start := time.Date(2026, 3, 3, 14, 0, 0, 0, r.Location())
	_, err := svc.Create(context.Background(), 7, start, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if got := client.count(http.MethodPost, "/bookings"); got != 1 {
		t.Fatalf("create calls = %d, want 1 (conflicts are not retried or fallen back)", got)
	}
}

func TestList_ClassifiesFiltersAndSorts(t *testing.T) {
	listBody := `{"data":[
		{"uid":"past1","eventTypeId":7,"start":"2026-02-10T14:00:00Z","end":"2026-02-10T15:00:00Z","status":"accepted"},
		{"uid":"today1","eventTypeId":7,"start":"2026-03-03T01:00:00Z","end":"2026-03-03T02:00:00Z","status":"accepted"},
		{"uid":"week1","eventTypeId":7,"start":"2026-03-06T18:00:00Z","end":"2026-03-06T19:00:00Z","status":"accepted"},
		{"uid":"future1","eventTypeId":7,"start":"2026-04-10T18:00:00Z","end":"2026-04-10T19:00:00Z","status":"accepted"},
		{"uid":"gone1","eventTypeId":7,"start":"2026-03-20T18:00:00Z","end":"2026-03-20T19:00:00Z","status":"cancelled"}
	]}`
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return ok(listBody)
	}}
	svc, _ := newTestService(t, client, Options{})

	// today1 starts at 01:00 UTC March 3rd, which is 17:00 Pacific March 2nd:
	// the pinned "now" date.
	all, err := svc.List(context.Background(), "", Filter{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Start.Before(all[i-1].Start) {
			t.Fatalf("default order not ascending by start: %v", all)
		}
	}

	byStatus := map[string]domain.Status{
		"past1": domain.StatusPast, "today1": domain.StatusToday,
		"week1": domain.StatusThisWeek, "future1": domain.StatusUpcoming,
		"gone1": domain.StatusCancelled,
	}
	for _, b := range all {
		if b.Status != byStatus[b.UID] {
			t.Fatalf("booking %s status = %q, want %q", b.UID, b.Status, byStatus[b.UID])
		}
	}

	onlyToday, err := svc.List(context.Background(), "", Filter{Statuses: []domain.Status{domain.StatusToday}})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(onlyToday) != 1 || onlyToday[0].UID != "today1" {
		t.Fatalf("filtered list = %v, want only today1", onlyToday)
	}

	prioritized, err := svc.List(context.Background(), "", Filter{SortByStatus: true})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	wantOrder := []string{"today1", "future1", "week1", "past1", "gone1"}
	for i, want := range wantOrder {
		if prioritized[i].UID != want {
			t.Fatalf("status order[%d] = %s, want %s", i, prioritized[i].UID, want)
		}
	}
}

func TestCancel_AlreadyCancelledIsSuccess(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case strings.HasSuffix(req.Path, "/cancel"):
			return nil, &calcom.APIError{StatusCode: http.StatusConflict, Body: []byte(`{"message":"already cancelled"}`)}
		case req.Method == http.MethodGet && strings.HasPrefix(req.Path, "/bookings/"):
			return ok(`{"data":{"uid":"b1","eventTypeId":7,"start":"2026-03-05T14:00:00Z","end":"2026-03-05T15:00:00Z","status":"cancelled"}}`)
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
		return nil, nil
	}}
	svc, _ := newTestService(t, client, Options{})

	if err := svc.Cancel(context.Background(), "b1", ""); err != nil {
		t.Fatalf("Cancel of cancelled booking = %v, want success", err)
	}
}

func TestCancel_UnknownUID(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		return nil, &calcom.APIError{StatusCode: http.StatusNotFound}
	}}
	svc, _ := newTestService(t, client, Options{})

	err := svc.Cancel(context.Background(), "missing", "")
	var nfErr *NotFoundError
	if !errors.As(err, &nfErr) {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
}

func TestReschedule_CompensatingTransaction(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case strings.HasSuffix(req.Path, "/reschedule"):
			return nil, &calcom.APIError{StatusCode: http.StatusNotFound}
		case req.Method == http.MethodGet && req.Path == "/bookings/orig-uid":
			return ok(`{"data":{"uid":"orig-uid","eventTypeId":7,"start":"2026-03-04T14:00:00Z","end":"2026-03-04T14:15:00Z",
				"status":"accepted","attendees":[{"name":"Ada","email":"ada@example.com"}]}}`)
		case strings.HasSuffix(req.Path, "/cancel"):
			return ok(`{"status":"success"}`)
		case req.Path == "/event-types":
			return ok(eventTypesV2)
		case req.Method == http.MethodPost && req.Path == "/bookings":
			return ok(`{"data":{"uid":"new-uid","eventTypeId":7,"start":"2026-03-05T14:00:00-08:00","end":"2026-03-05T14:15:00-08:00"}}`)
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
		return nil, nil
	}}
	svc, r := newTestService(t, client, Options{})

	newStart := time.Date(2026, 3, 5, 14, 0, 0, 0, r.Location())
	booking, err := svc.Reschedule(context.Background(), "orig-uid", newStart, "conflict came up")
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if booking.UID != "new-uid" {
		t.Fatalf("uid = %q, want new-uid", booking.UID)
	}

	if got := client.count(http.MethodPost, "/bookings/orig-uid/cancel"); got != 1 {
		t.Fatalf("cancel calls = %d, want exactly 1", got)
	}
	if got := client.count(http.MethodPost, "/bookings"); got != 1 {
		t.Fatalf("create calls = %d, want exactly 1", got)
	}

	var create calcom.Request
	for _, req := range client.requests {
		if req.Method == http.MethodPost && req.Path == "/bookings" {
			create = req
		}
	}
	body, _ := json.Marshal(create.Body)
	if !strings.Contains(string(body), "2026-03-05T14:00:00-08:00") {
		t.Fatalf("create start = %s, want the new instant", body)
	}
}

func TestReschedule_PartialWhenCreateFailsAfterCancel(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case strings.HasSuffix(req.Path, "/reschedule"):
			return nil, &calcom.APIError{StatusCode: http.StatusNotFound}
		case req.Method == http.MethodGet && req.Path == "/bookings/orig-uid":
			return ok(`{"data":{"uid":"orig-uid","eventTypeId":7,"start":"2026-03-04T14:00:00Z","end":"2026-03-04T14:15:00Z",
				"status":"accepted","attendees":[{"name":"Ada","email":"ada@example.com"}]}}`)
		case strings.HasSuffix(req.Path, "/cancel"):
			return ok(`{"status":"success"}`)
		case req.Path == "/event-types":
			return ok(eventTypesV2)
		case req.Method == http.MethodPost && req.Path == "/bookings":
			return nil, &calcom.APIError{StatusCode: http.StatusBadRequest, Body: []byte(`{"message":"no longer available"}`)}
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
		return nil, nil
	}}
	svc, r := newTestService(t, client, Options{})

	newStart := time.Date(2026, 3, 5, 14, 0, 0, 0, r.Location())
	_, err := svc.Reschedule(context.Background(), "orig-uid", newStart, "")
	var pErr *PartialRescheduleError
	if !errors.As(err, &pErr) {
		t.Fatalf("error type = %T, want *PartialRescheduleError", err)
	}
	if pErr.OriginalUID != "orig-uid" {
		t.Fatalf("original uid = %q, want orig-uid", pErr.OriginalUID)
	}
}

func TestReschedule_CancelFailureLeavesOriginalIntact(t *testing.T) {
	client := &fakeClient{doFn: func(ctx context.Context, req calcom.Request) (*calcom.Response, error) {
		switch {
		case strings.HasSuffix(req.Path, "/reschedule"):
			return needsFallback()
		case req.Method == http.MethodGet && req.Path == "/bookings/orig-uid":
			return ok(`{"data":{"uid":"orig-uid","eventTypeId":7,"start":"2026-03-04T14:00:00Z","end":"2026-03-04T14:15:00Z","status":"accepted"}}`)
		case strings.HasSuffix(req.Path, "/cancel"):
			return nil, &calcom.APIError{StatusCode: http.StatusInternalServerError}
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.Path)
		return nil, nil
	}}
	svc, r := newTestService(t, client, Options{})

	newStart := time.Date(2026, 3, 5, 14, 0, 0, 0, r.Location())
	_, err := svc.Reschedule(context.Background(), "orig-uid", newStart, "")
	if err == nil {
		t.Fatalf("expected error")
	}
	var pErr *PartialRescheduleError
	if errors.As(err, &pErr) {
		t.Fatalf("cancel failure must not report a partial reschedule: %v", err)
	}
	if got := client.count(http.MethodPost, "/bookings"); got != 0 {
		t.Fatalf("create calls = %d, want 0 after failed cancel", got)
	}
}
