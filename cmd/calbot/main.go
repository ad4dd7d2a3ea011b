package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"calbot/internal/calcom"
	"calbot/internal/config"
	"calbot/internal/domain"
	"calbot/internal/service/bookings"
	"calbot/internal/timeparse"
)

const usage = `Usage: calbot <command> [args]

Commands:
  event-types                     list bookable event types
  slots "<when>" [intent]         show availability for a date
  book "<when>" [intent] [reason] create a booking
  list [status]                   list bookings (status: upcoming|today|this_week|past|cancelled)
  cancel <uid> [reason]           cancel a booking
  reschedule <uid> "<when>"       move a booking to a new time`

func main() {
	_ = godotenv.Load()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).With(
		slog.String("service", "calbot"),
	)
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})).With(
		slog.String("service", "calbot"),
	)
	slog.SetDefault(log)

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	if cfg.CalAPIKey == "" {
		fmt.Fprintln(os.Stderr, "CALCOM_API_KEY is not set")
		os.Exit(1)
	}

	resolver, err := timeparse.NewResolver()
	if err != nil {
		log.Error("resolver init failed", slog.Any("err", err))
		os.Exit(1)
	}

	now := time.Now
	if cfg.PinnedNow != "" {
		pinned, err := resolver.PinnedNow(cfg.PinnedNow)
		if err != nil {
			log.Error("invalid pinned now", slog.Any("err", err), slog.String("pinned_now", cfg.PinnedNow))
			os.Exit(1)
		}
		now = func() time.Time { return pinned }
		log.Info("clock pinned", slog.Time("now", pinned))
	}

	client := calcom.New(cfg.CalAPIKey, cfg.V2BaseURL, cfg.V1BaseURL, log)
	svc := bookings.NewService(client, resolver, log, bookings.Options{
		AttendeeEmail:       cfg.AttendeeEmail,
		AttendeeName:        cfg.AttendeeName,
		OverrideEventTypeID: cfg.EventTypeID,
		Now:                 now,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	app := &app{svc: svc, resolver: resolver, now: now}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "event-types":
		err = app.eventTypes(ctx)
	case "slots":
		err = app.slots(ctx, args)
	case "book":
		err = app.book(ctx, args)
	case "list":
		err = app.list(ctx, args)
	case "cancel":
		err = app.cancelBooking(ctx, args)
	case "reschedule":
		err = app.reschedule(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s\n", command, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

// maxSlotsShown keeps the slot listing conversational instead of dumping a
// whole day's grid.
const maxSlotsShown = 10

type app struct {
	svc      *bookings.Service
	resolver *timeparse.Resolver
	now      func() time.Time
}

func (a *app) eventTypes(ctx context.Context) error {
	types, err := a.svc.EventTypes(ctx)
	if err != nil {
		return err
	}
	for _, et := range types {
		fmt.Printf("%d\t%s (%s, %d min)\n", et.ID, et.Name, et.Slug, et.DurationMinutes)
	}
	return nil
}

func (a *app) pickEventType(ctx context.Context, intent string) (domain.EventType, error) {
	if intent == "" {
		types, err := a.svc.EventTypes(ctx)
		if err != nil {
			return domain.EventType{}, err
		}
		if len(types) == 0 {
			return domain.EventType{}, errors.New("the provider offers no event types")
		}
		return types[0], nil
	}
	return a.svc.FindEventType(ctx, intent)
}

func (a *app) slots(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New(`usage: calbot slots "<when>" [intent]`)
	}
	date, err := a.resolver.Resolve(args[0], a.now())
	if err != nil {
		return err
	}
	et, err := a.pickEventType(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	slots, err := a.svc.Availability(ctx, et.ID, date)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		fmt.Printf("No availability for %s on %s.\n", et.Name, date.Format("2006-01-02"))
		return nil
	}
	shown := slots
	if len(shown) > maxSlotsShown {
		shown = shown[:maxSlotsShown]
	}
	for _, s := range shown {
		fmt.Println(a.resolver.Format(s.Start))
	}
	if len(slots) > len(shown) {
		fmt.Printf("...and %d more\n", len(slots)-len(shown))
	}
	return nil
}

func (a *app) book(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New(`usage: calbot book "<when>" [intent] [reason]`)
	}
	start, err := a.resolver.Resolve(args[0], a.now())
	if err != nil {
		return err
	}
	intent := ""
	reason := ""
	if len(args) > 1 {
		intent = args[1]
	}
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}
	et, err := a.pickEventType(ctx, intent)
	if err != nil {
		return err
	}

	booking, err := a.svc.Create(ctx, et.ID, start, reason)
	if err != nil {
		return err
	}
	fmt.Printf("Booked %s at %s (uid %s)\n", et.Name, a.resolver.Format(booking.Start), booking.UID)
	return nil
}

func (a *app) list(ctx context.Context, args []string) error {
	filter := bookings.Filter{SortByStatus: true}
	if len(args) > 0 {
		filter.Statuses = []domain.Status{domain.Status(args[0])}
		filter.SortByStatus = false
	}

	items, err := a.svc.List(ctx, "", filter)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No bookings found.")
		return nil
	}
	for _, b := range items {
		fmt.Printf("%s\t%-9s\t%s\n", b.UID, b.Status, a.resolver.Format(b.Start))
	}
	return nil
}

func (a *app) cancelBooking(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: calbot cancel <uid> [reason]")
	}
	if err := a.svc.Cancel(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func (a *app) reschedule(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New(`usage: calbot reschedule <uid> "<when>"`)
	}
	newStart, err := a.resolver.Resolve(args[1], a.now())
	if err != nil {
		return err
	}
	booking, err := a.svc.Reschedule(ctx, args[0], newStart, strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("Rescheduled to %s (uid %s)\n", a.resolver.Format(booking.Start), booking.UID)
	return nil
}

// renderError tells the user whether the operation definitely did not
// happen, or which half of a reschedule completed.
func renderError(err error) string {
	var pErr *bookings.PartialRescheduleError
	if errors.As(err, &pErr) {
		return fmt.Sprintf(
			"Your original booking %s was cancelled, but the new booking could not be created (%v). Book a new slot to recover.",
			pErr.OriginalUID, pErr.Err)
	}

	var parseErr *timeparse.ParseError
	if errors.As(err, &parseErr) {
		return fmt.Sprintf("I couldn't understand that date/time (%v). Try e.g. \"tomorrow 2pm\" or \"2026-03-05T14:00\".", err)
	}

	var vErr *bookings.ValidationError
	if errors.As(err, &vErr) {
		return "Nothing was booked: " + vErr.Error()
	}

	var nfErr *bookings.NotFoundError
	if errors.As(err, &nfErr) {
		return "Nothing matched: " + nfErr.Error()
	}

	if errors.Is(err, bookings.ErrConflict) {
		return "That slot conflicts with an existing booking; nothing was changed."
	}

	var normErr *calcom.NormalizationError
	if errors.As(err, &normErr) {
		return "The provider returned an unexpected response shape: " + normErr.Error()
	}

	return "Operation failed: " + err.Error()
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
