// Package calendar edits a plan's calendar sub-document with optimistic
// concurrency: every write presents the version it read, and a writer that
// lost the race re-reads and tries again.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"bakeplan/api/internal/store"
	"bakeplan/api/internal/util"
)

// MaxAttempts bounds the read-modify-write loop.
const MaxAttempts = 3

var (
	ErrInvalidEvent  = errors.New("invalid calendar event")
	ErrEventNotFound = errors.New("calendar event not found")
)

type repository interface {
	GetCalendar(ctx context.Context, planID string) (store.Calendar, error)
	ReplaceCalendar(ctx context.Context, planID string, expectedVersion int64, events []store.CalendarEvent) (store.Calendar, error)
}

type Service struct {
	repo   repository
	now    func() time.Time
	logger *log.Logger
}

func NewService(repo repository, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{repo: repo, now: time.Now, logger: logger}
}

// NewEvent is a calendar entry as submitted by a user. When may be an ISO
// date or a phrase such as "next friday".
type NewEvent struct {
	Title     string
	When      string
	Notes     string
	CreatedBy string
}

func (s *Service) Events(ctx context.Context, planID string) (store.Calendar, error) {
	cal, err := s.repo.GetCalendar(ctx, planID)
	if err != nil {
		return store.Calendar{}, fmt.Errorf("load calendar %s: %w", planID, err)
	}
	return cal, nil
}

// Mutate applies fn to the current events and writes the result, retrying on
// version conflicts. fn may run more than once and must not have side effects.
func (s *Service) Mutate(ctx context.Context, planID string, fn func([]store.CalendarEvent) ([]store.CalendarEvent, error)) (store.Calendar, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		cal, err := s.repo.GetCalendar(ctx, planID)
		if err != nil {
			return store.Calendar{}, fmt.Errorf("load calendar %s: %w", planID, err)
		}
		current := make([]store.CalendarEvent, len(cal.Events))
		copy(current, cal.Events)
		next, err := fn(current)
		if err != nil {
			return store.Calendar{}, err
		}
		updated, err := s.repo.ReplaceCalendar(ctx, planID, cal.Version, next)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return store.Calendar{}, fmt.Errorf("save calendar %s: %w", planID, err)
		}
		lastErr = err
		s.logger.Printf("calendar: version %d of %s is stale (attempt %d)", cal.Version, planID, attempt)
	}
	return store.Calendar{}, fmt.Errorf("save calendar %s after %d attempts: %w", planID, MaxAttempts, lastErr)
}

func (s *Service) AddEvent(ctx context.Context, planID string, in NewEvent) (store.CalendarEvent, store.Calendar, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.CalendarEvent{}, store.Calendar{}, fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	date, err := ParseDate(in.When, s.now())
	if err != nil {
		return store.CalendarEvent{}, store.Calendar{}, err
	}

	event := store.CalendarEvent{
		ID:        util.NewID("evt"),
		Title:     title,
		Date:      date.Format(DateLayout),
		Notes:     strings.TrimSpace(in.Notes),
		CreatedBy: in.CreatedBy,
	}
	cal, err := s.Mutate(ctx, planID, func(events []store.CalendarEvent) ([]store.CalendarEvent, error) {
		events = append(events, event)
		sortEvents(events)
		return events, nil
	})
	if err != nil {
		return store.CalendarEvent{}, store.Calendar{}, err
	}
	return event, cal, nil
}

func (s *Service) RemoveEvent(ctx context.Context, planID, eventID string) (store.Calendar, error) {
	return s.Mutate(ctx, planID, func(events []store.CalendarEvent) ([]store.CalendarEvent, error) {
		for i, event := range events {
			if event.ID == eventID {
				return append(events[:i], events[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	})
}

func sortEvents(events []store.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Date != events[j].Date {
			return events[i].Date < events[j].Date
		}
		return events[i].Title < events[j].Title
	})
}
