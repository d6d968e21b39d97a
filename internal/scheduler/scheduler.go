// Package scheduler fires the weekly "open course" triggers. Each course
// gets one goroutine that sleeps until the next configured weekday+time,
// opens the course through the engine's serialized mutation path, and then
// waits for the following week. Triggers missed while the process was down
// are not replayed: the next occurrence is the next actionable one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/engine"
	"github.com/stemsi/regbot/internal/model"
)

// Opener is the engine surface the scheduler drives.
type Opener interface {
	ScheduledOpen(groupID int64, courseID string) error
}

// Scheduler owns one timer goroutine per scheduled course.
type Scheduler struct {
	opener Opener
	loc    *time.Location
	log    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Scheduler evaluating schedules in loc.
func New(opener Opener, loc *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		opener:  opener,
		loc:     loc,
		log:     log.With().Str("component", "scheduler").Logger(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start registers a trigger for every given course. Call once at startup
// with the configured course set.
func (s *Scheduler) Start(ctx context.Context, courses []model.Course) {
	for _, c := range courses {
		s.Schedule(ctx, c)
	}
}

// Schedule registers (or replaces) the trigger for one course. Used at
// startup and after admin_add_course.
func (s *Scheduler) Schedule(ctx context.Context, course model.Course) {
	if err := course.Schedule.Validate(); err != nil {
		s.log.Warn().
			Err(err).
			Int64("group_id", course.GroupID).
			Str("course_id", course.ID).
			Msg("Unschedulable course")
		return
	}

	key := courseKey(course.GroupID, course.ID)
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.cancels[key]; ok {
		prev()
	}
	s.cancels[key] = cancel
	s.mu.Unlock()

	go s.run(runCtx, course)
}

// Cancel stops the trigger for one course. Used after admin_remove_course.
func (s *Scheduler) Cancel(groupID int64, courseID string) {
	key := courseKey(groupID, courseID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[key]; ok {
		cancel()
		delete(s.cancels, key)
	}
}

func (s *Scheduler) run(ctx context.Context, course model.Course) {
	log := s.log.With().
		Int64("group_id", course.GroupID).
		Str("course_id", course.ID).
		Logger()

	for {
		next, err := course.Schedule.NextOccurrence(time.Now(), s.loc)
		if err != nil {
			log.Error().Err(err).Msg("Schedule became unusable, trigger stopped")
			return
		}
		log.Info().Time("next", next).Str("schedule", course.Schedule.String()).Msg("Trigger armed")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug().Msg("Trigger cancelled")
			return
		case <-timer.C:
		}

		switch err := s.opener.ScheduledOpen(course.GroupID, course.ID); {
		case errors.Is(err, engine.ErrUnknownCourse):
			// Course was removed between arming and firing.
			log.Info().Msg("Course gone, trigger stopped")
			s.Cancel(course.GroupID, course.ID)
			return
		case err != nil:
			// Persist failure: leave the flag to the next weekly occurrence
			// or a manual admin_open, matching the no-catch-up policy.
			log.Error().Err(err).Msg("Scheduled open failed")
		default:
			log.Info().Msg("Course opened on schedule")
		}
	}
}

func courseKey(groupID int64, courseID string) string {
	return fmt.Sprintf("%d:%s", groupID, courseID)
}
