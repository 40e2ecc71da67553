// Package scheduler runs periodic lifecycle maintenance. Its one job is the
// lease reaper: executing tickets whose lease expired are moved to blocked so
// their WIP slot is freed and an operator can requeue them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/ticketd/internal/lifecycle"
	"github.com/fentz26/ticketd/internal/models"
	"github.com/robfig/cron/v3"
)

// ReaperActor is recorded as the "by" of reclaim transitions.
const ReaperActor = "reaper"

// Engine is the slice of the lifecycle engine the reaper drives.
type Engine interface {
	List(ctx context.Context, filter models.TicketFilter) ([]models.Ticket, error)
	Transition(ctx context.Context, req lifecycle.TransitionRequest) (*models.Ticket, error)
	Leases() *lifecycle.Leases
	Now() time.Time
}

// Scheduler owns the cron runner and sweep bookkeeping.
type Scheduler struct {
	engine Engine
	cron   *cron.Cron
	logger *slog.Logger

	mu        sync.Mutex
	sweeps    int
	reclaimed int
	conflicts int
	lastErr   error
}

// New creates a scheduler. logger may be nil.
func New(engine Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: engine,
		cron:   cron.New(),
		logger: logger,
	}
}

// Register schedules the reaper. schedule is a standard 5-field cron
// expression or a descriptor like "@every 1m".
func (s *Scheduler) Register(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Error("lease sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", schedule, err)
	}
	s.logger.Info("lease reaper registered", "schedule", schedule)
	return nil
}

// Start begins running registered jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts the cron runner and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Sweep reclaims every executing ticket whose lease has expired and returns
// the reclaimed IDs. Tickets that changed underneath the sweep are skipped.
func (s *Scheduler) Sweep(ctx context.Context) ([]string, error) {
	executing, err := s.engine.List(ctx, models.TicketFilter{Status: models.StatusExecuting})
	if err != nil {
		s.finish(0, 0, err)
		return nil, err
	}

	now := s.engine.Now()
	leases := s.engine.Leases()
	var reclaimed []string
	conflicts := 0
	for i := range executing {
		t := &executing[i]
		if !leases.Expired(t, now) {
			continue
		}
		holder := "unknown"
		if t.LeaseHolder != nil {
			holder = *t.LeaseHolder
		}
		_, err := s.engine.Transition(ctx, lifecycle.TransitionRequest{
			ID:     t.ID,
			To:     models.StatusBlocked,
			By:     ReaperActor,
			Reason: fmt.Sprintf("lease expired (holder %s)", holder),
		})
		switch {
		case err == nil:
			reclaimed = append(reclaimed, t.ID)
			s.logger.Info("lease reclaimed", "ticket", t.ID, "holder", holder)
		case errors.Is(err, lifecycle.ErrConflict),
			errors.Is(err, lifecycle.ErrInvalidTransition),
			errors.Is(err, lifecycle.ErrNotFound):
			conflicts++
			s.logger.Warn("lease reclaim skipped", "ticket", t.ID, "error", err)
		default:
			s.finish(len(reclaimed), conflicts, err)
			return reclaimed, err
		}
	}

	s.finish(len(reclaimed), conflicts, nil)
	return reclaimed, nil
}

func (s *Scheduler) finish(reclaimed, conflicts int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	s.reclaimed += reclaimed
	s.conflicts += conflicts
	s.lastErr = err
}

// GetStats returns current scheduler statistics.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastErr := ""
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	return map[string]interface{}{
		"sweeps":     s.sweeps,
		"reclaimed":  s.reclaimed,
		"skipped":    s.conflicts,
		"last_error": lastErr,
	}
}
