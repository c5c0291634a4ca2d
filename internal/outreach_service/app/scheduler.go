package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/platform/clock"
)

// JobHandler executes a claimed job.
type JobHandler interface {
	HandleJob(ctx context.Context, job *domain.Job) error
}

// ScheduledLister lists suggestions by state; used by Recover.
type ScheduledLister interface {
	ListByState(ctx context.Context, states ...domain.State) ([]*domain.Suggestion, error)
}

// SchedulerConfig holds configuration specific to the Scheduler.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Scheduler owns job status. Jobs fire at most once: a tick claims a job
// with a pending->fired compare-and-set before dispatching it, and Cancel
// uses pending->canceled, so exactly one of the two wins.
type Scheduler struct {
	jobs        domain.JobRepository
	suggestions ScheduledLister
	handler     JobHandler
	clock       clock.Clock
	logger      *slog.Logger
	cfg         SchedulerConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(jobs domain.JobRepository, suggestions ScheduledLister, clk clock.Clock, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Scheduler{
		jobs:        jobs,
		suggestions: suggestions,
		clock:       clk,
		logger:      logger.With("component", "scheduler"),
		cfg:         cfg,
	}
}

// SetHandler installs the dispatcher for claimed jobs. Must be called
// before Start.
func (s *Scheduler) SetHandler(h JobHandler) {
	s.handler = h
}

// Enqueue creates a pending job for the suggestion.
func (s *Scheduler) Enqueue(ctx context.Context, suggestionID uuid.UUID, fireAt time.Time, attempt int) (*domain.Job, error) {
	job := domain.NewJob(suggestionID, fireAt, attempt, s.clock.Now())
	if err := s.jobs.Insert(ctx, job); err != nil {
		s.logger.ErrorContext(ctx, "Failed to enqueue job", "error", err, "suggestion_id", suggestionID, "attempt", attempt)
		return nil, fmt.Errorf("enqueue job for suggestion %s: %w", suggestionID, err)
	}
	s.logger.InfoContext(ctx, "Job enqueued", "job_id", job.ID, "suggestion_id", suggestionID, "fire_at", fireAt, "attempt", attempt)
	return job, nil
}

// Cancel stops a job from firing and returns the status it ended in.
// Canceling a fired or already-canceled job is not an error; a missing job
// reports canceled.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) (domain.JobStatus, error) {
	err := s.jobs.Transition(ctx, jobID, domain.JobPending, domain.JobCanceled, "", s.clock.Now())
	switch {
	case err == nil:
		jobsCanceledCounter.WithLabelValues(string(domain.JobCanceled)).Inc()
		s.logger.InfoContext(ctx, "Job canceled", "job_id", jobID)
		return domain.JobCanceled, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.JobCanceled, nil
	case errors.Is(err, domain.ErrConcurrentModification):
		job, getErr := s.jobs.GetByID(ctx, jobID)
		if errors.Is(getErr, domain.ErrNotFound) {
			return domain.JobCanceled, nil
		}
		if getErr != nil {
			return "", fmt.Errorf("cancel job %s: %w", jobID, getErr)
		}
		jobsCanceledCounter.WithLabelValues(string(job.Status)).Inc()
		s.logger.InfoContext(ctx, "Cancel found job already settled", "job_id", jobID, "status", job.Status)
		return job.Status, nil
	default:
		return "", fmt.Errorf("cancel job %s: %w", jobID, err)
	}
}

// Purge removes every job of a suggestion.
func (s *Scheduler) Purge(ctx context.Context, suggestionID uuid.UUID) (int64, error) {
	n, err := s.jobs.DeleteBySuggestion(ctx, suggestionID)
	if err != nil {
		return 0, fmt.Errorf("purge jobs of suggestion %s: %w", suggestionID, err)
	}
	return n, nil
}

// Jobs returns every job of a suggestion ordered by attempt.
func (s *Scheduler) Jobs(ctx context.Context, suggestionID uuid.UUID) ([]*domain.Job, error) {
	return s.jobs.ListBySuggestion(ctx, suggestionID)
}

// PollDue lazily yields pending jobs due at now, ordered by (fire_at, id).
// Pages of BatchSize are read with keyset pagination; the sequence ends
// after the first short page, so one call is always finite. Breaking out
// early and calling again resumes from the start of the index.
func (s *Scheduler) PollDue(ctx context.Context, now time.Time) iter.Seq2[*domain.Job, error] {
	return func(yield func(*domain.Job, error) bool) {
		var cursor *domain.JobCursor
		for {
			page, err := s.jobs.ListDue(ctx, now, cursor, s.cfg.BatchSize)
			if err != nil {
				yield(nil, fmt.Errorf("list due jobs: %w", err))
				return
			}
			for _, job := range page {
				if !yield(job, nil) {
					return
				}
			}
			if len(page) < s.cfg.BatchSize {
				return
			}
			last := page[len(page)-1]
			cursor = &domain.JobCursor{FireAt: last.FireAt, ID: last.ID}
		}
	}
}

// Claim moves a job from pending to fired. It reports false when the job
// was canceled, fired or deleted by someone else.
func (s *Scheduler) Claim(ctx context.Context, job *domain.Job) (bool, error) {
	now := s.clock.Now()
	err := s.jobs.Transition(ctx, job.ID, domain.JobPending, domain.JobFired, "", now)
	if errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrNotFound) {
		jobsFiredCounter.WithLabelValues("lost_claim").Inc()
		s.logger.InfoContext(ctx, "Job claim lost", "job_id", job.ID, "suggestion_id", job.SuggestionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	job.Status = domain.JobFired
	job.UpdatedAt = now
	jobsFiredCounter.WithLabelValues("claimed").Inc()
	return true, nil
}

// Tick claims and dispatches every job due now. It returns the number of
// jobs dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock.Now()
	dispatched := 0
	for job, err := range s.PollDue(ctx, now) {
		if err != nil {
			s.logger.ErrorContext(ctx, "Polling due jobs failed", "error", err)
			return dispatched, err
		}
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		claimed, err := s.Claim(ctx, job)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to claim job", "error", err, "job_id", job.ID)
			continue
		}
		if !claimed {
			continue
		}
		dispatched++
		s.dispatch(ctx, job)
	}
	if dispatched > 0 {
		s.logger.InfoContext(ctx, "Scheduler tick dispatched jobs", "count", dispatched)
	}
	return dispatched, nil
}

// Recover re-dispatches suggestions left scheduled on a job that is no
// longer pending, e.g. claimed before a crash but never completed. Overdue
// pending jobs need no recovery; the next tick fires them.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	scheduled, err := s.suggestions.ListByState(ctx, domain.StateScheduled)
	if err != nil {
		return 0, fmt.Errorf("list scheduled suggestions: %w", err)
	}
	recovered := 0
	for _, sg := range scheduled {
		if sg.JobID == nil {
			s.logger.WarnContext(ctx, "Scheduled suggestion without job", "suggestion_id", sg.ID)
			continue
		}
		job, err := s.jobs.GetByID(ctx, *sg.JobID)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to load job during recovery", "error", err, "job_id", *sg.JobID)
			continue
		}
		if job.Status == domain.JobPending {
			continue
		}
		s.logger.InfoContext(ctx, "Recovering interrupted job", "job_id", job.ID, "suggestion_id", sg.ID, "status", job.Status)
		recovered++
		s.dispatch(ctx, job)
	}
	return recovered, nil
}

// Run recovers interrupted work and then ticks every PollInterval until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Scheduler started", "poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)
	if n, err := s.Recover(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Recovery failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "Recovered interrupted jobs", "count", n)
	}

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
			}
		}
	}
}

// Start runs the scheduler in the background until Stop is called or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.Run(runCtx)
	}()
	return nil
}

// Stop halts a started scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) dispatch(ctx context.Context, job *domain.Job) {
	if s.handler == nil {
		s.logger.WarnContext(ctx, "No job handler installed; dropping fired job", "job_id", job.ID)
		return
	}
	if err := s.handler.HandleJob(ctx, job); err != nil {
		s.logger.ErrorContext(ctx, "Job handler failed", "error", err, "job_id", job.ID, "suggestion_id", job.SuggestionID)
	}
}
