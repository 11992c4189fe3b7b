// Package scheduler starts workflow executions on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stateflow/internal/logging"
	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/pkg/schema"
)

// Launcher starts one execution of a workflow and returns its ID.
// The engine satisfies it through LauncherFunc (avoids an import cycle).
type Launcher interface {
	Launch(ctx context.Context, workflowID string, input json.RawMessage) (string, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, workflowID string, input json.RawMessage) (string, error)

func (f LauncherFunc) Launch(ctx context.Context, workflowID string, input json.RawMessage) (string, error) {
	return f(ctx, workflowID, input)
}

// Run statuses recorded on a job after each trigger.
const (
	RunStatusStarted = "started"
	RunStatusError   = "error"
)

// DefaultInterval is how often the scheduler polls for due jobs.
const DefaultInterval = 60 * time.Second

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source used to decide which jobs are due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due scheduled jobs and starts them.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently being triggered (dedup)
}

// NewScheduler creates a new Scheduler. Cron expressions use the standard
// five fields (minute hour day-of-month month day-of-week) plus descriptors
// such as @hourly.
func NewScheduler(s store.Store, launcher Launcher, logger *slog.Logger, opts ...Option) *Scheduler {
	sched := &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.OrDefault(logger),
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// JobSpec describes a schedule to create.
type JobSpec struct {
	WorkflowID     string          `json:"workflow_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"`
}

// Create validates the cron expression and stores a job due at its next
// activation.
func (s *Scheduler) Create(ctx context.Context, spec JobSpec) (*store.ScheduledJob, error) {
	next, err := s.CalculateNextRun(spec.CronExpression, s.now())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if len(spec.Input) > 0 && !json.Valid(spec.Input) {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule input is not valid JSON")
	}
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     spec.WorkflowID,
		CronExpression: spec.CronExpression,
		Input:          spec.Input,
		Enabled:        !spec.Disabled,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(logging.WithWorkflowID(ctx, job.WorkflowID), "schedule created",
		slog.String("job_id", job.ID),
		slog.String("cron", job.CronExpression),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// List returns scheduled jobs matching filter.
func (s *Scheduler) List(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, filter)
}

// Delete removes a scheduled job.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job whose next_run_at has passed.
func (s *Scheduler) tick(ctx context.Context) {
	s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt == nil || !job.NextRunAt.After(now)
	})
}

// runDue triggers the enabled jobs selected by due and returns how many
// were triggered.
func (s *Scheduler) runDue(ctx context.Context, due func(*store.ScheduledJob, time.Time) bool) int {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	ran := 0
	for _, job := range jobs {
		if !due(job, now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already being triggered (dedup)
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ran++
		}
		s.releaseJob(job.ID)
	}
	return ran
}

// runJob starts an execution for the job and advances its timestamps.
// The execution itself runs asynchronously on the engine.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	ctx = logging.WithWorkflowID(ctx, job.WorkflowID)
	execID, err := s.launcher.Launch(ctx, job.WorkflowID, job.Input)
	status := RunStatusStarted
	if err != nil {
		status = RunStatusError
		s.logger.ErrorContext(ctx, "scheduled execution failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.InfoContext(logging.WithExecutionID(ctx, execID), "scheduled execution started",
			slog.String("job_id", job.ID),
		)
	}
	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts, once, every job whose next_run_at passed while the
// process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	recovered := s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt != nil && job.NextRunAt.Before(now)
	})
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
