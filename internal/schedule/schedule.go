// Package schedule drives the league calendar: transfer windows opening and
// closing, and the submission deadline that triggers auto-assignment.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/config"
)

const tracerName = "github.com/jensholdgaard/gullybot/internal/schedule"

// Job names.
const (
	JobTransferWindowOpen  = "transfer-window-open"
	JobTransferWindowClose = "transfer-window-close"
	JobSubmissionClose     = "submission-close"
)

// Actions are the calendar callbacks. Nil actions are never scheduled.
type Actions struct {
	OpenTransferWindows  func(ctx context.Context) error
	CloseTransferWindows func(ctx context.Context) error
	CloseSubmissions     func(ctx context.Context) error
}

// Scheduler runs the calendar jobs on cron expressions.
type Scheduler struct {
	ctx    context.Context
	sched  gocron.Scheduler
	jobs   map[string]gocron.Job
	logger *slog.Logger
	tracer trace.Tracer
}

// New registers a job for every configured cron expression. ctx is passed
// to the actions; cancel it to abandon running jobs on shutdown.
func New(ctx context.Context, cfg config.ScheduleConfig, actions Actions, logger *slog.Logger, tp trace.TracerProvider) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	s := &Scheduler{
		ctx:    ctx,
		sched:  sched,
		jobs:   make(map[string]gocron.Job),
		logger: logger,
		tracer: tp.Tracer(tracerName),
	}

	specs := []struct {
		name string
		cron string
		fn   func(context.Context) error
	}{
		{JobTransferWindowOpen, cfg.TransferWindowOpen, actions.OpenTransferWindows},
		{JobTransferWindowClose, cfg.TransferWindowClose, actions.CloseTransferWindows},
		{JobSubmissionClose, cfg.SubmissionClose, actions.CloseSubmissions},
	}
	for _, spec := range specs {
		if spec.cron == "" || spec.fn == nil {
			continue
		}
		job, err := sched.NewJob(
			gocron.CronJob(spec.cron, false),
			gocron.NewTask(s.run, spec.name, spec.fn),
			gocron.WithName(spec.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, fmt.Errorf("scheduling %s (%q): %w", spec.name, spec.cron, err)
		}
		s.jobs[spec.name] = job
	}
	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	for _, name := range s.Jobs() {
		next, err := s.jobs[name].NextRun()
		if err != nil {
			continue
		}
		s.logger.InfoContext(s.ctx, "scheduled job",
			slog.String("job", name),
			slog.Time("next_run", next),
		)
	}
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// Jobs returns the names of the registered jobs, sorted.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow triggers a registered job immediately. The job runs asynchronously.
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.RunNow()
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, span := s.tracer.Start(s.ctx, "Scheduler.run",
		trace.WithAttributes(attribute.String("job", name)),
	)
	defer span.End()

	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", name),
			slog.Any("error", err),
		)
		return
	}
	s.logger.InfoContext(ctx, "scheduled job finished",
		slog.String("job", name),
		slog.Duration("took", time.Since(start)),
	)
}
