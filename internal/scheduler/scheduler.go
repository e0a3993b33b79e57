// Package scheduler runs periodic maintenance for toolgate: audit retention,
// idle rate-limit bucket pruning and anomaly window cleanup.
//
// Jobs only remove state that has aged out. None of them makes a
// mediation decision.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by Trigger for names never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named maintenance task on a cron schedule. Run reports how many
// items it removed.
type Job struct {
	Name     string
	Schedule string // Five-field cron expression or descriptor such as "@daily".
	Run      func(ctx context.Context) (int64, error)
}

// Scheduler fires maintenance jobs on their schedules.
type Scheduler struct {
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	jobs map[string]Job
	next map[string]time.Time
	cron *cron.Cron
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]Job),
		next:    make(map[string]time.Time),
	}
}

// Add registers job. The schedule is parsed here so a bad expression is a
// startup error rather than a silent no-op.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run function")
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", job.Name)
	}
	s.jobs[job.Name] = job
	s.next[job.Name] = sched.Next(time.Now().UTC())
	return nil
}

// Jobs returns the registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.next))
	for name, t := range s.next {
		out[name] = t
	}
	return out
}

// Start schedules every added job and returns a function that stops the
// scheduler and waits for running jobs. Jobs that are still running when
// their next tick arrives are skipped for that tick.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{s.logger}

	s.mu.Lock()
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	for _, job := range s.jobs {
		j := job
		// Schedules were validated in Add.
		_, _ = s.cron.AddFunc(j.Schedule, func() { s.run(ctx, j) })
	}
	c := s.cron
	s.mu.Unlock()

	c.Start()
	s.logger.InfoContext(ctx, "maintenance scheduler started", slog.Int("jobs", len(s.jobs)))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			s.logger.Info("maintenance scheduler stopped")
		})
	}
}

// Trigger runs the named job now, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int64, error) {
	runID := newRunID()
	start := time.Now()

	n, err := job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	if sched, perr := s.parser.Parse(job.Schedule); perr == nil {
		s.next[job.Name] = sched.Next(time.Now().UTC())
	}
	s.mu.Unlock()

	s.metrics.observe(job.Name, n, elapsed, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			slog.String("job", job.Name),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return n, err
	}
	s.logger.InfoContext(ctx, "maintenance job finished",
		slog.String("job", job.Name),
		slog.String("run_id", runID),
		slog.Int64("removed", n),
		slog.Duration("duration", elapsed),
	)
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

func newRunID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
