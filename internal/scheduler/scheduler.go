// Package scheduler runs the periodic jobs: abandonment scans, the retry
// sweep, recovery dispatch, the nightly rollup and archiving.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// Job is one unit of periodic work. Its error is logged; the schedule keeps
// going.
type Job func(ctx context.Context) error

// JobStatus is the last outcome of a job.
type JobStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Runs     int64         `json:"runs"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_error,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
}

type entry struct {
	id     cron.EntryID
	status JobStatus
	run    func()
}

type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger
	ctx    context.Context

	mu   sync.Mutex
	jobs map[string]*entry
}

// cronLogger routes cron's own messages into the service log.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithFields(pairs(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func pairs(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}

// New builds a UTC scheduler. A job still running when its next tick comes
// is skipped for that tick, and a panicking job is recovered.
func New(logger *logging.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{
		cron:   c,
		logger: logger,
		ctx:    context.Background(),
		jobs:   map[string]*entry{},
	}
}

// Add registers job under name. spec is a standard 5-field cron expression
// or a descriptor such as "@every 10m".
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	e := &entry{status: JobStatus{Name: name, Spec: spec}}
	e.run = func() { s.runJob(name, e, job) }

	id, err := s.cron.AddFunc(spec, e.run)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	e.id = id
	s.jobs[name] = e
	return nil
}

func (s *Scheduler) runJob(name string, e *entry, job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, span := tracing.StartSpan(parent, "job."+name)
	defer span.End()

	start := time.Now()
	err := job(ctx)
	took := time.Since(start)

	s.mu.Lock()
	e.status.Runs++
	e.status.LastRun = start.UTC()
	e.status.LastTook = took
	e.status.LastErr = ""
	if err != nil {
		e.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"job":         name,
		"duration_ms": took.Milliseconds(),
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("scheduled job failed")
		return
	}
	log.Debug("scheduled job finished")
}

// RunNow executes a registered job synchronously, outside the schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	e.run()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.status.LastErr != "" {
		return fmt.Errorf("%s: %s", name, e.status.LastErr)
	}
	return nil
}

// Start begins ticking. Jobs see ctx, so cancelling it aborts their work.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.WithFields(map[string]any{"jobs": len(s.jobs)}).Info("scheduler started")
}

// Stop halts the schedule and waits for running jobs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns every job's last outcome, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := e.status
		st.Next = s.cron.Entry(e.id).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
