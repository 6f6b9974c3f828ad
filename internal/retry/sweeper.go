// Package retry re-submits failed events and recovers work lost to a crash.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// startupLimit bounds how many orphaned PENDING rows are re-submitted at boot.
const startupLimit = 10000

// Submitter schedules persisted PENDING events.
type Submitter interface {
	Submit(ctx context.Context, ev *domain.WebhookEvent) bool
	SubmitTo(ctx context.Context, p domain.Priority, ev *domain.WebhookEvent) bool
}

// Report summarises one sweep.
type Report struct {
	Retried     int   `json:"retried"`
	Interrupted int64 `json:"interrupted"`
	Orphans     int   `json:"orphans"`
	Exhausted   int64 `json:"exhausted"`
}

type Sweeper struct {
	cfg    config.Queue
	store  store.EventStore
	queue  Submitter
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	backlog map[string]struct{}
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func New(cfg config.Queue, st store.EventStore, q Submitter, logger *logging.Logger, opts ...Option) *Sweeper {
	cfg.MaxRetries = domain.RetryBudget(cfg.MaxRetries)
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	s := &Sweeper{
		cfg:     cfg,
		store:   st,
		queue:   q,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		backlog: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify records a failed event that still has retry budget. The queue calls
// it from its workers.
func (s *Sweeper) Notify(ev *domain.WebhookEvent) {
	s.mu.Lock()
	s.backlog[ev.ID] = struct{}{}
	s.mu.Unlock()
}

// Backlog is the number of failed events waiting for the next sweep.
func (s *Sweeper) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

func (s *Sweeper) forget(id string) {
	s.mu.Lock()
	delete(s.backlog, id)
	s.mu.Unlock()
}

// Sweep runs one retry pass: interrupted rows are failed, retryable rows are
// moved back to PENDING and re-submitted to the normal lane, and PENDING rows
// nobody is working on are re-submitted to their own lane.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "retry.sweep")
	defer span.End()

	stale := s.now().Add(-s.cfg.StaleAfter)
	var rep Report

	n, err := s.store.FailInterrupted(ctx, stale, "interrupted: processing exceeded "+s.cfg.StaleAfter.String())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, fmt.Errorf("fail interrupted: %w", err)
	}
	rep.Interrupted = n

	claimed, err := s.store.ClaimRetries(ctx, s.cfg.MaxRetries, s.cfg.RetryBatchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, fmt.Errorf("claim retries: %w", err)
	}
	retried := make(map[string]struct{}, len(claimed))
	for _, ev := range claimed {
		s.forget(ev.ID)
		retried[ev.ID] = struct{}{}
		metrics.RecordRetry(string(ev.EventType))
		if !s.queue.SubmitTo(ctx, domain.PriorityNormal, ev) {
			continue
		}
		rep.Retried++
		s.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).
			WithEventType(string(ev.EventType)).WithField("retry_count", ev.RetryCount).
			Info("event re-submitted")
	}

	orphans, err := s.resubmitPending(ctx, stale, s.cfg.RetryBatchSize, retried)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, err
	}
	rep.Orphans = orphans

	if rep.Exhausted, err = s.store.CountExhausted(ctx, s.cfg.MaxRetries); err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, fmt.Errorf("count exhausted: %w", err)
	}
	metrics.SetExhausted(rep.Exhausted)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"retried":     rep.Retried,
		"interrupted": rep.Interrupted,
		"orphans":     rep.Orphans,
		"exhausted":   rep.Exhausted,
	}).Info("retry sweep finished")
	return rep, nil
}

// RecoverOnStartup fails rows left PROCESSING by a previous process and
// re-submits every PENDING row, since the in-memory lanes started empty.
func (s *Sweeper) RecoverOnStartup(ctx context.Context) (Report, error) {
	ctx, span := tracing.StartSpan(ctx, "retry.recover")
	defer span.End()

	var rep Report
	n, err := s.store.FailInterrupted(ctx, s.now().Add(-s.cfg.StaleAfter), "interrupted: process restarted")
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, fmt.Errorf("fail interrupted: %w", err)
	}
	rep.Interrupted = n

	if rep.Orphans, err = s.resubmitPending(ctx, s.now(), startupLimit, nil); err != nil {
		tracing.SetSpanError(ctx, err)
		return rep, err
	}
	if rep.Exhausted, err = s.store.CountExhausted(ctx, s.cfg.MaxRetries); err != nil {
		return rep, fmt.Errorf("count exhausted: %w", err)
	}
	metrics.SetExhausted(rep.Exhausted)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"interrupted": rep.Interrupted,
		"orphans":     rep.Orphans,
	}).Info("startup recovery finished")
	return rep, nil
}

func (s *Sweeper) resubmitPending(ctx context.Context, olderThan time.Time, limit int, skip map[string]struct{}) (int, error) {
	pending, err := s.store.ListPending(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	n := 0
	for _, ev := range pending {
		if _, ok := skip[ev.ID]; ok {
			continue
		}
		if s.queue.Submit(ctx, ev) {
			n++
		}
	}
	if n > 0 {
		s.logger.WithContext(ctx).WithField("count", n).Warn("orphaned pending events re-submitted")
	}
	return n, nil
}
