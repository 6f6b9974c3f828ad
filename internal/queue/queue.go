// Package queue is the priority event queue. Enqueue deduplicates a request,
// persists it as a PENDING WebhookEvent and schedules it on the lane matching
// its priority; lane workers claim the row, run the handler and record the
// outcome on the row.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/dedup"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// Handler processes one claimed event. A nil error completes the event.
type Handler func(ctx context.Context, ev *domain.WebhookEvent) error

// EnqueueRequest is a unit of work offered to the queue.
type EnqueueRequest struct {
	TenantID  string           `json:"tenant_id"`
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
	Priority  domain.Priority  `json:"priority"`
}

// Result reports whether a request was accepted. Duplicates inside the dedup
// window are not accepted and carry no event id.
type Result struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"event_id,omitempty"`
}

// LaneStats is a snapshot of one lane. Pending counts workers busy with an
// event. Overrun counts handlers that hit the processing timeout and are
// still running: their worker has moved on, so the lane can briefly execute
// up to Concurrency+Overrun handlers at once.
type LaneStats struct {
	Lane        string `json:"lane"`
	Size        int    `json:"size"`
	Pending     int    `json:"pending"`
	Overrun     int    `json:"overrun"`
	Concurrency int    `json:"concurrency"`
	IntervalCap int    `json:"interval_cap"`
	Interval    string `json:"interval"`
}

type Stats struct {
	Lanes          []LaneStats `json:"lanes"`
	DedupCacheSize int64       `json:"dedup_cache_size"`
}

type Queue struct {
	cfg    config.Queue
	store  store.EventStore
	cache  dedup.Cache
	logger *logging.Logger
	now    func() time.Time

	handler     Handler
	onRetryable func(*domain.WebhookEvent)
	onTerminal  func(context.Context, *domain.WebhookEvent, error)

	lanes map[domain.Priority]*lane

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetryNotifier is called with every event that failed but still has
// retry budget left.
func WithRetryNotifier(fn func(*domain.WebhookEvent)) Option {
	return func(q *Queue) { q.onRetryable = fn }
}

// WithTerminalHandler is called with every event that failed for good.
func WithTerminalHandler(fn func(context.Context, *domain.WebhookEvent, error)) Option {
	return func(q *Queue) { q.onTerminal = fn }
}

func New(cfg config.Queue, st store.EventStore, cache dedup.Cache, logger *logging.Logger, opts ...Option) *Queue {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	cfg.MaxRetries = domain.RetryBudget(cfg.MaxRetries)
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	q := &Queue{
		cfg:    cfg,
		store:  st,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		lanes: map[domain.Priority]*lane{
			domain.PriorityHigh:   newLane(domain.PriorityHigh, cfg.High),
			domain.PriorityNormal: newLane(domain.PriorityNormal, cfg.Normal),
			domain.PriorityLow:    newLane(domain.PriorityLow, cfg.Low),
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle sets the handler. It must be called before Start.
func (q *Queue) Handle(h Handler) {
	q.handler = h
}

// Start launches the lane workers.
func (q *Queue) Start(ctx context.Context) error {
	if q.handler == nil {
		return errors.New("queue: no handler")
	}
	if !q.started.CompareAndSwap(false, true) {
		return errors.New("queue: already started")
	}

	q.mu.Lock()
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	for _, p := range domain.Priorities {
		q.lanes[p].run(ctx, &q.wg, q.execute)
	}
	q.logger.Plain().WithFields(map[string]any{
		"high":   q.cfg.High.Concurrency,
		"normal": q.cfg.Normal.Concurrency,
		"low":    q.cfg.Low.Concurrency,
	}).Info("priority queue started")
	return nil
}

// Stop stops taking work and waits for in-flight events until ctx is done.
// Backlogged events stay PENDING and are picked up by orphan recovery.
func (q *Queue) Stop(ctx context.Context) error {
	if !q.stopped.CompareAndSwap(false, true) {
		return nil
	}
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Plain().Info("priority queue stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue stop: %w", ctx.Err())
	}
}

// Enqueue deduplicates, persists and schedules a request.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.enqueue",
		tracing.EventAttributes(req.TenantID, "", string(req.EventType))...)
	defer span.End()

	if req.Priority == 0 {
		req.Priority = domain.PriorityNormal
	}
	if err := validate(req); err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	key := domain.DedupKey(req.EventType, req.TenantID, req.Payload)
	fresh, err := q.cache.Claim(ctx, key, q.cfg.DedupTTL)
	if err != nil {
		// fail open
		q.logger.WithContext(ctx).WithTenant(req.TenantID).WithError(err).Warn("dedup cache unavailable")
		fresh = true
	}
	if !fresh {
		metrics.RecordDedupHit(string(req.EventType))
		tracing.AddSpanEvent(ctx, "queue.duplicate")
		q.logger.WithContext(ctx).WithTenant(req.TenantID).WithEventType(string(req.EventType)).
			WithField("dedup_key", key).Debug("duplicate enqueue ignored")
		return Result{Accepted: false}, nil
	}

	ev := &domain.WebhookEvent{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		EventType: req.EventType,
		Payload:   req.Payload,
		Status:    domain.StatusPending,
		Priority:  req.Priority,
		DedupKey:  key,
		CreatedAt: q.now(),
	}
	span.SetAttributes(tracing.AttrEventID.String(ev.ID), tracing.AttrPriority.String(ev.Priority.String()))

	if err := q.store.InsertEvent(ctx, ev); err != nil {
		if rerr := q.cache.Release(ctx, key); rerr != nil {
			q.logger.WithContext(ctx).WithError(rerr).Warn("dedup release failed")
		}
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("persist event: %w", err)
	}
	metrics.RecordEnqueued(string(ev.EventType), ev.Priority.String())

	q.submit(ctx, ev)
	return Result{Accepted: true, EventID: ev.ID}, nil
}

func validate(req EnqueueRequest) error {
	switch {
	case req.TenantID == "":
		return fmt.Errorf("tenant_id is required: %w", domain.ErrValidation)
	case req.EventType == "":
		return fmt.Errorf("event_type is required: %w", domain.ErrValidation)
	case !req.Priority.Valid():
		return fmt.Errorf("priority %d: %w", req.Priority, domain.ErrValidation)
	case len(req.Payload) == 0 || !json.Valid(req.Payload):
		return fmt.Errorf("payload must be valid JSON: %w", domain.ErrValidation)
	}
	return nil
}

// Submit schedules an already persisted PENDING event on its own lane.
func (q *Queue) Submit(ctx context.Context, ev *domain.WebhookEvent) bool {
	return q.submit(ctx, ev)
}

// SubmitTo schedules ev on the lane of priority p regardless of its own.
func (q *Queue) SubmitTo(ctx context.Context, p domain.Priority, ev *domain.WebhookEvent) bool {
	l, ok := q.lanes[p]
	if !ok {
		return false
	}
	return q.offer(ctx, l, ev)
}

func (q *Queue) submit(ctx context.Context, ev *domain.WebhookEvent) bool {
	l, ok := q.lanes[ev.Priority]
	if !ok {
		l = q.lanes[domain.PriorityNormal]
	}
	return q.offer(ctx, l, ev)
}

func (q *Queue) offer(ctx context.Context, l *lane, ev *domain.WebhookEvent) bool {
	if q.stopped.Load() {
		return false
	}
	if !l.offer(job{ev: ev, headers: tracing.InjectHeaders(ctx)}) {
		q.logger.WithContext(ctx).WithEvent(ev.ID).WithLane(l.name()).
			Warn("lane backlog full, event left PENDING for orphan recovery")
		return false
	}
	return true
}

// execute runs one job on a lane worker.
func (q *Queue) execute(l *lane, j job) {
	ev := j.ev
	ctx := tracing.ExtractHeaders(context.Background(), j.headers)
	ctx, span := tracing.StartSpan(ctx, "queue.process",
		tracing.EventAttributes(ev.TenantID, ev.ID, string(ev.EventType))...)
	defer span.End()
	span.SetAttributes(tracing.AttrPriority.String(l.name()))

	log := q.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).
		WithEventType(string(ev.EventType)).WithLane(l.name())

	claimed, err := q.store.ClaimEvent(ctx, ev.ID, q.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("claim event failed")
		return
	}
	if !claimed {
		metrics.RecordProcessed(string(ev.EventType), l.name(), "skipped", 0)
		log.Debug("event no longer pending, skipped")
		return
	}
	ev.Status = domain.StatusProcessing

	start := time.Now()
	perr := q.invoke(ctx, l, ev)
	elapsed := time.Since(start)

	if perr == nil {
		if err := q.store.CompleteEvent(ctx, ev.ID, q.now()); err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("complete event failed")
			return
		}
		metrics.RecordProcessed(string(ev.EventType), l.name(), "completed", elapsed)
		log.WithField("duration_ms", elapsed.Milliseconds()).Debug("event completed")
		return
	}

	tracing.SetSpanError(ctx, perr)
	metrics.RecordProcessed(string(ev.EventType), l.name(), "failed", elapsed)

	failed, err := q.store.FailEvent(ctx, ev.ID, perr.Error())
	if err != nil {
		log.WithError(err).Error("fail event failed")
		return
	}

	if failed.CanRetry(q.cfg.MaxRetries) {
		log.WithError(perr).WithField("retry_count", failed.RetryCount).Warn("event failed, queued for retry")
		if q.onRetryable != nil {
			q.onRetryable(failed)
		}
		return
	}

	metrics.RecordExhausted(string(ev.EventType))
	log.WithError(perr).WithField("retry_count", failed.RetryCount).Error("event failed permanently")
	if q.onTerminal != nil {
		q.onTerminal(ctx, failed, perr)
	}
}

// invoke runs the handler under the processing timeout. A timeout or a
// panic counts as a failure. A timed out handler keeps running in the
// background until it notices ctx and is counted as lane overrun meanwhile.
func (q *Queue) invoke(ctx context.Context, l *lane, ev *domain.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.ProcessTimeout)
	defer cancel()

	const (
		running int32 = iota
		finished
		abandoned
	)
	var state atomic.Int32

	done := make(chan error, 1)
	go func() {
		defer func() {
			if !state.CompareAndSwap(running, finished) {
				l.overrun.Add(-1)
				l.report()
			}
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("processor panic: %v", r)
			}
		}()
		done <- q.handler(ctx, ev)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		if state.CompareAndSwap(running, abandoned) {
			l.overrun.Add(1)
			l.report()
		}
		err = fmt.Errorf("processing timed out after %s: %w", q.cfg.ProcessTimeout, ctx.Err())
	}
	if err == nil {
		return nil
	}
	return &domain.ProcessingError{
		EventID:   ev.ID,
		EventType: ev.EventType,
		Attempt:   ev.RetryCount + 1,
		Permanent: domain.IsPermanent(err),
		Err:       err,
	}
}

// Stats reports the in-memory state of the lanes and the dedup cache.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Lanes: make([]LaneStats, 0, len(domain.Priorities))}
	for _, p := range domain.Priorities {
		st.Lanes = append(st.Lanes, q.lanes[p].stats())
	}
	size, err := q.cache.Size(ctx)
	if err != nil {
		return st, fmt.Errorf("dedup cache size: %w", err)
	}
	st.DedupCacheSize = size
	return st, nil
}
