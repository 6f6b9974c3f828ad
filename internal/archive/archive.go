// Package archive moves finished webhook events older than the retention
// window to object storage as JSON lines, one object per tenant and day.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
	"github.com/austindbirch/cart_sentinel/internal/store"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// maxBatches bounds one run; the remainder waits for the next.
const maxBatches = 20

// Result summarises one archive run.
type Result struct {
	Archived int      `json:"archived"`
	Objects  []string `json:"objects,omitempty"`
}

type Archiver struct {
	cfg    config.Archive
	store  store.EventStore
	bucket ObjectStore
	logger *logging.Logger
	now    func() time.Time
	newID  func() string

	retryBudget int
}

type Option func(*Archiver)

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// WithRetryBudget sets the retry count at which a FAILED event is finished
// and may be archived. It must match the queue's budget.
func WithRetryBudget(n int) Option {
	return func(a *Archiver) { a.retryBudget = domain.RetryBudget(n) }
}

func New(cfg config.Archive, st store.EventStore, bucket ObjectStore, logger *logging.Logger, opts ...Option) *Archiver {
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	a := &Archiver{
		cfg:    cfg,
		store:  st,
		bucket: bucket,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,

		retryBudget: domain.MaxRetries,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type group struct {
	tenantID string
	day      time.Time
	events   []*domain.WebhookEvent
}

// Run archives COMPLETED events and exhausted FAILED events created before
// the retention cutoff. Rows are stamped only after their object is written,
// so a failed upload is retried on the next run.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "archive.run")
	defer span.End()

	cutoff := a.now().Add(-a.cfg.Retention)
	var res Result

	for i := 0; i < maxBatches; i++ {
		evs, err := a.store.ListArchivable(ctx, cutoff, a.retryBudget, a.cfg.BatchSize)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return res, fmt.Errorf("list archivable: %w", err)
		}
		if len(evs) == 0 {
			break
		}

		for _, g := range groupEvents(evs) {
			key, err := a.write(ctx, g)
			if err != nil {
				tracing.SetSpanError(ctx, err)
				return res, err
			}
			res.Objects = append(res.Objects, key)
			res.Archived += len(g.events)
			metrics.RecordArchived(len(g.events))
		}
		if len(evs) < a.cfg.BatchSize {
			break
		}
	}

	if res.Archived > 0 {
		a.logger.WithContext(ctx).WithFields(map[string]any{
			"archived": res.Archived,
			"objects":  len(res.Objects),
			"cutoff":   cutoff.Format(time.RFC3339),
		}).Info("webhook events archived")
	}
	return res, nil
}

func (a *Archiver) write(ctx context.Context, g group) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(g.events))
	for _, ev := range g.events {
		if err := enc.Encode(ev); err != nil {
			return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		ids = append(ids, ev.ID)
	}

	key := ObjectKey(a.cfg.Prefix, g.tenantID, g.day, a.newID())
	if err := a.bucket.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", err
	}
	if err := a.store.MarkArchived(ctx, ids, a.now()); err != nil {
		return "", fmt.Errorf("mark archived: %w", err)
	}
	return key, nil
}

// ObjectKey is <prefix>/<tenant>/yyyy/mm/dd/<batch>.jsonl.
func ObjectKey(prefix, tenantID string, day time.Time, batchID string) string {
	return path.Join(prefix, tenantID, day.UTC().Format("2006/01/02"), batchID+".jsonl")
}

func groupEvents(evs []*domain.WebhookEvent) []group {
	byKey := map[string]*group{}
	for _, ev := range evs {
		y, m, d := ev.CreatedAt.UTC().Date()
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		k := ev.TenantID + "|" + day.Format("2006-01-02")
		g, ok := byKey[k]
		if !ok {
			g = &group{tenantID: ev.TenantID, day: day}
			byKey[k] = g
		}
		g.events = append(g.events, ev)
	}

	out := make([]group, 0, len(byKey))
	for _, g := range byKey {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].tenantID != out[j].tenantID {
			return out[i].tenantID < out[j].tenantID
		}
		return out[i].day.Before(out[j].day)
	})
	return out
}
