package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/cart_sentinel/internal/config"
	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/metrics"
)

type job struct {
	ev      *domain.WebhookEvent
	headers map[string]string
}

// lane is one priority class: a bounded backlog drained by a fixed worker
// pool whose starts are throttled by the lane's own rate window.
type lane struct {
	priority domain.Priority
	cfg      config.Lane
	limiter  *rate.Limiter
	jobs     chan job

	queued  atomic.Int64
	running atomic.Int64
	overrun atomic.Int64
}

func newLane(p domain.Priority, cfg config.Lane) *lane {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.IntervalCap <= 0 {
		cfg.IntervalCap = cfg.Concurrency
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}

	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval / time.Duration(cfg.IntervalCap))
	}
	return &lane{
		priority: p,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.IntervalCap),
		jobs:     make(chan job, cfg.Capacity),
	}
}

func (l *lane) name() string { return l.priority.String() }

// offer queues j without blocking. It reports false when the backlog is full.
func (l *lane) offer(j job) bool {
	select {
	case l.jobs <- j:
		l.queued.Add(1)
		l.report()
		return true
	default:
		metrics.RecordLaneOverflow(l.name())
		return false
	}
}

// run starts the lane's workers. They exit when ctx is done; a job already
// taken off the backlog runs to completion.
func (l *lane) run(ctx context.Context, wg *sync.WaitGroup, exec func(*lane, job)) {
	for i := 0; i < l.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-l.jobs:
					l.queued.Add(-1)
					if err := l.limiter.Wait(ctx); err != nil {
						l.report()
						return
					}
					l.running.Add(1)
					l.report()
					exec(l, j)
					l.running.Add(-1)
					l.report()
				}
			}
		}()
	}
}

func (l *lane) report() {
	metrics.UpdateLane(l.name(), int(l.queued.Load()), int(l.running.Load()))
	metrics.SetLaneOverrun(l.name(), int(l.overrun.Load()))
}

func (l *lane) stats() LaneStats {
	return LaneStats{
		Lane:        l.name(),
		Size:        int(l.queued.Load()),
		Pending:     int(l.running.Load()),
		Overrun:     int(l.overrun.Load()),
		Concurrency: l.cfg.Concurrency,
		IntervalCap: l.cfg.IntervalCap,
		Interval:    l.cfg.Interval.String(),
	}
}
