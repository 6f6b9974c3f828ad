package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_webhooks_received_total",
			Help: "Total number of inbound webhooks by topic and result.",
		},
		[]string{"topic", "result"}, // accepted, duplicate, bad_request, unauthorized, invalid, error
	)

	EventsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_events_enqueued_total",
			Help: "Total number of events persisted and scheduled, by type and lane.",
		},
		[]string{"event_type", "lane"},
	)

	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_dedup_hits_total",
			Help: "Total number of enqueue requests dropped as duplicates.",
		},
		[]string{"event_type"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_events_processed_total",
			Help: "Total number of processor executions by type and outcome.",
		},
		[]string{"event_type", "status"}, // completed, failed, timeout, skipped
	)

	ProcessingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartsentinel_processing_latency_seconds",
			Help:    "Processor execution latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type", "lane"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_retries_total",
			Help: "Total number of failed events re-submitted by the sweeper.",
		},
		[]string{"event_type"},
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_events_exhausted_total",
			Help: "Total number of events that failed after spending the retry budget.",
		},
		[]string{"event_type"},
	)

	ExhaustedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cartsentinel_events_exhausted",
			Help: "Number of terminally failed events currently stored.",
		},
	)

	LaneQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cartsentinel_lane_queued",
			Help: "Events waiting in a lane.",
		},
		[]string{"lane"},
	)

	LaneRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cartsentinel_lane_running",
			Help: "Events currently executing in a lane.",
		},
		[]string{"lane"},
	)

	LaneOverrun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cartsentinel_lane_overrun",
			Help: "Timed out handlers still running after their worker moved on.",
		},
		[]string{"lane"},
	)

	LaneOverflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_lane_overflow_total",
			Help: "Events left PENDING because the lane backlog was full.",
		},
		[]string{"lane"},
	)

	AbandonmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_abandonments_detected_total",
			Help: "Total number of carts and checkouts marked abandoned.",
		},
		[]string{"kind"},
	)

	RaceGuardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_race_guard_total",
			Help: "Abandonment candidates skipped because they changed during the scan.",
		},
		[]string{"kind"},
	)

	DetectorRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartsentinel_detector_run_seconds",
			Help:    "Duration of abandonment detector scans.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_recoveries_total",
			Help: "Recovery notifications by stage and outcome.",
		},
		[]string{"stage", "status"}, // sent, failed
	)

	RollupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartsentinel_rollups_total",
			Help: "Daily rollups written, by outcome.",
		},
		[]string{"status"},
	)

	ArchivedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartsentinel_archived_events_total",
			Help: "Total number of events copied to cold storage.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		EventsEnqueuedTotal,
		DedupHitsTotal,
		EventsProcessedTotal,
		ProcessingLatency,
		RetriesTotal,
		ExhaustedTotal,
		ExhaustedEvents,
		LaneQueued,
		LaneRunning,
		LaneOverrun,
		LaneOverflowTotal,
		AbandonmentsTotal,
		RaceGuardTotal,
		DetectorRunDuration,
		RecoveriesTotal,
		RollupsTotal,
		ArchivedEventsTotal,
	)
}

func RecordWebhook(topic, result string) {
	WebhooksReceivedTotal.WithLabelValues(topic, result).Inc()
}

func RecordEnqueued(eventType, lane string) {
	EventsEnqueuedTotal.WithLabelValues(eventType, lane).Inc()
}

func RecordDedupHit(eventType string) {
	DedupHitsTotal.WithLabelValues(eventType).Inc()
}

func RecordProcessed(eventType, lane, status string, d time.Duration) {
	EventsProcessedTotal.WithLabelValues(eventType, status).Inc()
	if status != "skipped" {
		ProcessingLatency.WithLabelValues(eventType, lane).Observe(d.Seconds())
	}
}

func RecordRetry(eventType string) {
	RetriesTotal.WithLabelValues(eventType).Inc()
}

func RecordExhausted(eventType string) {
	ExhaustedTotal.WithLabelValues(eventType).Inc()
}

func UpdateLane(lane string, queued, running int) {
	LaneQueued.WithLabelValues(lane).Set(float64(queued))
	LaneRunning.WithLabelValues(lane).Set(float64(running))
}

func SetLaneOverrun(lane string, n int) {
	LaneOverrun.WithLabelValues(lane).Set(float64(n))
}

func RecordLaneOverflow(lane string) {
	LaneOverflowTotal.WithLabelValues(lane).Inc()
}

func RecordAbandonment(kind string) {
	AbandonmentsTotal.WithLabelValues(kind).Inc()
}

func RecordRaceGuard(kind string) {
	RaceGuardTotal.WithLabelValues(kind).Inc()
}

func ObserveDetectorRun(kind string, d time.Duration) {
	DetectorRunDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordRecovery(stage, status string) {
	RecoveriesTotal.WithLabelValues(stage, status).Inc()
}

func RecordRollup(status string) {
	RollupsTotal.WithLabelValues(status).Inc()
}

func RecordArchived(n int) {
	ArchivedEventsTotal.Add(float64(n))
}

func SetExhausted(n int64) {
	ExhaustedEvents.Set(float64(n))
}
