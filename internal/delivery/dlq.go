package delivery

import (
	"fmt"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const DLQType = "webhook_event.dlq"

type DeadLetter struct {
	Type         string              `json:"type"`    // "webhook_event.dlq"
	Version      string              `json:"version"` // schema version
	At           string              `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason       string              `json:"reason"`
	Attempt      int                 `json:"attempt"` // executions so far
	Permanent    bool                `json:"permanent"`
	LastError    string              `json:"last_error,omitempty"`
	Event        domain.WebhookEvent `json:"event"`
	TraceHeaders map[string]string   `json:"trace_headers,omitempty"`
}

func NewDeadLetter(ev *domain.WebhookEvent, cause error, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        at.UTC().Format(time.RFC3339Nano),
		Attempt:   ev.RetryCount + 1,
		LastError: ev.LastError,
		Event:     *ev,
	}
	if cause != nil {
		dl.Permanent = domain.IsPermanent(cause)
		if dl.LastError == "" {
			dl.LastError = cause.Error()
		}
	}
	if dl.Permanent {
		dl.Reason = "permanent failure"
	} else {
		dl.Reason = fmt.Sprintf("retry budget exhausted (%d retries)", ev.RetryCount)
	}
	return dl
}
