package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
)

var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

type message struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, message{topic, body})
	return nil
}

func failedEvent(retries int) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID: "ev-1", TenantID: "shop-1", EventType: domain.EventCartAbandoned,
		Payload: json.RawMessage(`{"token":"c1"}`), Status: domain.StatusFailed,
		Priority: domain.PriorityNormal, RetryCount: retries, LastError: "attempt failed",
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func TestNewDeadLetter(t *testing.T) {
	tests := []struct {
		name          string
		event         *domain.WebhookEvent
		cause         error
		wantAttempt   int
		wantPermanent bool
		wantReason    string
		wantLastError string
	}{
		{
			name:          "retry budget exhausted",
			event:         failedEvent(3),
			cause:         errors.New("timeout"),
			wantAttempt:   4,
			wantReason:    "retry budget exhausted (3 retries)",
			wantLastError: "attempt failed",
		},
		{
			name:          "permanent on first attempt",
			event:         failedEvent(0),
			cause:         domain.Permanent(errors.New("bad payload")),
			wantAttempt:   1,
			wantPermanent: true,
			wantReason:    "permanent failure",
			wantLastError: "attempt failed",
		},
		{
			name: "cause fills missing last error",
			event: func() *domain.WebhookEvent {
				ev := failedEvent(3)
				ev.LastError = ""
				return ev
			}(),
			cause:         errors.New("connection reset"),
			wantAttempt:   4,
			wantReason:    "retry budget exhausted (3 retries)",
			wantLastError: "connection reset",
		},
		{
			name:          "no cause",
			event:         failedEvent(3),
			wantAttempt:   4,
			wantReason:    "retry budget exhausted (3 retries)",
			wantLastError: "attempt failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := NewDeadLetter(tt.event, tt.cause, testNow)

			if dl.Type != DLQType || dl.Version != "v1" {
				t.Errorf("Type/Version = %q/%q", dl.Type, dl.Version)
			}
			if dl.At != "2024-06-03T12:00:00Z" {
				t.Errorf("At = %q", dl.At)
			}
			if dl.Attempt != tt.wantAttempt {
				t.Errorf("Attempt = %d, want %d", dl.Attempt, tt.wantAttempt)
			}
			if dl.Permanent != tt.wantPermanent {
				t.Errorf("Permanent = %v, want %v", dl.Permanent, tt.wantPermanent)
			}
			if dl.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", dl.Reason, tt.wantReason)
			}
			if dl.LastError != tt.wantLastError {
				t.Errorf("LastError = %q, want %q", dl.LastError, tt.wantLastError)
			}
			if dl.Event.ID != tt.event.ID {
				t.Errorf("Event.ID = %q", dl.Event.ID)
			}
		})
	}
}

func TestDeadLettersPublish(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDeadLetters(pub, "webhook_events_dlq", logging.NewWithWriter("test", &bytes.Buffer{}))

	d.Handle(context.Background(), failedEvent(3), errors.New("timeout"))

	if len(pub.msgs) != 1 || pub.msgs[0].topic != "webhook_events_dlq" {
		t.Fatalf("messages = %+v", pub.msgs)
	}
	var got DeadLetter
	if err := json.Unmarshal(pub.msgs[0].body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != DLQType || got.Event.ID != "ev-1" || got.Event.TenantID != "shop-1" {
		t.Errorf("envelope = %+v", got)
	}
	if string(got.Event.Payload) != `{"token":"c1"}` {
		t.Errorf("payload = %s", got.Event.Payload)
	}
}

func TestDeadLettersWithoutBroker(t *testing.T) {
	var buf bytes.Buffer
	d := NewDeadLetters(nil, "unused", logging.NewWithWriter("test", &buf))

	d.Handle(context.Background(), failedEvent(3), errors.New("timeout"))

	if !strings.Contains(buf.String(), "event dead-lettered") || !strings.Contains(buf.String(), "ev-1") {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestDeadLettersPublishFailure(t *testing.T) {
	var buf bytes.Buffer
	d := NewDeadLetters(&fakePublisher{err: errors.New("nsqd down")}, "dlq", logging.NewWithWriter("test", &buf))

	d.Handle(context.Background(), failedEvent(3), nil)

	if !strings.Contains(buf.String(), "dlq publish failed") {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestNSQNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNSQNotifier(pub, "recovery_notifications")
	n.now = func() time.Time { return testNow }

	a := &domain.RecoveryAttempt{
		ID: "r-1", TenantID: "shop-1", CartToken: "c1", Stage: domain.StageSecond,
		Email: "a@example.com", CartValue: 120, DueAt: testNow.Add(-time.Minute),
	}
	if err := n.SendRecovery(context.Background(), a); err != nil {
		t.Fatalf("SendRecovery() error = %v", err)
	}

	var got Notification
	if err := json.Unmarshal(pub.msgs[0].body, &got); err != nil {
		t.Fatal(err)
	}
	want := Notification{
		Type: NotificationType, AttemptID: "r-1", TenantID: "shop-1", CartToken: "c1",
		Stage: domain.StageSecond, Email: "a@example.com", CartValue: 120,
		DueAt: "2024-06-03T11:59:00Z", PublishedAt: "2024-06-03T12:00:00Z",
	}
	if got.Type != want.Type || got.AttemptID != want.AttemptID || got.Stage != want.Stage ||
		got.Email != want.Email || got.CartValue != want.CartValue || got.DueAt != want.DueAt || got.PublishedAt != want.PublishedAt {
		t.Errorf("notification = %+v, want %+v", got, want)
	}

	failing := NewNSQNotifier(&fakePublisher{err: errors.New("nsqd down")}, "recovery_notifications")
	if err := failing.SendRecovery(context.Background(), a); err == nil {
		t.Error("SendRecovery() expected error")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logging.NewWithWriter("test", &buf))
	a := &domain.RecoveryAttempt{TenantID: "shop-1", CartToken: "c1", Stage: domain.StageFirst}
	if err := n.SendRecovery(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "first_reminder") {
		t.Errorf("log output = %s", buf.String())
	}
}
