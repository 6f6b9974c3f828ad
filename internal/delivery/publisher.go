package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/cart_sentinel/internal/domain"
	"github.com/austindbirch/cart_sentinel/internal/logging"
	"github.com/austindbirch/cart_sentinel/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NewProducer connects an NSQ producer and checks nsqd is reachable.
func NewProducer(addr string) (*nsq.Producer, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return prod, nil
}

// Notifier sends recovery notifications.
type Notifier interface {
	SendRecovery(ctx context.Context, a *domain.RecoveryAttempt) error
}

// NSQNotifier publishes recovery notifications to a topic.
type NSQNotifier struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewNSQNotifier(pub Publisher, topic string) *NSQNotifier {
	return &NSQNotifier{pub: pub, topic: topic, now: time.Now}
}

func (n *NSQNotifier) SendRecovery(ctx context.Context, a *domain.RecoveryAttempt) error {
	msg := NewNotification(a, n.now(), tracing.InjectHeaders(ctx))
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.pub.Publish(n.topic, b); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_recovery",
		attribute.String("topic", n.topic),
		attribute.String("recovery.stage", string(a.Stage)),
	)
	return nil
}

// LogNotifier only logs. It stands in when no broker is configured.
type LogNotifier struct {
	logger *logging.Logger
}

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendRecovery(ctx context.Context, a *domain.RecoveryAttempt) error {
	n.logger.WithContext(ctx).WithTenant(a.TenantID).WithFields(map[string]any{
		"cart_token": a.CartToken,
		"stage":      string(a.Stage),
		"cart_value": a.CartValue,
	}).Info("recovery notification due")
	return nil
}

// DeadLetters receives events that will not run again.
type DeadLetters struct {
	pub    Publisher // nil disables publishing
	topic  string
	logger *logging.Logger
	now    func() time.Time
}

func NewDeadLetters(pub Publisher, topic string, logger *logging.Logger) *DeadLetters {
	return &DeadLetters{pub: pub, topic: topic, logger: logger, now: time.Now}
}

// Handle is the queue's terminal handler. The row stays FAILED in the store
// whatever happens here.
func (d *DeadLetters) Handle(ctx context.Context, ev *domain.WebhookEvent, cause error) {
	env := NewDeadLetter(ev, cause, d.now())
	log := d.logger.WithContext(ctx).WithTenant(ev.TenantID).WithEvent(ev.ID).WithEventType(string(ev.EventType))

	if d.pub == nil {
		log.WithFields(map[string]any{
			"attempt":    env.Attempt,
			"permanent":  env.Permanent,
			"last_error": env.LastError,
		}).Warn("event dead-lettered")
		return
	}

	env.TraceHeaders = tracing.InjectHeaders(ctx)
	b, err := json.Marshal(env)
	if err != nil {
		log.WithError(err).Error("dlq encode failed")
		return
	}
	if err := d.pub.Publish(d.topic, b); err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	log.WithField("topic", d.topic).Info("dlq published")
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", d.topic))
}
