// Package notify emits domain events to interested listeners. Delivery is
// fire-and-forget: the money paths never block on, or fail because of, a
// notification.
package notify

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/creatorpay/creatorpay/internal/approval"
	"github.com/creatorpay/creatorpay/internal/dispute"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/session"
)

// Event is one domain event.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Data       map[string]any `json:"data"`
}

// Event types.
const (
	EventSessionCompleted     = "session.completed"
	EventSessionAutoConfirmed = "session.auto_confirmed"
	EventDisputeOpened        = "dispute.opened"
	EventDisputeResolved      = "dispute.resolved"
	EventApprovalExecuted     = "approval.executed"
	EventPayoutReleased       = "payout.released"
)

// Sink delivers events somewhere. Implementations may fail; the emitter
// logs and moves on.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "creatorpay",
			Name:      "notify_events_total",
			Help:      "Total domain events emitted by type.",
		},
		[]string{"type"},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "creatorpay",
			Name:      "notify_delivery_failures_total",
			Help:      "Event deliveries that returned an error.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, deliveryFailures)
}

// Emitter fans events out to a sink with a short timeout.
type Emitter struct {
	sink    Sink
	timeout time.Duration
}

var (
	_ session.Notifier  = (*Emitter)(nil)
	_ dispute.Notifier  = (*Emitter)(nil)
	_ approval.Notifier = (*Emitter)(nil)
	_ payout.Notifier   = (*Emitter)(nil)
)

// New creates an emitter delivering to the given sink. A nil sink drops all
// events after counting them.
func New(sink Sink) *Emitter {
	return &Emitter{sink: sink, timeout: 5 * time.Second}
}

func (e *Emitter) SessionCompleted(ctx context.Context, s *session.Session) {
	e.emit(ctx, EventSessionCompleted, map[string]any{
		"sessionId":   s.ID,
		"buyerId":     s.BuyerID,
		"sellerId":    s.SellerID,
		"amountCents": s.AmountCents(),
	})
}

func (e *Emitter) SessionAutoConfirmed(ctx context.Context, sessionID string) {
	e.emit(ctx, EventSessionAutoConfirmed, map[string]any{"sessionId": sessionID})
}

func (e *Emitter) DisputeOpened(ctx context.Context, r *dispute.RefundRequest) {
	e.emit(ctx, EventDisputeOpened, map[string]any{
		"refundId":    r.ID,
		"sessionId":   r.SessionID,
		"amountCents": r.AmountCents,
	})
}

func (e *Emitter) DisputeResolved(ctx context.Context, r *dispute.RefundRequest) {
	e.emit(ctx, EventDisputeResolved, map[string]any{
		"refundId":    r.ID,
		"sessionId":   r.SessionID,
		"status":      r.Status,
		"amountCents": r.AmountCents,
	})
}

func (e *Emitter) ApprovalExecuted(ctx context.Context, approvalID, txSignature string, amountCents int64) {
	e.emit(ctx, EventApprovalExecuted, map[string]any{
		"approvalId":  approvalID,
		"txSignature": txSignature,
		"amountCents": amountCents,
	})
}

func (e *Emitter) PayoutReleased(ctx context.Context, entryID string, amountCents int64, trigger string) {
	e.emit(ctx, EventPayoutReleased, map[string]any{
		"entryId":     entryID,
		"amountCents": amountCents,
		"trigger":     trigger,
	})
}

func (e *Emitter) emit(ctx context.Context, eventType string, data map[string]any) {
	eventsTotal.WithLabelValues(eventType).Inc()
	if e.sink == nil {
		return
	}
	event := Event{Type: eventType, OccurredAt: time.Now().UTC(), Data: data}

	// Detach from the request context so cancellation upstream does not
	// abort delivery mid-flight.
	logger := logging.L(ctx)
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.sink.Deliver(dctx, event); err != nil {
			deliveryFailures.Inc()
			logger.Warn("event delivery failed", "type", eventType, "error", err)
		}
	}()
}

// LogSink writes events to the log. The default sink in dev and demo mode.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, e Event) error {
	logging.L(ctx).Info("event", "type", e.Type, "data", e.Data)
	return nil
}
