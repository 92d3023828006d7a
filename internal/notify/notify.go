// Package notify delivers user notifications on lifecycle transitions.
//
// Delivery is fire-and-forget: Send returns immediately, the transport runs
// on its own goroutine with a detached context, and failures are logged and
// counted but never reported to the caller. A committed state transition is
// never reported as failed because a notification could not be sent.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/carebid/internal/idgen"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/retry"
)

// Kind classifies a notification.
type Kind string

const (
	KindOfferReceived    Kind = "offer_received"
	KindOfferAccepted    Kind = "offer_accepted"
	KindOfferRejected    Kind = "offer_rejected"
	KindOfferWithdrawn   Kind = "offer_withdrawn"
	KindServiceStarted   Kind = "service_started"
	KindServiceCompleted Kind = "service_completed"
	KindPaymentReserved  Kind = "payment_reserved"
	KindPaymentFailed    Kind = "payment_failed"
	KindPaymentCanceled  Kind = "payment_canceled"
	KindPaymentReleased  Kind = "payment_released"
	KindRequestCancelled Kind = "request_cancelled"
	KindReviewReceived   Kind = "review_received"
)

// Notification is one message to one user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transport delivers a notification somewhere.
type Transport interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher sends notifications asynchronously through a Transport.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	attempts  int
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(t Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		logger:    logger,
		timeout:   30 * time.Second,
		attempts:  3,
	}
}

// Send queues a notification. It never blocks on delivery and never fails.
func (d *Dispatcher) Send(ctx context.Context, userID string, kind Kind, title, message string) {
	if d == nil || d.transport == nil || userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	// The request context ends with the HTTP response; delivery must outlive it.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsTotal.WithLabelValues("panic").Inc()
				d.logger.Error("notification transport panicked", "kind", kind, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		err := retry.Do(ctx, d.attempts, 500*time.Millisecond, func() error {
			return d.transport.Deliver(ctx, n)
		})
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("notification delivery failed",
				"notification_id", n.ID, "kind", kind, "user_id", userID, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	}()
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
