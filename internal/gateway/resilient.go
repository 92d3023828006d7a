package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/circuitbreaker"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/retry"
	"github.com/mbd888/carebid/internal/traces"
)

// ResilientConfig tunes the retry and breaker wrapped around a Gateway.
type ResilientConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	CallTimeout      time.Duration
}

// DefaultResilientConfig returns production defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         2 * time.Second,
		BreakerThreshold: 5,
		BreakerOpenFor:   30 * time.Second,
		CallTimeout:      15 * time.Second,
	}
}

// Resilient decorates a Gateway. Only transient failures are retried and
// counted by the breaker; declines and state conflicts pass straight through.
// Every mutating call carries an idempotency key, so a retry after a lost
// response cannot create a second hold or capture twice.
type Resilient struct {
	inner   Gateway
	cfg     ResilientConfig
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewResilient wraps inner.
func NewResilient(inner Gateway, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	b := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenFor).
		WithFailureClassifier(func(err error) bool {
			return errors.Is(err, apperr.ErrGatewayTransient)
		})
	b.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("payment gateway circuit changed", "operation", key, "from", from.String(), "to", to.String())
	})
	return &Resilient{inner: inner, cfg: cfg, breaker: b, logger: logger}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) SignatureHeader() string { return r.inner.SignatureHeader() }

// Healthy reports whether no operation circuit is open.
func (r *Resilient) Healthy() (bool, string) {
	for _, op := range []string{"create_hold", "retrieve", "capture", "void"} {
		if r.breaker.State(op) == circuitbreaker.StateOpen {
			return false, op + " circuit open"
		}
	}
	return true, ""
}

func (r *Resilient) CreateHold(ctx context.Context, req HoldRequest) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, "create_hold", func(ctx context.Context) error {
		a, err := r.inner.CreateHold(ctx, req)
		out = a
		return err
	}, traces.AmountMinor(req.AmountMinor))
	return out, err
}

func (r *Resilient) Retrieve(ctx context.Context, reference string) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, "retrieve", func(ctx context.Context) error {
		a, err := r.inner.Retrieve(ctx, reference)
		out = a
		return err
	}, traces.ExternalReference(reference))
	return out, err
}

func (r *Resilient) Capture(ctx context.Context, reference, idempotencyKey string) (*Authorization, error) {
	var out *Authorization
	err := r.call(ctx, "capture", func(ctx context.Context) error {
		a, err := r.inner.Capture(ctx, reference, idempotencyKey)
		out = a
		return err
	}, traces.ExternalReference(reference))
	return out, err
}

func (r *Resilient) Void(ctx context.Context, reference, idempotencyKey string) error {
	return r.call(ctx, "void", func(ctx context.Context) error {
		return r.inner.Void(ctx, reference, idempotencyKey)
	}, traces.ExternalReference(reference))
}

func (r *Resilient) AccountStatus(ctx context.Context, accountID string) (bool, error) {
	var enabled bool
	err := r.call(ctx, "account", func(ctx context.Context) error {
		e, err := r.inner.AccountStatus(ctx, accountID)
		enabled = e
		return err
	})
	return enabled, err
}

func (r *Resilient) ParseEvent(payload []byte, signature string) (*Event, error) {
	return r.inner.ParseEvent(payload, signature)
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, append(attrs, traces.GatewayOperation(op))...)
	defer span.End()

	timer := time.Now()
	policy := retry.Policy{
		MaxAttempts: r.cfg.MaxAttempts,
		BaseDelay:   r.cfg.BaseDelay,
		MaxDelay:    r.cfg.MaxDelay,
		OnRetry: func(attempt int, err error) {
			r.logger.Warn("payment gateway call failed, retrying",
				"operation", op, "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		err := r.breaker.Execute(op, func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
			defer cancel()
			return fn(callCtx)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(apperr.Transient("gateway_unavailable", err))
		}
		if err != nil && !errors.Is(err, apperr.ErrGatewayTransient) {
			return retry.Permanent(err)
		}
		return err
	})
	metrics.GatewayCallDuration.WithLabelValues(op).Observe(time.Since(timer).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
	}
	return err
}

// Compile-time assertion that Resilient implements Gateway.
var _ Gateway = (*Resilient)(nil)
