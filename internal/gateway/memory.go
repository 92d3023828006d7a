package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/idgen"
)

// MemorySignatureHeader carries the hex HMAC-SHA256 of Memory events.
const MemorySignatureHeader = "X-Gateway-Signature"

type memoryHold struct {
	auth       Authorization
	req        HoldRequest
	voidKeys   map[string]bool
	captureKey string
}

// Memory is an in-process gateway. Holds start pending; tests and the
// development sandbox drive them with Authorize, Decline and Expire, and
// obtain signed event payloads with SignedEvent.
type Memory struct {
	mu       sync.Mutex
	secret   []byte
	holds    map[string]*memoryHold
	byKey    map[string]string  // idempotency key → reference
	failNext map[string][]error // operation → queued injected errors
	calls    map[string]int
	accounts map[string]bool // connected accounts with a non-default status
}

// NewMemory creates an in-memory gateway that signs events with secret.
func NewMemory(secret string) *Memory {
	return &Memory{
		secret:   []byte(secret),
		holds:    make(map[string]*memoryHold),
		byKey:    make(map[string]string),
		failNext: make(map[string][]error),
		calls:    make(map[string]int),
		accounts: make(map[string]bool),
	}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) SignatureHeader() string { return MemorySignatureHeader }

func (m *Memory) CreateHold(_ context.Context, req HoldRequest) (*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create_hold"]++

	if err := m.takeFailure("create_hold"); err != nil {
		return nil, err
	}
	if ref, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		a := m.holds[ref].auth
		return &a, nil
	}
	if req.AmountMinor <= 0 {
		return nil, apperr.Validation("invalid_amount", "amount must be positive")
	}

	ref := "pi_" + idgen.Hex(12)
	h := &memoryHold{
		auth: Authorization{
			Reference:    ref,
			ClientSecret: ref + "_secret_" + idgen.Hex(8),
			Status:       StatusPending,
			AmountMinor:  req.AmountMinor,
		},
		req:      req,
		voidKeys: make(map[string]bool),
	}
	m.holds[ref] = h
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = ref
	}
	a := h.auth
	return &a, nil
}

func (m *Memory) Retrieve(_ context.Context, reference string) (*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["retrieve"]++

	if err := m.takeFailure("retrieve"); err != nil {
		return nil, err
	}
	h, ok := m.holds[reference]
	if !ok {
		return nil, apperr.NotFound("payment_not_found", "payment authorization not found at gateway")
	}
	a := h.auth
	return &a, nil
}

func (m *Memory) Capture(_ context.Context, reference, idempotencyKey string) (*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["capture"]++

	if err := m.takeFailure("capture"); err != nil {
		return nil, err
	}
	h, ok := m.holds[reference]
	if !ok {
		return nil, apperr.NotFound("payment_not_found", "payment authorization not found at gateway")
	}
	switch h.auth.Status {
	case StatusCapturable:
		h.auth.Status = StatusCaptured
		h.auth.CapturedMinor = h.auth.AmountMinor
		h.captureKey = idempotencyKey
	case StatusCaptured:
		if h.captureKey != idempotencyKey {
			return nil, apperr.Conflict("payment_state_conflict", "payment authorization is not in a state that allows capture")
		}
	default:
		return nil, apperr.Conflict("payment_state_conflict", "payment authorization is not in a state that allows capture")
	}
	a := h.auth
	return &a, nil
}

func (m *Memory) Void(_ context.Context, reference, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["void"]++

	if err := m.takeFailure("void"); err != nil {
		return err
	}
	h, ok := m.holds[reference]
	if !ok {
		return apperr.NotFound("payment_not_found", "payment authorization not found at gateway")
	}
	switch h.auth.Status {
	case StatusCaptured:
		return apperr.Conflict("payment_state_conflict", "payment authorization is not in a state that allows void")
	case StatusCanceled:
		if h.voidKeys[idempotencyKey] {
			return nil
		}
		return apperr.Conflict("payment_state_conflict", "payment authorization is not in a state that allows void")
	}
	h.auth.Status = StatusCanceled
	h.voidKeys[idempotencyKey] = true
	return nil
}

// AccountStatus reports connected accounts as enabled unless SetAccount
// said otherwise.
func (m *Memory) AccountStatus(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["account"]++

	if err := m.takeFailure("account"); err != nil {
		return false, err
	}
	enabled, ok := m.accounts[accountID]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

// memoryEvent is the wire format of Memory events.
type memoryEvent struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Reference       string    `json:"reference,omitempty"`
	AccountID       string    `json:"accountId,omitempty"`
	PaymentsEnabled bool      `json:"paymentsEnabled,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	Created         time.Time `json:"created"`
}

func (m *Memory) ParseEvent(payload []byte, signature string) (*Event, error) {
	if !hmac.Equal([]byte(m.sign(payload)), []byte(signature)) {
		return nil, ErrInvalidSignature
	}
	var e memoryEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	t := EventType(e.Type)
	switch t {
	case EventHoldAuthorized, EventCaptureSucceeded, EventPaymentFailed, EventHoldCanceled, EventAccountUpdated:
	default:
		t = EventUnknown
	}
	return &Event{
		ID:              e.ID,
		Type:            t,
		RawType:         e.Type,
		Reference:       e.Reference,
		AccountID:       e.AccountID,
		PaymentsEnabled: e.PaymentsEnabled,
		FailureReason:   e.FailureReason,
		OccurredAt:      e.Created,
	}, nil
}

func (m *Memory) sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// --- Sandbox controls ---

// Authorize simulates the client completing card authorization.
func (m *Memory) Authorize(reference string) error {
	return m.setStatus(reference, StatusCapturable, "")
}

// Decline simulates a failed authorization attempt.
func (m *Memory) Decline(reference, reason string) error {
	return m.setStatus(reference, StatusFailed, reason)
}

// Expire simulates the gateway voiding an uncaptured hold.
func (m *Memory) Expire(reference string) error {
	return m.setStatus(reference, StatusCanceled, "")
}

func (m *Memory) setStatus(reference string, s AuthorizationStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[reference]
	if !ok {
		return apperr.NotFound("payment_not_found", "payment authorization not found at gateway")
	}
	if h.auth.Status == StatusCaptured {
		return apperr.Conflict("payment_state_conflict", "hold already captured")
	}
	h.auth.Status = s
	h.auth.FailureMessage = reason
	return nil
}

// SetAccount fixes the status AccountStatus reports for accountID.
func (m *Memory) SetAccount(accountID string, enabled bool) {
	m.mu.Lock()
	m.accounts[accountID] = enabled
	m.mu.Unlock()
}

// SignedEvent builds an event payload and its signature as the gateway
// would deliver them.
func (m *Memory) SignedEvent(t EventType, reference string) (payload []byte, signature string) {
	return m.signedEvent(memoryEvent{
		ID:        "evt_" + idgen.Hex(12),
		Type:      string(t),
		Reference: reference,
		Created:   time.Now().UTC(),
	})
}

// SignedFailureEvent builds a payment.failed event with a reason.
func (m *Memory) SignedFailureEvent(reference, reason string) (payload []byte, signature string) {
	return m.signedEvent(memoryEvent{
		ID:            "evt_" + idgen.Hex(12),
		Type:          string(EventPaymentFailed),
		Reference:     reference,
		FailureReason: reason,
		Created:       time.Now().UTC(),
	})
}

// SignedAccountEvent builds an account.updated event.
func (m *Memory) SignedAccountEvent(accountID string, enabled bool) (payload []byte, signature string) {
	return m.signedEvent(memoryEvent{
		ID:              "evt_" + idgen.Hex(12),
		Type:            string(EventAccountUpdated),
		AccountID:       accountID,
		PaymentsEnabled: enabled,
		Created:         time.Now().UTC(),
	})
}

// SignedRaw signs an arbitrary payload.
func (m *Memory) SignedRaw(payload []byte) string {
	return m.sign(payload)
}

func (m *Memory) signedEvent(e memoryEvent) ([]byte, string) {
	payload, _ := json.Marshal(e)
	return payload, m.sign(payload)
}

// FailNext queues err as the result of the next call to op ("create_hold",
// "retrieve", "capture", "void", "account"). Repeated calls queue further failures.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	m.failNext[op] = append(m.failNext[op], err)
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Hold returns the request a hold was created with.
func (m *Memory) Hold(reference string) (HoldRequest, Authorization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[reference]
	if !ok {
		return HoldRequest{}, Authorization{}, false
	}
	return h.req, h.auth, true
}

// Caller must hold m.mu.
func (m *Memory) takeFailure(op string) error {
	queue := m.failNext[op]
	if len(queue) == 0 {
		return nil
	}
	m.failNext[op] = queue[1:]
	return queue[0]
}

// Compile-time assertion that Memory implements Gateway.
var _ Gateway = (*Memory)(nil)
