// Package escrow coordinates card payment holds for accepted offers.
//
// Flow:
//  1. Client asks for a hold on the accepted offer → gateway authorization
//     for max(final price, minimum charge), PaymentReference pending
//  2. Client completes card authorization → hold.authorized → authorized
//  3. Client confirms the service → capture → approved, plus exactly one
//     Transaction recording the commission split
//  4. Cancellation voids the hold → cancelled
//
// Gateway events and the client status callback all converge on the same
// idempotent store transitions, so they may arrive in any order and any
// number of times.
package escrow

import (
	"context"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/notify"
	"github.com/mbd888/carebid/internal/pagination"
)

var (
	ErrReferenceNotFound  = apperr.NotFound("payment_not_found", "Payment reference not found.")
	ErrNoHold             = apperr.NotFound("no_payment_hold", "No payment hold exists for this offer.")
	ErrOfferNotAccepted   = apperr.Conflict("offer_not_accepted", "Payment can only be reserved for an accepted offer.")
	ErrRequestNotPayable  = apperr.Conflict("request_not_payable", "Payment can only be reserved while the service is assigned or under way.")
	ErrAlreadyCaptured    = apperr.Conflict("payment_already_captured", "Payment has already been captured for this offer.")
	ErrNotAuthorized      = apperr.Conflict("payment_not_authorized", "The payment hold has not been authorized by the client yet.")
	ErrPayoutNotReady     = apperr.Conflict("payout_account_not_ready", "The professional cannot receive payments yet.")
	ErrHoldNotCapturable  = apperr.Conflict("hold_not_capturable", "The payment hold can no longer be captured.")
	ErrDuplicateReference = apperr.Conflict("payment_reference_exists", "A live payment reference already exists for this offer.")
	ErrNotPaymentParty    = apperr.Forbidden("not_payment_party", "You are not a party to this payment.")
	ErrNotOfferClient     = apperr.Forbidden("not_request_owner", "You do not own the request this offer belongs to.")
	ErrHoldExpired        = apperr.Declined("hold_expired", "The payment hold expired before it could be captured. Please authorize payment again.", nil)
)

// Status is the local state of a payment reference.
type Status string

const (
	StatusPending    Status = "pending"    // hold created, client has not authorized
	StatusAuthorized Status = "authorized" // funds held, capturable
	StatusApproved   Status = "approved"   // captured; terminal
	StatusRejected   Status = "rejected"   // last authorization attempt failed
	StatusCancelled  Status = "cancelled"  // voided, expired or superseded; terminal
)

// IsTerminal returns true for approved and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusCancelled
}

// PaymentReference links an accepted offer to a gateway authorization.
type PaymentReference struct {
	ID                 string              `json:"id"`
	OfferID            string              `json:"offerId"`
	RequestID          string              `json:"serviceRequestId"`
	ClientID           auth.ClientID       `json:"clientId"`
	ProfessionalID     auth.ProfessionalID `json:"professionalId"`
	Gateway            string              `json:"gateway"`
	ExternalReference  string              `json:"externalReference"`
	IdempotencyKey     string              `json:"-"`
	ClientSecret       string              `json:"clientSecret,omitempty"`
	DestinationAccount string              `json:"-"`
	Amount             money.Amount        `json:"amount"`
	Commission         money.Amount        `json:"commission"`
	ProfessionalShare  money.Amount        `json:"professionalShare"`
	Currency           string              `json:"currency"`
	Status             Status              `json:"status"`
	FailureReason      string              `json:"failureReason,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	AuthorizedAt       *time.Time          `json:"authorizedAt,omitempty"`
	CapturedAt         *time.Time          `json:"capturedAt,omitempty"`
	CancelledAt        *time.Time          `json:"cancelledAt,omitempty"`
}

// Transaction is the ledger row written exactly once per captured reference.
type Transaction struct {
	ID                 string              `json:"id"`
	PaymentReferenceID string              `json:"paymentReferenceId"`
	OfferID            string              `json:"offerId"`
	RequestID          string              `json:"serviceRequestId"`
	ClientID           auth.ClientID       `json:"clientId"`
	ProfessionalID     auth.ProfessionalID `json:"professionalId"`
	ExternalReference  string              `json:"externalReference"`
	Amount             money.Amount        `json:"amount"`
	Commission         money.Amount        `json:"commission"`
	ProfessionalShare  money.Amount        `json:"professionalShare"`
	Currency           string              `json:"currency"`
	CreatedAt          time.Time           `json:"createdAt"`
}

// Config is fixed at startup.
type Config struct {
	Currency           string
	CommissionBPS      int
	MinimumChargeMinor int64
}

// DefaultConfig returns 5% commission in USD with a 0.50 minimum charge.
func DefaultConfig() Config {
	return Config{Currency: "usd", CommissionBPS: 500, MinimumChargeMinor: 50}
}

// Subject is the lifecycle view of an offer that payment needs.
type Subject struct {
	OfferID        string
	RequestID      string
	ClientID       auth.ClientID
	ProfessionalID auth.ProfessionalID
	Price          money.Amount
	OfferAccepted  bool
	RequestStatus  string
	Category       string
}

// Payable reports whether a hold may be placed in the request's state.
func (s *Subject) Payable() bool {
	switch s.RequestStatus {
	case "assigned", "in_progress", "awaiting_confirmation":
		return true
	}
	return false
}

// Subjects resolves offers so escrow does not import lifecycle.
type Subjects interface {
	PaymentSubject(ctx context.Context, offerID string) (*Subject, error)
}

// PayoutAccounts reports where a professional's share is paid.
type PayoutAccounts interface {
	PayoutAccount(ctx context.Context, pro auth.ProfessionalID) (accountID string, enabled bool, err error)
}

// Completions finalizes the request once money has moved.
type Completions interface {
	FinalizeCompletion(ctx context.Context, requestID string) error
}

// Notifier sends fire-and-forget user notifications.
type Notifier interface {
	Send(ctx context.Context, userID string, kind notify.Kind, title, message string)
}

// TransactionFilter selects the caller's side of the ledger.
type TransactionFilter struct {
	ClientID       auth.ClientID
	ProfessionalID auth.ProfessionalID
	Before         *pagination.Cursor
	Limit          int
}

// Store persists payment references and transactions. Each Mark* method is
// a compare-and-set on the status and reports whether it changed anything.
type Store interface {
	CreateReference(ctx context.Context, ref *PaymentReference) error
	GetReference(ctx context.Context, id string) (*PaymentReference, error)
	GetByExternalReference(ctx context.Context, externalRef string) (*PaymentReference, error)
	// LiveReference returns the offer's reference that is not cancelled.
	LiveReference(ctx context.Context, offerID string) (*PaymentReference, error)
	CountReferences(ctx context.Context, offerID string) (int, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*PaymentReference, error)

	// MarkAuthorized moves pending or rejected → authorized.
	MarkAuthorized(ctx context.Context, id string, at time.Time) (bool, *PaymentReference, error)
	// MarkRejected moves pending → rejected.
	MarkRejected(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error)
	// MarkCaptureDeclined moves authorized → rejected after the gateway
	// refused to capture the hold.
	MarkCaptureDeclined(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error)
	// MarkCancelled moves pending, authorized or rejected → cancelled.
	MarkCancelled(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error)
	// RecordCapture moves authorized → approved and inserts txn in one
	// atomic unit. An approved reference reports changed=false.
	RecordCapture(ctx context.Context, id string, txn *Transaction, at time.Time) (bool, *PaymentReference, error)

	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	GetTransactionByReference(ctx context.Context, refID string) (*Transaction, error)
}
