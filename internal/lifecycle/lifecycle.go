// Package lifecycle implements the service request state machine.
//
// Flow:
//  1. Client creates a request (optionally as a draft) and publishes it → open
//  2. Professionals submit offers; the client accepts one → assigned
//     (all sibling pending offers are rejected in the same atomic unit)
//  3. The client authorizes a payment hold for the accepted price (escrow package)
//  4. Assigned professional starts → in_progress, then completes → awaiting_confirmation
//  5. Client confirms → escrow captures the hold → completed, payment_released
//  6. Client may review the professional once
//
// Cancellation is allowed from pending, open and assigned. Any payment hold
// attached to the accepted offer is voided after the cancellation commits.
package lifecycle

import (
	"context"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/notify"
)

var (
	ErrRequestNotFound  = apperr.NotFound("request_not_found", "Service request not found.")
	ErrOfferNotFound    = apperr.NotFound("offer_not_found", "Offer not found.")
	ErrProgressNotFound = apperr.NotFound("progress_not_found", "No service progress for this request.")
	ErrReviewNotFound   = apperr.NotFound("review_not_found", "This service has not been reviewed.")

	ErrNotRequestOwner         = apperr.Forbidden("not_request_owner", "You do not own this service request.")
	ErrNotAssignedProfessional = apperr.Forbidden("not_assigned_professional", "You are not the professional assigned to this request.")
	ErrNotOfferOwner           = apperr.Forbidden("not_offer_owner", "You did not submit this offer.")
	ErrNotParticipant          = apperr.Forbidden("not_participant", "You are not a participant in this service request.")

	ErrRequestNotOpen          = apperr.Conflict("request_not_open", "This request is not accepting offers.")
	ErrOfferNotPending         = apperr.Conflict("offer_not_pending", "This offer is no longer pending.")
	ErrOfferAlreadyAccepted    = apperr.Conflict("offer_already_accepted", "Another offer has already been accepted for this request.")
	ErrNoAcceptedOffer         = apperr.Conflict("no_accepted_offer", "This request has no accepted offer.")
	ErrRequestNotAssigned      = apperr.Conflict("request_not_assigned", "Service can only start once an offer is accepted.")
	ErrServiceNotStarted       = apperr.Conflict("service_not_started", "Service must be started before it can be marked complete.")
	ErrNotAwaitingConfirmation = apperr.Conflict("not_awaiting_confirmation", "The service has not been marked complete by the professional.")
	ErrAlreadyMarkedComplete   = apperr.Conflict("already_marked_complete", "The service is already awaiting client confirmation.")
	ErrRequestClosed           = apperr.Conflict("request_closed", "This request is already completed or cancelled.")
	ErrNotCancellable          = apperr.Conflict("not_cancellable", "Only draft, open or assigned requests can be cancelled.")
	ErrNotDraft                = apperr.Conflict("not_draft", "Only draft requests can be published.")
	ErrDuplicateOffer          = apperr.Conflict("duplicate_offer", "You already have a pending offer on this request.")
	ErrNotCompleted            = apperr.Conflict("request_not_completed", "Only completed services can be reviewed.")
	ErrAlreadyReviewed         = apperr.Conflict("already_reviewed", "This service has already been reviewed.")
	ErrConcurrentUpdate        = apperr.Conflict("concurrent_update", "The request changed while your action was applied. Refresh and try again.")

	ErrInvalidRating    = apperr.Validation("invalid_rating", "Rating must be between 1 and 5.")
	ErrInvalidPrice     = apperr.Validation("invalid_price", "Price must be greater than zero.")
	ErrInvalidBudget    = apperr.Validation("invalid_budget", "Budget must be greater than zero.")
	ErrPriceAboveBudget = apperr.Validation("price_above_budget", "Proposed price exceeds the request budget.")
)

// RequestStatus is the coarse state of a service request.
type RequestStatus string

const (
	RequestPending              RequestStatus = "pending" // draft, not visible to professionals
	RequestOpen                 RequestStatus = "open"
	RequestAssigned             RequestStatus = "assigned"
	RequestInProgress           RequestStatus = "in_progress"
	RequestAwaitingConfirmation RequestStatus = "awaiting_confirmation"
	RequestCompleted            RequestStatus = "completed"
	RequestCancelled            RequestStatus = "cancelled"
)

// IsTerminal returns true for completed and cancelled.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// Cancellable reports whether the owning client may still cancel or delete.
func (s RequestStatus) Cancellable() bool {
	return s == RequestPending || s == RequestOpen || s == RequestAssigned
}

// OfferStatus is the state of a professional's bid.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferCompleted OfferStatus = "completed"
)

// ProgressStatus is the execution sub-state of the accepted offer.
type ProgressStatus string

const (
	ProgressAccepted             ProgressStatus = "accepted"
	ProgressStarted              ProgressStatus = "started"
	ProgressAwaitingConfirmation ProgressStatus = "awaiting_confirmation"
	ProgressConfirmed            ProgressStatus = "confirmed"
	ProgressPaymentReleased      ProgressStatus = "payment_released"
)

// ServiceRequest is a client's request for home care.
type ServiceRequest struct {
	ID                     string              `json:"id"`
	ClientID               auth.ClientID       `json:"clientId"`
	Category               string              `json:"category"`
	Description            string              `json:"description"`
	Budget                 *money.Amount       `json:"budget,omitempty"`
	Status                 RequestStatus       `json:"status"`
	AssignedProfessionalID auth.ProfessionalID `json:"assignedProfessionalId,omitempty"`
	ResponseCount          int                 `json:"responseCount"`
	CreatedAt              time.Time           `json:"createdAt"`
	UpdatedAt              time.Time           `json:"updatedAt"`
	PublishedAt            *time.Time          `json:"publishedAt,omitempty"`
	AssignedAt             *time.Time          `json:"assignedAt,omitempty"`
	StartedAt              *time.Time          `json:"serviceStartedAt,omitempty"`
	CompletedAt            *time.Time          `json:"serviceCompletedAt,omitempty"`
	ClientConfirmedAt      *time.Time          `json:"clientConfirmedAt,omitempty"`
	CancelledAt            *time.Time          `json:"cancelledAt,omitempty"`
}

// Offer is a professional's bid on a request.
type Offer struct {
	ID             string              `json:"id"`
	RequestID      string              `json:"serviceRequestId"`
	ProfessionalID auth.ProfessionalID `json:"professionalId"`
	ProposedPrice  money.Amount        `json:"proposedPrice"`
	FinalPrice     *money.Amount       `json:"finalPrice,omitempty"`
	Message        string              `json:"message,omitempty"`
	Status         OfferStatus         `json:"status"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	AcceptedAt     *time.Time          `json:"acceptedAt,omitempty"`
}

// Progress tracks execution of the accepted offer. One per request.
type Progress struct {
	RequestID              string              `json:"serviceRequestId"`
	OfferID                string              `json:"offerId"`
	ProfessionalID         auth.ProfessionalID `json:"professionalId"`
	Status                 ProgressStatus      `json:"status"`
	Notes                  string              `json:"notes,omitempty"`
	AcceptedAt             time.Time           `json:"acceptedAt"`
	StartedAt              *time.Time          `json:"startedAt,omitempty"`
	AwaitingConfirmationAt *time.Time          `json:"awaitingConfirmationAt,omitempty"`
	ConfirmedAt            *time.Time          `json:"confirmedAt,omitempty"`
	PaymentReleasedAt      *time.Time          `json:"paymentReleasedAt,omitempty"`
	UpdatedAt              time.Time           `json:"updatedAt"`
}

// Review is the client's rating of a completed service.
type Review struct {
	ID             string              `json:"id"`
	RequestID      string              `json:"serviceRequestId"`
	ClientID       auth.ClientID       `json:"clientId"`
	ProfessionalID auth.ProfessionalID `json:"professionalId"`
	Rating         int                 `json:"rating"`
	Comment        string              `json:"comment,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
}

// Acceptance is the result of accepting an offer.
type Acceptance struct {
	Request  *ServiceRequest `json:"request"`
	Offer    *Offer          `json:"offer"`
	Rejected []*Offer        `json:"rejected"`
	Progress *Progress       `json:"progress"`
}

// Removal describes a cancelled or deleted request.
type Removal struct {
	Request *ServiceRequest
	// AcceptedOfferID is set when an offer had been accepted; its payment
	// hold, if any, must be voided.
	AcceptedOfferID string
	// Offers are the offers removed with the request.
	Offers []*Offer
}

// Confirmation is the result of a client confirming completion.
type Confirmation struct {
	Request        *ServiceRequest `json:"request"`
	RequiresReview bool            `json:"requiresReview"`
}

// Store persists lifecycle entities. Every method that changes more than
// one row applies its change atomically and re-checks its preconditions
// inside that atomic unit.
type Store interface {
	CreateRequest(ctx context.Context, req *ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*ServiceRequest, error)
	ListRequests(ctx context.Context, status RequestStatus, limit int) ([]*ServiceRequest, error)
	PublishRequest(ctx context.Context, id string, client auth.ClientID, at time.Time) (*ServiceRequest, error)

	// SubmitOffer inserts a pending offer and increments the request's
	// response count. Returns the updated request.
	SubmitOffer(ctx context.Context, offer *Offer) (*ServiceRequest, error)
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]*Offer, error)
	AcceptedOffer(ctx context.Context, requestID string) (*Offer, error)

	// AcceptOffer accepts one pending offer, rejects its pending siblings,
	// creates the progress row and assigns the request.
	AcceptOffer(ctx context.Context, offerID string, client auth.ClientID, at time.Time) (*Acceptance, error)
	// RejectOffer deletes a pending offer and decrements the response count.
	RejectOffer(ctx context.Context, offerID string, client auth.ClientID) (*Offer, error)
	WithdrawOffer(ctx context.Context, offerID string, pro auth.ProfessionalID, at time.Time) (*Offer, error)

	StartService(ctx context.Context, requestID string, pro auth.ProfessionalID, at time.Time) (*ServiceRequest, error)
	MarkAwaitingConfirmation(ctx context.Context, requestID string, pro auth.ProfessionalID, notes string, at time.Time) (*ServiceRequest, error)
	// ConfirmProgress records the client's confirmation on progress that is
	// awaiting it. Progress in any other state is left alone.
	ConfirmProgress(ctx context.Context, requestID string, at time.Time) error
	// CompleteRequest moves awaiting_confirmation → completed, the accepted
	// offer → completed and progress → payment_released, and purges every
	// other offer. A request that is already completed reports changed=false.
	CompleteRequest(ctx context.Context, requestID string, at time.Time) (changed bool, req *ServiceRequest, err error)

	// CancelRequest keeps the request as a cancelled tombstone and deletes its
	// offers and progress.
	CancelRequest(ctx context.Context, requestID string, client auth.ClientID, at time.Time) (*Removal, error)
	// DeleteRequest removes the request and all its offers and progress.
	DeleteRequest(ctx context.Context, requestID string, client auth.ClientID) (*Removal, error)

	GetProgress(ctx context.Context, requestID string) (*Progress, error)

	CreateReview(ctx context.Context, review *Review) error
	GetReview(ctx context.Context, requestID string) (*Review, error)
	ProfessionalRating(ctx context.Context, pro auth.ProfessionalID) (average float64, count int, err error)
}

// Payments is the escrow side of the lifecycle.
type Payments interface {
	// Capture captures the hold for an accepted offer exactly once.
	Capture(ctx context.Context, offerID string) error
	// VoidHold releases any uncaptured hold for an offer.
	VoidHold(ctx context.Context, offerID string) error
}

// Notifier sends fire-and-forget user notifications.
type Notifier interface {
	Send(ctx context.Context, userID string, kind notify.Kind, title, message string)
}

// RatingSink receives recomputed professional ratings.
type RatingSink interface {
	UpdateRating(ctx context.Context, pro auth.ProfessionalID, average float64, count int) error
}

// --- Guards ---
//
// Guards are pure checks shared by every Store implementation so the
// preconditions are evaluated inside the store's atomic unit.

func checkAccept(req *ServiceRequest, offer *Offer, client auth.ClientID, siblings []*Offer) error {
	if req.ClientID != client {
		return ErrNotRequestOwner
	}
	for _, o := range siblings {
		if o.Status == OfferAccepted && o.ID != offer.ID {
			return ErrOfferAlreadyAccepted
		}
	}
	if offer.Status != OfferPending {
		return ErrOfferNotPending
	}
	if req.Status != RequestOpen {
		return ErrRequestNotOpen
	}
	return nil
}

func checkSubmit(req *ServiceRequest, offer *Offer, existing []*Offer) error {
	if req.Status != RequestOpen {
		return ErrRequestNotOpen
	}
	if req.Budget != nil && offer.ProposedPrice > *req.Budget {
		return ErrPriceAboveBudget
	}
	for _, o := range existing {
		if o.ProfessionalID == offer.ProfessionalID && o.Status == OfferPending {
			return ErrDuplicateOffer
		}
	}
	return nil
}

func checkStart(req *ServiceRequest, pro auth.ProfessionalID) error {
	if req.AssignedProfessionalID != pro {
		return ErrNotAssignedProfessional
	}
	if req.Status != RequestAssigned {
		return ErrRequestNotAssigned
	}
	return nil
}

// checkMarkComplete allows in_progress, and open with an accepted offer for
// the caller. Assigned requests must be started first.
func checkMarkComplete(req *ServiceRequest, accepted *Offer, pro auth.ProfessionalID) error {
	if accepted == nil {
		if req.AssignedProfessionalID != "" && req.AssignedProfessionalID != pro {
			return ErrNotAssignedProfessional
		}
		return ErrNoAcceptedOffer
	}
	if accepted.ProfessionalID != pro {
		return ErrNotAssignedProfessional
	}
	switch req.Status {
	case RequestInProgress, RequestOpen:
		return nil
	case RequestAssigned:
		return ErrServiceNotStarted
	case RequestAwaitingConfirmation:
		return ErrAlreadyMarkedComplete
	default:
		return ErrRequestClosed
	}
}

func checkCancel(req *ServiceRequest, client auth.ClientID) error {
	if req.ClientID != client {
		return ErrNotRequestOwner
	}
	if !req.Status.Cancellable() {
		return ErrNotCancellable
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
