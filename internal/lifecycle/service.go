package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/idgen"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/notify"
	"github.com/mbd888/carebid/internal/traces"
)

const (
	maxCategoryLength    = 100
	maxDescriptionLength = 5000
	maxMessageLength     = 2000
	maxNotesLength       = 5000
	maxCommentLength     = 2000
)

// CreateRequestInput contains the parameters for creating a service request.
type CreateRequestInput struct {
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Budget      *money.Amount `json:"budget"`
	Draft       bool          `json:"draft"`
}

// SubmitOfferInput contains the parameters for bidding on a request.
type SubmitOfferInput struct {
	ProposedPrice money.Amount `json:"proposedPrice" binding:"required"`
	Message       string       `json:"message"`
}

// Service implements the service request state machine.
type Service struct {
	store    Store
	payments Payments
	notifier Notifier
	ratings  RatingSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new lifecycle service.
func NewService(store Store, payments Payments, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		payments: payments,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRatings adds a sink for recomputed professional ratings.
func (s *Service) WithRatings(r RatingSink) *Service {
	s.ratings = r
	return s
}

// --- Requests ---

// CreateRequest creates a request owned by client. Drafts start pending.
func (s *Service) CreateRequest(ctx context.Context, client auth.ClientID, in CreateRequestInput) (*ServiceRequest, error) {
	category := strings.TrimSpace(in.Category)
	description := strings.TrimSpace(in.Description)
	switch {
	case category == "":
		return nil, apperr.Validation("missing_category", "Category is required.")
	case len(category) > maxCategoryLength:
		return nil, apperr.Validation("category_too_long", fmt.Sprintf("Category must be at most %d characters.", maxCategoryLength))
	case description == "":
		return nil, apperr.Validation("missing_description", "Description is required.")
	case len(description) > maxDescriptionLength:
		return nil, apperr.Validation("description_too_long", fmt.Sprintf("Description must be at most %d characters.", maxDescriptionLength))
	case in.Budget != nil && *in.Budget <= 0:
		return nil, ErrInvalidBudget
	}

	now := s.now()
	req := &ServiceRequest{
		ID:          idgen.WithPrefix(idgen.PrefixRequest),
		ClientID:    client,
		Category:    category,
		Description: description,
		Budget:      in.Budget,
		Status:      RequestOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Draft {
		req.Status = RequestPending
	} else {
		req.PublishedAt = timePtr(now)
	}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(req.Status)).Inc()
	logging.L(ctx).Info("service request created", "request_id", req.ID, "status", req.Status)
	return req, nil
}

// PublishRequest moves a draft to open.
func (s *Service) PublishRequest(ctx context.Context, requestID string, client auth.ClientID) (*ServiceRequest, error) {
	req, err := s.store.PublishRequest(ctx, requestID, client, s.now())
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestOpen)).Inc()
	return req, nil
}

// GetRequest returns a request visible to actor. Clients see their own
// requests; professionals see open requests and the ones they work on or bid on.
func (s *Service) GetRequest(ctx context.Context, requestID string, actor auth.Actor) (*ServiceRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.checkVisible(ctx, req, actor); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) checkVisible(ctx context.Context, req *ServiceRequest, actor auth.Actor) error {
	if client, ok := actor.Client(); ok {
		if req.ClientID == client {
			return nil
		}
		return ErrNotParticipant
	}
	pro, ok := actor.Professional()
	if !ok {
		return ErrNotParticipant
	}
	if req.Status == RequestOpen || req.AssignedProfessionalID == pro {
		return nil
	}
	offers, err := s.store.ListOffers(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if o.ProfessionalID == pro {
			return nil
		}
	}
	return ErrNotParticipant
}

// CancelRequest cancels a draft, open or assigned request. The request is
// kept as a tombstone; offers and progress are removed.
func (s *Service) CancelRequest(ctx context.Context, requestID string, client auth.ClientID) (*ServiceRequest, error) {
	removal, err := s.store.CancelRequest(ctx, requestID, client, s.now())
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestCancelled)).Inc()
	s.afterRemoval(ctx, removal)
	return removal.Request, nil
}

// DeleteRequest hard-deletes a draft, open or assigned request with its offers.
func (s *Service) DeleteRequest(ctx context.Context, requestID string, client auth.ClientID) error {
	removal, err := s.store.DeleteRequest(ctx, requestID, client)
	if err != nil {
		return err
	}
	metrics.RequestTransitionsTotal.WithLabelValues("deleted").Inc()
	s.afterRemoval(ctx, removal)
	return nil
}

// afterRemoval runs once the cancellation is committed. Voiding is
// best-effort here; the reconciler releases any hold left behind.
func (s *Service) afterRemoval(ctx context.Context, r *Removal) {
	log := logging.L(ctx).With("request_id", r.Request.ID)
	if r.AcceptedOfferID != "" && s.payments != nil {
		if err := s.payments.VoidHold(ctx, r.AcceptedOfferID); err != nil {
			log.Warn("void hold after cancellation failed; reconciler will retry",
				"offer_id", r.AcceptedOfferID, "error", err)
		}
	}
	for _, o := range r.Offers {
		if o.Status == OfferPending || o.Status == OfferAccepted {
			s.send(ctx, string(o.ProfessionalID), notify.KindRequestCancelled,
				"Request cancelled", "A service request you bid on was cancelled by the client.")
		}
	}
	log.Info("service request removed", "status", r.Request.Status)
}

// --- Offers ---

// SubmitOffer places a professional's bid on an open request.
func (s *Service) SubmitOffer(ctx context.Context, requestID string, pro auth.ProfessionalID, in SubmitOfferInput) (*Offer, error) {
	if in.ProposedPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	if len(in.Message) > maxMessageLength {
		return nil, apperr.Validation("message_too_long", fmt.Sprintf("Message must be at most %d characters.", maxMessageLength))
	}

	now := s.now()
	offer := &Offer{
		ID:             idgen.WithPrefix(idgen.PrefixOffer),
		RequestID:      requestID,
		ProfessionalID: pro,
		ProposedPrice:  in.ProposedPrice,
		Message:        strings.TrimSpace(in.Message),
		Status:         OfferPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	req, err := s.store.SubmitOffer(ctx, offer)
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues("submitted").Inc()
	s.send(ctx, string(req.ClientID), notify.KindOfferReceived,
		"New offer", fmt.Sprintf("You received an offer of %s for your %s request.", offer.ProposedPrice, req.Category))
	return offer, nil
}

// ListOffers returns offers on a request. The owning client sees all of
// them; a professional sees only their own.
func (s *Service) ListOffers(ctx context.Context, requestID string, actor auth.Actor) ([]*Offer, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	offers, err := s.store.ListOffers(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if client, ok := actor.Client(); ok {
		if req.ClientID != client {
			return nil, ErrNotRequestOwner
		}
		return offers, nil
	}
	pro, ok := actor.Professional()
	if !ok {
		return nil, ErrNotParticipant
	}
	own := make([]*Offer, 0, 1)
	for _, o := range offers {
		if o.ProfessionalID == pro {
			own = append(own, o)
		}
	}
	return own, nil
}

// AcceptOffer accepts one pending offer and rejects its siblings in one
// atomic unit. Concurrent accepts on the same request yield exactly one winner.
func (s *Service) AcceptOffer(ctx context.Context, offerID string, client auth.ClientID) (*Acceptance, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.AcceptOffer", traces.OfferID(offerID))
	defer span.End()

	acc, err := s.store.AcceptOffer(ctx, offerID, client, s.now())
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestAssigned)).Inc()
	metrics.OffersTotal.WithLabelValues("accepted").Inc()
	metrics.OffersTotal.WithLabelValues("rejected").Add(float64(len(acc.Rejected)))
	logging.L(ctx).Info("offer accepted",
		"request_id", acc.Request.ID, "offer_id", acc.Offer.ID, "rejected", len(acc.Rejected))

	s.send(ctx, string(acc.Offer.ProfessionalID), notify.KindOfferAccepted,
		"Offer accepted", fmt.Sprintf("Your offer of %s was accepted.", acc.Offer.ProposedPrice))
	for _, o := range acc.Rejected {
		s.send(ctx, string(o.ProfessionalID), notify.KindOfferRejected,
			"Offer not selected", "The client chose another professional for this request.")
	}
	return acc, nil
}

// RejectOffer removes a pending offer.
func (s *Service) RejectOffer(ctx context.Context, offerID string, client auth.ClientID) error {
	offer, err := s.store.RejectOffer(ctx, offerID, client)
	if err != nil {
		return err
	}
	metrics.OffersTotal.WithLabelValues("rejected").Inc()
	s.send(ctx, string(offer.ProfessionalID), notify.KindOfferRejected,
		"Offer declined", "The client declined your offer.")
	return nil
}

// WithdrawOffer lets a professional retract a pending offer.
func (s *Service) WithdrawOffer(ctx context.Context, offerID string, pro auth.ProfessionalID) (*Offer, error) {
	offer, err := s.store.WithdrawOffer(ctx, offerID, pro, s.now())
	if err != nil {
		return nil, err
	}
	metrics.OffersTotal.WithLabelValues("withdrawn").Inc()
	if req, err := s.store.GetRequest(ctx, offer.RequestID); err == nil {
		s.send(ctx, string(req.ClientID), notify.KindOfferWithdrawn,
			"Offer withdrawn", "A professional withdrew their offer on your request.")
	}
	return offer, nil
}

// --- Execution ---

// StartService moves assigned → in_progress.
func (s *Service) StartService(ctx context.Context, requestID string, pro auth.ProfessionalID) (*ServiceRequest, error) {
	req, err := s.store.StartService(ctx, requestID, pro, s.now())
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestInProgress)).Inc()
	s.send(ctx, string(req.ClientID), notify.KindServiceStarted,
		"Service started", "Your professional has started the service.")
	return req, nil
}

// CompleteService marks the work done and asks the client to confirm.
func (s *Service) CompleteService(ctx context.Context, requestID string, pro auth.ProfessionalID, notes string) (*ServiceRequest, error) {
	if len(notes) > maxNotesLength {
		return nil, apperr.Validation("notes_too_long", fmt.Sprintf("Notes must be at most %d characters.", maxNotesLength))
	}
	req, err := s.store.MarkAwaitingConfirmation(ctx, requestID, pro, strings.TrimSpace(notes), s.now())
	if err != nil {
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestAwaitingConfirmation)).Inc()
	s.send(ctx, string(req.ClientID), notify.KindServiceCompleted,
		"Service completed", "Your professional marked the service complete. Please confirm to release payment.")
	return req, nil
}

// ConfirmServiceCompletion captures the escrowed payment and completes the
// request. The amount always comes from the accepted offer. If capture
// fails the request stays awaiting_confirmation.
func (s *Service) ConfirmServiceCompletion(ctx context.Context, requestID string, client auth.ClientID) (*Confirmation, error) {
	ctx, span := traces.StartSpan(ctx, "lifecycle.ConfirmServiceCompletion", traces.RequestID(requestID))
	defer span.End()

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID != client {
		return nil, ErrNotRequestOwner
	}
	if req.Status == RequestCompleted {
		return s.confirmation(ctx, req)
	}
	if req.Status != RequestAwaitingConfirmation {
		return nil, ErrNotAwaitingConfirmation
	}
	offer, err := s.store.AcceptedOffer(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ConfirmProgress(ctx, requestID, s.now()); err != nil {
		return nil, err
	}

	if err := s.payments.Capture(ctx, offer.ID); err != nil {
		traces.Fail(span, err)
		logging.L(ctx).Warn("capture failed; request stays awaiting confirmation",
			"request_id", requestID, "offer_id", offer.ID, "error", err)
		return nil, err
	}

	req, err = s.finalize(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.confirmation(ctx, req)
}

// FinalizeCompletion completes a request whose payment has been captured.
// It is the shared tail of the confirm call, the capture.succeeded event and
// the reconciler, and is a no-op for an already completed request.
func (s *Service) FinalizeCompletion(ctx context.Context, requestID string) error {
	_, err := s.finalize(ctx, requestID)
	return err
}

func (s *Service) finalize(ctx context.Context, requestID string) (*ServiceRequest, error) {
	changed, req, err := s.store.CompleteRequest(ctx, requestID, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(RequestCompleted)).Inc()
	if req.AssignedAt != nil && req.ClientConfirmedAt != nil {
		metrics.ServiceDuration.Observe(req.ClientConfirmedAt.Sub(*req.AssignedAt).Seconds())
	}
	logging.L(ctx).Info("service request completed", "request_id", req.ID)

	s.send(ctx, string(req.AssignedProfessionalID), notify.KindPaymentReleased,
		"Payment released", "The client confirmed the service and your payment has been released.")
	s.send(ctx, string(req.ClientID), notify.KindPaymentReleased,
		"Service confirmed", "Thanks for confirming. You can now review your professional.")
	return req, nil
}

func (s *Service) confirmation(ctx context.Context, req *ServiceRequest) (*Confirmation, error) {
	_, err := s.store.GetReview(ctx, req.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return &Confirmation{Request: req, RequiresReview: true}, nil
	case err != nil:
		return nil, err
	default:
		return &Confirmation{Request: req, RequiresReview: false}, nil
	}
}

// GetProgress returns execution progress to the owning client or the
// assigned professional.
func (s *Service) GetProgress(ctx context.Context, requestID string, actor auth.Actor) (*Progress, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	client, isClient := actor.Client()
	pro, isPro := actor.Professional()
	if !(isClient && req.ClientID == client) && !(isPro && req.AssignedProfessionalID == pro) {
		return nil, ErrNotParticipant
	}
	return s.store.GetProgress(ctx, requestID)
}

// ListRequests returns requests in a status.
func (s *Service) ListRequests(ctx context.Context, status RequestStatus, limit int) ([]*ServiceRequest, error) {
	return s.store.ListRequests(ctx, status, limit)
}

// AwaitingCapture returns the accepted offer ids of requests still waiting
// for the client's confirmation. The reconciler checks whether their
// payment was captured anyway.
func (s *Service) AwaitingCapture(ctx context.Context, limit int) ([]string, error) {
	reqs, err := s.store.ListRequests(ctx, RequestAwaitingConfirmation, limit)
	if err != nil {
		return nil, err
	}
	offerIDs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		o, err := s.store.AcceptedOffer(ctx, r.ID)
		if errors.Is(err, ErrNoAcceptedOffer) {
			continue
		}
		if err != nil {
			return nil, err
		}
		offerIDs = append(offerIDs, o.ID)
	}
	return offerIDs, nil
}

// --- Reviews ---

// SubmitReview attaches the single review for a completed request and
// recomputes the professional's mean rating.
func (s *Service) SubmitReview(ctx context.Context, requestID string, client auth.ClientID, rating int, comment string) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	if len(comment) > maxCommentLength {
		return nil, apperr.Validation("comment_too_long", fmt.Sprintf("Comment must be at most %d characters.", maxCommentLength))
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID != client {
		return nil, ErrNotRequestOwner
	}
	if req.Status != RequestCompleted {
		return nil, ErrNotCompleted
	}

	review := &Review{
		ID:             idgen.WithPrefix(idgen.PrefixReview),
		RequestID:      requestID,
		ClientID:       client,
		ProfessionalID: req.AssignedProfessionalID,
		Rating:         rating,
		Comment:        strings.TrimSpace(comment),
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}

	s.recomputeRating(ctx, review.ProfessionalID)
	s.send(ctx, string(review.ProfessionalID), notify.KindReviewReceived,
		"New review", fmt.Sprintf("You received a %d-star review.", rating))
	return review, nil
}

func (s *Service) recomputeRating(ctx context.Context, pro auth.ProfessionalID) {
	if s.ratings == nil {
		return
	}
	avg, count, err := s.store.ProfessionalRating(ctx, pro)
	if err == nil {
		err = s.ratings.UpdateRating(ctx, pro, avg, count)
	}
	if err != nil {
		logging.L(ctx).Warn("rating recompute failed", "professional_id", pro, "error", err)
	}
}

func (s *Service) send(ctx context.Context, userID string, kind notify.Kind, title, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Send(ctx, userID, kind, title, message)
}
