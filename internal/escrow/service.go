package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/gateway"
	"github.com/mbd888/carebid/internal/idgen"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/notify"
	"github.com/mbd888/carebid/internal/pagination"
	"github.com/mbd888/carebid/internal/syncutil"
	"github.com/mbd888/carebid/internal/traces"
)

// Reconcile outcomes.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeRefreshed = "refreshed"
	OutcomeVoided    = "voided"
)

// Service coordinates payment holds with the gateway.
type Service struct {
	store       Store
	gateway     gateway.Gateway
	subjects    Subjects
	accounts    PayoutAccounts
	completions Completions
	notifier    Notifier
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	holds    syncutil.Flight[*PaymentReference]
	captures syncutil.Flight[struct{}]
	voids    syncutil.Flight[struct{}]
}

// NewService creates a new escrow coordinator.
func NewService(store Store, gw gateway.Gateway, subjects Subjects, accounts PayoutAccounts, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		subjects: subjects,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCompletions adds the hook that completes a request after capture.
func (s *Service) WithCompletions(c Completions) *Service {
	s.completions = c
	return s
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// --- Holds ---

// CreateHold reserves the accepted offer's price on the client's card.
// It returns the existing live hold when one is pending or authorized, and
// replaces a hold whose last authorization or capture was declined.
//
// Concurrent calls by the same client share one attempt. Across processes
// the per-attempt idempotency key and the one-live-reference constraint
// keep it to a single hold.
func (s *Service) CreateHold(ctx context.Context, offerID string, client auth.ClientID) (*PaymentReference, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold", traces.OfferID(offerID))
	defer span.End()

	return s.holds.Do(ctx, offerID+"/"+string(client), func(ctx context.Context) (*PaymentReference, error) {
		return s.createHold(ctx, offerID, client)
	})
}

func (s *Service) createHold(ctx context.Context, offerID string, client auth.ClientID) (*PaymentReference, error) {
	subj, err := s.subjects.PaymentSubject(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if subj.ClientID != client {
		return nil, ErrNotOfferClient
	}
	if !subj.OfferAccepted {
		return nil, ErrOfferNotAccepted
	}
	if !subj.Payable() {
		return nil, ErrRequestNotPayable
	}

	existing, err := s.store.LiveReference(ctx, offerID)
	switch {
	case err == nil:
		switch existing.Status {
		case StatusPending, StatusAuthorized:
			return existing, nil
		case StatusApproved:
			return nil, ErrAlreadyCaptured
		case StatusRejected:
			if err := s.supersede(ctx, existing); err != nil {
				return nil, err
			}
		}
	case !errors.Is(err, ErrNoHold):
		return nil, err
	}

	accountID, enabled, err := s.accounts.PayoutAccount(ctx, subj.ProfessionalID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && (!enabled || accountID == "")) {
		return nil, ErrPayoutNotReady
	}
	if err != nil {
		return nil, err
	}

	total := money.AtLeast(int64(subj.Price), s.cfg.MinimumChargeMinor)
	split, err := money.SplitCommission(total, s.cfg.CommissionBPS)
	if err != nil {
		return nil, fmt.Errorf("commission split: %w", err)
	}
	attempts, err := s.store.CountReferences(ctx, offerID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("hold_%s_%d", offerID, attempts+1)

	authz, err := s.gateway.CreateHold(ctx, gateway.HoldRequest{
		IdempotencyKey:      key,
		AmountMinor:         split.Total,
		ApplicationFeeMinor: split.Commission,
		Currency:            s.cfg.Currency,
		DestinationAccount:  accountID,
		Description:         fmt.Sprintf("carebid %s service", subj.Category),
		Metadata: map[string]string{
			"offer_id":        offerID,
			"request_id":      subj.RequestID,
			"client_id":       string(subj.ClientID),
			"professional_id": string(subj.ProfessionalID),
		},
	})
	if err != nil {
		metrics.PaymentOperationsTotal.WithLabelValues("hold", "error").Inc()
		logging.L(ctx).Warn("gateway hold failed", "offer_id", offerID, "error", err)
		return nil, err
	}

	now := s.now()
	ref := &PaymentReference{
		ID:                 idgen.WithPrefix(idgen.PrefixPayment),
		OfferID:            offerID,
		RequestID:          subj.RequestID,
		ClientID:           subj.ClientID,
		ProfessionalID:     subj.ProfessionalID,
		Gateway:            s.gateway.Name(),
		ExternalReference:  authz.Reference,
		IdempotencyKey:     key,
		ClientSecret:       authz.ClientSecret,
		DestinationAccount: accountID,
		Amount:             money.Amount(split.Total),
		Commission:         money.Amount(split.Commission),
		ProfessionalShare:  money.Amount(split.ProfessionalShare),
		Currency:           s.cfg.Currency,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateReference(ctx, ref); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			if live, lerr := s.store.LiveReference(ctx, offerID); lerr == nil {
				return live, nil
			}
		}
		return nil, err
	}

	metrics.PaymentOperationsTotal.WithLabelValues("hold", "success").Inc()
	logging.L(ctx).Info("payment hold created",
		"payment_id", ref.ID, "offer_id", offerID, "amount", ref.Amount.String(), "commission", ref.Commission.String())

	// A replayed idempotency key may hand back a hold that is already authorized.
	if authz.Status == gateway.StatusCapturable {
		if _, updated, err := s.store.MarkAuthorized(ctx, ref.ID, now); err == nil {
			ref = updated
		}
	}
	return ref, nil
}

// supersede voids a rejected authorization so a fresh hold can take its place.
func (s *Service) supersede(ctx context.Context, ref *PaymentReference) error {
	err := s.gateway.Void(ctx, ref.ExternalReference, "void_"+ref.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	_, _, err = s.store.MarkCancelled(ctx, ref.ID, "superseded", s.now())
	return err
}

// --- Capture ---

// Capture captures the offer's authorized hold exactly once. Capturing an
// already approved reference succeeds without calling the gateway.
//
// Concurrent calls share one attempt. Across processes the capture
// idempotency key and RecordCapture's compare-and-set write one Transaction.
func (s *Service) Capture(ctx context.Context, offerID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Capture", traces.OfferID(offerID))
	defer span.End()

	_, err := s.captures.Do(ctx, offerID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.capture(ctx, offerID)
	})
	return err
}

func (s *Service) capture(ctx context.Context, offerID string) error {
	start := time.Now()
	ref, err := s.store.LiveReference(ctx, offerID)
	if errors.Is(err, ErrNoHold) {
		return ErrNotAuthorized
	}
	if err != nil {
		return err
	}
	if ref.Status == StatusApproved {
		return nil
	}
	if ref.Status != StatusAuthorized {
		// The hold.authorized event may not have arrived yet.
		if ref, err = s.refresh(ctx, ref); err != nil {
			return err
		}
		switch ref.Status {
		case StatusApproved:
			return nil
		case StatusAuthorized:
		case StatusCancelled:
			return ErrHoldExpired
		default:
			return ErrNotAuthorized
		}
	}

	authz, err := s.gateway.Retrieve(ctx, ref.ExternalReference)
	if err != nil {
		return err
	}
	switch authz.Status {
	case gateway.StatusCapturable:
		if _, err := s.gateway.Capture(ctx, ref.ExternalReference, "capture_"+ref.ID); err != nil {
			if errors.Is(err, apperr.ErrGatewayDeclined) {
				metrics.PaymentOperationsTotal.WithLabelValues("capture", "declined").Inc()
				s.applyCaptureDeclined(ctx, ref, apperr.Code(err))
				return err
			}
			metrics.PaymentOperationsTotal.WithLabelValues("capture", "error").Inc()
			logging.L(ctx).Warn("gateway capture failed", "payment_id", ref.ID, "error", err)
			return err
		}
	case gateway.StatusCaptured:
		// Captured by an earlier attempt whose local write did not land.
	case gateway.StatusCanceled:
		s.applyCanceled(ctx, ref, "hold_expired")
		return ErrHoldExpired
	default:
		return ErrHoldNotCapturable
	}

	if _, err := s.recordCapture(ctx, ref); err != nil {
		return err
	}
	logging.L(ctx).Info("payment captured",
		"payment_id", ref.ID, "offer_id", offerID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (s *Service) recordCapture(ctx context.Context, ref *PaymentReference) (bool, error) {
	now := s.now()
	txn := &Transaction{
		ID:                 idgen.WithPrefix(idgen.PrefixTransaction),
		PaymentReferenceID: ref.ID,
		OfferID:            ref.OfferID,
		RequestID:          ref.RequestID,
		ClientID:           ref.ClientID,
		ProfessionalID:     ref.ProfessionalID,
		ExternalReference:  ref.ExternalReference,
		Amount:             ref.Amount,
		Commission:         ref.Commission,
		ProfessionalShare:  ref.ProfessionalShare,
		Currency:           ref.Currency,
		CreatedAt:          now,
	}
	changed, _, err := s.store.RecordCapture(ctx, ref.ID, txn, now)
	if err != nil {
		return false, err
	}
	if changed {
		metrics.PaymentOperationsTotal.WithLabelValues("capture", "success").Inc()
		metrics.CapturedMinorTotal.Add(float64(ref.Amount))
		metrics.CommissionMinorTotal.Add(float64(ref.Commission))
	}
	return changed, nil
}

// --- Void ---

// VoidHold releases the offer's uncaptured hold. Offers without a hold
// are a no-op; a captured hold cannot be voided.
func (s *Service) VoidHold(ctx context.Context, offerID string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.VoidHold", traces.OfferID(offerID))
	defer span.End()

	_, err := s.voids.Do(ctx, offerID, func(ctx context.Context) (struct{}, error) {
		ref, err := s.store.LiveReference(ctx, offerID)
		if errors.Is(err, ErrNoHold) {
			return struct{}{}, nil
		}
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.void(ctx, ref)
	})
	return err
}

func (s *Service) void(ctx context.Context, ref *PaymentReference) error {
	if ref.Status == StatusApproved {
		return ErrAlreadyCaptured
	}
	err := s.gateway.Void(ctx, ref.ExternalReference, "void_"+ref.ID)
	switch {
	case err == nil, errors.Is(err, apperr.ErrNotFound):
	case errors.Is(err, apperr.ErrConflict):
		// Either voided elsewhere or captured; ask the gateway which.
		authz, rerr := s.gateway.Retrieve(ctx, ref.ExternalReference)
		if rerr != nil {
			return rerr
		}
		if authz.Status == gateway.StatusCaptured {
			return ErrAlreadyCaptured
		}
		if authz.Status != gateway.StatusCanceled {
			return err
		}
	default:
		metrics.PaymentOperationsTotal.WithLabelValues("void", "error").Inc()
		return err
	}

	metrics.PaymentOperationsTotal.WithLabelValues("void", "success").Inc()
	s.applyCanceled(ctx, ref, "voided")
	return nil
}

// --- Gateway events ---

// OnHoldAuthorized records that the client completed card authorization.
func (s *Service) OnHoldAuthorized(ctx context.Context, externalRef string) error {
	return s.withExternal(ctx, externalRef, func(ref *PaymentReference) error {
		s.applyAuthorized(ctx, ref)
		return nil
	})
}

// OnCaptureSucceeded records a capture and completes the request.
func (s *Service) OnCaptureSucceeded(ctx context.Context, externalRef string) error {
	return s.withExternal(ctx, externalRef, func(ref *PaymentReference) error {
		return s.applyCaptured(ctx, ref)
	})
}

// OnPaymentFailed records a declined authorization attempt. Failures that
// arrive after authorization or capture are stale and ignored.
func (s *Service) OnPaymentFailed(ctx context.Context, externalRef, reason string) error {
	return s.withExternal(ctx, externalRef, func(ref *PaymentReference) error {
		s.applyFailed(ctx, ref, reason)
		return nil
	})
}

// OnHoldCanceled records a hold voided or expired on the gateway side.
func (s *Service) OnHoldCanceled(ctx context.Context, externalRef string) error {
	return s.withExternal(ctx, externalRef, func(ref *PaymentReference) error {
		s.applyCanceled(ctx, ref, "gateway_canceled")
		return nil
	})
}

func (s *Service) withExternal(ctx context.Context, externalRef string, fn func(*PaymentReference) error) error {
	ref, err := s.store.GetByExternalReference(ctx, externalRef)
	if err != nil {
		return err
	}
	ctx, span := traces.StartSpan(ctx, "escrow.gatewayEvent",
		traces.PaymentReferenceID(ref.ID), traces.ExternalReference(externalRef))
	defer span.End()
	return fn(ref)
}

func (s *Service) applyAuthorized(ctx context.Context, ref *PaymentReference) {
	changed, _, err := s.store.MarkAuthorized(ctx, ref.ID, s.now())
	if err != nil {
		logging.L(ctx).Warn("mark authorized failed", "payment_id", ref.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	metrics.PaymentOperationsTotal.WithLabelValues("authorize", "success").Inc()
	s.send(ctx, string(ref.ClientID), notify.KindPaymentReserved,
		"Payment reserved", fmt.Sprintf("%s %s is reserved on your card until you confirm the service.", ref.Amount, ref.Currency))
	s.send(ctx, string(ref.ProfessionalID), notify.KindPaymentReserved,
		"Payment reserved", "The client's payment is reserved. You can start the service.")
}

func (s *Service) applyCaptured(ctx context.Context, ref *PaymentReference) error {
	if ref.Status == StatusCancelled {
		logging.L(ctx).Error("capture reported for a cancelled payment reference", "payment_id", ref.ID)
		return nil
	}
	if ref.Status == StatusPending || ref.Status == StatusRejected {
		if _, _, err := s.store.MarkAuthorized(ctx, ref.ID, s.now()); err != nil {
			return err
		}
	}
	if _, err := s.recordCapture(ctx, ref); err != nil {
		return err
	}
	return s.finalize(ctx, ref)
}

// finalize completes the request. A request that is not awaiting
// confirmation is logged and left to the reconciler.
func (s *Service) finalize(ctx context.Context, ref *PaymentReference) error {
	if s.completions == nil {
		return nil
	}
	err := s.completions.FinalizeCompletion(ctx, ref.RequestID)
	if err != nil && apperr.IsBusiness(err) {
		logging.L(ctx).Warn("captured payment but request not finalized",
			"payment_id", ref.ID, "request_id", ref.RequestID, "reason", apperr.Code(err))
		return nil
	}
	return err
}

func (s *Service) applyFailed(ctx context.Context, ref *PaymentReference, reason string) {
	if reason == "" {
		reason = "authorization_failed"
	}
	changed, _, err := s.store.MarkRejected(ctx, ref.ID, reason, s.now())
	if err != nil {
		logging.L(ctx).Warn("mark rejected failed", "payment_id", ref.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	metrics.PaymentOperationsTotal.WithLabelValues("authorize", "declined").Inc()
	s.send(ctx, string(ref.ClientID), notify.KindPaymentFailed,
		"Payment failed", "Your card could not be authorized. Please try another payment method.")
}

// applyCaptureDeclined parks an authorized reference as rejected after the
// gateway refused to capture it, so the client can place a fresh hold.
func (s *Service) applyCaptureDeclined(ctx context.Context, ref *PaymentReference, reason string) {
	changed, _, err := s.store.MarkCaptureDeclined(ctx, ref.ID, reason, s.now())
	if err != nil {
		logging.L(ctx).Warn("mark capture declined failed", "payment_id", ref.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	logging.L(ctx).Warn("gateway declined capture", "payment_id", ref.ID, "reason", reason)
	s.send(ctx, string(ref.ClientID), notify.KindPaymentFailed,
		"Payment failed", "Your payment could not be collected. Please authorize another payment method.")
}

func (s *Service) applyCanceled(ctx context.Context, ref *PaymentReference, reason string) {
	changed, _, err := s.store.MarkCancelled(ctx, ref.ID, reason, s.now())
	if err != nil {
		logging.L(ctx).Warn("mark cancelled failed", "payment_id", ref.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	s.send(ctx, string(ref.ClientID), notify.KindPaymentCanceled,
		"Payment released", "The hold on your card has been released.")
}

// --- Sync and reconciliation ---

// Sync refreshes a reference from the gateway's view of its hold.
func (s *Service) Sync(ctx context.Context, refID string) (*PaymentReference, error) {
	ref, err := s.store.GetReference(ctx, refID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, ref)
}

// SyncForActor is the client status callback: a participant asks to
// refresh their payment after completing authorization in the browser.
func (s *Service) SyncForActor(ctx context.Context, refID string, actor auth.Actor) (*PaymentReference, error) {
	if _, err := s.GetReference(ctx, refID, actor); err != nil {
		return nil, err
	}
	return s.Sync(ctx, refID)
}

// refresh applies the gateway's state to ref. Every write is a
// compare-and-set, so racing refreshes and events converge.
func (s *Service) refresh(ctx context.Context, ref *PaymentReference) (*PaymentReference, error) {
	if ref.Status.IsTerminal() {
		return ref, nil
	}
	authz, err := s.gateway.Retrieve(ctx, ref.ExternalReference)
	if err != nil {
		return nil, err
	}
	switch authz.Status {
	case gateway.StatusCapturable:
		s.applyAuthorized(ctx, ref)
	case gateway.StatusCaptured:
		if err := s.applyCaptured(ctx, ref); err != nil {
			return nil, err
		}
	case gateway.StatusCanceled:
		s.applyCanceled(ctx, ref, "gateway_canceled")
	case gateway.StatusFailed:
		s.applyFailed(ctx, ref, authz.FailureMessage)
	}
	return s.store.GetReference(ctx, ref.ID)
}

// ListOpen returns references that are not yet terminal.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*PaymentReference, error) {
	return s.store.ListByStatus(ctx, []Status{StatusPending, StatusAuthorized, StatusRejected}, limit)
}

// Reconcile brings one open reference in line with the gateway, then voids
// it if the offer it pays for is gone or no longer payable.
func (s *Service) Reconcile(ctx context.Context, ref *PaymentReference) (string, error) {
	ref, err := s.store.GetReference(ctx, ref.ID)
	if err != nil {
		return OutcomeUnchanged, err
	}
	before := ref.Status
	if ref, err = s.refresh(ctx, ref); err != nil {
		return OutcomeUnchanged, err
	}
	if ref.Status.IsTerminal() {
		if ref.Status != before {
			return OutcomeRefreshed, nil
		}
		return OutcomeUnchanged, nil
	}

	subj, err := s.subjects.PaymentSubject(ctx, ref.OfferID)
	orphaned := errors.Is(err, apperr.ErrNotFound) ||
		(err == nil && (!subj.OfferAccepted || !subj.Payable()))
	if err != nil && !orphaned {
		return OutcomeUnchanged, err
	}
	if orphaned {
		if err := s.void(ctx, ref); err != nil {
			return OutcomeUnchanged, err
		}
		logging.L(ctx).Info("voided orphaned payment hold", "payment_id", ref.ID, "offer_id", ref.OfferID)
		return OutcomeVoided, nil
	}
	if ref.Status != before {
		return OutcomeRefreshed, nil
	}
	return OutcomeUnchanged, nil
}

// FinalizeIfCaptured completes the request when the offer's payment was
// captured but the completion never committed. It reports whether a
// captured reference was found.
func (s *Service) FinalizeIfCaptured(ctx context.Context, offerID string) (bool, error) {
	ref, err := s.store.LiveReference(ctx, offerID)
	if errors.Is(err, ErrNoHold) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ref.Status != StatusApproved {
		return false, nil
	}
	return true, s.finalize(ctx, ref)
}

// --- Reads ---

// GetReference returns a reference to its client or professional.
func (s *Service) GetReference(ctx context.Context, refID string, actor auth.Actor) (*PaymentReference, error) {
	ref, err := s.store.GetReference(ctx, refID)
	if err != nil {
		return nil, err
	}
	if !isParty(ref.ClientID, ref.ProfessionalID, actor) {
		return nil, ErrNotPaymentParty
	}
	return ref, nil
}

// HoldForOffer returns the live reference of an offer to a party.
func (s *Service) HoldForOffer(ctx context.Context, offerID string, actor auth.Actor) (*PaymentReference, error) {
	ref, err := s.store.LiveReference(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !isParty(ref.ClientID, ref.ProfessionalID, actor) {
		return nil, ErrNotPaymentParty
	}
	return ref, nil
}

// ListTransactions returns one page of the caller's side of the ledger,
// newest first, starting after cursor.
func (s *Service) ListTransactions(ctx context.Context, actor auth.Actor, limit int, cursor string) (pagination.Page[*Transaction], error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	filter := TransactionFilter{Before: before, Limit: limit + 1}
	if id, ok := actor.Client(); ok {
		filter.ClientID = id
	} else if id, ok := actor.Professional(); ok {
		filter.ProfessionalID = id
	} else {
		return pagination.Page[*Transaction]{}, ErrNotPaymentParty
	}
	txns, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return pagination.Page[*Transaction]{}, err
	}
	return pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	}), nil
}

func isParty(client auth.ClientID, pro auth.ProfessionalID, actor auth.Actor) bool {
	if id, ok := actor.Client(); ok {
		return id == client
	}
	if id, ok := actor.Professional(); ok {
		return id == pro
	}
	return false
}

func (s *Service) send(ctx context.Context, userID string, kind notify.Kind, title, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Send(ctx, userID, kind, title, message)
}
