// Package registry tracks professionals' payout accounts and ratings.
//
// A professional can only be paid once their connected account at the
// gateway can receive destination charges. Eligibility is checked when the
// account is registered and kept current by account.updated events.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/validation"
)

var (
	ErrProfessionalNotFound = apperr.NotFound("professional_not_found", "Professional not found.")
	ErrAccountNotFound      = apperr.NotFound("payout_account_not_found", "No professional uses this payout account.")
	ErrInvalidAccount       = apperr.Validation("invalid_account_id", "Payout account id is malformed.")
	ErrAccountInUse         = apperr.Conflict("payout_account_in_use", "This payout account is registered to another professional.")
)

// Professional is a professional's payout and rating record.
type Professional struct {
	ProfessionalID     auth.ProfessionalID `json:"professionalId"`
	ConnectedAccountID string              `json:"connectedAccountId,omitempty"`
	PaymentsEnabled    bool                `json:"paymentsEnabled"`
	RatingAverage      float64             `json:"ratingAverage"`
	ReviewCount        int                 `json:"reviewCount"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// Store persists professional records. Upserts create the row on first use.
type Store interface {
	Get(ctx context.Context, pro auth.ProfessionalID) (*Professional, error)
	UpsertPayoutAccount(ctx context.Context, pro auth.ProfessionalID, accountID string, enabled bool, at time.Time) (*Professional, error)
	SetPaymentsEnabled(ctx context.Context, accountID string, enabled bool, at time.Time) (*Professional, error)
	UpsertRating(ctx context.Context, pro auth.ProfessionalID, average float64, count int, at time.Time) error
}

// AccountChecker asks the gateway about a connected account.
type AccountChecker interface {
	AccountStatus(ctx context.Context, accountID string) (bool, error)
}

// Service manages professional records.
type Service struct {
	store   Store
	checker AccountChecker
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new registry service.
func NewService(store Store, checker AccountChecker, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		checker: checker,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterPayoutAccount links a connected account to the professional.
// The gateway's current view decides whether payments are enabled.
func (s *Service) RegisterPayoutAccount(ctx context.Context, pro auth.ProfessionalID, accountID string) (*Professional, error) {
	if !validation.IsValidAccountID(accountID) {
		return nil, ErrInvalidAccount
	}
	enabled, err := s.checker.AccountStatus(ctx, accountID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, ErrInvalidAccount
	}
	if err != nil {
		return nil, err
	}

	p, err := s.store.UpsertPayoutAccount(ctx, pro, accountID, enabled, s.now())
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("payout account registered",
		"professional_id", pro, "account_id", accountID, "payments_enabled", enabled)
	return p, nil
}

// PayoutAccount returns where the professional's share is paid.
func (s *Service) PayoutAccount(ctx context.Context, pro auth.ProfessionalID) (string, bool, error) {
	p, err := s.store.Get(ctx, pro)
	if err != nil {
		return "", false, err
	}
	if p.ConnectedAccountID == "" {
		return "", false, ErrAccountNotFound
	}
	return p.ConnectedAccountID, p.PaymentsEnabled, nil
}

// SetPaymentsEnabled applies an account.updated event.
func (s *Service) SetPaymentsEnabled(ctx context.Context, accountID string, enabled bool) error {
	p, err := s.store.SetPaymentsEnabled(ctx, accountID, enabled, s.now())
	if err != nil {
		return err
	}
	logging.L(ctx).Info("payout eligibility updated",
		"professional_id", p.ProfessionalID, "payments_enabled", enabled)
	return nil
}

// UpdateRating stores a recomputed aggregate rating.
func (s *Service) UpdateRating(ctx context.Context, pro auth.ProfessionalID, average float64, count int) error {
	return s.store.UpsertRating(ctx, pro, average, count, s.now())
}

// GetProfessional returns the record. Only the professional sees their
// own payout account id.
func (s *Service) GetProfessional(ctx context.Context, pro auth.ProfessionalID, actor auth.Actor) (*Professional, error) {
	p, err := s.store.Get(ctx, pro)
	if err != nil {
		return nil, err
	}
	if id, ok := actor.Professional(); !ok || id != pro {
		p.ConnectedAccountID = ""
	}
	return p, nil
}
