package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/retry"
)

// PostgresStore persists lifecycle data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed lifecycle store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, client_id, category, description, budget, status,
		       assigned_professional_id, response_count, created_at, updated_at,
		       published_at, assigned_at, started_at, completed_at,
		       client_confirmed_at, cancelled_at`

const offerColumns = `id, service_request_id, professional_id, proposed_price, final_price,
		       message, status, created_at, updated_at, accepted_at`

const progressColumns = `service_request_id, offer_id, professional_id, status, notes,
		       accepted_at, started_at, awaiting_confirmation_at, confirmed_at,
		       payment_released_at, updated_at`

const reviewColumns = `id, service_request_id, client_id, professional_id, rating, comment, created_at`

// txRetry re-runs a transaction that Postgres aborted to break a race. The
// second run sees the winner's commit and fails its guard instead.
var txRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 100 * time.Millisecond}

// withTx runs fn in a serializable transaction, committing on nil error.
// fn may run more than once and must not leak state between runs.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryTx(ctx, func() error { return p.runTx(ctx, fn) })
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// retryTx retries run on serialization failures and deadlocks. Running out
// of attempts is reported as ErrConcurrentUpdate.
func retryTx(ctx context.Context, run func() error) error {
	err := txRetry.Do(ctx, func() error {
		err := run()
		if err == nil || isSerializationFailure(err) {
			return err
		}
		return retry.Permanent(err)
	})
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, req *ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_requests (
			id, client_id, category, description, budget, status,
			response_count, created_at, updated_at, published_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6, 0, $7, $8, $9)`,
		req.ID, string(req.ClientID), req.Category, req.Description, nullAmount(req.Budget),
		string(req.Status), req.CreatedAt, req.UpdatedAt, nullTime(req.PublishedAt),
	)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, status RequestStatus, limit int) ([]*ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ServiceRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PublishRequest(ctx context.Context, id string, client auth.ClientID, at time.Time) (*ServiceRequest, error) {
	var out *ServiceRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.ClientID != client {
			return ErrNotRequestOwner
		}
		if req.Status != RequestPending {
			return ErrNotDraft
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET status = 'open', published_at = $1, updated_at = $1
			WHERE id = $2`, at, id); err != nil {
			return err
		}
		req.Status = RequestOpen
		req.PublishedAt = timePtr(at)
		req.UpdatedAt = at
		out = req
		return nil
	})
	return out, err
}

func (p *PostgresStore) SubmitOffer(ctx context.Context, offer *Offer) (*ServiceRequest, error) {
	var out *ServiceRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, offer.RequestID)
		if err != nil {
			return err
		}
		existing, err := lockOffers(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		if err := checkSubmit(req, offer, existing); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO service_offers (
				id, service_request_id, professional_id, proposed_price, message,
				status, created_at, updated_at
			) VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7, $8)`,
			offer.ID, offer.RequestID, string(offer.ProfessionalID),
			money.Format(int64(offer.ProposedPrice)), nullString(offer.Message),
			string(offer.Status), offer.CreatedAt, offer.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateOffer
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET response_count = response_count + 1, updated_at = $1
			WHERE id = $2`, offer.CreatedAt, req.ID); err != nil {
			return err
		}
		req.ResponseCount++
		req.UpdatedAt = offer.CreatedAt
		out = req
		return nil
	})
	return out, err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM service_offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, requestID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM service_offers
		WHERE service_request_id = $1
		ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) AcceptedOffer(ctx context.Context, requestID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+`
		FROM service_offers
		WHERE service_request_id = $1 AND status = 'accepted'`, requestID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoAcceptedOffer
	}
	return o, err
}

// AcceptOffer locks the request row and then its offers so concurrent
// accepts on the same request serialize; the loser sees the winner's
// accepted sibling and fails with ErrOfferAlreadyAccepted.
func (p *PostgresStore) AcceptOffer(ctx context.Context, offerID string, client auth.ClientID, at time.Time) (*Acceptance, error) {
	var acc *Acceptance
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var requestID string
		err := tx.QueryRowContext(ctx, `SELECT service_request_id FROM service_offers WHERE id = $1`, offerID).Scan(&requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOfferNotFound
		}
		if err != nil {
			return err
		}
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		siblings, err := lockOffers(ctx, tx, requestID)
		if err != nil {
			return err
		}
		var offer *Offer
		for _, o := range siblings {
			if o.ID == offerID {
				offer = o
			}
		}
		if offer == nil {
			return ErrOfferNotFound
		}
		if err := checkAccept(req, offer, client, siblings); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE service_offers
			SET status = 'accepted', final_price = proposed_price, accepted_at = $1, updated_at = $1
			WHERE id = $2`, at, offerID); err != nil {
			if isUniqueViolation(err) {
				return ErrOfferAlreadyAccepted
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_offers SET status = 'rejected', updated_at = $1
			WHERE service_request_id = $2 AND id <> $3 AND status = 'pending'`,
			at, requestID, offerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests
			SET status = 'assigned', assigned_professional_id = $1, assigned_at = $2, updated_at = $2
			WHERE id = $3`, string(offer.ProfessionalID), at, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_progress (
				service_request_id, offer_id, professional_id, status, accepted_at, updated_at
			) VALUES ($1, $2, $3, 'accepted', $4, $4)
			ON CONFLICT (service_request_id) DO UPDATE SET
				offer_id = EXCLUDED.offer_id, professional_id = EXCLUDED.professional_id,
				status = 'accepted', accepted_at = EXCLUDED.accepted_at, updated_at = EXCLUDED.updated_at`,
			requestID, offerID, string(offer.ProfessionalID), at); err != nil {
			return err
		}

		final := offer.ProposedPrice
		offer.Status = OfferAccepted
		offer.FinalPrice = &final
		offer.AcceptedAt = timePtr(at)
		offer.UpdatedAt = at

		acc = &Acceptance{Offer: offer}
		for _, o := range siblings {
			if o.ID != offerID && o.Status == OfferPending {
				o.Status = OfferRejected
				o.UpdatedAt = at
				acc.Rejected = append(acc.Rejected, o)
			}
		}
		req.Status = RequestAssigned
		req.AssignedProfessionalID = offer.ProfessionalID
		req.AssignedAt = timePtr(at)
		req.UpdatedAt = at
		acc.Request = req
		acc.Progress = &Progress{
			RequestID:      requestID,
			OfferID:        offerID,
			ProfessionalID: offer.ProfessionalID,
			Status:         ProgressAccepted,
			AcceptedAt:     at,
			UpdatedAt:      at,
		}
		return nil
	})
	return acc, err
}

func (p *PostgresStore) RejectOffer(ctx context.Context, offerID string, client auth.ClientID) (*Offer, error) {
	var out *Offer
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		offer, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		req, err := lockRequest(ctx, tx, offer.RequestID)
		if err != nil {
			return err
		}
		if req.ClientID != client {
			return ErrNotRequestOwner
		}
		if offer.Status != OfferPending {
			return ErrOfferNotPending
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_offers WHERE id = $1`, offerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET response_count = GREATEST(response_count - 1, 0)
			WHERE id = $1`, req.ID); err != nil {
			return err
		}
		offer.Status = OfferRejected
		out = offer
		return nil
	})
	return out, err
}

func (p *PostgresStore) WithdrawOffer(ctx context.Context, offerID string, pro auth.ProfessionalID, at time.Time) (*Offer, error) {
	var out *Offer
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		offer, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if offer.ProfessionalID != pro {
			return ErrNotOfferOwner
		}
		if offer.Status != OfferPending {
			return ErrOfferNotPending
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_offers SET status = 'withdrawn', updated_at = $1 WHERE id = $2`,
			at, offerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests
			SET response_count = GREATEST(response_count - 1, 0), updated_at = $1
			WHERE id = $2`, at, offer.RequestID); err != nil {
			return err
		}
		offer.Status = OfferWithdrawn
		offer.UpdatedAt = at
		out = offer
		return nil
	})
	return out, err
}

func (p *PostgresStore) StartService(ctx context.Context, requestID string, pro auth.ProfessionalID, at time.Time) (*ServiceRequest, error) {
	var out *ServiceRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := checkStart(req, pro); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET status = 'in_progress', started_at = $1, updated_at = $1
			WHERE id = $2`, at, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_progress SET status = 'started', started_at = $1, updated_at = $1
			WHERE service_request_id = $2`, at, requestID); err != nil {
			return err
		}
		req.Status = RequestInProgress
		req.StartedAt = timePtr(at)
		req.UpdatedAt = at
		out = req
		return nil
	})
	return out, err
}

func (p *PostgresStore) MarkAwaitingConfirmation(ctx context.Context, requestID string, pro auth.ProfessionalID, notes string, at time.Time) (*ServiceRequest, error) {
	var out *ServiceRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		offers, err := lockOffers(ctx, tx, requestID)
		if err != nil {
			return err
		}
		var accepted *Offer
		for _, o := range offers {
			if o.Status == OfferAccepted {
				accepted = o
			}
		}
		if err := checkMarkComplete(req, accepted, pro); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests
			SET status = 'awaiting_confirmation', assigned_professional_id = $1,
			    completed_at = $2, updated_at = $2
			WHERE id = $3`, string(accepted.ProfessionalID), at, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_progress (
				service_request_id, offer_id, professional_id, status, notes,
				accepted_at, awaiting_confirmation_at, updated_at
			) VALUES ($1, $2, $3, 'awaiting_confirmation', $4, $5, $5, $5)
			ON CONFLICT (service_request_id) DO UPDATE SET
				status = 'awaiting_confirmation',
				notes = COALESCE(EXCLUDED.notes, service_progress.notes),
				awaiting_confirmation_at = EXCLUDED.awaiting_confirmation_at,
				updated_at = EXCLUDED.updated_at`,
			requestID, accepted.ID, string(accepted.ProfessionalID), nullString(notes), at); err != nil {
			return err
		}
		req.Status = RequestAwaitingConfirmation
		req.AssignedProfessionalID = accepted.ProfessionalID
		req.CompletedAt = timePtr(at)
		req.UpdatedAt = at
		out = req
		return nil
	})
	return out, err
}

func (p *PostgresStore) ConfirmProgress(ctx context.Context, requestID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE service_progress SET status = 'confirmed', confirmed_at = $1, updated_at = $1
		WHERE service_request_id = $2 AND status = 'awaiting_confirmation'`, at, requestID)
	return err
}

func (p *PostgresStore) CompleteRequest(ctx context.Context, requestID string, at time.Time) (bool, *ServiceRequest, error) {
	var (
		changed bool
		out     *ServiceRequest
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		changed, out = false, nil
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status == RequestCompleted {
			out = req
			return nil
		}
		if req.Status != RequestAwaitingConfirmation {
			return ErrNotAwaitingConfirmation
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE service_offers SET status = 'completed', updated_at = $1
			WHERE service_request_id = $2 AND status = 'accepted'`, at, requestID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNoAcceptedOffer
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM service_offers WHERE service_request_id = $1 AND status <> 'completed'`,
			requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET status = 'completed', client_confirmed_at = $1, updated_at = $1
			WHERE id = $2`, at, requestID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_progress
			SET status = 'payment_released', confirmed_at = COALESCE(confirmed_at, $1),
			    payment_released_at = $1, updated_at = $1
			WHERE service_request_id = $2`, at, requestID); err != nil {
			return err
		}
		req.Status = RequestCompleted
		req.ClientConfirmedAt = timePtr(at)
		req.UpdatedAt = at
		changed = true
		out = req
		return nil
	})
	return changed, out, err
}

func (p *PostgresStore) CancelRequest(ctx context.Context, requestID string, client auth.ClientID, at time.Time) (*Removal, error) {
	var removal *Removal
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := checkCancel(req, client); err != nil {
			return err
		}
		removal, err = removeChildren(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_requests SET status = 'cancelled', cancelled_at = $1, updated_at = $1
			WHERE id = $2`, at, requestID); err != nil {
			return err
		}
		req.Status = RequestCancelled
		req.CancelledAt = timePtr(at)
		req.UpdatedAt = at
		removal.Request = req
		return nil
	})
	return removal, err
}

func (p *PostgresStore) DeleteRequest(ctx context.Context, requestID string, client auth.ClientID) (*Removal, error) {
	var removal *Removal
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		req, err := lockRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if err := checkCancel(req, client); err != nil {
			return err
		}
		removal, err = removeChildren(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM service_requests WHERE id = $1`, requestID); err != nil {
			return err
		}
		removal.Request = req
		return nil
	})
	return removal, err
}

func removeChildren(ctx context.Context, tx *sql.Tx, requestID string) (*Removal, error) {
	offers, err := lockOffers(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	removal := &Removal{Offers: offers}
	for _, o := range offers {
		if o.Status == OfferAccepted {
			removal.AcceptedOfferID = o.ID
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_progress WHERE service_request_id = $1`, requestID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM service_offers WHERE service_request_id = $1`, requestID); err != nil {
		return nil, err
	}
	return removal, nil
}

func (p *PostgresStore) GetProgress(ctx context.Context, requestID string) (*Progress, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM service_progress WHERE service_request_id = $1`, requestID)
	pr, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProgressNotFound
	}
	return pr, err
}

func (p *PostgresStore) CreateReview(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RequestID, string(r.ClientID), string(r.ProfessionalID),
		r.Rating, nullString(r.Comment), r.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyReviewed
	}
	return err
}

func (p *PostgresStore) GetReview(ctx context.Context, requestID string) (*Review, error) {
	r := &Review{}
	var (
		clientID, proID string
		comment         sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE service_request_id = $1`, requestID).
		Scan(&r.ID, &r.RequestID, &clientID, &proID, &r.Rating, &comment, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ClientID = auth.ClientID(clientID)
	r.ProfessionalID = auth.ProfessionalID(proID)
	r.Comment = comment.String
	return r, nil
}

func (p *PostgresStore) ProfessionalRating(ctx context.Context, pro auth.ProfessionalID) (float64, int, error) {
	var (
		avg   sql.NullFloat64
		count int
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT AVG(rating)::FLOAT8, COUNT(*) FROM reviews WHERE professional_id = $1`,
		string(pro)).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, count, nil
}

// --- row locking ---

func lockRequest(ctx context.Context, tx *sql.Tx, id string) (*ServiceRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1 FOR UPDATE`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func lockOffer(ctx context.Context, tx *sql.Tx, id string) (*Offer, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM service_offers WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func lockOffers(ctx context.Context, tx *sql.Tx, requestID string) ([]*Offer, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM service_offers
		WHERE service_request_id = $1
		ORDER BY created_at ASC, id ASC
		FOR UPDATE`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

// --- scanning ---

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*ServiceRequest, error) {
	r := &ServiceRequest{}
	var (
		clientID, status               string
		budget, assigned               sql.NullString
		publishedAt, assignedAt        sql.NullTime
		startedAt, completedAt         sql.NullTime
		clientConfirmedAt, cancelledAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &clientID, &r.Category, &r.Description, &budget, &status,
		&assigned, &r.ResponseCount, &r.CreatedAt, &r.UpdatedAt,
		&publishedAt, &assignedAt, &startedAt, &completedAt,
		&clientConfirmedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.ClientID = auth.ClientID(clientID)
	r.Status = RequestStatus(status)
	r.AssignedProfessionalID = auth.ProfessionalID(assigned.String)
	if r.Budget, err = scanAmount(budget); err != nil {
		return nil, err
	}
	r.PublishedAt = timeFromNull(publishedAt)
	r.AssignedAt = timeFromNull(assignedAt)
	r.StartedAt = timeFromNull(startedAt)
	r.CompletedAt = timeFromNull(completedAt)
	r.ClientConfirmedAt = timeFromNull(clientConfirmedAt)
	r.CancelledAt = timeFromNull(cancelledAt)
	return r, nil
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	var (
		proID, proposed, status string
		finalPrice, message     sql.NullString
		acceptedAt              sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.RequestID, &proID, &proposed, &finalPrice,
		&message, &status, &o.CreatedAt, &o.UpdatedAt, &acceptedAt,
	)
	if err != nil {
		return nil, err
	}
	price, err := money.Parse(proposed)
	if err != nil {
		return nil, fmt.Errorf("offer %s proposed_price: %w", o.ID, err)
	}
	o.ProposedPrice = money.Amount(price)
	if o.FinalPrice, err = scanAmount(finalPrice); err != nil {
		return nil, err
	}
	o.ProfessionalID = auth.ProfessionalID(proID)
	o.Message = message.String
	o.Status = OfferStatus(status)
	o.AcceptedAt = timeFromNull(acceptedAt)
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanProgress(s scanner) (*Progress, error) {
	p := &Progress{}
	var (
		proID, status           string
		notes                   sql.NullString
		startedAt, awaitingAt   sql.NullTime
		confirmedAt, releasedAt sql.NullTime
	)
	err := s.Scan(
		&p.RequestID, &p.OfferID, &proID, &status, &notes,
		&p.AcceptedAt, &startedAt, &awaitingAt, &confirmedAt,
		&releasedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ProfessionalID = auth.ProfessionalID(proID)
	p.Status = ProgressStatus(status)
	p.Notes = notes.String
	p.StartedAt = timeFromNull(startedAt)
	p.AwaitingConfirmationAt = timeFromNull(awaitingAt)
	p.ConfirmedAt = timeFromNull(confirmedAt)
	p.PaymentReleasedAt = timeFromNull(releasedAt)
	return p, nil
}

func scanAmount(s sql.NullString) (*money.Amount, error) {
	if !s.Valid {
		return nil, nil
	}
	minor, err := money.Parse(s.String)
	if err != nil {
		return nil, err
	}
	a := money.Amount(minor)
	return &a, nil
}

func nullAmount(a *money.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: money.Format(int64(*a)), Valid: true}
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// isSerializationFailure matches serialization_failure and deadlock_detected.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01")
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
