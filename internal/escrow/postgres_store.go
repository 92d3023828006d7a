package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/money"
)

// PostgresStore persists payment references and transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const referenceColumns = `id, offer_id, service_request_id, client_id, professional_id,
		       gateway, external_reference, idempotency_key, client_secret, destination_account,
		       amount, commission, professional_share, currency,
		       status, failure_reason, created_at, updated_at,
		       authorized_at, captured_at, cancelled_at`

const transactionColumns = `id, payment_reference_id, offer_id, service_request_id,
		       client_id, professional_id, external_reference,
		       amount, commission, professional_share, currency, created_at`

func (p *PostgresStore) CreateReference(ctx context.Context, r *PaymentReference) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_references (
			id, offer_id, service_request_id, client_id, professional_id,
			gateway, external_reference, idempotency_key, client_secret, destination_account,
			amount, commission, professional_share, currency,
			status, failure_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11::NUMERIC(12,2), $12::NUMERIC(12,2), $13::NUMERIC(12,2), $14,
			$15, $16, $17, $18
		)`,
		r.ID, r.OfferID, r.RequestID, string(r.ClientID), string(r.ProfessionalID),
		r.Gateway, r.ExternalReference, r.IdempotencyKey, nullString(r.ClientSecret), r.DestinationAccount,
		money.Format(int64(r.Amount)), money.Format(int64(r.Commission)), money.Format(int64(r.ProfessionalShare)), r.Currency,
		string(r.Status), nullString(r.FailureReason), r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) GetReference(ctx context.Context, id string) (*PaymentReference, error) {
	return p.getReference(ctx, p.db, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByExternalReference(ctx context.Context, externalRef string) (*PaymentReference, error) {
	return p.getReference(ctx, p.db, `WHERE external_reference = $1`, externalRef)
}

func (p *PostgresStore) LiveReference(ctx context.Context, offerID string) (*PaymentReference, error) {
	r, err := p.getReference(ctx, p.db, `WHERE offer_id = $1 AND status <> 'cancelled'`, offerID)
	if errors.Is(err, ErrReferenceNotFound) {
		return nil, ErrNoHold
	}
	return r, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) getReference(ctx context.Context, q querier, where string, arg string) (*PaymentReference, error) {
	row := q.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM payment_references `+where, arg)
	r, err := scanReference(row)
	if err == sql.ErrNoRows {
		return nil, ErrReferenceNotFound
	}
	return r, err
}

func (p *PostgresStore) CountReferences(ctx context.Context, offerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_references WHERE offer_id = $1`, offerID).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*PaymentReference, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+referenceColumns+`
		FROM payment_references
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PaymentReference
	for rows.Next() {
		r, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// transition is a compare-and-set on status. When no row matches, the
// current reference is returned with changed=false.
func (p *PostgresStore) transition(ctx context.Context, tx *sql.Tx, id string, from []Status, set string, args ...interface{}) (bool, *PaymentReference, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	query := fmt.Sprintf(`
		UPDATE payment_references SET %s
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+referenceColumns, set)
	row := tx.QueryRowContext(ctx, query, append([]interface{}{id, pq.Array(names)}, args...)...)
	r, err := scanReference(row)
	if err == sql.ErrNoRows {
		cur, err := p.getReference(ctx, tx, `WHERE id = $1`, id)
		return false, cur, err
	}
	if err != nil {
		return false, nil, err
	}
	return true, r, nil
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) mark(ctx context.Context, id string, from []Status, set string, args ...interface{}) (changed bool, ref *PaymentReference, err error) {
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		var terr error
		changed, ref, terr = p.transition(ctx, tx, id, from, set, args...)
		return terr
	})
	return changed, ref, err
}

func (p *PostgresStore) MarkAuthorized(ctx context.Context, id string, at time.Time) (bool, *PaymentReference, error) {
	return p.mark(ctx, id, []Status{StatusPending, StatusRejected},
		`status = 'authorized', failure_reason = NULL, authorized_at = $3, updated_at = $3`, at)
}

func (p *PostgresStore) MarkRejected(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	return p.mark(ctx, id, []Status{StatusPending},
		`status = 'rejected', failure_reason = $3, updated_at = $4`, reason, at)
}

func (p *PostgresStore) MarkCaptureDeclined(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	return p.mark(ctx, id, []Status{StatusAuthorized},
		`status = 'rejected', failure_reason = $3, updated_at = $4`, reason, at)
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	return p.mark(ctx, id, []Status{StatusPending, StatusAuthorized, StatusRejected},
		`status = 'cancelled', failure_reason = $3, cancelled_at = $4, updated_at = $4`, reason, at)
}

// RecordCapture moves the reference to approved and writes its transaction
// in one database transaction, so a capture is never recorded twice.
func (p *PostgresStore) RecordCapture(ctx context.Context, id string, txn *Transaction, at time.Time) (changed bool, ref *PaymentReference, err error) {
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		var terr error
		changed, ref, terr = p.transition(ctx, tx, id, []Status{StatusAuthorized},
			`status = 'approved', captured_at = $3, updated_at = $3`, at)
		if terr != nil || !changed {
			return terr
		}
		_, terr = tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, payment_reference_id, offer_id, service_request_id,
				client_id, professional_id, external_reference,
				amount, commission, professional_share, currency, created_at
			) VALUES (
				$1, $2, $3, $4,
				$5, $6, $7,
				$8::NUMERIC(12,2), $9::NUMERIC(12,2), $10::NUMERIC(12,2), $11, $12
			)`,
			txn.ID, txn.PaymentReferenceID, txn.OfferID, txn.RequestID,
			string(txn.ClientID), string(txn.ProfessionalID), txn.ExternalReference,
			money.Format(int64(txn.Amount)), money.Format(int64(txn.Commission)), money.Format(int64(txn.ProfessionalShare)),
			txn.Currency, txn.CreatedAt,
		)
		return terr
	})
	if err != nil {
		return false, nil, err
	}
	return changed, ref, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		beforeAt sql.NullTime
		beforeID string
	)
	if filter.Before != nil {
		beforeAt = sql.NullTime{Time: filter.Before.CreatedAt, Valid: true}
		beforeID = filter.Before.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1 = '' OR client_id = $1) AND ($2 = '' OR professional_id = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, string(filter.ClientID), string(filter.ProfessionalID), beforeAt, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetTransactionByReference(ctx context.Context, refID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_reference_id = $1`, refID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrReferenceNotFound
	}
	return t, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReference(s scanner) (*PaymentReference, error) {
	r := &PaymentReference{}
	var (
		clientID       string
		professionalID string
		clientSecret   sql.NullString
		amount         string
		commission     string
		share          string
		status         string
		failureReason  sql.NullString
		authorizedAt   sql.NullTime
		capturedAt     sql.NullTime
		cancelledAt    sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.OfferID, &r.RequestID, &clientID, &professionalID,
		&r.Gateway, &r.ExternalReference, &r.IdempotencyKey, &clientSecret, &r.DestinationAccount,
		&amount, &commission, &share, &r.Currency,
		&status, &failureReason, &r.CreatedAt, &r.UpdatedAt,
		&authorizedAt, &capturedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	if err := scanAmounts([]string{amount, commission, share}, &r.Amount, &r.Commission, &r.ProfessionalShare); err != nil {
		return nil, err
	}
	r.ClientID = auth.ClientID(clientID)
	r.ProfessionalID = auth.ProfessionalID(professionalID)
	r.ClientSecret = clientSecret.String
	r.Status = Status(status)
	r.FailureReason = failureReason.String
	r.AuthorizedAt = timeFromNull(authorizedAt)
	r.CapturedAt = timeFromNull(capturedAt)
	r.CancelledAt = timeFromNull(cancelledAt)
	return r, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		clientID       string
		professionalID string
		amount         string
		commission     string
		share          string
	)
	err := s.Scan(
		&t.ID, &t.PaymentReferenceID, &t.OfferID, &t.RequestID,
		&clientID, &professionalID, &t.ExternalReference,
		&amount, &commission, &share, &t.Currency, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := scanAmounts([]string{amount, commission, share}, &t.Amount, &t.Commission, &t.ProfessionalShare); err != nil {
		return nil, err
	}
	t.ClientID = auth.ClientID(clientID)
	t.ProfessionalID = auth.ProfessionalID(professionalID)
	return t, nil
}

func scanAmounts(raw []string, dst ...*money.Amount) error {
	for i, s := range raw {
		minor, err := money.Parse(s)
		if err != nil {
			return fmt.Errorf("scan amount %q: %w", s, err)
		}
		*dst[i] = money.Amount(minor)
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
