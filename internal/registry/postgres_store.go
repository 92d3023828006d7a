package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/carebid/internal/auth"
)

// PostgresStore persists professional records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const professionalColumns = `professional_id, connected_account_id, payments_enabled,
		       rating_average, review_count, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, pro auth.ProfessionalID) (*Professional, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+professionalColumns+` FROM professional_accounts WHERE professional_id = $1`, string(pro))
	out, err := scanProfessional(row)
	if err == sql.ErrNoRows {
		return nil, ErrProfessionalNotFound
	}
	return out, err
}

func (p *PostgresStore) UpsertPayoutAccount(ctx context.Context, pro auth.ProfessionalID, accountID string, enabled bool, at time.Time) (*Professional, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO professional_accounts (professional_id, connected_account_id, payments_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (professional_id) DO UPDATE SET
			connected_account_id = EXCLUDED.connected_account_id,
			payments_enabled = EXCLUDED.payments_enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING `+professionalColumns,
		string(pro), accountID, enabled, at)
	out, err := scanProfessional(row)
	if isUniqueViolation(err) {
		return nil, ErrAccountInUse
	}
	return out, err
}

func (p *PostgresStore) SetPaymentsEnabled(ctx context.Context, accountID string, enabled bool, at time.Time) (*Professional, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE professional_accounts SET payments_enabled = $2, updated_at = $3
		WHERE connected_account_id = $1
		RETURNING `+professionalColumns,
		accountID, enabled, at)
	out, err := scanProfessional(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	return out, err
}

func (p *PostgresStore) UpsertRating(ctx context.Context, pro auth.ProfessionalID, average float64, count int, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO professional_accounts (professional_id, rating_average, review_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (professional_id) DO UPDATE SET
			rating_average = EXCLUDED.rating_average,
			review_count = EXCLUDED.review_count,
			updated_at = EXCLUDED.updated_at`,
		string(pro), average, count, at)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfessional(s scanner) (*Professional, error) {
	out := &Professional{}
	var (
		pro       string
		accountID sql.NullString
	)
	err := s.Scan(&pro, &accountID, &out.PaymentsEnabled,
		&out.RatingAverage, &out.ReviewCount, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.ProfessionalID = auth.ProfessionalID(pro)
	out.ConnectedAccountID = accountID.String
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
