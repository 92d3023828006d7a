package webhooks

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists the event ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, rec *Record) (bool, error) {
	var processed bool
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO gateway_events (id, type, reference, received_at, attempts)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (id) DO UPDATE SET attempts = gateway_events.attempts + 1
		RETURNING processed_at IS NOT NULL`,
		rec.ID, rec.Type, nullString(rec.Reference), rec.ReceivedAt,
	).Scan(&processed)
	return processed, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE gateway_events SET processed_at = $2, processing_error = NULL
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE gateway_events SET processing_error = $2
		WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{}
	var (
		reference       sql.NullString
		processedAt     sql.NullTime
		processingError sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, type, reference, received_at, processed_at, processing_error, attempts
		FROM gateway_events WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Type, &reference, &rec.ReceivedAt, &processedAt, &processingError, &rec.Attempts)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Reference = reference.String
	rec.ProcessingError = processingError.String
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
