package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"momo-orchestrator/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

const postgresColumns = `id, external_reference, provider_ref, provider, amount::text, currency,
	phone_number, status, provider_payload, description, owner_id, created_at, updated_at`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	c := prepareCreate(txn, time.Now().UTC())
	c.CreatedAt = c.CreatedAt.Truncate(time.Microsecond)
	c.UpdatedAt = c.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, external_reference, provider_ref, provider, amount, currency,
			phone_number, status, provider_payload, description, owner_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9::jsonb, $10, $11, $12, $13)`,
		c.ID,
		c.ExternalReference,
		c.ProviderRef,
		string(c.Provider),
		c.Amount.String(),
		c.Currency,
		c.PhoneNumber,
		string(c.Status),
		jsonbArg(c.ProviderPayload),
		c.Description,
		c.OwnerID,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, domain.ErrDuplicateReference
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, error) {
	txn, _, err := s.Transition(ctx, id, status, rawPayload)
	return txn, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, bool, error) {
	if !status.Valid() {
		return nil, false, &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $1,
		     provider_payload = COALESCE($2::jsonb, provider_payload),
		     updated_at = NOW()
		 WHERE id = $3 AND status = 'PENDING'`,
		string(status), jsonbArg(rawPayload), id)
	if err != nil {
		return nil, false, err
	}
	txn, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return txn, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{TransactionID: id}
	}
	return txn, err
}

func (s *PostgresStore) GetByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM transactions WHERE provider = $1 AND external_reference = $2`,
		string(provider), reference)
	txn, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{TransactionID: reference}
	}
	return txn, err
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + postgresColumns + `
		FROM transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at`
	args := []any{olderThan}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		txn, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgres(row pgx.Row) (*domain.Transaction, error) {
	var (
		txn              domain.Transaction
		provider, status string
		amount           string
		payload          []byte
	)
	if err := row.Scan(
		&txn.ID,
		&txn.ExternalReference,
		&txn.ProviderRef,
		&provider,
		&amount,
		&txn.Currency,
		&txn.PhoneNumber,
		&status,
		&payload,
		&txn.Description,
		&txn.OwnerID,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	); err != nil {
		return nil, err
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	txn.Amount = amt
	txn.Provider = domain.Provider(provider)
	txn.Status = domain.Status(status)
	if len(payload) > 0 {
		txn.ProviderPayload = json.RawMessage(payload)
	}
	txn.CreatedAt = txn.CreatedAt.UTC()
	txn.UpdatedAt = txn.UpdatedAt.UTC()
	return &txn, nil
}

func jsonbArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
