package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"momo-orchestrator/domain"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteColumns = `id, external_reference, provider_ref, provider, amount, currency,
	phone_number, status, provider_payload, description, owner_id, created_at, updated_at`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a database file and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps :memory: databases
	// from being split across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return NewSQLiteStore(db), nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Create(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	c := prepareCreate(txn, s.now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (`+sqliteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.ExternalReference,
		c.ProviderRef,
		string(c.Provider),
		c.Amount.String(),
		c.Currency,
		c.PhoneNumber,
		string(c.Status),
		[]byte(c.ProviderPayload),
		c.Description,
		c.OwnerID,
		c.CreatedAt.UnixNano(),
		c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, domain.ErrDuplicateReference
		}
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, error) {
	txn, _, err := s.Transition(ctx, id, status, rawPayload)
	return txn, err
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, status domain.Status, rawPayload json.RawMessage) (*domain.Transaction, bool, error) {
	if !status.Valid() {
		return nil, false, &domain.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}

	// Only PENDING rows are writable; terminal rows stay as they are.
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions
		 SET status = ?,
		     provider_payload = COALESCE(?, provider_payload),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(status),
		nullableBytes(rawPayload),
		s.now().UnixNano(),
		id,
		string(domain.StatusPending),
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	txn, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return txn, n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM transactions WHERE id = ?`, id)
	txn, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{TransactionID: id}
	}
	return txn, err
}

func (s *SQLiteStore) GetByReference(ctx context.Context, provider domain.Provider, reference string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM transactions WHERE provider = ? AND external_reference = ?`,
		string(provider), reference)
	txn, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{TransactionID: reference}
	}
	return txn, err
}

func (s *SQLiteStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+`
		 FROM transactions
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at
		 LIMIT ?`,
		string(domain.StatusPending), olderThan.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		txn, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*domain.Transaction, error) {
	var (
		txn              domain.Transaction
		provider, status string
		amount           string
		payload          []byte
		created, updated int64
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
		&created,
		&updated,
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
	txn.CreatedAt = time.Unix(0, created).UTC()
	txn.UpdatedAt = time.Unix(0, updated).UTC()
	return &txn, nil
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func isSQLiteUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
