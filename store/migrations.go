package store

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Timestamps are unix nanoseconds in SQLite so range scans compare integers.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id                 TEXT PRIMARY KEY,
		external_reference TEXT NOT NULL,
		provider_ref       TEXT NOT NULL DEFAULT '',
		provider           TEXT NOT NULL,
		amount             TEXT NOT NULL,
		currency           TEXT NOT NULL,
		phone_number       TEXT NOT NULL,
		status             TEXT NOT NULL,
		provider_payload   BLOB,
		description        TEXT NOT NULL DEFAULT '',
		owner_id           TEXT NOT NULL,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		UNIQUE (provider, external_reference)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status_created
		ON transactions (status, created_at);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		id                 TEXT PRIMARY KEY,
		external_reference TEXT NOT NULL,
		provider_ref       TEXT NOT NULL DEFAULT '',
		provider           TEXT NOT NULL,
		amount             NUMERIC(20, 4) NOT NULL CHECK (amount > 0),
		currency           TEXT NOT NULL,
		phone_number       TEXT NOT NULL,
		status             TEXT NOT NULL CHECK (status IN ('PENDING', 'SUCCESSFUL', 'FAILED', 'EXPIRED')),
		provider_payload   JSONB,
		description        TEXT NOT NULL DEFAULT '',
		owner_id           TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_transactions_provider_reference UNIQUE (provider, external_reference)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status_created
		ON transactions (status, created_at);`,
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
