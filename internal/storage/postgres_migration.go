package storage

import (
	"context"
	"fmt"
)

// migrationStatements are applied in order on startup. Every statement is
// idempotent so the migration can run against an already-provisioned
// database.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_username_idx ON accounts (LOWER(username))`,
	`CREATE TABLE IF NOT EXISTS stream_credentials (
		lookup_digest TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		key_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stream_credentials_account_idx ON stream_credentials (account_id)`,
	`CREATE TABLE IF NOT EXISTS quotas (
		account_id TEXT PRIMARY KEY REFERENCES accounts (id) ON DELETE CASCADE,
		recording_used BIGINT NOT NULL DEFAULT 0,
		recording_limit BIGINT NOT NULL DEFAULT 0,
		streaming_used BIGINT NOT NULL DEFAULT 0,
		streaming_limit BIGINT NOT NULL DEFAULT 0,
		streaming_reset_at TIMESTAMPTZ,
		viewing_used BIGINT NOT NULL DEFAULT 0,
		viewing_limit BIGINT NOT NULL DEFAULT 0,
		viewing_reset_at TIMESTAMPTZ,
		viewing_limit_set BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_records (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		stream_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS session_records_account_started_idx ON session_records (account_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		stream_key TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS recordings_account_created_idx ON recordings (account_id, created_at)`,
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
