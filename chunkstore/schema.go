package chunkstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version tracks progress.
var migrations = []string{
	// 1: documents + chunks
	`
	CREATE TABLE documents (
		id          TEXT PRIMARY KEY,
		filename    TEXT NOT NULL,
		path        TEXT NOT NULL,
		type        TEXT NOT NULL DEFAULT '',
		size        INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending'
		            CHECK (status IN ('pending', 'processed', 'failed')),
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE chunks (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id   TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index   INTEGER NOT NULL,
		file_path     TEXT NOT NULL,
		line_start    INTEGER NOT NULL DEFAULT 0,
		line_end      INTEGER NOT NULL DEFAULT 0,
		content       TEXT NOT NULL,
		embedding     BLOB NOT NULL,
		is_anchor     INTEGER NOT NULL DEFAULT 0,
		anchor_key    TEXT,
		metadata      TEXT NOT NULL DEFAULT '{}',
		lexical_terms TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		UNIQUE (document_id, chunk_index),
		CHECK (line_start <= line_end),
		CHECK (is_anchor = 0 OR (anchor_key IS NOT NULL AND anchor_key != ''))
	);

	CREATE INDEX idx_chunks_document ON chunks(document_id);
	CREATE UNIQUE INDEX idx_chunks_anchor_key ON chunks(anchor_key)
		WHERE anchor_key IS NOT NULL AND anchor_key != '';
	`,
}

// applyMigrations brings the schema up to date.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}

		// PRAGMA cannot take a bind parameter.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bump schema version: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}
