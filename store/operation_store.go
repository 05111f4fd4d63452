// Package store is the durable append-only operation log (spec.md §4.6,
// §6.3), grounded on recovery.go's getMissedOperations query shape and
// services/room_service.go's *sql.DB usage, backed by lib/pq like every
// database-touching piece of the teacher.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"collabtext/collab"

	_ "github.com/lib/pq"
)

// PostgresStore implements collab.OperationStore against a
// `document_operations` table: one row per accepted operation, unique on
// (document_id, version) so a crash mid-write can never silently
// duplicate or skip a version (spec.md §4.6 "crash-safe").
//
// Expected schema (created out of band by a migration, not by this repo,
// matching the teacher's convention of hand-applied SQL rather than an
// embedded migration runner):
//
//	CREATE TABLE document_operations (
//	    document_id  TEXT        NOT NULL,
//	    version      BIGINT      NOT NULL,
//	    op_id        TEXT        NOT NULL,
//	    op_type      TEXT        NOT NULL,
//	    position     INTEGER     NOT NULL,
//	    content      TEXT        NOT NULL DEFAULT '',
//	    length       INTEGER     NOT NULL DEFAULT 0,
//	    author       TEXT        NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (document_id, version)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append persists one accepted operation (spec.md §4.6 Append). The
// unique constraint on (document_id, version) turns a concurrent
// double-write bug into a loud error instead of silent corruption.
func (s *PostgresStore) Append(ctx context.Context, documentID string, op collab.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_operations
			(document_id, version, op_id, op_type, position, content, length, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		documentID, op.Version, op.ID, string(op.Type), op.Position, op.Content, op.Length, op.Author, op.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append operation v%d for %s: %w", op.Version, documentID, err)
	}
	return nil
}

// LoadSince returns every operation recorded after version, ascending —
// the durable counterpart of History.Since, used by HubRegistry to
// replay a document back into memory (spec.md §4.4 bootstrap), grounded
// on recovery.go's getMissedOperations query.
func (s *PostgresStore) LoadSince(ctx context.Context, documentID string, version int64) ([]collab.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, op_type, position, content, length, author, version, created_at
		FROM document_operations
		WHERE document_id = $1 AND version > $2
		ORDER BY version ASC`,
		documentID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("load operations since v%d for %s: %w", version, documentID, err)
	}
	defer rows.Close()

	var ops []collab.Operation
	for rows.Next() {
		var op collab.Operation
		var opType string
		if err := rows.Scan(&op.ID, &opType, &op.Position, &op.Content, &op.Length, &op.Author, &op.Version, &op.Timestamp); err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		op.Type = collab.OpType(opType)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation rows: %w", err)
	}
	return ops, nil
}

// MaxVersion returns the highest persisted version for documentID, or 0
// if the document has no recorded operations yet.
func (s *PostgresStore) MaxVersion(ctx context.Context, documentID string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM document_operations WHERE document_id = $1`,
		documentID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("max version for %s: %w", documentID, err)
	}
	return version.Int64, nil
}

// TruncateUpTo deletes persisted operations at or below version, mirroring
// History's in-memory truncation (spec.md §4.2) once a snapshot covering
// that version has been archived. Safe to call even if the floor hasn't
// moved — DELETE with no matching rows is a no-op.
func (s *PostgresStore) TruncateUpTo(ctx context.Context, documentID string, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM document_operations WHERE document_id = $1 AND version <= $2`,
		documentID, version,
	)
	if err != nil {
		return fmt.Errorf("truncate operations up to v%d for %s: %w", version, documentID, err)
	}
	return nil
}
