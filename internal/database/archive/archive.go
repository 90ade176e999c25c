// Package archive keeps a queryable history of every federated action
// in SQLite. The bolt store holds live state; the archive answers
// "what happened to this identity" questions without replaying logs.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel/attribute"

	"fedwatch/internal/federation"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS federation_actions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT NOT NULL,
	identity_id      TEXT NOT NULL,
	origin_domain_id TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	reason           TEXT NOT NULL,
	applied          INTEGER NOT NULL,
	already          INTEGER NOT NULL,
	failed           INTEGER NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_federation_actions_identity
	ON federation_actions(identity_id);
CREATE INDEX IF NOT EXISTS idx_federation_actions_created
	ON federation_actions(created_at);
`

// Store is the SQLite-backed action history.
type Store struct {
	db *sql.DB
}

// Ensure Store satisfies the propagator's history hook at compile time.
var _ federation.History = (*Store)(nil)

// Open creates or opens the archive database at path and applies the
// schema. The connection is instrumented for tracing.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := otelsql.Open("sqlite", path,
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY on concurrent propagations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAction appends one completed propagation.
func (s *Store) RecordAction(ctx context.Context, e federation.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO federation_actions
			(kind, identity_id, origin_domain_id, actor_id, reason, applied, already, failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Kind, e.IdentityID, e.OriginDomainID, e.ActorID, e.Reason,
		e.Applied, e.Already, e.Failed, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ListActions returns the most recent actions, newest first. A zero or
// negative limit defaults to 50.
func (s *Store) ListActions(ctx context.Context, limit int) ([]federation.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, identity_id, origin_domain_id, actor_id, reason, applied, already, failed, created_at
		FROM federation_actions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ActionsFor returns every archived action for one identity, newest
// first.
func (s *Store) ActionsFor(ctx context.Context, identityID string) ([]federation.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, identity_id, origin_domain_id, actor_id, reason, applied, already, failed, created_at
		FROM federation_actions WHERE identity_id = ? ORDER BY id DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]federation.HistoryEntry, error) {
	var entries []federation.HistoryEntry
	for rows.Next() {
		var e federation.HistoryEntry
		var createdAtStr string
		if err := rows.Scan(&e.Kind, &e.IdentityID, &e.OriginDomainID, &e.ActorID, &e.Reason,
			&e.Applied, &e.Already, &e.Failed, &createdAtStr); err != nil {
			continue
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
