// Package sqlite stores admission decisions in a local SQLite file, for single
// nodes that do not run PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

const backend = "sqlite"

// fixed width so created_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS admission_decisions (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	artifact_sha256 TEXT NOT NULL,
	plugin          TEXT NOT NULL DEFAULT '',
	admitted        INTEGER NOT NULL,
	document        TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_admission_decisions_plugin ON admission_decisions (plugin, created_at);
`

// RecordStore persists decisions in SQLite
type RecordStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

var _ admission.RecordStore = (*RecordStore)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string, metrics *observability.Metrics) (*RecordStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer at a time; also keeps a :memory: database alive on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &RecordStore{db: db, metrics: metrics}, nil
}

// DB returns the underlying handle
func (s *RecordStore) DB() *sql.DB { return s.db }

// Close closes the database
func (s *RecordStore) Close() error { return s.db.Close() }

// SaveDecision implements admission.RecordStore.SaveDecision
func (s *RecordStore) SaveDecision(ctx context.Context, d *admission.Decision) (err error) {
	defer func() { s.metrics.StorageOp("save", backend, err) }()

	document, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admission_decisions (id, source, artifact_sha256, plugin, admitted, document, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET document = excluded.document`,
		d.ID, d.Source, d.ArtifactSHA256, d.Plugin, d.Admitted, string(document),
		d.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision implements admission.RecordStore.GetDecision
func (s *RecordStore) GetDecision(ctx context.Context, id string) (d *admission.Decision, err error) {
	defer func() {
		if errors.Is(err, admission.ErrDecisionNotFound) {
			s.metrics.StorageOp("get", backend, nil)
			return
		}
		s.metrics.StorageOp("get", backend, err)
	}()

	var document string
	err = s.db.QueryRowContext(ctx, `SELECT document FROM admission_decisions WHERE id = ?`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", admission.ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return decode(document)
}

// ListDecisions implements admission.RecordStore.ListDecisions
func (s *RecordStore) ListDecisions(ctx context.Context, filter admission.ListFilter) (out []*admission.Decision, err error) {
	defer func() { s.metrics.StorageOp("list", backend, err) }()

	var (
		where []string
		args  []any
	)
	if filter.Plugin != "" {
		where = append(where, "plugin = ?")
		args = append(args, filter.Plugin)
	}
	if filter.Admitted != nil {
		where = append(where, "admitted = ?")
		args = append(args, *filter.Admitted)
	}
	query := "SELECT document FROM admission_decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	out = []*admission.Decision{}
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d, err := decode(document)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decode(document string) (*admission.Decision, error) {
	var d admission.Decision
	if err := json.Unmarshal([]byte(document), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}
