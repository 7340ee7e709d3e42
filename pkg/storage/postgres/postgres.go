package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/opnet-plugins/pkg/storage/postgres")

const backend = "postgres"

// Schema creates the decisions table. The full decision is kept as JSONB; the
// scalar columns exist for filtering and ordering.
const Schema = `
CREATE TABLE IF NOT EXISTS admission_decisions (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	artifact_sha256 TEXT NOT NULL,
	plugin          TEXT NOT NULL DEFAULT '',
	version         TEXT NOT NULL DEFAULT '',
	admitted        BOOLEAN NOT NULL,
	state           TEXT NOT NULL,
	failed_stage    TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	document        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_admission_decisions_plugin ON admission_decisions (plugin, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_admission_decisions_sha ON admission_decisions (artifact_sha256);
`

// RecordStore persists admission decisions in PostgreSQL
type RecordStore struct {
	conns   *ConnectionManager
	metrics *observability.Metrics
}

var _ admission.RecordStore = (*RecordStore)(nil)

// NewRecordStore creates a record store over conns. metrics may be nil.
func NewRecordStore(conns *ConnectionManager, metrics *observability.Metrics) *RecordStore {
	return &RecordStore{conns: conns, metrics: metrics}
}

// Migrate creates the schema if it does not exist
func (s *RecordStore) Migrate(ctx context.Context) error {
	if _, err := s.conns.Primary().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate decision schema: %w", err)
	}
	return nil
}

// SaveDecision upserts a decision by ID
func (s *RecordStore) SaveDecision(ctx context.Context, d *admission.Decision) (err error) {
	ctx, span := tracer.Start(ctx, "postgres.SaveDecision", trace.WithAttributes(
		attribute.String("decision.id", d.ID),
	))
	defer func() { s.finish(span, "save", err) }()

	document, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	query := `
		INSERT INTO admission_decisions
			(id, source, artifact_sha256, plugin, version, admitted, state, failed_stage, reason, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			document = EXCLUDED.document
	`
	_, err = s.conns.Primary().ExecContext(ctx, query,
		d.ID,
		d.Source,
		d.ArtifactSHA256,
		d.Plugin,
		d.Version,
		d.Admitted,
		string(d.State),
		string(d.FailedStage),
		d.Reason,
		document,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision loads one decision
func (s *RecordStore) GetDecision(ctx context.Context, id string) (d *admission.Decision, err error) {
	ctx, span := tracer.Start(ctx, "postgres.GetDecision", trace.WithAttributes(
		attribute.String("decision.id", id),
	))
	defer func() { s.finish(span, "get", err) }()

	var document []byte
	err = s.conns.Replica().QueryRowContext(ctx,
		`SELECT document FROM admission_decisions WHERE id = $1`, id,
	).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", admission.ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return decodeDecision(document)
}

// ListDecisions returns decisions newest first
func (s *RecordStore) ListDecisions(ctx context.Context, filter admission.ListFilter) (out []*admission.Decision, err error) {
	ctx, span := tracer.Start(ctx, "postgres.ListDecisions")
	defer func() { s.finish(span, "list", err) }()

	query, args := listQuery(filter)
	rows, err := s.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	out = []*admission.Decision{}
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d, err := decodeDecision(document)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decisions: %w", err)
	}
	span.SetAttributes(attribute.Int("decisions.count", len(out)))
	return out, nil
}

func listQuery(filter admission.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.Plugin != "" {
		args = append(args, filter.Plugin)
		where = append(where, fmt.Sprintf("plugin = $%d", len(args)))
	}
	if filter.Admitted != nil {
		args = append(args, *filter.Admitted)
		where = append(where, fmt.Sprintf("admitted = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT document FROM admission_decisions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return b.String(), args
}

func decodeDecision(document []byte) (*admission.Decision, error) {
	var d admission.Decision
	if err := json.Unmarshal(document, &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

func (s *RecordStore) finish(span trace.Span, op string, err error) {
	if err != nil && !errors.Is(err, admission.ErrDecisionNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if errors.Is(err, admission.ErrDecisionNotFound) {
		err = nil
	}
	s.metrics.StorageOp(op, backend, err)
}
