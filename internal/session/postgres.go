package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Supabase/Postgres-backed session store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the review_sessions table when missing.
func (p *PGStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS review_sessions (
	task_id               text PRIMARY KEY,
	status                text NOT NULL,
	domain_id             text,
	domain_subtype        text,
	our_party             text,
	language              text,
	current_clause_index  integer NOT NULL DEFAULT 0,
	current_clause_id     text,
	total_clauses         integer NOT NULL DEFAULT 0,
	is_complete           boolean NOT NULL DEFAULT false,
	is_interrupted        boolean NOT NULL DEFAULT false,
	error                 text,
	graph_state           jsonb,
	graph_run_id          text,
	created_at            timestamptz NOT NULL DEFAULT now(),
	updated_at            timestamptz NOT NULL DEFAULT now(),
	completed_at          timestamptz
)`)
	if err != nil {
		return fmt.Errorf("migrate review_sessions: %w", err)
	}
	return nil
}

func (p *PGStore) Upsert(ctx context.Context, row Row) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO review_sessions (
	task_id, status, domain_id, domain_subtype, our_party, language,
	current_clause_index, current_clause_id, total_clauses,
	is_complete, is_interrupted, error, graph_state, graph_run_id, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
ON CONFLICT (task_id) DO UPDATE SET
	status = EXCLUDED.status,
	domain_id = EXCLUDED.domain_id,
	domain_subtype = EXCLUDED.domain_subtype,
	our_party = EXCLUDED.our_party,
	language = EXCLUDED.language,
	current_clause_index = EXCLUDED.current_clause_index,
	current_clause_id = EXCLUDED.current_clause_id,
	total_clauses = EXCLUDED.total_clauses,
	is_complete = EXCLUDED.is_complete,
	is_interrupted = EXCLUDED.is_interrupted,
	error = EXCLUDED.error,
	graph_state = EXCLUDED.graph_state,
	graph_run_id = EXCLUDED.graph_run_id,
	updated_at = now()`,
		row.TaskID, row.Status, row.DomainID, row.DomainSubtype, row.OurParty, row.Language,
		row.CurrentClauseIndex, row.CurrentClauseID, row.TotalClauses,
		row.IsComplete, row.IsInterrupted, nullIfEmpty(row.Error), []byte(row.GraphState), nullIfEmpty(row.GraphRunID))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", row.TaskID, err)
	}
	return nil
}

const rowColumns = `task_id, status, COALESCE(domain_id,''), COALESCE(domain_subtype,''),
COALESCE(our_party,''), COALESCE(language,''), current_clause_index,
COALESCE(current_clause_id,''), total_clauses, is_complete, is_interrupted,
COALESCE(error,''), COALESCE(graph_state,'null'::jsonb), COALESCE(graph_run_id,''),
created_at, updated_at, completed_at`

func (p *PGStore) Get(ctx context.Context, taskID string) (Row, error) {
	var row Row
	var state []byte
	err := p.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM review_sessions WHERE task_id = $1`, taskID).Scan(
		&row.TaskID, &row.Status, &row.DomainID, &row.DomainSubtype,
		&row.OurParty, &row.Language, &row.CurrentClauseIndex,
		&row.CurrentClauseID, &row.TotalClauses, &row.IsComplete, &row.IsInterrupted,
		&row.Error, &state, &row.GraphRunID,
		&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("get session %s: %w", taskID, err)
	}
	row.GraphState = state
	return row, nil
}

func (p *PGStore) MarkCompleted(ctx context.Context, taskID string) error {
	return p.setTerminal(ctx, taskID, StatusCompleted, "")
}

func (p *PGStore) MarkFailed(ctx context.Context, taskID, errMsg string) error {
	return p.setTerminal(ctx, taskID, StatusFailed, errMsg)
}

func (p *PGStore) setTerminal(ctx context.Context, taskID string, st Status, errMsg string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE review_sessions SET
	status = $2,
	is_complete = (CASE WHEN $2 = 'completed' THEN true ELSE is_complete END),
	error = COALESCE(NULLIF($3,''), error),
	updated_at = now(),
	completed_at = now()
WHERE task_id = $1`, taskID, st, errMsg)
	if err != nil {
		return fmt.Errorf("mark session %s %s: %w", taskID, st, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PGStore) ListActive(ctx context.Context) ([]Row, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+rowColumns+` FROM review_sessions
WHERE status IN ('reviewing','interrupted') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var row Row
		var state []byte
		if err := rows.Scan(
			&row.TaskID, &row.Status, &row.DomainID, &row.DomainSubtype,
			&row.OurParty, &row.Language, &row.CurrentClauseIndex,
			&row.CurrentClauseID, &row.TotalClauses, &row.IsComplete, &row.IsInterrupted,
			&row.Error, &state, &row.GraphRunID,
			&row.CreatedAt, &row.UpdatedAt, &row.CompletedAt); err != nil {
			return nil, err
		}
		row.GraphState = state
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
