package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Supabase/Postgres-backed job store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (p *PGStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS upload_jobs (
	job_id         text PRIMARY KEY,
	task_id        text NOT NULL,
	role           text NOT NULL,
	filename       text NOT NULL,
	storage_key    text,
	status         text NOT NULL,
	stage          text NOT NULL,
	progress       integer NOT NULL DEFAULT 0,
	error_message  text,
	result_meta    jsonb,
	our_party      text,
	language       text,
	created_at     timestamptz NOT NULL DEFAULT now(),
	updated_at     timestamptz NOT NULL DEFAULT now(),
	started_at     timestamptz,
	finished_at    timestamptz
);
CREATE INDEX IF NOT EXISTS upload_jobs_task_idx ON upload_jobs (task_id, created_at)`)
	if err != nil {
		return fmt.Errorf("migrate upload_jobs: %w", err)
	}
	return nil
}

func (p *PGStore) Upsert(ctx context.Context, job Job) error {
	var meta []byte
	if len(job.ResultMeta) > 0 {
		meta = []byte(job.ResultMeta)
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO upload_jobs (
	job_id, task_id, role, filename, storage_key, status, stage, progress,
	error_message, result_meta, our_party, language, started_at, finished_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	stage = EXCLUDED.stage,
	progress = EXCLUDED.progress,
	storage_key = EXCLUDED.storage_key,
	error_message = EXCLUDED.error_message,
	result_meta = EXCLUDED.result_meta,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	updated_at = now()`,
		job.JobID, job.TaskID, job.Role, job.Filename, nullIfEmpty(job.StorageKey),
		job.Status, job.Stage, job.Progress, nullIfEmpty(job.ErrorMessage), meta,
		nullIfEmpty(job.OurParty), nullIfEmpty(job.Language), job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert upload job %s: %w", job.JobID, err)
	}
	return nil
}

const jobColumns = `job_id, task_id, role, filename, COALESCE(storage_key,''),
status, stage, progress, COALESCE(error_message,''), result_meta,
COALESCE(our_party,''), COALESCE(language,''),
created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	var meta []byte
	err := row.Scan(
		&job.JobID, &job.TaskID, &job.Role, &job.Filename, &job.StorageKey,
		&job.Status, &job.Stage, &job.Progress, &job.ErrorMessage, &meta,
		&job.OurParty, &job.Language,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt)
	if err != nil {
		return Job{}, err
	}
	job.ResultMeta = meta
	return job, nil
}

func (p *PGStore) Get(ctx context.Context, jobID string) (Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM upload_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get upload job %s: %w", jobID, err)
	}
	return job, nil
}

func (p *PGStore) ListByTask(ctx context.Context, taskID string) ([]Job, error) {
	return p.list(ctx,
		`SELECT `+jobColumns+` FROM upload_jobs WHERE task_id = $1 ORDER BY created_at`, taskID)
}

func (p *PGStore) ListRecoverable(ctx context.Context) ([]Job, error) {
	return p.list(ctx,
		`SELECT `+jobColumns+` FROM upload_jobs WHERE status IN ('queued','running') ORDER BY created_at`)
}

func (p *PGStore) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list upload jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
