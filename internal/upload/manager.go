package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func nowUTC() time.Time { return time.Now().UTC() }

// maxErrorMessage bounds the persisted failure text.
const maxErrorMessage = 2000

// EventSink receives job lifecycle events for the task's SSE stream. The
// server's per-task event cache implements it.
type EventSink interface {
	Publish(taskID, event string, payload map[string]any)
}

type nopSink struct{}

func (nopSink) Publish(string, string, map[string]any) {}

// Manager owns the job lifecycle state machine on top of a Store.
type Manager struct {
	store  Store
	sink   EventSink
	logger *zap.Logger
}

func NewManager(store Store, sink EventSink, logger *zap.Logger) *Manager {
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, sink: sink, logger: logger.Named("upload")}
}

// CreateJob records a fresh queued job and persists it.
func (m *Manager) CreateJob(ctx context.Context, taskID string, role Role, filename, ourParty, language string) (Job, error) {
	job := Job{
		JobID:    uuid.NewString(),
		TaskID:   taskID,
		Role:     role,
		Filename: filename,
		Status:   StatusQueued,
		Stage:    StageUploaded,
		Progress: 0,
		OurParty: ourParty,
		Language: language,
	}
	if err := m.store.Upsert(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (m *Manager) Get(ctx context.Context, jobID string) (Job, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) ListByTask(ctx context.Context, taskID string) ([]Job, error) {
	return m.store.ListByTask(ctx, taskID)
}

// MarkRunning transitions to running, setting started_at once.
func (m *Manager) MarkRunning(ctx context.Context, jobID string) (Job, error) {
	return m.mutate(ctx, jobID, func(job *Job) error {
		job.Status = StatusRunning
		if job.StartedAt == nil {
			now := nowUTC()
			job.StartedAt = &now
		}
		return nil
	})
}

// UpdateStage reports worker progress. Progress is clamped to [0,100] and
// never moves backwards.
func (m *Manager) UpdateStage(ctx context.Context, jobID string, stage Stage, progress int) (Job, error) {
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if progress < job.Progress {
			progress = job.Progress
		}
		job.Stage = stage
		job.Progress = progress
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	m.sink.Publish(job.TaskID, "upload_progress", map[string]any{
		"job_id":   job.JobID,
		"stage":    job.Stage,
		"progress": job.Progress,
	})
	return job, nil
}

// MarkSucceeded finalizes a job with its result metadata.
func (m *Manager) MarkSucceeded(ctx context.Context, jobID string, resultMeta map[string]any) (Job, error) {
	meta, err := json.Marshal(resultMeta)
	if err != nil {
		return Job{}, fmt.Errorf("marshal result meta: %w", err)
	}
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		now := nowUTC()
		job.Status = StatusSucceeded
		job.Stage = StageFinished
		job.Progress = 100
		job.ResultMeta = meta
		job.FinishedAt = &now
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	m.sink.Publish(job.TaskID, "upload_complete", map[string]any{
		"job_id":      job.JobID,
		"document_id": resultMeta["document_id"],
		"result_meta": resultMeta,
	})
	return job, nil
}

// MarkFailed finalizes a job with a bounded error message.
func (m *Manager) MarkFailed(ctx context.Context, jobID, errMsg string) (Job, error) {
	if len(errMsg) > maxErrorMessage {
		errMsg = errMsg[:maxErrorMessage]
	}
	job, err := m.mutate(ctx, jobID, func(job *Job) error {
		now := nowUTC()
		job.Status = StatusFailed
		job.Stage = StageFailed
		job.ErrorMessage = errMsg
		job.FinishedAt = &now
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	m.logger.Warn("upload job failed",
		zap.String("job_id", job.JobID),
		zap.String("task_id", job.TaskID),
		zap.String("error", errMsg))
	m.sink.Publish(job.TaskID, "upload_error", map[string]any{
		"job_id": job.JobID,
		"error":  errMsg,
	})
	return job, nil
}

// MarkQueued re-queues a job for retry. Allowed only from failed.
func (m *Manager) MarkQueued(ctx context.Context, jobID string) (Job, error) {
	return m.mutate(ctx, jobID, func(job *Job) error {
		if job.Status != StatusFailed {
			return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrRetryNotAllowed)
		}
		job.Status = StatusQueued
		job.Stage = StageUploaded
		job.Progress = 0
		job.ErrorMessage = ""
		job.ResultMeta = nil
		job.StartedAt = nil
		job.FinishedAt = nil
		return nil
	})
}

// RecoverableJobs lists queued and running jobs for startup rescheduling.
func (m *Manager) RecoverableJobs(ctx context.Context) ([]Job, error) {
	return m.store.ListRecoverable(ctx)
}

func (m *Manager) mutate(ctx context.Context, jobID string, fn func(*Job) error) (Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if err := fn(&job); err != nil {
		return Job{}, err
	}
	if err := m.store.Upsert(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}
