// Package upload tracks asynchronous file-to-structure ingestion jobs: one
// job per (task, role, filename), recoverable across process restarts.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Stage string

const (
	StageUploaded Stage = "uploaded"
	StageLoading  Stage = "loading"
	StageParsing  Stage = "parsing"
	StageFinished Stage = "finished"
	StageFailed   Stage = "failed"
)

type Role string

const (
	RolePrimary   Role = "primary"
	RoleReference Role = "reference"
)

var (
	ErrNotFound = errors.New("upload job not found")
	// ErrRetryNotAllowed is returned when a retry is requested for a job
	// that is not in the failed state.
	ErrRetryNotAllowed = errors.New("retry allowed only from failed status")
)

// Job is the persisted upload_jobs record.
type Job struct {
	JobID        string          `json:"job_id"`
	TaskID       string          `json:"task_id"`
	Role         Role            `json:"role"`
	Filename     string          `json:"filename"`
	StorageKey   string          `json:"storage_key,omitempty"`
	Status       Status          `json:"status"`
	Stage        Stage           `json:"stage"`
	Progress     int             `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultMeta   json.RawMessage `json:"result_meta,omitempty"`
	OurParty     string          `json:"our_party,omitempty"`
	Language     string          `json:"language,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Store persists jobs. Writes are idempotent upserts keyed by job id.
type Store interface {
	Upsert(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	// ListByTask returns a task's jobs ordered by created_at.
	ListByTask(ctx context.Context, taskID string) ([]Job, error)
	// ListRecoverable returns jobs with status queued or running.
	ListRecoverable(ctx context.Context) ([]Job, error)
}

// MemoryStore is the in-process fallback store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}}
}

func (m *MemoryStore) Upsert(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.jobs[job.JobID]; ok {
		job.CreatedAt = prev.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) ListByTask(_ context.Context, taskID string) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, job := range m.jobs {
		if job.TaskID == taskID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListRecoverable(_ context.Context) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, job := range m.jobs {
		if job.Status == StatusQueued || job.Status == StatusRunning {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
