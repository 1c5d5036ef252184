package server

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/review"
)

// Task is one active review graph plus its per-task machinery. Mu serializes
// every touch of State — it is also installed as the engine's state lock, so
// handler reads and node writes interleave safely.
type Task struct {
	Mu sync.Mutex

	ID         string
	GraphRunID string
	State      *review.State
	Engine     *review.Engine
	Cache      *EventCache

	runActive    bool
	resumeActive bool
	generatorOn  bool
	pushedDiffs  map[string]bool
	// uploadData keeps raw upload bytes in-process so a failed job can be
	// retried without an object store round-trip.
	uploadData  map[string][]byte
	createdAt   time.Time
	completedAt time.Time // zero while the review is still running
}

// markRunStarted claims the dispatch slot for a run. Reports false when any
// dispatch loop — run or resume — is already walking the graph: a second
// loop on the same state would re-execute nodes.
func (t *Task) markRunStarted() bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	if t.runActive || t.resumeActive {
		return false
	}
	t.runActive = true
	return true
}

func (t *Task) markRunDone() {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.runActive = false
	if t.State.IsComplete {
		t.completedAt = time.Now().UTC()
	}
}

// markResumeStarted claims the dispatch slot for a resume. Reports false
// when a run or another resume is already in flight.
func (t *Task) markResumeStarted() bool {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	if t.runActive || t.resumeActive {
		return false
	}
	t.resumeActive = true
	return true
}

func (t *Task) markResumeDone() {
	t.Mu.Lock()
	defer t.Mu.Unlock()
	t.resumeActive = false
	if t.State.IsComplete {
		t.completedAt = time.Now().UTC()
	}
}

// Registry is the process-wide active-graphs map. Tasks are pruned after
// the retention window once complete (or once idle without ever running).
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	retention time.Duration
	logger    *zap.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewRegistry(retention time.Duration, logger *zap.Logger) *Registry {
	if retention <= 0 {
		retention = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		tasks:     map[string]*Task{},
		retention: retention,
		logger:    logger.Named("registry"),
		stopCh:    make(chan struct{}),
	}
	go r.pruneLoop()
	return r
}

// Register adds a task. A live task with the same id is a conflict.
func (r *Registry) Register(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already active", t.ID)
	}
	t.createdAt = time.Now().UTC()
	t.pushedDiffs = map[string]bool{}
	if t.uploadData == nil {
		t.uploadData = map[string][]byte{}
	}
	r.tasks[t.ID] = t
	return nil
}

func (r *Registry) Get(taskID string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return t, ok
}

func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()
	if ok {
		t.Cache.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Publish implements the upload event sink against a task's cache. Events
// for unknown tasks are dropped.
func (r *Registry) Publish(taskID, event string, payload map[string]any) {
	if t, ok := r.Get(taskID); ok {
		t.Cache.Publish(event, payload)
	}
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pruneExpired(time.Now().UTC())
		}
	}
}

// pruneExpired drops tasks whose retention window has passed. Connected SSE
// subscribers do not extend the window; their streams end via cache close.
func (r *Registry) pruneExpired(now time.Time) {
	r.mu.Lock()
	var expired []*Task
	for id, t := range r.tasks {
		t.Mu.Lock()
		cutoff := t.completedAt
		if cutoff.IsZero() && !t.runActive && !t.resumeActive {
			cutoff = t.createdAt
		}
		idle := !cutoff.IsZero() && now.Sub(cutoff) > r.retention
		t.Mu.Unlock()
		if idle {
			expired = append(expired, t)
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()
	for _, t := range expired {
		r.logger.Info("pruned task", zap.String("task_id", t.ID))
		t.Cache.Close()
	}
}
