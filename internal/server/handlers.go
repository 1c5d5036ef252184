package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/review"
	"github.com/redlinehq/redline/internal/session"
	"github.com/redlinehq/redline/internal/upload"
)

// validTaskID matches ULIDs, UUIDs, and other safe identifiers.
var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  s.registry.Len(),
	})
}

type startReviewRequest struct {
	TaskID        string `json:"task_id"`
	OurParty      string `json:"our_party"`
	Language      string `json:"language"`
	DomainID      string `json:"domain_id"`
	DomainSubtype string `json:"domain_subtype"`
	MaterialType  string `json:"material_type"`
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	var req startReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = review.NewID("task")
	}
	if !validTaskID.MatchString(taskID) {
		writeError(w, http.StatusBadRequest, "task_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	st := review.NewState(taskID)
	st.GraphRunID = review.NewID("run")
	st.OurParty = req.OurParty
	st.Language = req.Language
	st.DomainID = req.DomainID
	st.DomainSubtype = req.DomainSubtype
	st.MaterialType = req.MaterialType

	t := s.newTask(st)
	if err := s.registry.Register(t); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.sessions.Save(r.Context(), st); err != nil {
		s.logger.Warn("initial checkpoint failed", zap.String("task_id", taskID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id":      taskID,
		"status":       "created",
		"graph_run_id": st.GraphRunID,
	})
}

// newTask builds the per-task machinery around a graph state. The task
// mutex doubles as the engine's state lock.
func (s *Server) newTask(st *review.State) *Task {
	t := &Task{
		ID:         st.TaskID,
		GraphRunID: st.GraphRunID,
		State:      st,
		Cache:      NewEventCache(),
		uploadData: map[string][]byte{},
	}
	eng := review.NewEngine(s.cfg, s.chat, s.disp, s.sessions, s.logger)
	eng.SetStateLock(&t.Mu)
	t.Engine = eng
	return t
}

// getTask resolves a task from the registry, restoring it from the session
// store after a restart. Writes a 404 and returns false when unknown.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) (*Task, bool) {
	taskID := chi.URLParam(r, "taskID")
	if t, ok := s.registry.Get(taskID); ok {
		return t, true
	}
	st, _, err := s.sessions.Load(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", taskID))
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("load task %s: %v", taskID, err))
		}
		return nil, false
	}
	t := s.newTask(st)
	if err := s.registry.Register(t); err != nil {
		// Lost a restore race; use the winner.
		if live, ok := s.registry.Get(taskID); ok {
			return live, true
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return t, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	t.Mu.Lock()
	st := t.State
	var nextNodes []string
	if st.NextNode != "" && st.NextNode != review.NodeEnd {
		nextNodes = []string{string(st.NextNode)}
	}
	resp := map[string]any{
		"task_id":              st.TaskID,
		"next_nodes":           nextNodes,
		"is_interrupted":       st.NextNode == review.NodeHumanApproval && !st.IsComplete,
		"current_clause_id":    st.CurrentClauseID,
		"current_clause_index": st.CurrentClauseIndex,
		"total_clauses":        len(st.ReviewChecklist),
		"is_complete":          st.IsComplete,
		"error":                st.Error,
	}
	t.Mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePendingDiffs(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	t.Mu.Lock()
	diffs := append([]review.Diff(nil), t.State.PendingDiffs...)
	clauseID := t.State.CurrentClauseID
	t.Mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_diffs": diffs,
		"clause_id":     clauseID,
	})
}

type diffDecision struct {
	DiffID   string `json:"diff_id"`
	Decision string `json:"decision"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	var req diffDecision
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.applyDecision(t, req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"diff_id":  req.DiffID,
		"decision": req.Decision,
	})
}

func (s *Server) handleApproveBatch(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	var req struct {
		Decisions []diffDecision `json:"decisions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	applied := make([]string, 0, len(req.Decisions))
	for _, d := range req.Decisions {
		if err := s.applyDecision(t, d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		applied = append(applied, d.DiffID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// applyDecision merges one decision into the interrupted state and emits
// the matching SSE event.
func (s *Server) applyDecision(t *Task, d diffDecision) error {
	if d.Decision != "approve" && d.Decision != "reject" {
		return fmt.Errorf("decision must be approve or reject, got %q", d.Decision)
	}
	t.Mu.Lock()
	st := t.State
	var target *review.Diff
	for i := range st.PendingDiffs {
		if st.PendingDiffs[i].DiffID == d.DiffID {
			target = &st.PendingDiffs[i]
			break
		}
	}
	if target == nil {
		t.Mu.Unlock()
		return fmt.Errorf("diff %s is not pending", d.DiffID)
	}
	if st.UserDecisions == nil {
		st.UserDecisions = map[string]string{}
	}
	if st.UserFeedback == nil {
		st.UserFeedback = map[string]string{}
	}
	st.UserDecisions[d.DiffID] = d.Decision
	if d.Feedback != "" {
		st.UserFeedback[d.DiffID] = d.Feedback
	}
	t.Mu.Unlock()

	event := "diff_rejected"
	if d.Decision == "approve" {
		event = "diff_approved"
		if d.Feedback != "" {
			event = "diff_revised"
		}
	}
	t.Cache.Publish(event, map[string]any{
		"diff_id":  d.DiffID,
		"decision": d.Decision,
		"feedback": d.Feedback,
	})
	return nil
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	// Resumable means paused at the approval gate with no dispatch loop in
	// flight; anything else (mid-run, never run, finished) is refused. A
	// second loop on the same state would re-execute nodes.
	t.Mu.Lock()
	resumable := t.State.NextNode == review.NodeHumanApproval && !t.State.IsComplete && !t.runActive
	t.Mu.Unlock()
	if !resumable {
		writeError(w, http.StatusBadRequest, "task is not interrupted")
		return
	}
	if !t.markResumeStarted() {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": "resuming"})
		return
	}

	go func() {
		defer t.markResumeDone()
		if _, err := t.Engine.Resume(context.Background(), t.State); err != nil {
			s.logger.Error("resume failed", zap.String("task_id", t.ID), zap.Error(err))
			if merr := s.sessions.MarkFailed(context.Background(), t.ID, err.Error()); merr != nil {
				s.logger.Warn("mark failed", zap.String("task_id", t.ID), zap.Error(merr))
			}
		}
	}()
	s.startGenerator(t)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": t.ID, "status": "resuming"})
}

type uploadRequest struct {
	Filename string `json:"filename"`
	Role     string `json:"role"`
	Content  string `json:"content"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}

	filename, role, data, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t.Mu.Lock()
	ourParty, language := t.State.OurParty, t.State.Language
	t.Mu.Unlock()

	job, err := s.uploads.CreateJob(r.Context(), t.ID, role, filename, ourParty, language)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	t.Mu.Lock()
	t.uploadData[job.JobID] = data
	t.Mu.Unlock()

	go s.runIngest(t, job.JobID, data)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.JobID,
		"status":      upload.StatusQueued,
		"document_id": nil,
	})
}

// readUpload accepts either a multipart form with a "file" part or a JSON
// body with inline content.
func readUpload(r *http.Request) (filename string, role upload.Role, data []byte, err error) {
	role = upload.RolePrimary
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		file, header, ferr := r.FormFile("file")
		if ferr != nil {
			return "", "", nil, fmt.Errorf("multipart upload requires a file part: %w", ferr)
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			return "", "", nil, fmt.Errorf("read upload: %w", err)
		}
		if v := r.FormValue("role"); v == string(upload.RoleReference) {
			role = upload.RoleReference
		}
		return header.Filename, role, data, nil
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", "", nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Filename == "" || req.Content == "" {
		return "", "", nil, fmt.Errorf("filename and content are required")
	}
	if req.Role == string(upload.RoleReference) {
		role = upload.RoleReference
	}
	return req.Filename, role, []byte(req.Content), nil
}

// runIngest drives one upload job and, on success, attaches the parsed
// document to the task state.
func (s *Server) runIngest(t *Task, jobID string, data []byte) {
	ctx := context.Background()
	res, err := s.worker.Ingest(ctx, jobID, data)
	if err != nil {
		return // job already marked failed, event already published
	}
	job, err := s.uploads.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("job vanished after ingest", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	t.Mu.Lock()
	ref := review.DocumentRef{
		DocumentID: res.DocumentID,
		Role:       string(job.Role),
		Filename:   job.Filename,
		Structure:  res.Structure,
	}
	replaced := false
	for i := range t.State.Documents {
		if t.State.Documents[i].Role == ref.Role && t.State.Documents[i].Filename == ref.Filename {
			t.State.Documents[i] = ref
			replaced = true
			break
		}
	}
	if !replaced {
		t.State.Documents = append(t.State.Documents, ref)
	}
	if job.Role == upload.RolePrimary && len(t.State.ReviewChecklist) == 0 {
		t.State.ReviewChecklist = s.domains.Checklist(t.State.DomainID, res.Structure)
	}
	t.Mu.Unlock()

	if err := s.sessions.Save(ctx, t.State); err != nil {
		s.logger.Warn("checkpoint after ingest failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	jobs, err := s.uploads.ListByTask(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []upload.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleRetryUpload(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	t.Mu.Lock()
	data, haveData := t.uploadData[jobID]
	t.Mu.Unlock()
	if !haveData {
		// The raw bytes live only in the serving process; after a restart
		// re-queueing would strand the job with nothing to run it.
		job, err := s.uploads.Get(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, upload.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("upload job %s not found", jobID))
			} else {
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		if job.Status != upload.StatusFailed {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("job %s is %s: %v", jobID, job.Status, upload.ErrRetryNotAllowed))
			return
		}
		writeError(w, http.StatusConflict, "upload bytes are no longer available; re-upload the document")
		return
	}

	job, err := s.uploads.MarkQueued(r.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrNotFound):
			writeError(w, http.StatusNotFound, fmt.Sprintf("upload job %s not found", jobID))
		case errors.Is(err, upload.ErrRetryNotAllowed):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	go s.runIngest(t, jobID, data)

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	t.Mu.Lock()
	hasPrimary := t.State.PrimaryDocument() != nil
	t.Mu.Unlock()
	if !hasPrimary {
		writeError(w, http.StatusBadRequest, "primary document not uploaded")
		return
	}
	if !t.markRunStarted() {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID, "status": "running"})
		return
	}

	go func() {
		defer t.markRunDone()
		if _, err := t.Engine.Run(context.Background(), t.State); err != nil {
			s.logger.Error("run failed", zap.String("task_id", t.ID), zap.Error(err))
			if merr := s.sessions.MarkFailed(context.Background(), t.ID, err.Error()); merr != nil {
				s.logger.Warn("mark failed", zap.String("task_id", t.ID), zap.Error(merr))
			}
		}
	}()
	s.startGenerator(t)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":      t.ID,
		"status":       "running",
		"graph_run_id": t.GraphRunID,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	WriteSSE(w, r, t.Cache)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	t.Mu.Lock()
	defer t.Mu.Unlock()
	st := t.State
	if !st.IsComplete {
		writeError(w, http.StatusBadRequest, "review is not complete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":       st.TaskID,
		"summary_notes": st.SummaryNotes,
		"total_clauses": len(st.ReviewChecklist),
		"findings":      st.Findings,
		"all_risks":     st.AllRisks,
		"all_diffs":     st.AllDiffs,
		"error":         st.Error,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	t, ok := s.getTask(w, r)
	if !ok {
		return
	}
	t.Mu.Lock()
	st := t.State
	primary := st.PrimaryDocument()
	if primary == nil {
		t.Mu.Unlock()
		writeError(w, http.StatusBadRequest, "primary document not uploaded")
		return
	}
	if !strings.HasSuffix(strings.ToLower(primary.Filename), ".docx") {
		t.Mu.Unlock()
		writeError(w, http.StatusBadRequest, "export requires a docx source document")
		return
	}
	data, contentType, err := s.writer.Render(st)
	t.Mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("render redline: %v", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	plugins := s.domains.List()
	out := make([]map[string]any, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
			"subtypes":    p.Subtypes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "domainID")
	p, ok := s.domains.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("domain %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDomainChecklist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "domainID")
	p, ok := s.domains.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("domain %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain_id": p.ID,
		"checklist": p.Checklist,
	})
}
