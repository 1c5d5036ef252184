package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlinehq/redline/internal/llm"
	"github.com/redlinehq/redline/internal/review"
	"github.com/redlinehq/redline/internal/session"
	"github.com/redlinehq/redline/internal/skill"
	"github.com/redlinehq/redline/internal/upload"
)

const sampleContract = `14.1 Payment
Payment is due within 30 days of invoice.
14.2 Advance Payment
The Employer shall make an advance payment.
17.6 Limitation of Liability
Liability is capped at the contract price.
`

// chatFunc adapts a function to llm.ChatClient.
type chatFunc func(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, temperature float64) (llm.Message, error)

func (f chatFunc) ChatWithTools(ctx context.Context, msgs []llm.Message, tools []llm.ToolDefinition, temperature float64) (llm.Message, error) {
	return f(ctx, msgs, tools, temperature)
}

// scriptedChat drives a full review with one risk and one insert diff per
// clause, keyed off each call's system prompt.
func scriptedChat() chatFunc {
	return func(_ context.Context, msgs []llm.Message, _ []llm.ToolDefinition, _ float64) (llm.Message, error) {
		if len(msgs) == 0 {
			return llm.Assistant(`{}`), nil
		}
		sys := msgs[0].Content
		switch {
		case strings.Contains(sys, "contract review analyst"):
			if msgs[len(msgs)-1].Role == llm.RoleTool {
				return llm.Assistant(`[{"risk_level":"medium","description":"one-sided terms"}]`), nil
			}
			return llm.AssistantToolCalls([]llm.ToolCall{
				{ID: "c1", Name: skill.SkillClauseContext, Arguments: json.RawMessage(`{}`)},
			}), nil
		case strings.Contains(sys, "You turn contract review risks"):
			return llm.Assistant(`[{"action_type":"insert","proposed_text":"A written notice is required.","reason":"add notice"}]`), nil
		case strings.Contains(sys, "quality gate"):
			return llm.Assistant(`{"result":"pass"}`), nil
		default:
			return llm.Assistant(`{}`), nil
		}
	}
}

func newTestServer(t *testing.T, chat llm.ChatClient, store session.Store) *Server {
	t.Helper()
	disp := skill.NewDispatcher(nil)
	require.NoError(t, skill.RegisterBuiltins(disp))
	s := New(Options{
		Chat:         chat,
		Dispatcher:   disp,
		SessionStore: store,
		PollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

// startTask creates a review task and uploads the sample contract, waiting
// for ingestion to finish.
func startTask(t *testing.T, s *Server, taskID string) {
	t.Helper()
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": taskID})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/"+taskID+"/upload", map[string]any{
		"filename": "contract.txt",
		"role":     "primary",
		"content":  sampleContract,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "queued", body["status"])

	require.Eventually(t, func() bool {
		_, body := doJSON(t, s, "GET", "/api/v3/review/"+taskID+"/uploads", nil)
		jobs, _ := body["jobs"].([]any)
		if len(jobs) == 0 {
			return false
		}
		job := jobs[0].(map[string]any)
		return job["status"] == "succeeded"
	}, 2*time.Second, 10*time.Millisecond, "upload never succeeded")
}

func waitStatus(t *testing.T, s *Server, taskID string, cond func(map[string]any) bool) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		rec, body := doJSON(t, s, "GET", "/api/v3/review/"+taskID+"/status", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = body
		return cond(body)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func newMultipart(t *testing.T, buf *bytes.Buffer, filename, content, role string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("role", role))
	require.NoError(t, mw.Close())
	return mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, body := doJSON(t, s, "GET", "/api/v3/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStartReview(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{
		"task_id":   "task-1",
		"our_party": "Contractor",
		"domain_id": "fidic",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "task-1", body["task_id"])
	assert.Equal(t, "created", body["status"])
	assert.NotEmpty(t, body["graph_run_id"])

	// A duplicate task id conflicts.
	rec, _ = doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unsafe ids are rejected.
	rec, _ = doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "../etc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// An empty body gets a generated task id.
	rec, body = doJSON(t, s, "POST", "/api/v3/review/start", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, strings.HasPrefix(body["task_id"].(string), "task_"))
}

func TestUnknownTaskIs404(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for _, path := range []string{
		"/api/v3/review/ghost/status",
		"/api/v3/review/ghost/pending-diffs",
		"/api/v3/review/ghost/uploads",
	} {
		rec, body := doJSON(t, s, "GET", path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, body["detail"], "not found")
	}
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-up"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-up/upload", map[string]any{"filename": "a.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "content")

	// Rejected file types fail the job asynchronously, not the request.
	rec, body = doJSON(t, s, "POST", "/api/v3/review/task-up/upload", map[string]any{
		"filename": "a.pdf",
		"content":  "binary-ish",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := body["job_id"].(string)
	require.Eventually(t, func() bool {
		_, body := doJSON(t, s, "GET", "/api/v3/review/task-up/uploads", nil)
		jobs, _ := body["jobs"].([]any)
		for _, j := range jobs {
			job := j.(map[string]any)
			if job["job_id"] == jobID {
				return job["status"] == "failed"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUploadMultipart(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-mp"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "contract.txt", sampleContract, "primary")
	req := httptest.NewRequest("POST", "/api/v3/review/task-mp/upload", &buf)
	req.Header.Set("Content-Type", mw)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestRunRequiresPrimaryDocument(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-np"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-np/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "primary document")
}

func TestFullReviewWithoutLLM(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-f1")

	// The checklist was built from the uploaded document.
	status := waitStatus(t, s, "task-f1", func(b map[string]any) bool {
		return b["total_clauses"].(float64) == 3
	})
	assert.Equal(t, false, status["is_complete"])

	// Result is refused before the run completes.
	rec, _ := doJSON(t, s, "GET", "/api/v3/review/task-f1/result", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-f1/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "running", body["status"])
	assert.NotEmpty(t, body["graph_run_id"])

	waitStatus(t, s, "task-f1", func(b map[string]any) bool {
		return b["is_complete"].(bool)
	})

	rec, body = doJSON(t, s, "GET", "/api/v3/review/task-f1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-f1", body["task_id"])
	assert.Contains(t, body["summary_notes"], "Reviewed 3 clauses")
	assert.EqualValues(t, 3, body["total_clauses"])
	findings := body["findings"].(map[string]any)
	assert.Len(t, findings, 3)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t, scriptedChat(), nil)
	startTask(t, s, "task-ap")

	rec, _ := doJSON(t, s, "POST", "/api/v3/review/task-ap/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	for round := 0; round < 3; round++ {
		waitStatus(t, s, "task-ap", func(b map[string]any) bool {
			return b["is_interrupted"].(bool)
		})

		rec, body = doJSON(t, s, "GET", "/api/v3/review/task-ap/pending-diffs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		diffs := body["pending_diffs"].([]any)
		require.NotEmpty(t, diffs)
		diffID := diffs[0].(map[string]any)["diff_id"].(string)

		// Invalid decisions are rejected before touching state.
		rec, _ = doJSON(t, s, "POST", "/api/v3/review/task-ap/approve", map[string]any{
			"diff_id": diffID, "decision": "maybe",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec, _ = doJSON(t, s, "POST", "/api/v3/review/task-ap/approve", map[string]any{
			"diff_id": "diff_ghost", "decision": "approve",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec, _ = doJSON(t, s, "POST", "/api/v3/review/task-ap/approve", map[string]any{
			"diff_id": diffID, "decision": "approve",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		rec, body = doJSON(t, s, "POST", "/api/v3/review/task-ap/resume", nil)
		require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)
		assert.Equal(t, "resuming", body["status"])

		// Wait for the resume to leave the interrupt before the next round.
		waitStatus(t, s, "task-ap", func(b map[string]any) bool {
			return b["is_complete"].(bool) || !b["is_interrupted"].(bool)
		})
	}

	waitStatus(t, s, "task-ap", func(b map[string]any) bool {
		return b["is_complete"].(bool)
	})

	rec, body = doJSON(t, s, "GET", "/api/v3/review/task-ap/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	allDiffs := body["all_diffs"].([]any)
	require.Len(t, allDiffs, 3)
	for _, d := range allDiffs {
		assert.Equal(t, "approved", d.(map[string]any)["status"])
	}
}

func TestResumeRequiresInterrupt(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-ri"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-ri/resume", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "not interrupted")
}

func TestResumeOnlyFromApprovalGate(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-rg")

	// A checkpoint parked on any node but the approval gate is a crashed or
	// in-flight run; resuming it would start a second dispatch loop over the
	// same clauses.
	task, ok := s.registry.Get("task-rg")
	require.True(t, ok)
	task.Mu.Lock()
	task.State.NextNode = review.NodeClauseAnalyze
	task.Mu.Unlock()

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-rg/resume", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "not interrupted")
}

func TestResumeAfterRestartStreamsEvents(t *testing.T) {
	store := session.NewMemoryStore()
	s1 := newTestServer(t, scriptedChat(), store)
	startTask(t, s1, "task-rr")

	rec, _ := doJSON(t, s1, "POST", "/api/v3/review/task-rr/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitStatus(t, s1, "task-rr", func(b map[string]any) bool {
		return b["is_interrupted"].(bool)
	})

	// A fresh instance sharing the store picks the task up at the approval
	// gate and drives it to completion over the events stream.
	s2 := newTestServer(t, scriptedChat(), store)
	for i := 0; i < 5; i++ {
		last := waitStatus(t, s2, "task-rr", func(b map[string]any) bool {
			return b["is_complete"].(bool) || b["is_interrupted"].(bool)
		})
		if last["is_complete"].(bool) {
			break
		}
		rec, _ := doJSON(t, s2, "POST", "/api/v3/review/task-rr/resume", nil)
		require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)
		waitStatus(t, s2, "task-rr", func(b map[string]any) bool {
			return b["is_complete"].(bool) || !b["is_interrupted"].(bool)
		})
	}

	task, ok := s2.registry.Get("task-rr")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		var progress, complete bool
		for _, ev := range task.Cache.History() {
			switch ev.Type {
			case "review_progress":
				progress = true
			case "review_complete":
				complete = true
			}
		}
		return progress && complete
	}, 2*time.Second, 10*time.Millisecond, "restarted instance published no review events")
}

func TestEventsReplayAfterConnect(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-ev")

	// The upload lifecycle events were published before any client connected.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/v3/review/task-ev/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: upload_progress\n")
	assert.Contains(t, body, "event: upload_complete\n")
	assert.Contains(t, body, "document_id")
}

func TestSSEStreamDuringRun(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-sse")

	rec, _ := doJSON(t, s, "POST", "/api/v3/review/task-sse/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitStatus(t, s, "task-sse", func(b map[string]any) bool {
		return b["is_complete"].(bool)
	})

	// Give the generator one more poll to publish review_complete.
	require.Eventually(t, func() bool {
		t1, ok := s.registry.Get("task-sse")
		if !ok {
			return false
		}
		for _, ev := range t1.Cache.History() {
			if ev.Type == "review_complete" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/v3/review/task-sse/events", nil).WithContext(ctx)
	srec := httptest.NewRecorder()
	s.ServeHTTP(srec, req)

	body := srec.Body.String()
	assert.Contains(t, body, "event: review_progress\n")
	assert.Contains(t, body, "event: review_complete\n")
}

func TestRetryUploadGate(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-rt")

	_, body := doJSON(t, s, "GET", "/api/v3/review/task-rt/uploads", nil)
	job := body["jobs"].([]any)[0].(map[string]any)
	jobID := job["job_id"].(string)

	// A succeeded job cannot be retried.
	rec, body := doJSON(t, s, "POST", fmt.Sprintf("/api/v3/review/task-rt/uploads/%s/retry", jobID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "retry allowed only from failed")

	rec, _ = doJSON(t, s, "POST", "/api/v3/review/task-rt/uploads/ghost/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryUploadWithoutBytesRejected(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-rb")

	_, body := doJSON(t, s, "GET", "/api/v3/review/task-rb/uploads", nil)
	jobID := body["jobs"].([]any)[0].(map[string]any)["job_id"].(string)

	// Simulate a restart: the job record survives in the store but the raw
	// bytes kept in-process are gone.
	_, err := s.uploads.MarkFailed(context.Background(), jobID, "ingestion interrupted")
	require.NoError(t, err)
	task, ok := s.registry.Get("task-rb")
	require.True(t, ok)
	task.Mu.Lock()
	delete(task.uploadData, jobID)
	task.Mu.Unlock()

	rec, body := doJSON(t, s, "POST", fmt.Sprintf("/api/v3/review/task-rb/uploads/%s/retry", jobID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["detail"], "re-upload")

	// The job stays failed so a re-upload plus retry remains possible.
	job, err := s.uploads.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusFailed, job.Status)
}

func TestExportRequiresDocxSource(t *testing.T) {
	s := newTestServer(t, nil, nil)
	startTask(t, s, "task-ex")

	rec, body := doJSON(t, s, "POST", "/api/v3/review/task-ex/export", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "docx")

	rec, _ = doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-ex2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, body = doJSON(t, s, "POST", "/api/v3/review/task-ex2/export", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["detail"], "primary document")
}

func TestExportFromDocxNamedUpload(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec, _ := doJSON(t, s, "POST", "/api/v3/review/start", map[string]any{"task_id": "task-ex3"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = doJSON(t, s, "POST", "/api/v3/review/task-ex3/upload", map[string]any{
		"filename": "contract.docx",
		"role":     "primary",
		"content":  sampleContract,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		_, body := doJSON(t, s, "GET", "/api/v3/review/task-ex3/uploads", nil)
		jobs, _ := body["jobs"].([]any)
		return len(jobs) > 0 && jobs[0].(map[string]any)["status"] == "succeeded"
	}, 2*time.Second, 10*time.Millisecond)

	req := httptest.NewRequest("POST", "/api/v3/review/task-ex3/export", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "REDLINE task-ex3")
}

func TestDomainsEndpoints(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec, body := doJSON(t, s, "GET", "/api/v3/domains/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	domains := body["domains"].([]any)
	require.NotEmpty(t, domains)
	assert.Equal(t, "*", domains[0].(map[string]any)["id"])

	rec, _ = doJSON(t, s, "GET", "/api/v3/domains/*", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, s, "GET", "/api/v3/domains/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doJSON(t, s, "GET", "/api/v3/domains/nope/checklist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_ = body
}

func TestTaskRestoredFromSessionStore(t *testing.T) {
	store := session.NewMemoryStore()
	s1 := newTestServer(t, nil, store)
	startTask(t, s1, "task-rs")

	// The post-ingest checkpoint lands asynchronously; wait for it before
	// pretending to restart.
	mgr := session.NewManager(store, nil)
	require.Eventually(t, func() bool {
		st, _, err := mgr.Load(context.Background(), "task-rs")
		return err == nil && len(st.ReviewChecklist) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh server instance sharing the store restores the task on demand.
	s2 := newTestServer(t, nil, store)
	rec, body := doJSON(t, s2, "GET", "/api/v3/review/task-rs/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "task-rs", body["task_id"])
	assert.EqualValues(t, 3, body["total_clauses"])
}
