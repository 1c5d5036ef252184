// Package server exposes the review orchestrator over REST (/api/v3) and
// SSE. It owns the active-graphs registry; everything durable lives behind
// the session and upload managers.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/domain"
	"github.com/redlinehq/redline/internal/llm"
	"github.com/redlinehq/redline/internal/review"
	"github.com/redlinehq/redline/internal/session"
	"github.com/redlinehq/redline/internal/skill"
	"github.com/redlinehq/redline/internal/upload"
)

// Options wires the server's collaborators.
type Options struct {
	Config       review.Config
	Chat         llm.ChatClient // nil runs every task on deterministic fallbacks
	Dispatcher   *skill.Dispatcher
	SessionStore session.Store
	UploadStore  upload.Store
	Domains      *domain.Registry
	Writer       RedlineWriter
	Retention    time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

type Server struct {
	cfg          review.Config
	chat         llm.ChatClient
	disp         *skill.Dispatcher
	sessions     *session.Manager
	uploads      *upload.Manager
	worker       *upload.Worker
	domains      *domain.Registry
	registry     *Registry
	writer       RedlineWriter
	pollInterval time.Duration
	logger       *zap.Logger
	router       chi.Router
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewMemoryStore()
	}
	if opts.UploadStore == nil {
		opts.UploadStore = upload.NewMemoryStore()
	}
	if opts.Domains == nil {
		opts.Domains = domain.NewRegistry(logger)
	}
	if opts.Writer == nil {
		opts.Writer = TextRedlineWriter{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	s := &Server{
		cfg:          opts.Config,
		chat:         opts.Chat,
		disp:         opts.Dispatcher,
		sessions:     session.NewManager(opts.SessionStore, logger),
		domains:      opts.Domains,
		registry:     NewRegistry(opts.Retention, logger),
		writer:       opts.Writer,
		pollInterval: opts.PollInterval,
		logger:       logger.Named("server"),
	}
	s.uploads = upload.NewManager(opts.UploadStore, s.registry, logger)
	s.worker = upload.NewWorker(s.uploads, logger)
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background pruning. In-flight runs finish on their own.
func (s *Server) Close() {
	s.registry.Close()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v3", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)

		r.Route("/review", func(r chi.Router) {
			r.Post("/start", s.handleStartReview)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/status", s.handleStatus)
				r.Get("/pending-diffs", s.handlePendingDiffs)
				r.Post("/approve", s.handleApprove)
				r.Post("/approve-batch", s.handleApproveBatch)
				r.Post("/resume", s.handleResume)
				r.Post("/upload", s.handleUpload)
				r.Get("/uploads", s.handleListUploads)
				r.Post("/uploads/{jobID}/retry", s.handleRetryUpload)
				r.Post("/run", s.handleRun)
				r.Get("/events", s.handleEvents)
				r.Get("/result", s.handleResult)
				r.Post("/export", s.handleExport)
			})
		})

		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.handleListDomains)
			r.Get("/{domainID}", s.handleGetDomain)
			r.Get("/{domainID}/checklist", s.handleDomainChecklist)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
