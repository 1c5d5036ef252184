package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/domain"
	"github.com/redlinehq/redline/internal/review"
	"github.com/redlinehq/redline/internal/server"
	"github.com/redlinehq/redline/internal/session"
	"github.com/redlinehq/redline/internal/skill"
	"github.com/redlinehq/redline/internal/upload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "redline:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg := review.Config{
		Mode:               review.Mode(envOr("REDLINE_MODE", string(review.ModeGen3))),
		ReactMaxIterations: envInt("REDLINE_REACT_MAX_ITERATIONS", 0),
		ReactClauseTimeout: envDuration("REDLINE_REACT_CLAUSE_TIMEOUT", 0),
		ReactTemperature:   envFloat("REDLINE_REACT_TEMPERATURE", 0),
	}
	retention := time.Duration(envInt("REDLINE_RETENTION_SECONDS", 3600)) * time.Second
	addr := envOr("REDLINE_ADDR", ":8080")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sessionStore session.Store
	var uploadStore upload.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		pg := session.NewPGStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		upg := upload.NewPGStore(pool)
		if err := upg.Migrate(ctx); err != nil {
			return err
		}
		sessionStore = pg
		uploadStore = upg
		logger.Info("using postgres stores")
	} else {
		sessionStore = session.NewMemoryStore()
		uploadStore = upload.NewMemoryStore()
		logger.Info("using in-memory stores")
	}

	disp := skill.NewDispatcher(logger)
	if err := skill.RegisterBuiltins(disp); err != nil {
		return fmt.Errorf("register builtin skills: %w", err)
	}
	if path := os.Getenv("REDLINE_CRITERIA_FILE"); path != "" {
		disp.SetCriteria(nil, path)
	}

	domains := domain.NewRegistry(logger)
	if dir := os.Getenv("REDLINE_DOMAIN_DIR"); dir != "" {
		if err := loadDomainDir(domains, dir, logger); err != nil {
			return err
		}
	}

	srv := server.New(server.Options{
		Config:       cfg,
		Chat:         nil, // LLM transport is wired by deployment-specific builds
		Dispatcher:   disp,
		SessionStore: sessionStore,
		UploadStore:  uploadStore,
		Domains:      domains,
		Retention:    retention,
		Logger:       logger,
	})
	defer srv.Close()

	failInterruptedUploads(ctx, uploadStore, logger)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("REDLINE_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// failInterruptedUploads closes out jobs left queued or running by a
// previous process. The raw bytes are gone, so they cannot be rescheduled;
// clients re-upload.
func failInterruptedUploads(ctx context.Context, store upload.Store, logger *zap.Logger) {
	mgr := upload.NewManager(store, nil, logger)
	jobs, err := mgr.RecoverableJobs(ctx)
	if err != nil {
		logger.Warn("list recoverable upload jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if _, err := mgr.MarkFailed(ctx, job.JobID, "ingestion interrupted by restart; re-upload required"); err != nil {
			logger.Warn("fail interrupted job", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	if len(jobs) > 0 {
		logger.Info("failed interrupted upload jobs", zap.Int("count", len(jobs)))
	}
}

func loadDomainDir(reg *domain.Registry, dir string, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read domain dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := reg.LoadFile(path); err != nil {
			return err
		}
		logger.Info("loaded domain plugin", zap.String("file", e.Name()))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envDuration accepts Go duration strings ("30s") and bare second counts.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
