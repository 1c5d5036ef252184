package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redlinehq/redline/internal/contract"
)

// maxUploadBytes bounds the accepted file size.
const maxUploadBytes = 20 << 20

// IngestResult is what a finished job hands back to the caller wiring the
// document into a review session.
type IngestResult struct {
	DocumentID string
	StorageKey string
	Structure  *contract.Structure
	Meta       map[string]any
}

// Worker turns uploaded bytes into a parsed document structure, reporting
// stage progress through the manager. Parse is swappable for tests.
type Worker struct {
	mgr    *Manager
	logger *zap.Logger
	Parse  func(documentID string, data []byte) (*contract.Structure, error)
}

func NewWorker(mgr *Manager, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{mgr: mgr, logger: logger.Named("ingest"), Parse: contract.ParseText}
}

// Ingest drives one job through running → succeeded/failed. Any error is
// recorded on the job before it is returned.
func (w *Worker) Ingest(ctx context.Context, jobID string, data []byte) (*IngestResult, error) {
	job, err := w.mgr.MarkRunning(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res, err := w.ingest(ctx, job, data)
	if err != nil {
		if _, ferr := w.mgr.MarkFailed(ctx, jobID, err.Error()); ferr != nil {
			w.logger.Error("record job failure", zap.String("job_id", jobID), zap.Error(ferr))
		}
		return nil, err
	}

	if _, err := w.mgr.MarkSucceeded(ctx, jobID, res.Meta); err != nil {
		return nil, err
	}
	w.logger.Info("ingest finished",
		zap.String("job_id", jobID),
		zap.String("document_id", res.DocumentID),
		zap.Int("clauses", len(res.Structure.AllClauses())))
	return res, nil
}

func (w *Worker) ingest(ctx context.Context, job Job, data []byte) (*IngestResult, error) {
	if _, err := w.mgr.UpdateStage(ctx, job.JobID, StageLoading, 30); err != nil {
		return nil, err
	}

	// Hashing and validation each walk the full payload (up to 20 MiB), so
	// the two scans run in parallel.
	var docID string
	var g errgroup.Group
	g.Go(func() error {
		docID = contract.DocumentID(data)
		return nil
	})
	g.Go(func() error {
		return validateUpload(job.Filename, data)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := w.mgr.UpdateStage(ctx, job.JobID, StageParsing, 60); err != nil {
		return nil, err
	}
	st, err := w.Parse(docID, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", job.Filename, err)
	}

	invalidRefs := 0
	for _, ref := range st.CrossReferences {
		if !ref.IsValid {
			invalidRefs++
		}
	}
	res := &IngestResult{
		DocumentID: docID,
		StorageKey: storageKey(docID, job.Filename),
		Structure:  st,
		Meta: map[string]any{
			"document_id":        docID,
			"filename":           job.Filename,
			"total_clauses":      len(st.AllClauses()),
			"definitions":        len(st.Definitions),
			"cross_references":   len(st.CrossReferences),
			"invalid_references": invalidRefs,
			"storage_key":        storageKey(docID, job.Filename),
		},
	}
	return res, nil
}

func validateUpload(filename string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty upload %s", filename)
	}
	if len(data) > maxUploadBytes {
		return fmt.Errorf("upload %s exceeds %d bytes", filename, maxUploadBytes)
	}
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".txt", ".md", "":
	case ".docx":
		// Extraction happens upstream; the docx name is kept so the redline
		// export knows its source format. The content must still be text.
	default:
		// pdf/image text extraction happens upstream of this service.
		return fmt.Errorf("unsupported file type %q: upload extracted text", ext)
	}
	if !utf8.Valid(data) {
		return fmt.Errorf("upload %s is not valid UTF-8 text", filename)
	}
	return nil
}

func storageKey(docID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".txt"
	}
	return "contracts/" + docID + ext
}
