package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/llm"
	"github.com/redlinehq/redline/internal/skill"
)

type NodeID string

const (
	NodeInit                NodeID = "init"
	NodeParseDocument       NodeID = "parse_document"
	NodePlanReview          NodeID = "plan_review"
	NodeClauseAnalyze       NodeID = "clause_analyze"
	NodeClauseGenerateDiffs NodeID = "clause_generate_diffs"
	NodeClauseValidate      NodeID = "clause_validate"
	NodeHumanApproval       NodeID = "human_approval"
	NodeSaveClause          NodeID = "save_clause"
	NodeSummarize           NodeID = "summarize"
	NodeEnd                 NodeID = "__end__"
)

type Mode string

const (
	ModeGen3   Mode = "gen3"
	ModeLegacy Mode = "legacy"
)

type Config struct {
	Mode Mode

	// ReactMaxIterations bounds a clause's tool rounds when the plan does
	// not set a budget. Clamped to [1,8].
	ReactMaxIterations int
	// ReactClauseTimeout is the per-clause wall-clock bound on the ReAct
	// branch. On expiry the deterministic fallback runs.
	ReactClauseTimeout time.Duration
	ReactTemperature   float64

	// MaxRetries bounds the validate-fail → regenerate loop per clause.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeGen3
	}
	if c.ReactMaxIterations <= 0 {
		c.ReactMaxIterations = 3
	}
	if c.ReactMaxIterations > maxIterations {
		c.ReactMaxIterations = maxIterations
	}
	if c.ReactClauseTimeout <= 0 {
		c.ReactClauseTimeout = 30 * time.Second
	}
	if c.ReactTemperature <= 0 {
		c.ReactTemperature = 0.2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
}

// Checkpointer persists the state before and after every node. The engine
// never talks to storage directly.
type Checkpointer interface {
	Save(ctx context.Context, s *State) error
}

type NodeFunc func(ctx context.Context, s *State) error

// Engine dispatches the fixed review graph. Nodes run serially; the engine
// is the only state writer while a run is in flight. stateMu, when set, is
// held around each node so HTTP readers can take consistent snapshots.
type Engine struct {
	cfg     Config
	chat    llm.ChatClient
	disp    *skill.Dispatcher
	planner *Planner
	ckpt    Checkpointer
	logger  *zap.Logger
	stateMu sync.Locker

	nodes           map[NodeID]NodeFunc
	interruptBefore map[NodeID]bool
}

func NewEngine(cfg Config, chat llm.ChatClient, disp *skill.Dispatcher, ckpt Checkpointer, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		chat:    chat,
		disp:    disp,
		planner: NewPlanner(chat, cfg.ReactTemperature, logger),
		ckpt:    ckpt,
		logger:  logger.Named("review"),
		interruptBefore: map[NodeID]bool{
			NodeHumanApproval: true,
		},
	}
	e.nodes = map[NodeID]NodeFunc{
		NodeInit:                e.nodeInit,
		NodeParseDocument:       e.nodeParseDocument,
		NodeClauseAnalyze:       e.nodeClauseAnalyze,
		NodeClauseGenerateDiffs: e.nodeClauseGenerateDiffs,
		NodeClauseValidate:      e.nodeClauseValidate,
		NodeHumanApproval:       e.nodeHumanApproval,
		NodeSaveClause:          e.nodeSaveClause,
		NodeSummarize:           e.nodeSummarize,
	}
	// plan_review is mounted only in gen3 mode.
	if cfg.Mode == ModeGen3 {
		e.nodes[NodePlanReview] = e.nodePlanReview
	}
	return e
}

// SetStateLock installs the mutex shared with concurrent state readers.
func (e *Engine) SetStateLock(mu sync.Locker) { e.stateMu = mu }

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// RunResult reports how an execution pass ended.
type RunResult struct {
	Done          bool
	Interrupted   bool
	InterruptNode NodeID
}

// Run executes the graph from init until completion or the first interrupt.
func (e *Engine) Run(ctx context.Context, s *State) (*RunResult, error) {
	e.withLock(func() { s.NextNode = NodeInit })
	return e.runFrom(ctx, s, false)
}

// Resume continues from the node recorded in the state. The interrupt check
// is skipped for that first node, otherwise a paused run could never move.
func (e *Engine) Resume(ctx context.Context, s *State) (*RunResult, error) {
	if s.NextNode == "" || s.NextNode == NodeEnd {
		return nil, fmt.Errorf("nothing to resume for task %s", s.TaskID)
	}
	return e.runFrom(ctx, s, true)
}

func (e *Engine) runFrom(ctx context.Context, s *State, resuming bool) (res *RunResult, err error) {
	// Only a panic in the dispatch loop itself is fatal; it is recorded on
	// the state and surfaced to the caller.
	defer func() {
		if rec := recover(); rec != nil {
			e.withLock(func() { s.Error = fmt.Sprintf("engine panic: %v", rec) })
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()

	first := true
	for {
		var cur NodeID
		e.withLock(func() { cur = s.NextNode })
		if cur == NodeEnd {
			e.checkpoint(ctx, s)
			return &RunResult{Done: true}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if e.interruptBefore[cur] && !(first && resuming) {
			e.checkpoint(ctx, s)
			e.logger.Info("interrupt",
				zap.String("task_id", s.TaskID),
				zap.String("node", string(cur)))
			return &RunResult{Interrupted: true, InterruptNode: cur}, nil
		}

		fn, ok := e.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("missing node: %s", cur)
		}

		e.checkpoint(ctx, s)
		started := time.Now()
		var nodeErr error
		e.withLock(func() { nodeErr = fn(ctx, s) })
		if nodeErr != nil {
			// Node-level failures degrade: record and let routing drain to
			// summarize. Context cancellation is the exception.
			if ctx.Err() != nil {
				return nil, nodeErr
			}
			e.logger.Error("node failed",
				zap.String("task_id", s.TaskID),
				zap.String("node", string(cur)),
				zap.Error(nodeErr))
			e.withLock(func() {
				if s.Error == "" {
					s.Error = nodeErr.Error()
				}
			})
		}
		e.logger.Debug("node done",
			zap.String("task_id", s.TaskID),
			zap.String("node", string(cur)),
			zap.Duration("elapsed", time.Since(started)))

		e.withLock(func() { s.NextNode = e.route(cur, s) })
		e.checkpoint(ctx, s)
		first = false
	}
}

func (e *Engine) withLock(fn func()) {
	if e.stateMu != nil {
		e.stateMu.Lock()
		defer e.stateMu.Unlock()
	}
	fn()
}

func (e *Engine) checkpoint(ctx context.Context, s *State) {
	if e.ckpt == nil {
		return
	}
	if err := e.ckpt.Save(ctx, s); err != nil {
		// Persistence failures are logged, never fatal; the in-memory state
		// keeps the run alive.
		e.logger.Warn("checkpoint failed",
			zap.String("task_id", s.TaskID),
			zap.Error(err))
	}
}

// route evaluates the outgoing edge of cur. Conditions read only state; the
// one exception is the validation edge, which advances the retry counter
// when it loops back to diff generation.
func (e *Engine) route(cur NodeID, s *State) NodeID {
	switch cur {
	case NodeInit:
		return NodeParseDocument
	case NodeParseDocument:
		if e.cfg.Mode == ModeGen3 && s.Error == "" {
			return NodePlanReview
		}
		return e.routeNextClauseOrEnd(s)
	case NodePlanReview:
		return e.routeNextClauseOrEnd(s)
	case NodeClauseAnalyze:
		return e.routeAfterAnalyze(s)
	case NodeClauseGenerateDiffs:
		if len(s.CurrentDiffs) == 0 {
			return NodeSaveClause
		}
		if cp := s.CurrentClausePlan(); cp != nil && cp.SkipValidate {
			return NodeHumanApproval
		}
		return NodeClauseValidate
	case NodeClauseValidate:
		return e.routeValidation(s)
	case NodeHumanApproval:
		return NodeSaveClause
	case NodeSaveClause:
		return e.routeNextClauseOrEnd(s)
	case NodeSummarize:
		return NodeEnd
	default:
		return NodeSummarize
	}
}

func (e *Engine) routeNextClauseOrEnd(s *State) NodeID {
	if s.Error != "" {
		return NodeSummarize
	}
	if s.CurrentClauseIndex < len(s.ReviewChecklist) {
		return NodeClauseAnalyze
	}
	return NodeSummarize
}

func (e *Engine) routeAfterAnalyze(s *State) NodeID {
	if e.cfg.Mode == ModeGen3 {
		if cp := s.CurrentClausePlan(); cp != nil && cp.SkipDiffs {
			return NodeSaveClause
		}
	}
	return NodeClauseGenerateDiffs
}

func (e *Engine) routeValidation(s *State) NodeID {
	if s.ValidationResult == "pass" {
		if len(s.PendingDiffs) == 0 {
			return NodeSaveClause
		}
		return NodeHumanApproval
	}
	if s.ClauseRetryCount < s.MaxRetries {
		s.ClauseRetryCount++
		return NodeClauseGenerateDiffs
	}
	// Retries exhausted: promote to save without approval.
	return NodeSaveClause
}
