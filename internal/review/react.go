package review

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
	"github.com/redlinehq/redline/internal/skill"
)

// toolResultLimit caps the serialized tool payload fed back to the model.
const toolResultLimit = 3000

type reactOutcome struct {
	risks        []Risk
	skillContext map[string]any
	messages     []llm.Message
}

// runReact interleaves chat_with_tools calls with parallel tool execution
// until the model answers without tool calls or the iteration budget runs
// out. Accumulated context survives every failure mode.
func (e *Engine) runReact(ctx context.Context, s *State, item *contract.ChecklistItem, maxIter int) (*reactOutcome, error) {
	out := &reactOutcome{
		risks:        []Risk{},
		skillContext: map[string]any{},
	}
	tools := e.disp.ToolDefinitions(s.DomainID)
	out.messages = analyzeMessages(s, item, s.CurrentClauseText)

	for iter := 1; iter <= maxIter; iter++ {
		// Once the clause deadline passes the caller runs the fallback and
		// later nodes write the state; this goroutine must not touch it again.
		if err := ctx.Err(); err != nil {
			return out, err
		}
		started := time.Now()
		reply, err := e.chat.ChatWithTools(ctx, out.messages, tools, e.cfg.ReactTemperature)
		if err != nil {
			e.logger.Warn("react chat call failed",
				zap.String("task_id", s.TaskID),
				zap.String("clause_id", item.ClauseID),
				zap.Int("iteration", iter),
				zap.Error(err))
			return out, nil
		}

		if len(reply.ToolCalls) == 0 {
			out.messages = append(out.messages, llm.Assistant(reply.Content))
			out.risks = parseRisks(reply.Content)
			e.logger.Info("react iteration",
				zap.String("clause_id", item.ClauseID),
				zap.Int("iteration", iter),
				zap.Int("tools_called", 0),
				zap.Int64("elapsed_ms", time.Since(started).Milliseconds()))
			return out, nil
		}

		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.messages = append(out.messages, llm.AssistantToolCalls(reply.ToolCalls))
		toolMsgs := e.executeToolCalls(ctx, s, item.ClauseID, reply.ToolCalls, out.skillContext)
		out.messages = append(out.messages, toolMsgs...)

		e.logger.Info("react iteration",
			zap.String("clause_id", item.ClauseID),
			zap.Int("iteration", iter),
			zap.Int("tools_called", len(reply.ToolCalls)),
			zap.Int64("elapsed_ms", time.Since(started).Milliseconds()))
	}

	e.logger.Warn("react loop forced to end at iteration budget",
		zap.String("task_id", s.TaskID),
		zap.String("clause_id", item.ClauseID),
		zap.Int("max_iterations", maxIter))
	out.risks = []Risk{}
	return out, nil
}

// executeToolCalls fans out every call of one iteration concurrently. A
// failing call surfaces as a tool-role error message; its siblings are
// unaffected. Results land in skillContext keyed by skill id, so arrival
// order is irrelevant downstream.
func (e *Engine) executeToolCalls(ctx context.Context, s *State, currentClauseID string, calls []llm.ToolCall, skillContext map[string]any) []llm.Message {
	type callResult struct {
		res  skill.Result
		args map[string]any
	}
	results := make([]callResult, len(calls))

	// State reads happen once, up front; the goroutines below may outlive
	// the iteration that spawned them.
	snap := s.Snapshot()
	structure := s.PrimaryStructure
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i := range calls {
		i := i
		go func() {
			defer wg.Done()
			call := calls[i]
			args := map[string]any{}
			if len(call.Arguments) > 0 {
				// Unparseable arguments degrade to an empty object.
				_ = json.Unmarshal(call.Arguments, &args)
			}
			clauseID := currentClauseID
			if v, ok := args["clause_id"].(string); ok && v != "" {
				clauseID = v
			}
			results[i] = callResult{
				res:  e.disp.PrepareAndCall(ctx, call.Name, clauseID, structure, snap, args),
				args: args,
			}
		}()
	}
	wg.Wait()

	msgs := make([]llm.Message, 0, len(calls))
	for i, call := range calls {
		res := results[i].res
		if res.Success {
			skillContext[res.SkillID] = res.Data
			payload, err := json.Marshal(res.Data)
			if err != nil {
				payload = []byte(`{"error":"unserializable result"}`)
			}
			msgs = append(msgs, llm.ToolResult(call.ID, call.Name, truncate(string(payload), toolResultLimit)))
			continue
		}
		errPayload, _ := json.Marshal(map[string]string{"error": res.Error})
		msgs = append(msgs, llm.ToolResult(call.ID, call.Name, string(errPayload)))
	}
	return msgs
}
