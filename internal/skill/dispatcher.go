// Package skill exposes deterministic analytical handlers as LLM-callable
// tools. The registry owns each skill's input schema; the same schema drives
// argument validation and the tool definition shown to the model, minus the
// orchestrator-internal fields.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/redlinehq/redline/internal/contract"
	"github.com/redlinehq/redline/internal/llm"
)

// The four fields the orchestrator always fills itself. They never appear in
// tool definitions and model-supplied values for them are discarded.
const (
	FieldDocumentStructure = "document_structure"
	FieldStateSnapshot     = "state_snapshot"
	FieldCriteriaData      = "criteria_data"
	FieldCriteriaFilePath  = "criteria_file_path"
)

var internalFields = []string{
	FieldDocumentStructure,
	FieldStateSnapshot,
	FieldCriteriaData,
	FieldCriteriaFilePath,
}

type Backend string

const (
	BackendLocal Backend = "local"
	BackendRefly Backend = "refly"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPreview  Status = "preview"
	StatusDisabled Status = "disabled"
)

// StateSnapshot is the read-only projection of graph state handed to skills.
type StateSnapshot struct {
	TaskID          string                   `json:"task_id"`
	OurParty        string                   `json:"our_party,omitempty"`
	Language        string                   `json:"language,omitempty"`
	DomainID        string                   `json:"domain_id,omitempty"`
	DomainSubtype   string                   `json:"domain_subtype,omitempty"`
	MaterialType    string                   `json:"material_type,omitempty"`
	CurrentClauseID string                   `json:"current_clause_id,omitempty"`
	Checklist       []contract.ChecklistItem `json:"checklist,omitempty"`
	SkillContext    map[string]any           `json:"skill_context,omitempty"`
}

// Input is the typed invocation payload a local handler receives.
type Input struct {
	ClauseID string
	// Args holds the non-internal fields: prepared defaults with any
	// model-supplied arguments merged over them.
	Args             map[string]any
	Structure        *contract.Structure
	State            *StateSnapshot
	CriteriaData     map[string]any
	CriteriaFilePath string
}

// StringArg returns a trimmed string argument or "".
func (in Input) StringArg(key string) string {
	v, ok := in.Args[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// IntArg returns an integer argument (JSON numbers arrive as float64).
func (in Input) IntArg(key string, def int) int {
	switch v := in.Args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

type Handler func(ctx context.Context, in Input) (any, error)

// PrepareFunc builds the default non-internal arguments for a skill from the
// orchestrator's view of the clause.
type PrepareFunc func(clauseID string, st *contract.Structure, snap *StateSnapshot) map[string]any

// RemoteRunner submits a refly workflow and waits for its result.
type RemoteRunner interface {
	RunWorkflow(ctx context.Context, workflowID string, input map[string]any) (any, error)
}

// Registration declares one skill.
type Registration struct {
	SkillID     string
	Name        string
	Description string

	// InputSchema is the full JSON-schema of the handler input, internal
	// fields included.
	InputSchema map[string]any
	// ParametersSchema is the LLM-facing projection. Computed from
	// InputSchema when nil.
	ParametersSchema map[string]any

	Backend         Backend
	LocalHandler    Handler
	ReflyWorkflowID string

	// Domain "*" registers the skill for every domain.
	Domain   string
	Category string
	Status   Status

	PrepareInput PrepareFunc
}

// Result is the uniform outcome of one skill execution.
type Result struct {
	SkillID         string `json:"skill_id"`
	Success         bool   `json:"success"`
	Data            any    `json:"data,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

type registered struct {
	reg    Registration
	schema *jsonschema.Schema // compiled ParametersSchema
}

// Dispatcher is the process-wide skill registry. Registration happens at
// startup; execution is concurrent-safe.
type Dispatcher struct {
	mu     sync.RWMutex
	skills map[string]*registered
	remote RemoteRunner
	logger *zap.Logger

	// Orchestrator-owned review criteria, injected into every call as the
	// criteria_data / criteria_file_path internal fields.
	criteriaData map[string]any
	criteriaPath string
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		skills: map[string]*registered{},
		logger: logger.Named("skill"),
	}
}

// SetRemoteRunner wires the refly backend. Required before registering any
// refly skill.
func (d *Dispatcher) SetRemoteRunner(r RemoteRunner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote = r
}

// SetCriteria configures the review criteria injected into every skill call.
func (d *Dispatcher) SetCriteria(data map[string]any, filePath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.criteriaData = data
	d.criteriaPath = filePath
}

func (d *Dispatcher) Register(reg Registration) error {
	if strings.TrimSpace(reg.SkillID) == "" {
		return fmt.Errorf("skill id is required")
	}
	if reg.Backend == "" {
		reg.Backend = BackendLocal
	}
	switch reg.Backend {
	case BackendLocal:
		if reg.LocalHandler == nil {
			return fmt.Errorf("skill %s: local backend requires a handler", reg.SkillID)
		}
	case BackendRefly:
		if strings.TrimSpace(reg.ReflyWorkflowID) == "" {
			return fmt.Errorf("skill %s: refly backend requires a workflow id", reg.SkillID)
		}
		d.mu.RLock()
		remote := d.remote
		d.mu.RUnlock()
		if remote == nil {
			return fmt.Errorf("skill %s: refly backend requires a remote runner", reg.SkillID)
		}
	default:
		return fmt.Errorf("skill %s: unknown backend %q", reg.SkillID, reg.Backend)
	}
	if reg.Status == "" {
		reg.Status = StatusActive
	}
	if reg.Domain == "" {
		reg.Domain = "*"
	}
	if reg.ParametersSchema == nil {
		reg.ParametersSchema = ProjectParameters(reg.InputSchema)
	}
	schema, err := compileSchema(reg.ParametersSchema)
	if err != nil {
		return fmt.Errorf("skill %s: parameters schema: %w", reg.SkillID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.skills[reg.SkillID]; exists {
		d.logger.Warn("re-registering skill", zap.String("skill_id", reg.SkillID))
	}
	d.skills[reg.SkillID] = &registered{reg: reg, schema: schema}
	return nil
}

// Has reports whether a skill id is registered (any status).
func (d *Dispatcher) Has(skillID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.skills[skillID]
	return ok
}

// SkillIDs returns all registered ids.
func (d *Dispatcher) SkillIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.skills))
	for id := range d.skills {
		out = append(out, id)
	}
	return out
}

// ToolDefinitions returns the LLM tool list for a domain: active skills whose
// Domain is "*" or matches domainID.
func (d *Dispatcher) ToolDefinitions(domainID string) []llm.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(d.skills))
	for _, r := range d.skills {
		if r.reg.Status != StatusActive {
			continue
		}
		if r.reg.Domain != "*" && r.reg.Domain != domainID {
			continue
		}
		out = append(out, llm.ToolDefinition{
			Name:        r.reg.SkillID,
			Description: r.reg.Description,
			Parameters:  r.reg.ParametersSchema,
		})
	}
	return out
}

// PrepareAndCall resolves the skill's prepared defaults, merges the model's
// arguments over them (non-internal fields only), validates, and executes.
// Never returns an error: failures surface as Result{Success:false}.
func (d *Dispatcher) PrepareAndCall(ctx context.Context, skillID, clauseID string, st *contract.Structure, snap *StateSnapshot, llmArgs map[string]any) Result {
	started := time.Now()
	d.mu.RLock()
	r, ok := d.skills[skillID]
	remote := d.remote
	d.mu.RUnlock()
	if !ok {
		return Result{SkillID: skillID, Error: fmt.Sprintf("unknown skill: %s", skillID)}
	}
	if r.reg.Status == StatusDisabled {
		return Result{SkillID: skillID, Error: fmt.Sprintf("skill disabled: %s", skillID)}
	}

	args := map[string]any{}
	if r.reg.PrepareInput != nil {
		for k, v := range r.reg.PrepareInput(clauseID, st, snap) {
			args[k] = v
		}
	} else if clauseID != "" {
		// Best-effort generic fallback.
		args["clause_id"] = clauseID
	}
	for k, v := range llmArgs {
		if isInternalField(k) {
			continue
		}
		args[k] = v
	}
	for _, f := range internalFields {
		delete(args, f)
	}

	if r.schema != nil {
		if err := r.schema.Validate(args); err != nil {
			return Result{
				SkillID:         skillID,
				Error:           fmt.Sprintf("arguments failed schema validation: %v", err),
				ExecutionTimeMS: time.Since(started).Milliseconds(),
			}
		}
	}

	d.mu.RLock()
	criteria := d.criteriaData
	criteriaPath := d.criteriaPath
	d.mu.RUnlock()

	data, err := d.execute(ctx, r, remote, Input{
		ClauseID:         clauseID,
		Args:             args,
		Structure:        st,
		State:            snap,
		CriteriaData:     criteria,
		CriteriaFilePath: criteriaPath,
	})
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		d.logger.Warn("skill failed",
			zap.String("skill_id", skillID),
			zap.String("clause_id", clauseID),
			zap.Int64("elapsed_ms", elapsed),
			zap.Error(err))
		return Result{SkillID: skillID, Error: err.Error(), ExecutionTimeMS: elapsed}
	}
	return Result{SkillID: skillID, Success: true, Data: data, ExecutionTimeMS: elapsed}
}

func (d *Dispatcher) execute(ctx context.Context, r *registered, remote RemoteRunner, in Input) (data any, err error) {
	// A panicking handler must not take down the review loop; surface it as
	// a per-call error like any other skill failure.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("skill %s panicked: %v", r.reg.SkillID, rec)
		}
	}()
	switch r.reg.Backend {
	case BackendRefly:
		if remote == nil {
			return nil, fmt.Errorf("no remote runner configured")
		}
		return remote.RunWorkflow(ctx, r.reg.ReflyWorkflowID, in.Args)
	default:
		return r.reg.LocalHandler(ctx, in)
	}
}

// CallEach invokes each listed skill exactly once and collects successful
// outputs keyed by skill id. Unregistered ids are skipped. This is the
// deterministic fallback path when the model-driven branch is unavailable.
func (d *Dispatcher) CallEach(ctx context.Context, skillIDs []string, clauseID string, st *contract.Structure, snap *StateSnapshot) map[string]any {
	out := map[string]any{}
	seen := map[string]bool{}
	for _, id := range skillIDs {
		if seen[id] || !d.Has(id) {
			continue
		}
		seen[id] = true
		res := d.PrepareAndCall(ctx, id, clauseID, st, snap, nil)
		if res.Success {
			out[id] = res.Data
		}
	}
	return out
}

// ProjectParameters strips the internal fields from a JSON-schema's
// properties and required list. Pure: the input schema is never mutated.
func ProjectParameters(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	out := deepCopy(schema)
	if props, ok := out["properties"].(map[string]any); ok {
		for _, f := range internalFields {
			delete(props, f)
		}
	}
	if req, ok := out["required"].([]any); ok {
		kept := make([]any, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok && isInternalField(s) {
				continue
			}
			kept = append(kept, v)
		}
		out["required"] = kept
	}
	return out
}

func isInternalField(name string) bool {
	for _, f := range internalFields {
		if name == f {
			return true
		}
	}
	return false
}

func deepCopy(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
