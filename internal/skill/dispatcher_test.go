package skill

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redlinehq/redline/internal/contract"
)

func testStructure(t *testing.T) *contract.Structure {
	t.Helper()
	doc := `1. Definitions
"Employer" means the buyer of the works.

14.2 Advance Payment
The Employer shall make an advance payment of USD 1,000,000 within 30 days as per Clause 99.
17.6 Limitation of Liability
Neither Party shall be liable for loss of profit, see Clause 14.2.
`
	st, err := contract.ParseText("doc_test", []byte(doc))
	require.NoError(t, err)
	return st
}

func echoRegistration(id string) Registration {
	return Registration{
		SkillID:     id,
		Name:        id,
		Description: "echoes its arguments",
		InputSchema: objectSchema(clauseProps(map[string]any{
			"note": map[string]any{"type": "string"},
		}), "clause_id", FieldDocumentStructure),
		PrepareInput: prepareClauseID,
		LocalHandler: func(_ context.Context, in Input) (any, error) {
			return map[string]any{"args": in.Args}, nil
		},
	}
}

func TestToolDefinitionsStripInternalFields(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, RegisterBuiltins(d))
	require.NoError(t, d.Register(echoRegistration("echo")))

	defs := d.ToolDefinitions("any-domain")
	require.NotEmpty(t, defs)
	for _, def := range defs {
		props, ok := def.Parameters["properties"].(map[string]any)
		require.True(t, ok, "tool %s has no properties object", def.Name)
		for _, f := range internalFields {
			assert.NotContains(t, props, f, "tool %s leaks %s", def.Name, f)
		}
		if req, ok := def.Parameters["required"].([]any); ok {
			for _, v := range req {
				for _, f := range internalFields {
					assert.NotEqual(t, f, v, "tool %s requires internal %s", def.Name, f)
				}
			}
		}
	}
}

func TestProjectParametersPure(t *testing.T) {
	in := objectSchema(clauseProps(nil), "clause_id", FieldDocumentStructure, FieldStateSnapshot)
	out := ProjectParameters(in)

	// The source schema keeps its internal fields.
	srcProps := in["properties"].(map[string]any)
	assert.Contains(t, srcProps, FieldDocumentStructure)
	assert.Len(t, in["required"], 3)

	outProps := out["properties"].(map[string]any)
	assert.NotContains(t, outProps, FieldDocumentStructure)
	assert.NotContains(t, outProps, FieldStateSnapshot)
	assert.Contains(t, outProps, "clause_id")
	require.Len(t, out["required"], 1)
	assert.Equal(t, "clause_id", out["required"].([]any)[0])
}

func TestToolDefinitionsFilterDomainAndStatus(t *testing.T) {
	d := NewDispatcher(nil)
	mk := func(id, dom string, status Status) Registration {
		r := echoRegistration(id)
		r.Domain = dom
		r.Status = status
		return r
	}
	require.NoError(t, d.Register(mk("generic_skill", "*", StatusActive)))
	require.NoError(t, d.Register(mk("fidic_skill", "fidic", StatusActive)))
	require.NoError(t, d.Register(mk("sha_skill", "sha", StatusActive)))
	require.NoError(t, d.Register(mk("preview_skill", "*", StatusPreview)))

	names := map[string]bool{}
	for _, def := range d.ToolDefinitions("fidic") {
		names[def.Name] = true
	}
	assert.True(t, names["generic_skill"])
	assert.True(t, names["fidic_skill"])
	assert.False(t, names["sha_skill"])
	assert.False(t, names["preview_skill"])
}

func TestPrepareAndCallMergesAndStripsArgs(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(echoRegistration("echo")))
	st := testStructure(t)

	res := d.PrepareAndCall(context.Background(), "echo", "14.2", st, &StateSnapshot{TaskID: "t1"}, map[string]any{
		"note":                 "from the model",
		FieldDocumentStructure: map[string]any{"bogus": true},
		FieldStateSnapshot:     map[string]any{"bogus": true},
	})
	require.True(t, res.Success, res.Error)

	args := res.Data.(map[string]any)["args"].(map[string]any)
	assert.Equal(t, "14.2", args["clause_id"])
	assert.Equal(t, "from the model", args["note"])
	assert.NotContains(t, args, FieldDocumentStructure)
	assert.NotContains(t, args, FieldStateSnapshot)
}

func TestPrepareAndCallSchemaValidation(t *testing.T) {
	d := NewDispatcher(nil)
	reg := echoRegistration("strict")
	reg.InputSchema = objectSchema(clauseProps(map[string]any{
		"count": map[string]any{"type": "integer"},
	}), "clause_id", FieldDocumentStructure)
	require.NoError(t, d.Register(reg))
	st := testStructure(t)

	res := d.PrepareAndCall(context.Background(), "strict", "14.2", st, nil, map[string]any{"count": "three"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "schema validation")
}

func TestPrepareAndCallUnknownAndDisabled(t *testing.T) {
	d := NewDispatcher(nil)
	reg := echoRegistration("off")
	reg.Status = StatusDisabled
	require.NoError(t, d.Register(reg))

	res := d.PrepareAndCall(context.Background(), "nope", "1", nil, nil, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown skill")

	res = d.PrepareAndCall(context.Background(), "off", "1", nil, nil, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disabled")
}

func TestPrepareAndCallRecoversPanic(t *testing.T) {
	d := NewDispatcher(nil)
	reg := echoRegistration("boom")
	reg.LocalHandler = func(_ context.Context, _ Input) (any, error) {
		panic("handler exploded")
	}
	require.NoError(t, d.Register(reg))

	res := d.PrepareAndCall(context.Background(), "boom", "14.2", testStructure(t), nil, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestRegisterValidation(t *testing.T) {
	d := NewDispatcher(nil)
	assert.Error(t, d.Register(Registration{SkillID: " "}))
	assert.Error(t, d.Register(Registration{SkillID: "nolocal"}))
	assert.Error(t, d.Register(Registration{SkillID: "remote", Backend: BackendRefly, ReflyWorkflowID: "wf"}))

	d.SetRemoteRunner(remoteFunc(func(_ context.Context, _ string, _ map[string]any) (any, error) {
		return "ok", nil
	}))
	assert.NoError(t, d.Register(Registration{SkillID: "remote", Backend: BackendRefly, ReflyWorkflowID: "wf"}))
	// Re-registration overwrites.
	assert.NoError(t, d.Register(echoRegistration("remote")))
}

type remoteFunc func(ctx context.Context, workflowID string, input map[string]any) (any, error)

func (f remoteFunc) RunWorkflow(ctx context.Context, workflowID string, input map[string]any) (any, error) {
	return f(ctx, workflowID, input)
}

func TestCallEachDedupesAndSkipsFailures(t *testing.T) {
	d := NewDispatcher(nil)
	calls := map[string]int{}
	mk := func(id string, fail bool) Registration {
		r := echoRegistration(id)
		r.LocalHandler = func(_ context.Context, _ Input) (any, error) {
			calls[id]++
			if fail {
				return nil, fmt.Errorf("%s failed", id)
			}
			return id, nil
		}
		return r
	}
	require.NoError(t, d.Register(mk("a", false)))
	require.NoError(t, d.Register(mk("b", true)))

	out := d.CallEach(context.Background(), []string{"a", "a", "b", "missing"}, "14.2", testStructure(t), nil)
	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 1, calls["b"])
	assert.Equal(t, "a", out["a"])
	assert.NotContains(t, out, "b")
	assert.NotContains(t, out, "missing")
}
