// Package session persists review graph state so a task survives process
// restarts. Large states degrade through four self-describing tiers:
// plain JSON → pruned → gzip+base64 envelope → minimal resume skeleton.
package session

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// maxPlainBytes is the size ceiling for an unpacked graph_state payload.
const maxPlainBytes = 5 << 20

// pruneKeys are transcript/debug fields dropped by the second tier.
var pruneKeys = []string{
	"messages",
	"raw_messages",
	"llm_messages",
	"tool_messages",
	"trace",
	"logs",
	"debug",
}

// skeletonKeys are the fields the minimal tier must preserve for a resume.
var skeletonKeys = []string{
	"task_id",
	"current_clause_id",
	"current_clause_index",
	"is_complete",
	"review_checklist",
	"pending_diffs",
	"user_decisions",
	"next_node",
}

// Pack serializes a graph state under the size policy. The returned JSON is
// one of: the plain document, the pruned document, a
// {"__compressed__":true} envelope, or a {"__truncated__":true} skeleton.
func Pack(state any) (json.RawMessage, error) {
	plain, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal graph state: %w", err)
	}
	if len(plain) <= maxPlainBytes {
		return plain, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("reshape graph state: %w", err)
	}
	for _, k := range pruneKeys {
		delete(doc, k)
	}
	pruned, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal pruned state: %w", err)
	}
	if len(pruned) <= maxPlainBytes {
		return pruned, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(pruned); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}
	envelope, err := json.Marshal(map[string]any{
		"__compressed__": true,
		"encoding":       "gzip+base64",
		"payload":        base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, err
	}
	if len(envelope) <= maxPlainBytes {
		return envelope, nil
	}

	// Last resort: keep only what a resume needs.
	skeleton := map[string]json.RawMessage{}
	for _, k := range skeletonKeys {
		if v, ok := doc[k]; ok {
			skeleton[k] = v
		}
	}
	truncated, _ := json.Marshal(true)
	skeleton["__truncated__"] = truncated
	return json.Marshal(skeleton)
}

// Unpack reverses Pack. A compressed envelope is inflated; a truncated
// skeleton is returned as-is — callers must tolerate missing fields and
// abandon the resume when critical slots are empty.
func Unpack(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty graph state")
	}
	var probe struct {
		Compressed bool   `json:"__compressed__"`
		Encoding   string `json:"encoding"`
		Payload    string `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || !probe.Compressed {
		return raw, nil
	}
	if probe.Encoding != "gzip+base64" {
		return nil, fmt.Errorf("unknown graph state encoding %q", probe.Encoding)
	}
	compressed, err := base64.StdEncoding.DecodeString(probe.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode graph state payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("inflate graph state: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate graph state: %w", err)
	}
	return out, nil
}

// IsTruncated reports whether a payload is the minimal skeleton tier.
func IsTruncated(raw json.RawMessage) bool {
	var probe struct {
		Truncated bool `json:"__truncated__"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Truncated
}
