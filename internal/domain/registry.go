// Package domain holds the review-domain plugin catalog. A plugin supplies
// the checklist template for its contract family; templates address clauses
// by glob pattern (`14.*`) expanded against the parsed clause tree.
package domain

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/redlinehq/redline/internal/contract"
)

// GenericID is the catch-all domain every dispatcher skill may target.
const GenericID = "*"

// TemplateItem is one checklist template row. ClausePattern is a doublestar
// glob over dotted clause ids; dots are matched as path separators so `14.*`
// covers direct children and `14.**` the whole subtree.
type TemplateItem struct {
	ClausePattern  string   `yaml:"clause_pattern"`
	ClauseName     string   `yaml:"clause_name"`
	Priority       string   `yaml:"priority"`
	RequiredSkills []string `yaml:"required_skills"`
	Description    string   `yaml:"description"`
}

// Plugin describes one review domain.
type Plugin struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Subtypes    []string       `yaml:"subtypes"`
	Checklist   []TemplateItem `yaml:"checklist"`
}

// Registry is the process-wide plugin catalog. Registration happens at
// startup; reads dominate afterwards.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{plugins: map[string]Plugin{}, logger: logger.Named("domain")}
	r.Register(Plugin{
		ID:          GenericID,
		Name:        "Generic",
		Description: "One medium-priority item per clause when no domain checklist applies.",
	})
	return r
}

func (r *Registry) Register(p Plugin) error {
	if p.ID == "" {
		return fmt.Errorf("domain plugin requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.ID]; ok {
		r.logger.Warn("overwriting domain plugin", zap.String("domain_id", p.ID))
	}
	r.plugins[p.ID] = p
	return nil
}

// LoadFile registers one YAML plugin definition.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read domain plugin %s: %w", path, err)
	}
	var p Plugin
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode domain plugin %s: %w", path, err)
	}
	return r.Register(p)
}

func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// List returns all plugins sorted by id, the generic domain first.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == GenericID {
			return true
		}
		if out[j].ID == GenericID {
			return false
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Checklist expands a domain's template against a parsed document. Unknown
// or generic domains fall back to one item per clause. Each clause lands in
// at most one item; the first matching template row wins.
func (r *Registry) Checklist(domainID string, st *contract.Structure) []contract.ChecklistItem {
	p, ok := r.Get(domainID)
	if !ok || p.ID == GenericID || len(p.Checklist) == 0 {
		return contract.GenericChecklist(st)
	}

	var items []contract.ChecklistItem
	seen := map[string]bool{}
	for _, tpl := range p.Checklist {
		for _, node := range st.AllClauses() {
			if seen[node.ClauseID] || !matchClause(tpl.ClausePattern, node.ClauseID) {
				continue
			}
			seen[node.ClauseID] = true
			name := tpl.ClauseName
			if name == "" {
				name = node.Title
			}
			items = append(items, contract.ChecklistItem{
				ClauseID:       node.ClauseID,
				ClauseName:     name,
				Priority:       contract.NormalizePriority(tpl.Priority),
				RequiredSkills: tpl.RequiredSkills,
				Description:    tpl.Description,
			})
		}
	}
	if len(items) == 0 {
		return contract.GenericChecklist(st)
	}
	return items
}

// matchClause treats dotted clause ids as slash paths so glob semantics
// apply per level: `14.*` matches `14.2` but not `14.2.1`.
func matchClause(pattern, clauseID string) bool {
	if pattern == clauseID {
		return true
	}
	ok, err := doublestar.Match(
		strings.ReplaceAll(pattern, ".", "/"),
		strings.ReplaceAll(clauseID, ".", "/"))
	return err == nil && ok
}
