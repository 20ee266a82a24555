package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/getreqmod/reqmod/internal/id"
	"github.com/getreqmod/reqmod/pkg/rule"
)

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatYAML ExportFormat = "yaml"
)

// ImportMode controls how imported rules merge with existing state.
type ImportMode string

const (
	// ImportReplace discards all existing rules before loading the batch.
	ImportReplace ImportMode = "replace"
	// ImportMerge upserts by rule ID, keeping rules the batch does not name.
	ImportMerge ImportMode = "merge"
)

type ruleDocument struct {
	Rules []*rule.Rule `json:"rules" yaml:"rules"`
}

// Export serializes every stored rule.
func (e *Engine) Export(ctx context.Context, format ExportFormat) ([]byte, error) {
	rules, err := e.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	doc := ruleDocument{Rules: rules}
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// Import loads a batch of rules previously produced by Export. The
// whole batch is validated before any rule is stored; a single invalid
// rule rejects the import and leaves existing state untouched. Returns
// the number of rules loaded.
func (e *Engine) Import(ctx context.Context, data []byte, mode ImportMode) (int, error) {
	doc, err := decodeRules(data)
	if err != nil {
		return 0, err
	}
	for i, r := range doc.Rules {
		if r == nil {
			return 0, fmt.Errorf("rule %d: empty entry", i)
		}
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var existing []*rule.Rule
	if mode == ImportMerge {
		existing, err = e.load(ctx)
		if err != nil {
			return 0, err
		}
	} else if mode != ImportReplace && mode != "" {
		return 0, fmt.Errorf("unsupported import mode %q", mode)
	}

	now := e.now()
	merged := existing
	for _, r := range doc.Rules {
		incoming := r.Clone()
		if incoming.ID == "" {
			incoming.ID = id.Rule()
		}
		if idx := indexOf(merged, incoming.ID); idx >= 0 {
			incoming.CreatedAt = merged[idx].CreatedAt
			incoming.UpdatedAt = now
			merged[idx] = incoming
			continue
		}
		if incoming.CreatedAt.IsZero() {
			incoming.CreatedAt = now
		}
		incoming.UpdatedAt = now
		merged = append(merged, incoming)
	}

	if err := e.persist(ctx, merged); err != nil {
		return 0, err
	}
	return len(doc.Rules), nil
}

func decodeRules(data []byte) (*ruleDocument, error) {
	var doc ruleDocument
	if jsonErr := json.Unmarshal(data, &doc); jsonErr == nil {
		return &doc, nil
	}
	if yamlErr := yaml.Unmarshal(data, &doc); yamlErr == nil {
		return &doc, nil
	}
	return nil, fmt.Errorf("data is neither valid JSON nor YAML rule document")
}
