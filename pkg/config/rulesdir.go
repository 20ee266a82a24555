package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/getreqmod/reqmod/pkg/rule"
)

// rulesPattern matches rule files at any depth below the rules directory.
const rulesPattern = "**/*.{json,yaml,yml}"

// LoadError records a rule file that failed to load.
type LoadError struct {
	Path    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// RulesResult is the outcome of scanning a rules directory. Files that
// fail to parse or validate are reported in Errors without aborting
// the scan.
type RulesResult struct {
	Rules     []*rule.Rule
	FileCount int
	Errors    []*LoadError
}

type rulesFile struct {
	Rules []*rule.Rule `json:"rules" yaml:"rules"`
}

// LoadRulesFromDir scans dir recursively for rule files and merges
// them in deterministic path order.
func LoadRulesFromDir(dir string) (*RulesResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rules directory not found: %s", dir)
		}
		return nil, fmt.Errorf("failed to access rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), rulesPattern)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	result := &RulesResult{}
	for _, rel := range matches {
		path := filepath.Join(dir, rel)
		result.FileCount++
		rules, err := loadRulesFile(path)
		if err != nil {
			result.Errors = append(result.Errors, &LoadError{
				Path:    path,
				Message: "failed to load rules",
				Err:     err,
			})
			continue
		}
		result.Rules = append(result.Rules, rules...)
	}
	return result, nil
}

func loadRulesFile(path string) ([]*rule.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc rulesFile
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
	} else {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	}

	for i, r := range doc.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d: empty entry", i)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	return doc.Rules, nil
}
