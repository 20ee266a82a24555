// Package rule defines the persisted rule model: URL-pattern-to-action
// mappings that control traffic modification, together with their
// validation rules.
package rule

import (
	"time"

	"github.com/getreqmod/reqmod/internal/pattern"
)

// MaxDelayMs bounds a single delay action.
const MaxDelayMs = 30000

// ActionType identifies the kind of modification an action performs.
type ActionType string

const (
	ActionModifyHeaders ActionType = "modifyHeaders"
	ActionRedirect      ActionType = "redirect"
	ActionBlock         ActionType = "block"
	ActionMock          ActionType = "mock"
	ActionDelay         ActionType = "delay"
)

// Rule maps a URL pattern plus optional conditions to a list of actions.
type Rule struct {
	// ID is unique among all rules in the store. Assigned on save if absent.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the rule.
	Name string `json:"name" yaml:"name"`

	// Enabled indicates whether the rule participates in evaluation.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// URLPattern is matched against the full request URL.
	URLPattern string `json:"urlPattern" yaml:"urlPattern"`

	// MatchType selects the pattern dialect (glob or regex).
	MatchType pattern.MatchType `json:"matchType" yaml:"matchType"`

	// Actions are the modifications applied when the rule matches.
	// Must be non-empty.
	Actions []Action `json:"actions" yaml:"actions"`

	// Conditions further restrict matching, combined with AND semantics.
	// An empty list always passes.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// Priority orders matched rules; higher priority rules apply first.
	Priority int `json:"priority" yaml:"priority"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Actions = make([]Action, len(r.Actions))
	for i := range r.Actions {
		c.Actions[i] = *r.Actions[i].clone()
	}
	if r.Conditions != nil {
		c.Conditions = make([]Condition, len(r.Conditions))
		copy(c.Conditions, r.Conditions)
	}
	return &c
}

// Action is a tagged union over the supported modification types.
// Type determines which configuration field is populated; block carries
// no configuration.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	ModifyHeaders *ModifyHeadersConfig `json:"modifyHeaders,omitempty" yaml:"modifyHeaders,omitempty"`
	Redirect      *RedirectConfig      `json:"redirect,omitempty" yaml:"redirect,omitempty"`
	Mock          *MockConfig          `json:"mock,omitempty" yaml:"mock,omitempty"`
	Delay         *DelayConfig         `json:"delay,omitempty" yaml:"delay,omitempty"`
}

func (a *Action) clone() *Action {
	c := *a
	if a.ModifyHeaders != nil {
		mh := ModifyHeadersConfig{Headers: make([]HeaderOp, len(a.ModifyHeaders.Headers))}
		copy(mh.Headers, a.ModifyHeaders.Headers)
		c.ModifyHeaders = &mh
	}
	if a.Redirect != nil {
		r := *a.Redirect
		c.Redirect = &r
	}
	if a.Mock != nil {
		m := *a.Mock
		if a.Mock.Headers != nil {
			m.Headers = make(map[string]string, len(a.Mock.Headers))
			for k, v := range a.Mock.Headers {
				m.Headers[k] = v
			}
		}
		c.Mock = &m
	}
	if a.Delay != nil {
		d := *a.Delay
		c.Delay = &d
	}
	return &c
}

// HeaderOperation is the kind of header modification.
type HeaderOperation string

const (
	// HeaderAdd appends a header; duplicates are allowed, mirroring
	// multi-valued header semantics.
	HeaderAdd HeaderOperation = "add"

	// HeaderSet removes any existing header with the same name
	// (case-insensitive) and then appends.
	HeaderSet HeaderOperation = "set"

	// HeaderRemove deletes all headers matching the name (case-insensitive).
	HeaderRemove HeaderOperation = "remove"
)

// HeaderOp is a single header modification.
type HeaderOp struct {
	Name      string          `json:"name" yaml:"name"`
	Value     string          `json:"value,omitempty" yaml:"value,omitempty"`
	Operation HeaderOperation `json:"operation" yaml:"operation"`
}

// ModifyHeadersConfig carries the header operation list of a
// modifyHeaders action.
type ModifyHeadersConfig struct {
	Headers []HeaderOp `json:"headers" yaml:"headers"`
}

// RedirectConfig carries the target of a redirect action.
type RedirectConfig struct {
	URL string `json:"url" yaml:"url"`
}

// MockConfig carries the synthesized response of a mock action.
type MockConfig struct {
	// Status must be within [100, 599].
	Status  int               `json:"status" yaml:"status"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// DelayConfig carries the duration of a delay action.
type DelayConfig struct {
	// DurationMs must be within [0, MaxDelayMs].
	DurationMs int `json:"durationMs" yaml:"durationMs"`
}

// ConditionType identifies what part of the request a condition inspects.
type ConditionType string

const (
	ConditionMethod       ConditionType = "method"
	ConditionResourceType ConditionType = "resourceType"
	ConditionHeader       ConditionType = "header"
	ConditionQuery        ConditionType = "query"

	// ConditionJSONPath evaluates a JSONPath expression (Key) against the
	// request body and compares the extracted value.
	ConditionJSONPath ConditionType = "jsonPath"

	// ConditionExpr evaluates a boolean expression (Value) over the
	// request descriptor; Operator and Key are unused.
	ConditionExpr ConditionType = "expr"
)

// Operator compares a request value against the condition value.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// Condition restricts a rule to requests satisfying a predicate.
// A rule's condition list is combined with AND semantics.
type Condition struct {
	Type ConditionType `json:"type" yaml:"type"`

	// Key names the header or query parameter to inspect, or holds the
	// JSONPath expression for jsonPath conditions.
	Key string `json:"key,omitempty" yaml:"key,omitempty"`

	Operator Operator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    string   `json:"value" yaml:"value"`
}
