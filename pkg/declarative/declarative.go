// Package declarative translates rules into a declarative ruleset
// suitable for engines that match requests without callbacks. Each
// translated rule carries a numeric ID, a regex URL filter and a
// single action. Mock actions become redirects to a synthesized data:
// URL carrying the status, headers and body.
//
// Not every rule survives translation. Delay actions and conditions
// that inspect headers, bodies or arbitrary expressions require the
// callback path; such rules are reported as skipped rather than
// silently dropped.
package declarative

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/getreqmod/reqmod/internal/pattern"
	"github.com/getreqmod/reqmod/pkg/rule"
)

// ActionType is the declarative action kind.
type ActionType string

const (
	ActionBlock         ActionType = "block"
	ActionRedirect      ActionType = "redirect"
	ActionModifyHeaders ActionType = "modifyHeaders"
)

// Rule is one declarative rule.
type Rule struct {
	ID        int       `json:"id"`
	Priority  int       `json:"priority"`
	Action    Action    `json:"action"`
	Condition Condition `json:"condition"`
}

// Condition restricts which requests a declarative rule applies to.
type Condition struct {
	// RegexFilter matches against the full request URL.
	RegexFilter string `json:"regexFilter"`

	// ResourceTypes limits the rule to the listed types; empty means all.
	ResourceTypes []string `json:"resourceTypes,omitempty"`

	// RequestMethods limits the rule to the listed methods; empty
	// means all.
	RequestMethods []string `json:"requestMethods,omitempty"`
}

// Action is what a declarative rule does on match.
type Action struct {
	Type ActionType `json:"type"`

	// Redirect is set for ActionRedirect.
	Redirect *Redirect `json:"redirect,omitempty"`

	// RequestHeaders is set for ActionModifyHeaders.
	RequestHeaders []HeaderInfo `json:"requestHeaders,omitempty"`
}

// Redirect is a redirect target.
type Redirect struct {
	URL string `json:"url"`
}

// HeaderInfo is one declarative header operation.
type HeaderInfo struct {
	Header    string `json:"header"`
	Operation string `json:"operation"`
	Value     string `json:"value,omitempty"`
}

// Skip records a rule that could not be translated and why.
type Skip struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// Ruleset is the result of a translation pass.
type Ruleset struct {
	Rules   []Rule `json:"rules"`
	Skipped []Skip `json:"skipped,omitempty"`
}

// mockEnvelope is the payload synthesized into a mock data: URL.
type mockEnvelope struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Convert translates the given rules. Disabled rules are ignored.
// Rules whose actions or conditions cannot be expressed declaratively
// are listed in Skipped. Declarative IDs are assigned sequentially
// starting at 1 in input order.
func Convert(rules []*rule.Rule) *Ruleset {
	rs := &Ruleset{}
	nextID := 1
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		translated, err := convertRule(r, nextID)
		if err != nil {
			rs.Skipped = append(rs.Skipped, Skip{RuleID: r.ID, Reason: err.Error()})
			continue
		}
		rs.Rules = append(rs.Rules, translated...)
		nextID += len(translated)
	}
	return rs
}

func convertRule(r *rule.Rule, nextID int) ([]Rule, error) {
	cond, err := convertCondition(r)
	if err != nil {
		return nil, err
	}

	var out []Rule
	for i := range r.Actions {
		a := &r.Actions[i]
		action, err := convertAction(a)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{
			ID:        nextID + len(out),
			Priority:  declarativePriority(r.Priority),
			Action:    *action,
			Condition: *cond,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rule has no actions")
	}
	return out, nil
}

func convertCondition(r *rule.Rule) (*Condition, error) {
	src, err := pattern.Source(r.URLPattern, r.MatchType)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	cond := &Condition{RegexFilter: src}
	for i := range r.Conditions {
		c := &r.Conditions[i]
		switch {
		case c.Type == rule.ConditionMethod && c.Operator == rule.OpEquals:
			cond.RequestMethods = append(cond.RequestMethods, c.Value)
		case c.Type == rule.ConditionResourceType && c.Operator == rule.OpEquals:
			cond.ResourceTypes = append(cond.ResourceTypes, c.Value)
		default:
			return nil, fmt.Errorf("condition %s/%s requires the callback path", c.Type, c.Operator)
		}
	}
	return cond, nil
}

func convertAction(a *rule.Action) (*Action, error) {
	switch a.Type {
	case rule.ActionBlock:
		return &Action{Type: ActionBlock}, nil

	case rule.ActionRedirect:
		return &Action{
			Type:     ActionRedirect,
			Redirect: &Redirect{URL: a.Redirect.URL},
		}, nil

	case rule.ActionMock:
		u, err := MockDataURL(a.Mock)
		if err != nil {
			return nil, err
		}
		return &Action{
			Type:     ActionRedirect,
			Redirect: &Redirect{URL: u},
		}, nil

	case rule.ActionModifyHeaders:
		var infos []HeaderInfo
		for _, op := range a.ModifyHeaders.Headers {
			infos = append(infos, HeaderInfo{
				Header:    op.Name,
				Operation: string(op.Operation),
				Value:     op.Value,
			})
		}
		return &Action{Type: ActionModifyHeaders, RequestHeaders: infos}, nil

	case rule.ActionDelay:
		return nil, fmt.Errorf("delay actions require the callback path")

	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
}

// MockDataURL synthesizes a data: URL carrying the mock's status,
// headers and body as a base64-encoded JSON envelope.
func MockDataURL(m *rule.MockConfig) (string, error) {
	payload, err := json.Marshal(mockEnvelope{
		Status:  m.Status,
		Headers: m.Headers,
		Body:    m.Body,
	})
	if err != nil {
		return "", fmt.Errorf("encode mock: %w", err)
	}
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(payload), nil
}

// ParseMockDataURL decodes a data: URL produced by MockDataURL back
// into its mock configuration.
func ParseMockDataURL(u string) (*rule.MockConfig, error) {
	const prefix = "data:application/json;base64,"
	if len(u) <= len(prefix) || u[:len(prefix)] != prefix {
		return nil, fmt.Errorf("not a mock data URL")
	}
	payload, err := base64.StdEncoding.DecodeString(u[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode mock data URL: %w", err)
	}
	var env mockEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode mock envelope: %w", err)
	}
	return &rule.MockConfig{Status: env.Status, Headers: env.Headers, Body: env.Body}, nil
}

// declarativePriority maps a signed rule priority onto the positive
// range declarative engines require.
func declarativePriority(p int) int {
	if p < 0 {
		return 1
	}
	return p + 1
}
