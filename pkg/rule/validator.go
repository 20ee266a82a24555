package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/ohler55/ojg/jp"

	"github.com/getreqmod/reqmod/internal/pattern"
)

// ValidationError represents a single validation failure with context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every violated constraint found while
// validating a rule. Validation never stops at the first failure.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// headerNameRegex validates HTTP header names (RFC 7230).
var headerNameRegex = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+\-.^_\x60|~]+$`)

// Validate checks the rule against all constraints and returns a
// ValidationErrors listing every violation, or nil when valid.
func (r *Rule) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(r.Name) == "" {
		errs = append(errs, &ValidationError{Field: "name", Message: "name is required"})
	}
	if r.URLPattern == "" {
		errs = append(errs, &ValidationError{Field: "urlPattern", Message: "urlPattern is required"})
	}
	if !r.MatchType.Valid() {
		errs = append(errs, &ValidationError{Field: "matchType", Message: fmt.Sprintf("unknown match type %q", r.MatchType)})
	} else if r.URLPattern != "" {
		if err := pattern.Validate(r.URLPattern, r.MatchType); err != nil {
			errs = append(errs, &ValidationError{Field: "urlPattern", Message: fmt.Sprintf("pattern does not compile: %v", err)})
		}
	}
	if r.Priority < 0 {
		errs = append(errs, &ValidationError{Field: "priority", Message: "priority must be >= 0"})
	}

	if len(r.Actions) == 0 {
		errs = append(errs, &ValidationError{Field: "actions", Message: "at least one action is required"})
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			errs = append(errs, prefixErrors(fmt.Sprintf("actions[%d]", i), err)...)
		}
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].Validate(); err != nil {
			errs = append(errs, prefixErrors(fmt.Sprintf("conditions[%d]", i), err)...)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks that the action's configuration matches its declared
// type: exactly the payload for the declared type must be present and
// internally valid.
func (a *Action) Validate() error {
	var errs ValidationErrors

	switch a.Type {
	case ActionModifyHeaders:
		if a.ModifyHeaders == nil {
			errs = append(errs, &ValidationError{Field: "modifyHeaders", Message: "modifyHeaders config is required"})
			break
		}
		if len(a.ModifyHeaders.Headers) == 0 {
			errs = append(errs, &ValidationError{Field: "modifyHeaders.headers", Message: "at least one header operation is required"})
		}
		for i, op := range a.ModifyHeaders.Headers {
			field := fmt.Sprintf("modifyHeaders.headers[%d]", i)
			if op.Name == "" {
				errs = append(errs, &ValidationError{Field: field + ".name", Message: "header name is required"})
			} else if !headerNameRegex.MatchString(op.Name) {
				errs = append(errs, &ValidationError{Field: field + ".name", Message: fmt.Sprintf("invalid header name %q", op.Name)})
			}
			switch op.Operation {
			case HeaderAdd, HeaderSet:
				// value may legitimately be empty
			case HeaderRemove:
				// no value
			default:
				errs = append(errs, &ValidationError{Field: field + ".operation", Message: fmt.Sprintf("unknown operation %q", op.Operation)})
			}
		}
	case ActionRedirect:
		if a.Redirect == nil {
			errs = append(errs, &ValidationError{Field: "redirect", Message: "redirect config is required"})
		} else if a.Redirect.URL == "" {
			errs = append(errs, &ValidationError{Field: "redirect.url", Message: "redirect url is required"})
		}
	case ActionBlock:
		// block carries no configuration
	case ActionMock:
		if a.Mock == nil {
			errs = append(errs, &ValidationError{Field: "mock", Message: "mock config is required"})
			break
		}
		if a.Mock.Status < 100 || a.Mock.Status > 599 {
			errs = append(errs, &ValidationError{Field: "mock.status", Message: fmt.Sprintf("status %d out of range [100, 599]", a.Mock.Status)})
		}
	case ActionDelay:
		if a.Delay == nil {
			errs = append(errs, &ValidationError{Field: "delay", Message: "delay config is required"})
			break
		}
		if a.Delay.DurationMs < 0 || a.Delay.DurationMs > MaxDelayMs {
			errs = append(errs, &ValidationError{Field: "delay.durationMs", Message: fmt.Sprintf("delay %dms out of range [0, %d]", a.Delay.DurationMs, MaxDelayMs)})
		}
	default:
		errs = append(errs, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown action type %q", a.Type)})
	}

	if err := a.checkStrayConfig(); err != nil {
		errs = append(errs, err.(ValidationErrors)...)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// checkStrayConfig rejects configuration payloads that do not belong to
// the declared action type.
func (a *Action) checkStrayConfig() error {
	var errs ValidationErrors
	if a.ModifyHeaders != nil && a.Type != ActionModifyHeaders {
		errs = append(errs, &ValidationError{Field: "modifyHeaders", Message: fmt.Sprintf("config not allowed for action type %q", a.Type)})
	}
	if a.Redirect != nil && a.Type != ActionRedirect {
		errs = append(errs, &ValidationError{Field: "redirect", Message: fmt.Sprintf("config not allowed for action type %q", a.Type)})
	}
	if a.Mock != nil && a.Type != ActionMock {
		errs = append(errs, &ValidationError{Field: "mock", Message: fmt.Sprintf("config not allowed for action type %q", a.Type)})
	}
	if a.Delay != nil && a.Type != ActionDelay {
		errs = append(errs, &ValidationError{Field: "delay", Message: fmt.Sprintf("config not allowed for action type %q", a.Type)})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Validate checks the condition's type, operator, and value.
func (c *Condition) Validate() error {
	var errs ValidationErrors

	switch c.Type {
	case ConditionMethod, ConditionResourceType:
		errs = append(errs, c.validateOperator()...)
		if c.Value == "" {
			errs = append(errs, &ValidationError{Field: "value", Message: "value is required"})
		}
	case ConditionHeader, ConditionQuery:
		errs = append(errs, c.validateOperator()...)
		if c.Key == "" {
			errs = append(errs, &ValidationError{Field: "key", Message: "key is required"})
		}
	case ConditionJSONPath:
		errs = append(errs, c.validateOperator()...)
		if c.Key == "" {
			errs = append(errs, &ValidationError{Field: "key", Message: "jsonPath expression is required"})
		} else if _, err := jp.ParseString(c.Key); err != nil {
			errs = append(errs, &ValidationError{Field: "key", Message: fmt.Sprintf("jsonPath does not parse: %v", err)})
		}
	case ConditionExpr:
		if c.Value == "" {
			errs = append(errs, &ValidationError{Field: "value", Message: "expression is required"})
		} else if _, err := expr.Compile(c.Value, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
			errs = append(errs, &ValidationError{Field: "value", Message: fmt.Sprintf("expression does not compile: %v", err)})
		}
	default:
		errs = append(errs, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown condition type %q", c.Type)})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (c *Condition) validateOperator() ValidationErrors {
	var errs ValidationErrors
	switch c.Operator {
	case OpEquals, OpContains:
	case OpRegex:
		if c.Value != "" {
			if _, err := regexp.Compile(c.Value); err != nil {
				errs = append(errs, &ValidationError{Field: "value", Message: fmt.Sprintf("regex does not compile: %v", err)})
			}
		}
	default:
		errs = append(errs, &ValidationError{Field: "operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)})
	}
	return errs
}

func prefixErrors(prefix string, err error) ValidationErrors {
	ve, ok := err.(ValidationErrors)
	if !ok {
		return ValidationErrors{{Field: prefix, Message: err.Error()}}
	}
	out := make(ValidationErrors, len(ve))
	for i, e := range ve {
		out[i] = &ValidationError{Field: prefix + "." + e.Field, Message: e.Message}
	}
	return out
}
