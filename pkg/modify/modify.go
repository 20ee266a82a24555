// Package modify computes the effective modification for a request
// given its matched rules. The computation is pure: no I/O, no clock
// reads, no mutation of the inputs. Bounded application wraps the
// computation with a timeout so a runaway rule set can never stall the
// underlying request.
package modify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getreqmod/reqmod/pkg/rule"
)

// DefaultTimeout bounds one modification computation.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when a modification computation exceeds its
// bound. Callers must treat it as "no modification" and let the
// original request proceed unmodified.
var ErrTimeout = errors.New("modification timed out")

// Header is a single request or response header. Duplicate names are
// allowed, mirroring multi-valued header semantics.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list.
type Headers []Header

// Clone returns a copy of the header list.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Get returns the first value for name (case-insensitive) and whether
// any header with that name exists.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// Values returns every value for name (case-insensitive).
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// apply executes one header operation against the accumulated list.
func (h Headers) apply(op rule.HeaderOp) Headers {
	switch op.Operation {
	case rule.HeaderAdd:
		return append(h, Header{Name: op.Name, Value: op.Value})
	case rule.HeaderSet:
		out := h.without(op.Name)
		return append(out, Header{Name: op.Name, Value: op.Value})
	case rule.HeaderRemove:
		return h.without(op.Name)
	default:
		return h
	}
}

func (h Headers) without(name string) Headers {
	out := h[:0:0]
	for _, hdr := range h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	return out
}

// Effect is the computed modification for one request.
type Effect struct {
	// Block is set when any matched rule carries a block action.
	Block bool `json:"block"`

	// RedirectURL is the first redirect target in priority order,
	// empty when no redirect action matched.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// Mock is the first mock response in priority order.
	Mock *rule.MockConfig `json:"mock,omitempty"`

	// Headers is the header list after all header operations.
	Headers Headers `json:"headers,omitempty"`

	// HeadersChanged indicates at least one header operation ran.
	HeadersChanged bool `json:"headersChanged"`

	// DelayMs is the sum of all delay actions across matched rules.
	DelayMs int `json:"delayMs"`

	// AppliedRuleIDs lists the matched rules in priority order.
	AppliedRuleIDs []string `json:"appliedRuleIds,omitempty"`
}

// Modified reports whether the effect changes the request at all.
func (e *Effect) Modified() bool {
	return e.Block || e.RedirectURL != "" || e.Mock != nil || e.HeadersChanged || e.DelayMs > 0
}

// Resolution returns the winning terminal action under the given
// precedence, or "" when only header/delay modifications apply.
func (e *Effect) Resolution(p Precedence) rule.ActionType {
	for _, t := range p {
		switch t {
		case rule.ActionBlock:
			if e.Block {
				return rule.ActionBlock
			}
		case rule.ActionMock:
			if e.Mock != nil {
				return rule.ActionMock
			}
		case rule.ActionRedirect:
			if e.RedirectURL != "" {
				return rule.ActionRedirect
			}
		}
	}
	return ""
}

// Precedence orders the mutually exclusive terminal actions. The
// reference behavior is block > mock > redirect; it is configurable
// rather than hard-coded because the source ordering was inferred from
// call sites.
type Precedence []rule.ActionType

// DefaultPrecedence is block > mock > redirect.
func DefaultPrecedence() Precedence {
	return Precedence{rule.ActionBlock, rule.ActionMock, rule.ActionRedirect}
}

// Engine computes effects from matched rule sets.
type Engine struct {
	precedence Precedence
	timeout    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrecedence overrides the terminal action ordering.
func WithPrecedence(p Precedence) Option {
	return func(e *Engine) {
		if len(p) > 0 {
			e.precedence = p
		}
	}
}

// WithTimeout overrides the computation bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEngine creates a modification engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		precedence: DefaultPrecedence(),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Precedence returns the engine's terminal action ordering.
func (e *Engine) Precedence() Precedence {
	return e.precedence
}

// Compute derives the effect of the matched rules on the given headers.
// Rules must already be ordered by descending priority; actions are
// flattened in that order, each header op acting on the accumulated
// result of prior ops. Invalid actions are skipped defensively.
func (e *Engine) Compute(matched []*rule.Rule, headers Headers) *Effect {
	eff := &Effect{Headers: headers.Clone()}

	for _, r := range matched {
		eff.AppliedRuleIDs = append(eff.AppliedRuleIDs, r.ID)
		for i := range r.Actions {
			a := &r.Actions[i]
			if err := ValidateAction(a); err != nil {
				continue
			}
			switch a.Type {
			case rule.ActionBlock:
				eff.Block = true
			case rule.ActionRedirect:
				if eff.RedirectURL == "" {
					eff.RedirectURL = a.Redirect.URL
				}
			case rule.ActionMock:
				if eff.Mock == nil {
					eff.Mock = a.Mock
				}
			case rule.ActionDelay:
				eff.DelayMs += a.Delay.DurationMs
			case rule.ActionModifyHeaders:
				for _, op := range a.ModifyHeaders.Headers {
					eff.Headers = eff.Headers.apply(op)
				}
				eff.HeadersChanged = true
			}
		}
	}
	return eff
}

// Apply runs Compute bounded by the engine's timeout and the caller's
// context. On timeout or cancellation it returns ErrTimeout and the
// late result, if the computation ever finishes, is discarded.
func (e *Engine) Apply(ctx context.Context, matched []*rule.Rule, headers Headers) (*Effect, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *Effect, 1)
	go func() {
		done <- e.Compute(matched, headers)
	}()

	select {
	case eff := <-done:
		return eff, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
}

// ValidateAction checks a single action's configuration against its
// declared type. It is used at rule-save time and defensively before
// application.
func ValidateAction(a *rule.Action) error {
	return a.Validate()
}
