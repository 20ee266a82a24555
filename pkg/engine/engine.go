// Package engine owns the rule collection: CRUD with validation,
// enable/disable, import/export, and request-to-rule evaluation.
//
// The engine persists the whole collection under a single storage key
// and reloads it on every operation, so a toggle is visible to the very
// next evaluation with no caching layer in between. All mutating
// operations serialize through a single mutex; evaluation is read-only
// and safe to call concurrently with itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getreqmod/reqmod/internal/id"
	"github.com/getreqmod/reqmod/internal/pattern"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/logging"
	"github.com/getreqmod/reqmod/pkg/rule"
)

// StorageKey is the logical key the rule collection is persisted under.
const StorageKey = "rules"

// ErrNotFound is returned when an operation references a rule ID that
// is not in the store.
var ErrNotFound = errors.New("rule not found")

// Request is the descriptor evaluated against the rule set.
type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	Body         string            `json:"body,omitempty"`
	ResourceType string            `json:"resourceType,omitempty"`
	TabID        int               `json:"tabId,omitempty"`
}

// Stats counts evaluation outcomes.
type Stats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// Engine owns the rule collection.
type Engine struct {
	store kvstore.Store
	log   *slog.Logger

	// mu serializes mutating read-modify-write cycles so two
	// concurrent saves cannot lose an update.
	mu sync.Mutex

	total   atomic.Int64
	matched atomic.Int64
	byRule  sync.Map // rule ID -> *atomic.Int64

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine persisting through store.
func New(store kvstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   logging.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SaveRule validates r and persists it. An existing ID updates the rule
// in place, preserving CreatedAt and bumping UpdatedAt; otherwise a new
// rule is created with a fresh ID and both timestamps set to now.
// Returns the rule's ID.
func (e *Engine) SaveRule(ctx context.Context, r *rule.Rule) (string, error) {
	if r == nil {
		return "", errors.New("rule is nil")
	}
	if err := r.Validate(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rules, err := e.load(ctx)
	if err != nil {
		return "", err
	}

	now := e.now()
	stored := r.Clone()
	if stored.ID != "" {
		if i := indexOf(rules, stored.ID); i >= 0 {
			stored.CreatedAt = rules[i].CreatedAt
			stored.UpdatedAt = now
			rules[i] = stored
			if err := e.persist(ctx, rules); err != nil {
				return "", err
			}
			e.log.Debug("rule updated", "id", stored.ID, "name", stored.Name)
			return stored.ID, nil
		}
	}

	if stored.ID == "" {
		stored.ID = id.Rule()
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	rules = append(rules, stored)
	if err := e.persist(ctx, rules); err != nil {
		return "", err
	}
	e.log.Debug("rule created", "id", stored.ID, "name", stored.Name)
	return stored.ID, nil
}

// DeleteRule removes the rule with the given ID. A missing ID is a
// no-op, logged for diagnostics.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, err := e.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(rules, ruleID)
	if i < 0 {
		e.log.Debug("delete of absent rule ignored", "id", ruleID)
		return nil
	}
	rules = append(rules[:i], rules[i+1:]...)
	return e.persist(ctx, rules)
}

// ToggleRule sets the rule's enabled flag and bumps UpdatedAt. The
// change is visible to the very next Evaluate call.
func (e *Engine) ToggleRule(ctx context.Context, ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, err := e.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(rules, ruleID)
	if i < 0 {
		return fmt.Errorf("toggle %q: %w", ruleID, ErrNotFound)
	}
	rules[i].Enabled = enabled
	rules[i].UpdatedAt = e.now()
	return e.persist(ctx, rules)
}

// GetRule returns the rule with the given ID.
func (e *Engine) GetRule(ctx context.Context, ruleID string) (*rule.Rule, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if i := indexOf(rules, ruleID); i >= 0 {
		return rules[i].Clone(), nil
	}
	return nil, fmt.Errorf("get %q: %w", ruleID, ErrNotFound)
}

// ListRules returns the whole collection in insertion order.
func (e *Engine) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*rule.Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out, nil
}

// Evaluate returns the enabled rules whose pattern and conditions
// match the request, sorted by descending priority. Ties break by
// CreatedAt ascending, then ID, so the order is stable.
func (e *Engine) Evaluate(ctx context.Context, req *Request) ([]*rule.Rule, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return nil, err
	}

	e.total.Add(1)

	var matched []*rule.Rule
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !pattern.Matches(req.URL, r.URLPattern, r.MatchType) {
			continue
		}
		if !conditionsMatch(req, r.Conditions) {
			continue
		}
		matched = append(matched, r.Clone())
	}

	if len(matched) == 0 {
		return nil, nil
	}

	e.matched.Add(1)
	for _, r := range matched {
		e.countRule(r.ID)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched, nil
}

// Stats returns a snapshot of evaluation counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Total:   e.total.Load(),
		Matched: e.matched.Load(),
		ByRule:  make(map[string]int64),
	}
	e.byRule.Range(func(key, value any) bool {
		s.ByRule[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return s
}

func (e *Engine) countRule(ruleID string) {
	v, _ := e.byRule.LoadOrStore(ruleID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (e *Engine) load(ctx context.Context) ([]*rule.Rule, error) {
	var rules []*rule.Rule
	err := e.store.Get(ctx, StorageKey, &rules)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return rules, nil
}

func (e *Engine) persist(ctx context.Context, rules []*rule.Rule) error {
	if rules == nil {
		rules = []*rule.Rule{}
	}
	if err := e.store.Save(ctx, StorageKey, rules); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}
	return nil
}

func indexOf(rules []*rule.Rule, ruleID string) int {
	for i, r := range rules {
		if r.ID == ruleID {
			return i
		}
	}
	return -1
}
