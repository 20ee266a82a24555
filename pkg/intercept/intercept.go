// Package intercept drives the request lifecycle: each intercepted
// request is evaluated against the rule engine, its modification
// effect is computed, and the cycle is captured in the request log.
//
// The processor is deliberately fail-open. Rule evaluation errors,
// modification timeouts and log write failures are logged and the
// request proceeds unmodified; interception must never break the
// traffic it observes.
package intercept

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/logging"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/requestlog"
	"github.com/getreqmod/reqmod/pkg/rule"
)

// Descriptor identifies one intercepted request.
type Descriptor struct {
	// RequestID correlates the lifecycle callbacks of one request.
	RequestID string `json:"requestId"`

	URL    string `json:"url"`
	Method string `json:"method"`

	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    string            `json:"body,omitempty"`

	ResourceType string `json:"resourceType,omitempty"`
	TabID        int    `json:"tabId"`
	FrameID      int    `json:"frameId,omitempty"`

	// Timestamp is when the request started, epoch milliseconds.
	// Zero means "now".
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Decision is the verdict for one request.
type Decision struct {
	// Cancel blocks the request entirely.
	Cancel bool `json:"cancel"`

	// RedirectURL, when set, sends the request elsewhere.
	RedirectURL string `json:"redirectUrl,omitempty"`

	// Mock, when set, answers the request locally without any
	// network round trip.
	Mock *rule.MockConfig `json:"mock,omitempty"`

	// DelayMs is the artificial latency already applied before the
	// decision was returned.
	DelayMs int `json:"delayMs,omitempty"`

	// AppliedRuleIDs lists the rules that produced this decision.
	AppliedRuleIDs []string `json:"appliedRuleIds,omitempty"`
}

// pending tracks one in-flight request between lifecycle callbacks.
type pending struct {
	logID  string
	effect *modify.Effect
}

// Processor coordinates the rule engine, the modification engine and
// the request logger across one request's lifecycle callbacks.
type Processor struct {
	rules    *engine.Engine
	modifier *modify.Engine
	logs     *requestlog.Logger
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*pending
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the diagnostic logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New builds a Processor over the given engine, modifier and logger.
func New(rules *engine.Engine, modifier *modify.Engine, logs *requestlog.Logger, opts ...Option) *Processor {
	p := &Processor{
		rules:    rules,
		modifier: modifier,
		logs:     logs,
		log:      logging.Nop(),
		now:      time.Now,
		inflight: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnBeforeRequest evaluates the request against the rule set, records
// it in the request log and returns the decision. Delay actions are
// served here: the call sleeps for the accumulated delay (honoring ctx
// cancellation) before returning.
//
// Any internal failure yields a pass-through decision; the request is
// never blocked by a fault in the interception machinery.
func (p *Processor) OnBeforeRequest(ctx context.Context, d *Descriptor) (*Decision, error) {
	entry := p.entryFor(d)

	matched, err := p.rules.Evaluate(ctx, p.requestFor(d))
	if err != nil {
		p.log.Warn("rule evaluation failed, passing request through",
			"requestId", d.RequestID, "url", d.URL, "error", err)
		p.record(ctx, d, entry, nil)
		return &Decision{}, nil
	}
	if len(matched) == 0 {
		p.record(ctx, d, entry, nil)
		return &Decision{}, nil
	}

	effect, err := p.modifier.Apply(ctx, matched, headersFor(d))
	if err != nil {
		p.log.Warn("modification failed, passing request through",
			"requestId", d.RequestID, "url", d.URL, "error", err)
		p.record(ctx, d, entry, nil)
		return &Decision{}, nil
	}

	entry.Modified = effect.Modified()
	entry.AppliedRuleIDs = effect.AppliedRuleIDs
	p.record(ctx, d, entry, effect)

	decision := p.decide(effect)
	if decision.DelayMs > 0 {
		if err := sleep(ctx, time.Duration(decision.DelayMs)*time.Millisecond); err != nil {
			return decision, err
		}
	}
	if decision.Cancel {
		p.log.Info("request blocked", "requestId", d.RequestID, "url", d.URL)
	}
	return decision, nil
}

// decide projects an effect into a decision under the configured
// action precedence.
func (p *Processor) decide(effect *modify.Effect) *Decision {
	d := &Decision{
		DelayMs:        effect.DelayMs,
		AppliedRuleIDs: effect.AppliedRuleIDs,
	}
	switch effect.Resolution(p.modifier.Precedence()) {
	case rule.ActionBlock:
		d.Cancel = true
	case rule.ActionMock:
		d.Mock = effect.Mock
	case rule.ActionRedirect:
		d.RedirectURL = effect.RedirectURL
	}
	return d
}

// OnBeforeSendHeaders returns the header list after the request's
// header modifications. Unknown request IDs and requests without
// header effects return the input unchanged.
func (p *Processor) OnBeforeSendHeaders(ctx context.Context, requestID string, headers modify.Headers) modify.Headers {
	p.mu.Lock()
	st, ok := p.inflight[requestID]
	p.mu.Unlock()
	if !ok || st.effect == nil || !st.effect.HeadersChanged {
		return headers
	}
	return st.effect.Headers.Clone()
}

// OnHeadersReceived records the response status and headers for an
// in-flight request.
func (p *Processor) OnHeadersReceived(ctx context.Context, requestID string, status int, headers map[string][]string) {
	p.update(ctx, requestID, &requestlog.ResponseUpdate{
		ResponseStatus:  status,
		ResponseHeaders: headers,
	}, false)
}

// OnCompleted finalizes an in-flight request with its response.
func (p *Processor) OnCompleted(ctx context.Context, requestID string, status int, headers map[string][]string, body string) {
	p.update(ctx, requestID, &requestlog.ResponseUpdate{
		ResponseStatus:  status,
		ResponseHeaders: headers,
		ResponseBody:    body,
		EndTime:         p.now().UnixMilli(),
	}, true)
}

// OnError finalizes an in-flight request that failed.
func (p *Processor) OnError(ctx context.Context, requestID string, message string) {
	p.update(ctx, requestID, &requestlog.ResponseUpdate{
		Error:   message,
		EndTime: p.now().UnixMilli(),
	}, true)
}

// Inflight reports the number of requests awaiting completion.
func (p *Processor) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Processor) entryFor(d *Descriptor) *requestlog.Entry {
	ts := d.Timestamp
	if ts == 0 {
		ts = p.now().UnixMilli()
	}
	var headers map[string][]string
	if len(d.Headers) > 0 {
		headers = make(map[string][]string, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = []string{v}
		}
	}
	return &requestlog.Entry{
		TabID:          d.TabID,
		FrameID:        d.FrameID,
		URL:            d.URL,
		Method:         d.Method,
		ResourceType:   d.ResourceType,
		RequestHeaders: headers,
		RequestBody:    d.Body,
		Timing:         requestlog.Timing{StartTime: ts},
	}
}

func (p *Processor) requestFor(d *Descriptor) *engine.Request {
	return &engine.Request{
		URL:          d.URL,
		Method:       d.Method,
		Headers:      d.Headers,
		Query:        d.Query,
		Body:         d.Body,
		ResourceType: d.ResourceType,
		TabID:        d.TabID,
	}
}

func headersFor(d *Descriptor) modify.Headers {
	if len(d.Headers) == 0 {
		return nil
	}
	out := make(modify.Headers, 0, len(d.Headers))
	for name, value := range d.Headers {
		out = append(out, modify.Header{Name: name, Value: value})
	}
	return out
}

// record logs the request and registers it as in-flight. Log failures
// are diagnostic only.
func (p *Processor) record(ctx context.Context, d *Descriptor, entry *requestlog.Entry, effect *modify.Effect) {
	logID, err := p.logs.LogRequest(ctx, entry)
	if err != nil {
		p.log.Warn("request log write failed", "requestId", d.RequestID, "url", d.URL, "error", err)
		return
	}
	p.mu.Lock()
	p.inflight[d.RequestID] = &pending{logID: logID, effect: effect}
	p.mu.Unlock()
}

func (p *Processor) update(ctx context.Context, requestID string, upd *requestlog.ResponseUpdate, final bool) {
	p.mu.Lock()
	st, ok := p.inflight[requestID]
	if ok && final {
		delete(p.inflight, requestID)
	}
	p.mu.Unlock()
	if !ok {
		p.log.Debug("lifecycle event for unknown request", "requestId", requestID)
		return
	}
	if err := p.logs.UpdateWithResponse(ctx, st.logID, upd); err != nil {
		p.log.Warn("request log update failed", "requestId", requestID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
