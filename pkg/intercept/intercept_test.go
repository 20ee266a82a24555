package intercept

import (
	"context"
	"testing"
	"time"

	"github.com/getreqmod/reqmod/internal/pattern"
	"github.com/getreqmod/reqmod/pkg/engine"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/modify"
	"github.com/getreqmod/reqmod/pkg/requestlog"
	"github.com/getreqmod/reqmod/pkg/rule"
)

type fixture struct {
	rules *engine.Engine
	logs  *requestlog.Logger
	proc  *Processor
}

func newFixture(t *testing.T, opts ...modify.Option) *fixture {
	t.Helper()
	store := kvstore.NewMemory(kvstore.Options{})
	rules := engine.New(store)
	logs := requestlog.New(store)
	return &fixture{
		rules: rules,
		logs:  logs,
		proc:  New(rules, modify.NewEngine(opts...), logs),
	}
}

func (f *fixture) save(t *testing.T, r *rule.Rule) string {
	t.Helper()
	id, err := f.rules.SaveRule(context.Background(), r)
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	return id
}

func TestPassThroughWithoutRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dec, err := f.proc.OnBeforeRequest(ctx, &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/page",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if dec.Cancel || dec.RedirectURL != "" || dec.Mock != nil || dec.DelayMs != 0 {
		t.Errorf("expected pass-through decision, got %+v", dec)
	}

	entries, err := f.logs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Modified {
		t.Error("unmatched request marked modified")
	}
}

func TestHeaderInjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, &rule.Rule{
		Name:       "inject header",
		Enabled:    true,
		URLPattern: "*",
		MatchType:  pattern.MatchGlob,
		Actions: []rule.Action{{
			Type: rule.ActionModifyHeaders,
			ModifyHeaders: &rule.ModifyHeadersConfig{Headers: []rule.HeaderOp{
				{Name: "X-Test-Header", Value: "test-value", Operation: rule.HeaderAdd},
			}},
		}},
	})

	dec, err := f.proc.OnBeforeRequest(ctx, &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/api",
		Method:    "GET",
		Headers:   map[string]string{"User-Agent": "test-agent"},
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if dec.Cancel {
		t.Error("header rule must not block the request")
	}

	headers := f.proc.OnBeforeSendHeaders(ctx, "req-1", modify.Headers{
		{Name: "User-Agent", Value: "test-agent"},
	})
	if v, ok := headers.Get("X-Test-Header"); !ok || v != "test-value" {
		t.Errorf("header not injected: %v", headers)
	}
	if _, ok := headers.Get("User-Agent"); !ok {
		t.Errorf("existing header lost: %v", headers)
	}

	entries, err := f.logs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || !entries[0].Modified {
		t.Errorf("log entry should record the modification: %+v", entries)
	}
	if len(entries[0].AppliedRuleIDs) != 1 {
		t.Errorf("applied rule IDs missing: %+v", entries[0])
	}
}

func TestBlockDecision(t *testing.T) {
	f := newFixture(t)
	f.save(t, &rule.Rule{
		Name:       "block tracker",
		Enabled:    true,
		URLPattern: "*://tracker.example.com/*",
		MatchType:  pattern.MatchGlob,
		Actions:    []rule.Action{{Type: rule.ActionBlock}},
	})

	dec, err := f.proc.OnBeforeRequest(context.Background(), &Descriptor{
		RequestID: "req-1",
		URL:       "https://tracker.example.com/pixel.gif",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if !dec.Cancel {
		t.Error("expected cancel decision")
	}
}

func TestBlockWinsOverRedirect(t *testing.T) {
	f := newFixture(t)
	f.save(t, &rule.Rule{
		Name:       "redirect",
		Enabled:    true,
		URLPattern: "*",
		MatchType:  pattern.MatchGlob,
		Priority:   10,
		Actions: []rule.Action{{
			Type:     rule.ActionRedirect,
			Redirect: &rule.RedirectConfig{URL: "https://other.example.com/"},
		}},
	})
	f.save(t, &rule.Rule{
		Name:       "block",
		Enabled:    true,
		URLPattern: "*",
		MatchType:  pattern.MatchGlob,
		Priority:   1,
		Actions:    []rule.Action{{Type: rule.ActionBlock}},
	})

	dec, err := f.proc.OnBeforeRequest(context.Background(), &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if !dec.Cancel {
		t.Error("block should win over redirect")
	}
	if dec.RedirectURL != "" {
		t.Errorf("losing redirect leaked into decision: %q", dec.RedirectURL)
	}
}

func TestMockDecision(t *testing.T) {
	f := newFixture(t)
	f.save(t, &rule.Rule{
		Name:       "mock api",
		Enabled:    true,
		URLPattern: "https://api.example.com/*",
		MatchType:  pattern.MatchGlob,
		Actions: []rule.Action{{
			Type: rule.ActionMock,
			Mock: &rule.MockConfig{
				Status:  200,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    `{"ok":true}`,
			},
		}},
	})

	dec, err := f.proc.OnBeforeRequest(context.Background(), &Descriptor{
		RequestID: "req-1",
		URL:       "https://api.example.com/users",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if dec.Mock == nil || dec.Mock.Status != 200 || dec.Mock.Body != `{"ok":true}` {
		t.Errorf("mock not surfaced: %+v", dec.Mock)
	}
}

func TestDelayIsServed(t *testing.T) {
	f := newFixture(t)
	f.save(t, &rule.Rule{
		Name:       "slow down",
		Enabled:    true,
		URLPattern: "*",
		MatchType:  pattern.MatchGlob,
		Actions: []rule.Action{{
			Type:  rule.ActionDelay,
			Delay: &rule.DelayConfig{DurationMs: 50},
		}},
	})

	start := time.Now()
	dec, err := f.proc.OnBeforeRequest(context.Background(), &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/",
		Method:    "GET",
	})
	if err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if dec.DelayMs != 50 {
		t.Errorf("DelayMs = %d, want 50", dec.DelayMs)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("delay not served: %v", elapsed)
	}
}

func TestDelayHonorsContextCancel(t *testing.T) {
	f := newFixture(t)
	f.save(t, &rule.Rule{
		Name:       "long delay",
		Enabled:    true,
		URLPattern: "*",
		MatchType:  pattern.MatchGlob,
		Actions: []rule.Action{{
			Type:  rule.ActionDelay,
			Delay: &rule.DelayConfig{DurationMs: 10000},
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.proc.OnBeforeRequest(ctx, &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/",
		Method:    "GET",
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation ignored, waited %v", elapsed)
	}
}

func TestLifecycleCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.proc.OnBeforeRequest(ctx, &Descriptor{
		RequestID: "req-1",
		URL:       "https://example.com/data",
		Method:    "GET",
		Timestamp: 1000,
	}); err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	if got := f.proc.Inflight(); got != 1 {
		t.Fatalf("Inflight = %d, want 1", got)
	}

	f.proc.OnHeadersReceived(ctx, "req-1", 200, map[string][]string{"Content-Type": {"text/html"}})
	f.proc.OnCompleted(ctx, "req-1", 200, map[string][]string{"Content-Type": {"text/html"}}, "<html>")

	if got := f.proc.Inflight(); got != 0 {
		t.Errorf("Inflight = %d after completion, want 0", got)
	}

	entries, err := f.logs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ResponseStatus != 200 || e.ResponseBody != "<html>" {
		t.Errorf("response not merged: %+v", e)
	}
	if e.Timing.StartTime != 1000 {
		t.Errorf("start time overwritten: %d", e.Timing.StartTime)
	}
	if e.Timing.EndTime == 0 || e.Timing.Duration != e.Timing.EndTime-e.Timing.StartTime {
		t.Errorf("timing not computed: %+v", e.Timing)
	}
}

func TestLifecycleError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.proc.OnBeforeRequest(ctx, &Descriptor{
		RequestID: "req-1",
		URL:       "https://unreachable.example.com/",
		Method:    "GET",
	}); err != nil {
		t.Fatalf("OnBeforeRequest: %v", err)
	}
	f.proc.OnError(ctx, "req-1", "net::ERR_CONNECTION_REFUSED")

	entries, err := f.logs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Error != "net::ERR_CONNECTION_REFUSED" {
		t.Errorf("error not recorded: %+v", entries)
	}
}

func TestUnknownRequestEventsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.proc.OnCompleted(ctx, "never-seen", 200, nil, "")
	f.proc.OnError(ctx, "never-seen", "boom")
	headers := f.proc.OnBeforeSendHeaders(ctx, "never-seen", modify.Headers{{Name: "A", Value: "1"}})
	if len(headers) != 1 {
		t.Errorf("unknown request must leave headers untouched: %v", headers)
	}
}
