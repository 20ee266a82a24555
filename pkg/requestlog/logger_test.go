package requestlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/getreqmod/reqmod/pkg/kvstore"
)

func newTestLogger(opts ...Option) *Logger {
	return New(kvstore.NewMemory(kvstore.Options{}), opts...)
}

func TestLogRequest_AssignsID(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	entryID, err := l.LogRequest(ctx, &Entry{URL: "https://example.com", Method: "GET"})
	if err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}
	if entryID == "" {
		t.Fatal("LogRequest() returned empty ID")
	}

	got, err := l.Get(ctx, entryID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.URL != "https://example.com" {
		t.Errorf("Get().URL = %q, want %q", got.URL, "https://example.com")
	}
	if got.Timing.StartTime == 0 {
		t.Error("LogRequest() should set Timing.StartTime when absent")
	}
}

func TestLogRequest_TrimsOldestPastCap(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger(WithMaxEntries(3))

	var ids []string
	for i := 0; i < 5; i++ {
		entryID, err := l.LogRequest(ctx, &Entry{URL: fmt.Sprintf("https://example.com/%d", i)})
		if err != nil {
			t.Fatalf("LogRequest() error = %v", err)
		}
		ids = append(ids, entryID)
	}

	count, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}

	// Oldest two trimmed, newest three retained.
	if _, err := l.Get(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Error("oldest entry should be trimmed")
	}
	if _, err := l.Get(ctx, ids[4]); err != nil {
		t.Errorf("newest entry should be retained, got %v", err)
	}
}

func TestUpdateWithResponse_MergesTiming(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	start := time.Now().Add(-2 * time.Second).UnixMilli()
	entryID, _ := l.LogRequest(ctx, &Entry{
		URL:    "https://example.com",
		Timing: Timing{StartTime: start},
	})

	end := start + 1500
	modified := true
	err := l.UpdateWithResponse(ctx, entryID, &ResponseUpdate{
		ResponseStatus: 200,
		EndTime:        end,
		Modified:       &modified,
		AppliedRuleIDs: []string{"rule_a"},
	})
	if err != nil {
		t.Fatalf("UpdateWithResponse() error = %v", err)
	}

	got, _ := l.Get(ctx, entryID)
	if got.Timing.StartTime != start {
		t.Error("StartTime must never be overwritten by a response merge")
	}
	if got.Timing.EndTime != end {
		t.Errorf("EndTime = %d, want %d", got.Timing.EndTime, end)
	}
	if got.Timing.Duration != 1500 {
		t.Errorf("Duration = %d, want 1500 (endTime - startTime)", got.Timing.Duration)
	}
	if got.ResponseStatus != 200 {
		t.Errorf("ResponseStatus = %d, want 200", got.ResponseStatus)
	}
	if !got.Modified {
		t.Error("Modified flag should be merged")
	}
	if len(got.AppliedRuleIDs) != 1 || got.AppliedRuleIDs[0] != "rule_a" {
		t.Errorf("AppliedRuleIDs = %v, want [rule_a]", got.AppliedRuleIDs)
	}
}

func TestUpdateWithResponse_ErrorArrival(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	entryID, _ := l.LogRequest(ctx, &Entry{URL: "https://example.com"})
	if err := l.UpdateWithResponse(ctx, entryID, &ResponseUpdate{Error: "net::ERR_CONNECTION_REFUSED"}); err != nil {
		t.Fatalf("UpdateWithResponse() error = %v", err)
	}

	got, _ := l.Get(ctx, entryID)
	if got.Error != "net::ERR_CONNECTION_REFUSED" {
		t.Errorf("Error = %q, want the failure message", got.Error)
	}
}

func TestUpdateWithResponse_UnknownID(t *testing.T) {
	l := newTestLogger()
	err := l.UpdateWithResponse(context.Background(), "req_nope", &ResponseUpdate{ResponseStatus: 200})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateWithResponse(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClear_All(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	_, _ = l.LogRequest(ctx, &Entry{TabID: 1})
	_, _ = l.LogRequest(ctx, &Entry{TabID: 2})

	if err := l.Clear(ctx, nil); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	count, _ := l.Count(ctx)
	if count != 0 {
		t.Errorf("Count() after Clear(nil) = %d, want 0", count)
	}
}

func TestClear_ByTab(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	_, _ = l.LogRequest(ctx, &Entry{TabID: 1, URL: "https://a"})
	_, _ = l.LogRequest(ctx, &Entry{TabID: 2, URL: "https://b"})
	_, _ = l.LogRequest(ctx, &Entry{TabID: 1, URL: "https://c"})

	tab := 1
	if err := l.Clear(ctx, &tab); err != nil {
		t.Fatalf("Clear(tab=1) error = %v", err)
	}

	entries, _ := l.List(ctx)
	if len(entries) != 1 {
		t.Fatalf("List() after Clear(tab=1) = %d entries, want 1", len(entries))
	}
	if entries[0].TabID != 2 {
		t.Errorf("surviving entry TabID = %d, want 2", entries[0].TabID)
	}
}

func TestCleanOldData_RetentionCutoff(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	retentionDays := 7
	old := time.Now().AddDate(0, 0, -(retentionDays + 1)).UnixMilli()
	fresh := time.Now().Add(-time.Hour).UnixMilli()

	oldID, _ := l.LogRequest(ctx, &Entry{URL: "https://old", Timing: Timing{StartTime: old}})
	freshID, _ := l.LogRequest(ctx, &Entry{URL: "https://fresh", Timing: Timing{StartTime: fresh}})

	removed, err := l.CleanOldData(ctx, retentionDays)
	if err != nil {
		t.Fatalf("CleanOldData() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanOldData() removed = %d, want 1", removed)
	}
	if _, err := l.Get(ctx, oldID); !errors.Is(err, ErrNotFound) {
		t.Error("entry past retention should be removed")
	}
	if _, err := l.Get(ctx, freshID); err != nil {
		t.Errorf("entry within retention should remain, got %v", err)
	}
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	_, _ = l.LogRequest(ctx, &Entry{URL: "https://first"})
	_, _ = l.LogRequest(ctx, &Entry{URL: "https://second"})

	entries, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if entries[0].URL != "https://second" {
		t.Errorf("List()[0].URL = %q, want newest first", entries[0].URL)
	}
}

func TestSubscribe_ReceivesNewEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLogger()

	sub, unsubscribe := l.Subscribe()
	defer unsubscribe()

	entryID, _ := l.LogRequest(ctx, &Entry{URL: "https://example.com"})

	select {
	case e := <-sub:
		if e.ID != entryID {
			t.Errorf("subscriber received ID %q, want %q", e.ID, entryID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the new entry")
	}
}
