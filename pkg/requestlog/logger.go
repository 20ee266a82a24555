package requestlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getreqmod/reqmod/internal/id"
	"github.com/getreqmod/reqmod/pkg/kvstore"
	"github.com/getreqmod/reqmod/pkg/logging"
)

// StorageKey is the logical key the log collection is persisted under.
const StorageKey = "requestLogs"

// DefaultMaxEntries caps the stored collection; the oldest entries are
// trimmed first once the cap is exceeded.
const DefaultMaxEntries = 1000

// ErrNotFound is returned when an entry ID is not in the collection.
var ErrNotFound = errors.New("log entry not found")

// Subscriber is a channel that receives new log entries.
type Subscriber chan *Entry

// Logger ingests captured traffic and enforces retention and size
// limits. All mutations serialize through a single mutex so interleaved
// read-modify-write cycles against the underlying collection cannot
// lose updates.
type Logger struct {
	store kvstore.Store
	max   int
	log   *slog.Logger

	mu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}

	now func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithMaxEntries overrides the collection cap.
func WithMaxEntries(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.max = n
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New creates a Logger persisting through store.
func New(store kvstore.Store, opts ...Option) *Logger {
	l := &Logger{
		store:       store,
		max:         DefaultMaxEntries,
		log:         logging.Nop(),
		subscribers: make(map[Subscriber]struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogRequest assigns an ID to the entry, appends it to the stored
// collection, and trims the oldest entries past the cap.
func (l *Logger) LogRequest(ctx context.Context, e *Entry) (string, error) {
	if e == nil {
		return "", errors.New("log entry is nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return "", err
	}

	if e.ID == "" {
		e.ID = id.Log()
	}
	if e.Timing.StartTime == 0 {
		e.Timing.StartTime = l.now().UnixMilli()
	}

	entries = append(entries, e)
	if len(entries) > l.max {
		entries = entries[len(entries)-l.max:]
	}

	if err := l.persist(ctx, entries); err != nil {
		return "", err
	}

	l.notify(e)
	return e.ID, nil
}

// UpdateWithResponse merges response fields into the entry with the
// given ID. Timing is merged field by field; StartTime is never
// overwritten, and Duration is recomputed when both ends are present.
func (l *Logger) UpdateWithResponse(ctx context.Context, entryID string, upd *ResponseUpdate) error {
	if upd == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}

	var target *Entry
	for _, e := range entries {
		if e.ID == entryID {
			target = e
			break
		}
	}
	if target == nil {
		return fmt.Errorf("update %q: %w", entryID, ErrNotFound)
	}

	mergeResponse(target, upd)
	return l.persist(ctx, entries)
}

func mergeResponse(e *Entry, upd *ResponseUpdate) {
	if upd.ResponseStatus != 0 {
		e.ResponseStatus = upd.ResponseStatus
	}
	if upd.ResponseHeaders != nil {
		e.ResponseHeaders = upd.ResponseHeaders
	}
	if upd.ResponseBody != "" {
		e.ResponseBody = upd.ResponseBody
	}
	if upd.Modified != nil {
		e.Modified = *upd.Modified
	}
	if len(upd.AppliedRuleIDs) > 0 {
		e.AppliedRuleIDs = append(e.AppliedRuleIDs, upd.AppliedRuleIDs...)
	}
	if upd.Error != "" {
		e.Error = upd.Error
	}
	if upd.EndTime != 0 {
		e.Timing.EndTime = upd.EndTime
	}
	if e.Timing.EndTime != 0 && e.Timing.StartTime != 0 {
		e.Timing.Duration = e.Timing.EndTime - e.Timing.StartTime
	}
}

// Get returns the entry with the given ID.
func (l *Logger) Get(ctx context.Context, entryID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == entryID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("get %q: %w", entryID, ErrNotFound)
}

// List returns all entries, newest first.
func (l *Logger) List(ctx context.Context) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

// Count returns the number of stored entries.
func (l *Logger) Count(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear drops the whole collection, or with a tab ID retains every
// entry belonging to a different tab.
func (l *Logger) Clear(ctx context.Context, tabID *int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tabID == nil {
		return l.persist(ctx, nil)
	}

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.TabID != *tabID {
			kept = append(kept, e)
		}
	}
	return l.persist(ctx, kept)
}

// CleanOldData removes entries whose start time is older than
// retentionDays. Returns the number of removed entries.
func (l *Logger) CleanOldData(ctx context.Context, retentionDays int) (int, error) {
	cutoff := l.now().AddDate(0, 0, -retentionDays).UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	removed := 0
	for _, e := range entries {
		if e.Timing.StartTime != 0 && e.Timing.StartTime < cutoff {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.persist(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Subscribe registers a subscriber that receives new entries.
// Returns the channel and an unsubscribe function.
func (l *Logger) Subscribe() (Subscriber, func()) {
	sub := make(Subscriber, 16)
	l.subMu.Lock()
	l.subscribers[sub] = struct{}{}
	l.subMu.Unlock()

	return sub, func() {
		l.subMu.Lock()
		delete(l.subscribers, sub)
		l.subMu.Unlock()
	}
}

func (l *Logger) notify(e *Entry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for sub := range l.subscribers {
		select {
		case sub <- e:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (l *Logger) load(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := l.store.Get(ctx, StorageKey, &entries)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load request logs: %w", err)
	}
	return entries, nil
}

func (l *Logger) persist(ctx context.Context, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	if err := l.store.Save(ctx, StorageKey, entries); err != nil {
		return fmt.Errorf("persist request logs: %w", err)
	}
	return nil
}
