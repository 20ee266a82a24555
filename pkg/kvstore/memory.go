package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/getreqmod/reqmod/pkg/logging"
)

// Options configures a store's quota accounting and compression hook.
type Options struct {
	// Quota is the storage capacity in bytes. Defaults to DefaultQuota.
	Quota int64

	// EvictThreshold is the usage fraction at which a write triggers
	// eviction. Defaults to DefaultEvictThreshold.
	EvictThreshold float64

	// EvictFraction is the fraction of timestamped entries removed per
	// eviction pass, rounded up. Defaults to DefaultEvictFraction.
	EvictFraction float64

	// CompressThreshold is the serialized size above which values pass
	// through the Compressor. Defaults to DefaultCompressThreshold.
	CompressThreshold int

	// Compressor is the compression hook. Defaults to Identity.
	Compressor Compressor

	// Logger receives best-effort failure reports (eviction, cleanup).
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Quota <= 0 {
		o.Quota = DefaultQuota
	}
	if o.EvictThreshold <= 0 {
		o.EvictThreshold = DefaultEvictThreshold
	}
	if o.EvictFraction <= 0 {
		o.EvictFraction = DefaultEvictFraction
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.Compressor == nil {
		o.Compressor = Identity{}
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// entry is one stored value: serialized (possibly compressed) bytes
// plus the heuristic timestamp used for eviction ranking.
type entry struct {
	data       []byte
	compressed bool
	ts         time.Time
	hasTS      bool
}

func (e *entry) size(key string) int64 {
	return int64(len(key) + len(e.data))
}

// Memory is a thread-safe in-memory implementation of Store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
}

// NewMemory creates an in-memory store with the given options.
func NewMemory(opts Options) *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
	}
}

var _ Store = (*Memory)(nil)

// Save serializes value and stores it under key.
func (s *Memory) Save(ctx context.Context, key string, value any) error {
	e, err := s.encode(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIfNeeded()
	s.entries[key] = e
	return nil
}

// SaveMultiple stores every entry of values with one eviction pass.
func (s *Memory) SaveMultiple(ctx context.Context, values map[string]any) error {
	encoded := make(map[string]*entry, len(values))
	for key, value := range values {
		e, err := s.encode(key, value)
		if err != nil {
			return err
		}
		encoded[key] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictIfNeeded()
	for key, e := range encoded {
		s.entries[key] = e
	}
	return nil
}

// Get unmarshals the value stored under key into out.
func (s *Memory) Get(ctx context.Context, key string, out any) error {
	raw, err := s.raw(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("get %q: decode: %w", key, err)
	}
	return nil
}

// GetMultiple returns the raw serialized values for the given keys.
func (s *Memory) GetMultiple(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		raw, err := s.raw(key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out[key] = raw
	}
	return out, nil
}

// Remove deletes the value stored under key.
func (s *Memory) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Info reports current usage against the quota.
func (s *Memory) Info(ctx context.Context) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// CleanOldData removes every entry whose heuristic timestamp is older
// than retentionDays.
func (s *Memory) CleanOldData(ctx context.Context, retentionDays int) (int, error) {
	cutoff := s.opts.Now().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if e.hasTS && e.ts.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) encode(key string, value any) (*entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("save %q: encode: %w", key, err)
	}

	e := &entry{data: raw}
	e.ts, e.hasTS = extractTimestamp(raw)

	if len(raw) >= s.opts.CompressThreshold {
		compressed, err := s.opts.Compressor.Compress(raw)
		if err != nil {
			return nil, fmt.Errorf("save %q: compress: %w", key, err)
		}
		e.data = compressed
		e.compressed = true
	}
	return e, nil
}

func (s *Memory) raw(key string) (json.RawMessage, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	if !e.compressed {
		return e.data, nil
	}
	raw, err := s.opts.Compressor.Decompress(e.data)
	if err != nil {
		return nil, fmt.Errorf("get %q: decompress: %w", key, err)
	}
	return raw, nil
}

func (s *Memory) infoLocked() Info {
	var used int64
	for key, e := range s.entries {
		used += e.size(key)
	}
	return Info{
		BytesInUse:  used,
		Quota:       s.opts.Quota,
		PercentUsed: float64(used) / float64(s.opts.Quota),
	}
}

// evictIfNeeded runs an eviction pass when usage is past the threshold:
// timestamped entries are ranked oldest-first and the oldest fraction is
// removed. The caller's write proceeds regardless of the outcome.
// Caller must hold s.mu.
func (s *Memory) evictIfNeeded() {
	info := s.infoLocked()
	if info.PercentUsed < s.opts.EvictThreshold {
		return
	}

	type ranked struct {
		key string
		ts  time.Time
	}
	var candidates []ranked
	for key, e := range s.entries {
		if e.hasTS {
			candidates = append(candidates, ranked{key: key, ts: e.ts})
		}
	}
	if len(candidates) == 0 {
		s.opts.Logger.Warn("storage over threshold but no timestamped entries to evict",
			"percentUsed", info.PercentUsed)
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ts.Before(candidates[j].ts)
	})

	n := int(math.Ceil(float64(len(candidates)) * s.opts.EvictFraction))
	for _, c := range candidates[:n] {
		delete(s.entries, c.key)
	}
	s.opts.Logger.Info("evicted oldest entries under storage pressure",
		"removed", n, "percentUsed", info.PercentUsed)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
