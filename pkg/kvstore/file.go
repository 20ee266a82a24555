package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Current data format version for migration support.
const fileVersion = 1

// File is a Store persisted as a single JSON file. All operations run
// against an in-memory copy; writes mark the store dirty and a debounced
// background goroutine flushes to disk. Flush failures are logged and do
// not fail the in-memory write; call Flush or Close for a synchronous
// save with error reporting.
type File struct {
	mem  *Memory
	path string

	dirty     atomic.Bool
	saveCh    chan struct{}
	closeCh   chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once

	saveDebounce time.Duration
}

// NewFile creates a file-backed store at path, loading existing data if
// the file is present.
func NewFile(path string, opts Options) (*File, error) {
	f := &File{
		mem:          NewMemory(opts),
		path:         path,
		saveCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		saveDebounce: 500 * time.Millisecond,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	go f.saveLoop()
	return f, nil
}

var _ Store = (*File)(nil)

type fileData struct {
	Version int                  `json:"version"`
	Entries map[string]fileEntry `json:"entries"`
}

type fileEntry struct {
	Data       []byte     `json:"data"`
	Compressed bool       `json:"compressed,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

func (f *File) load() error {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load store %q: %w", f.path, err)
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("load store %q: decode: %w", f.path, err)
	}

	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	for key, fe := range data.Entries {
		e := &entry{data: fe.Data, compressed: fe.Compressed}
		if fe.Timestamp != nil {
			e.ts = *fe.Timestamp
			e.hasTS = true
		}
		f.mem.entries[key] = e
	}
	return nil
}

// saveLoop handles debounced saving to prevent excessive disk writes.
func (f *File) saveLoop() {
	defer close(f.closedCh)
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-f.saveCh:
			if timer == nil {
				timer = time.NewTimer(f.saveDebounce)
				timerCh = timer.C
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			if err := f.flush(); err != nil {
				f.mem.opts.Logger.Warn("background store flush failed", "path", f.path, "error", err)
			}
		case <-f.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (f *File) markDirty() {
	f.dirty.Store(true)
	select {
	case f.saveCh <- struct{}{}:
	default:
	}
}

func (f *File) flush() error {
	if !f.dirty.Swap(false) {
		return nil
	}

	f.mem.mu.Lock()
	data := fileData{Version: fileVersion, Entries: make(map[string]fileEntry, len(f.mem.entries))}
	for key, e := range f.mem.entries {
		fe := fileEntry{Data: e.data, Compressed: e.compressed}
		if e.hasTS {
			ts := e.ts
			fe.Timestamp = &ts
		}
		data.Entries[key] = fe
	}
	f.mem.mu.Unlock()

	raw, err := json.Marshal(&data)
	if err != nil {
		return fmt.Errorf("flush store %q: encode: %w", f.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("flush store %q: %w", f.path, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("flush store %q: %w", f.path, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("flush store %q: %w", f.path, err)
	}
	return nil
}

// Save stores value under key and schedules a background flush.
func (f *File) Save(ctx context.Context, key string, value any) error {
	if err := f.mem.Save(ctx, key, value); err != nil {
		return err
	}
	f.markDirty()
	return nil
}

// SaveMultiple stores every entry of values and schedules a flush.
func (f *File) SaveMultiple(ctx context.Context, values map[string]any) error {
	if err := f.mem.SaveMultiple(ctx, values); err != nil {
		return err
	}
	f.markDirty()
	return nil
}

// Get unmarshals the value stored under key into out.
func (f *File) Get(ctx context.Context, key string, out any) error {
	return f.mem.Get(ctx, key, out)
}

// GetMultiple returns the raw serialized values for the given keys.
func (f *File) GetMultiple(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	return f.mem.GetMultiple(ctx, keys)
}

// Remove deletes the value stored under key and schedules a flush.
func (f *File) Remove(ctx context.Context, key string) error {
	if err := f.mem.Remove(ctx, key); err != nil {
		return err
	}
	f.markDirty()
	return nil
}

// Info reports current usage against the quota.
func (f *File) Info(ctx context.Context) (Info, error) {
	return f.mem.Info(ctx)
}

// CleanOldData removes entries older than retentionDays.
func (f *File) CleanOldData(ctx context.Context, retentionDays int) (int, error) {
	removed, err := f.mem.CleanOldData(ctx, retentionDays)
	if removed > 0 {
		f.markDirty()
	}
	return removed, err
}

// Flush forces a synchronous save to disk.
func (f *File) Flush(ctx context.Context) error {
	f.dirty.Store(true)
	return f.flush()
}

// Close stops the background save loop and flushes pending changes.
func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closeCh)
		<-f.closedCh
		err = f.flush()
	})
	return err
}
