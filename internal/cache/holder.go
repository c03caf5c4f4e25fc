// Package cache keeps conversion results on disk, keyed by cache key.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/db"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/eviction"
)

// Index persists entry metadata across restarts. *db.DB implements it.
type Index interface {
	Upsert(ctx context.Context, r db.Record) error
	Touch(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]db.Record, error)
}

// Options configures a Holder.
type Options struct {
	BaseDir string
	// Index is optional.
	Index Index
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// Stats are process lifetime holder counters.
type Stats struct {
	Entries    int   `json:"entries"`
	SizeKB     int64 `json:"size_kb"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Adds       int64 `json:"adds"`
	FailedAdds int64 `json:"failed_adds"`
	Removals   int64 `json:"removals"`
}

// Holder maps cache keys to entries persisted under BaseDir.
//
// Readers take the read lock, mutators the write lock. Removal is two-phase: the entry
// is marked deleting under the write lock, its artifact is deleted without the lock,
// then the map entry is erased under the write lock. An entry whose artifact could not
// be deleted is handed back as live and is retried by the next removal or sweep. Only
// the remover that marked an entry deletes its artifact.
type Holder struct {
	baseDir string
	index   Index
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry

	hits       atomic.Int64
	misses     atomic.Int64
	adds       atomic.Int64
	failedAdds atomic.Int64
	removals   atomic.Int64
}

var _ eviction.Store = (*Holder)(nil)

// New creates a Holder, creating BaseDir if needed.
func New(opts Options) (*Holder, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("cache base dir is required")
	}
	if err := os.MkdirAll(opts.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Holder{
		baseDir: opts.BaseDir,
		index:   opts.Index,
		now:     now,
		entries: make(map[string]*Entry),
	}, nil
}

// BaseDir returns the cache root.
func (h *Holder) BaseDir() string {
	return h.baseDir
}

// ShardPath returns the directory used for key.
func (h *Holder) ShardPath(key string) string {
	return ShardPath(h.baseDir, key)
}

// Add persists result under key. It is best effort: a result that cannot be persisted
// is logged and not cached, and false is returned.
//
// Persisting reads result, so one-shot blobs cannot be read again afterwards; use Put
// when the caller still needs the content.
func (h *Holder) Add(key string, result blob.Holder) bool {
	_, ok := h.put(key, result, false)
	return ok
}

// Put is Add returning a disk backed copy of the cached result, read under the same lock
// so a concurrent removal cannot take it away in between.
func (h *Holder) Put(key string, result blob.Holder) (blob.Holder, bool) {
	return h.put(key, result, true)
}

func (h *Holder) put(key string, result blob.Holder, restore bool) (blob.Holder, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dir := h.ShardPath(key)

	if old, ok := h.entries[key]; ok {
		if old.deleting() {
			slog.Warn("Skipping cache add, previous entry is being removed", "key", key)
			h.failedAdds.Add(1)
			return nil, false
		}
		if err := old.remove(); err != nil {
			errutil.ReportError(err, "Failed to replace cache entry", "key", key)
			h.failedAdds.Add(1)
			return nil, false
		}
		delete(h.entries, key)
	} else if _, err := os.Stat(dir); err == nil {
		// left behind by a removal that never reached the map
		slog.Warn("Removing stale cache artifact", "key", key, "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			errutil.ReportError(err, "Failed to remove stale cache artifact", "path", dir)
			h.failedAdds.Add(1)
			return nil, false
		}
	}

	now := h.now()
	e := newEntry(key, result, now)
	if !e.persist(dir) {
		slog.Warn("Conversion result not cached", "key", key)
		h.failedAdds.Add(1)
		return nil, false
	}

	h.entries[key] = e
	h.adds.Add(1)

	if h.index != nil {
		errutil.LogMsg(h.index.Upsert(context.Background(), db.Record{
			Key:        key,
			Path:       e.path,
			SizeKB:     e.sizeKB,
			LastAccess: now,
			CreatedAt:  now,
		}), "Failed to index cache entry", "key", key)
	}

	slog.Debug("Cached conversion result", "key", key, "size", humanize.IBytes(uint64(e.sizeKB)*1024))

	if !restore {
		return nil, true
	}
	restored, err := blob.Restore(e.path)
	if err != nil {
		errutil.ReportError(err, "Failed to read back cached result", "key", key)
		return nil, true
	}
	return restored, true
}

// Get restores the result cached under key. A hit bumps the entry access time.
func (h *Holder) Get(key string) (blob.Holder, bool) {
	h.mu.RLock()
	e, ok := h.entries[key]
	if !ok || e.deleting() {
		h.mu.RUnlock()
		h.misses.Add(1)
		return nil, false
	}
	now := h.now()
	result, err := e.restore(now)
	h.mu.RUnlock()

	if err != nil {
		errutil.LogMsg(err, "Dropping unreadable cache entry", "key", key)
		h.misses.Add(1)
		if _, rerr := h.removeEntry(key, e); rerr != nil {
			errutil.ReportError(rerr, "Failed to drop unreadable cache entry", "key", key)
		}
		return nil, false
	}
	if result == nil {
		h.misses.Add(1)
		return nil, false
	}

	h.hits.Add(1)
	if h.index != nil {
		errutil.LogMsg(h.index.Touch(context.Background(), key, now), "Failed to touch cache index", "key", key)
	}
	return result, true
}

// Remove deletes the entry for key and its artifact. removed is false when key
// was not cached.
func (h *Holder) Remove(key string) (bool, error) {
	return h.removeEntry(key, nil)
}

// removeEntry runs the two-phase removal. When want is set, only that exact entry is removed.
func (h *Holder) removeEntry(key string, want *Entry) (bool, error) {
	e := h.claimEntry(key, want)
	if e == nil {
		return false, nil
	}
	return h.finishRemoval(key, e)
}

// claimEntry marks the entry for key deleting under the write lock. It returns nil when
// the key is absent, is not want, or another remover already owns it.
func (h *Holder) claimEntry(key string, want *Entry) *Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[key]
	if !ok || (want != nil && e != want) {
		return nil
	}
	if !e.claim() {
		return nil
	}
	return e
}

// finishRemoval deletes the artifact of a claimed entry without the lock, then erases it.
func (h *Holder) finishRemoval(key string, e *Entry) (bool, error) {
	if err := e.remove(); err != nil {
		e.release()
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.entries[key]
	if !ok || cur != e {
		return false, nil
	}
	delete(h.entries, key)
	if h.index != nil {
		errutil.LogMsg(h.index.Delete(context.Background(), key), "Failed to delete cache index record", "key", key)
	}
	if e.persisted {
		h.pruneEmptyParents(e.path)
	}
	h.removals.Add(1)
	return true, nil
}

// pruneEmptyParents removes now empty shard directories. Callers hold the write lock.
func (h *Holder) pruneEmptyParents(path string) {
	dir := filepath.Dir(path)
	for i := 0; i < ShardDepth && dir != h.baseDir; i++ {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Keys returns a copy of the cached keys.
func (h *Holder) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.entries))
	for k := range h.entries {
		keys = append(keys, k)
	}
	return keys
}

// Entry returns a snapshot of the entry for key.
func (h *Holder) Entry(key string) (EntryInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.entries[key]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// Candidate implements eviction.Store.
func (h *Holder) Candidate(key string) (eviction.Candidate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.entries[key]
	if !ok {
		return eviction.Candidate{}, false
	}
	return eviction.Candidate{Key: key, SizeKB: e.sizeKB, LastAccess: e.lastAccessTime()}, true
}

// SizeKB sums the recorded size of every entry, deleting ones included.
func (h *Holder) SizeKB() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var total int64
	for _, e := range h.entries {
		total += e.sizeKB
	}
	return total
}

// Stats returns a snapshot of the holder counters.
func (h *Holder) Stats() Stats {
	h.mu.RLock()
	n := len(h.entries)
	var size int64
	for _, e := range h.entries {
		size += e.sizeKB
	}
	h.mu.RUnlock()

	return Stats{
		Entries:    n,
		SizeKB:     size,
		Hits:       h.hits.Load(),
		Misses:     h.misses.Load(),
		Adds:       h.adds.Load(),
		FailedAdds: h.failedAdds.Load(),
		Removals:   h.removals.Load(),
	}
}

// Load rebuilds the map from the index. Records whose artifact is gone are dropped.
//
// Load also removes temp dirs left by interrupted persists. Without an index, artifacts
// from a previous run cannot be accounted for: they are only reported, and an Add of
// the same key replaces them.
func (h *Holder) Load(ctx context.Context) error {
	temps, artifacts, err := h.scanBaseDir()
	if err != nil {
		errutil.LogMsg(err, "Failed to scan cache dir", "path", h.baseDir)
	}
	if temps > 0 {
		slog.Info("Removed interrupted cache writes", "count", temps)
	}

	if h.index == nil {
		if artifacts > 0 {
			slog.Warn("Cache dir holds artifacts from a previous run that are not tracked without an index", "count", artifacts, "path", h.baseDir)
		}
		return nil
	}
	records, err := h.index.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var loaded, dropped int
	var size int64
	for _, r := range records {
		if _, err := os.Stat(r.Path); errors.Is(err, fs.ErrNotExist) {
			errutil.LogMsg(h.index.Delete(ctx, r.Key), "Failed to drop dangling index record", "key", r.Key)
			dropped++
			continue
		}
		e := &Entry{
			key:       r.Key,
			createdAt: r.CreatedAt,
			persisted: true,
			path:      r.Path,
			sizeKB:    r.SizeKB,
		}
		e.lastAccess.Store(r.LastAccess.UnixNano())
		h.entries[r.Key] = e
		size += r.SizeKB
		loaded++
	}

	slog.Info("Initial cache state loaded", "count", loaded, "dropped", dropped, "size", humanize.IBytes(uint64(size)*1024))
	return nil
}

// scanBaseDir removes leftover persist temp dirs and counts artifact dirs on disk.
func (h *Holder) scanBaseDir() (temps, artifacts int, err error) {
	err = filepath.WalkDir(h.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == h.baseDir {
			return nil
		}
		if strings.HasPrefix(d.Name(), blob.TempDirPrefix) {
			if rerr := os.RemoveAll(path); rerr != nil {
				errutil.LogMsg(rerr, "Failed to remove interrupted cache write", "path", path)
			} else {
				temps++
			}
			return filepath.SkipDir
		}
		rel, rerr := filepath.Rel(h.baseDir, path)
		if rerr != nil {
			return rerr
		}
		if strings.Count(rel, string(filepath.Separator)) == ShardDepth {
			artifacts++
			return filepath.SkipDir
		}
		return nil
	})
	return temps, artifacts, err
}
