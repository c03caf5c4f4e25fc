package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/errutil"
)

// ErrDangling is returned when an entry's artifact vanished from disk.
var ErrDangling = errors.New("cache artifact missing")

// State is the lifecycle state of an entry.
type State int32

const (
	// StateLive entries are served by Get.
	StateLive State = iota
	// StateDeleting entries are being removed. Their artifact may still be on disk.
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// Entry is one cached conversion result.
//
// persisted, path and sizeKB are written once under the holder write lock before the
// entry is published. lastAccess and state change later and are atomic so readers
// holding only the read lock may update them.
type Entry struct {
	key       string
	createdAt time.Time

	persisted bool
	path      string
	sizeKB    int64
	result    blob.Holder

	lastAccess atomic.Int64
	state      atomic.Int32
}

func newEntry(key string, result blob.Holder, now time.Time) *Entry {
	e := &Entry{key: key, createdAt: now, result: result}
	e.lastAccess.Store(now.UnixNano())
	return e
}

// persist writes the result under dir. It returns false when the result cannot be
// persisted, logging the reason; the in-memory result is dropped on success.
func (e *Entry) persist(dir string) bool {
	p, ok := e.result.(blob.Persister)
	if !ok {
		return false
	}
	n, err := p.Persist(dir)
	if err != nil {
		errutil.ReportError(err, "Failed to persist cache entry", "key", e.key, "path", dir)
		return false
	}
	e.path = dir
	e.sizeKB = n / 1024
	e.persisted = true
	e.result = nil
	return true
}

// restore bumps the access time and returns a fresh disk backed holder.
func (e *Entry) restore(now time.Time) (blob.Holder, error) {
	e.lastAccess.Store(now.UnixNano())
	if !e.persisted {
		return nil, nil
	}
	h, err := blob.Restore(e.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDangling, e.path)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// remove deletes the on-disk artifact. Removing twice is fine.
func (e *Entry) remove() error {
	if !e.persisted {
		return nil
	}
	if err := os.RemoveAll(e.path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", e.path, err)
	}
	return nil
}

// claim moves a live entry to deleting. Only the caller that gets true may remove it.
func (e *Entry) claim() bool {
	return e.state.CompareAndSwap(int32(StateLive), int32(StateDeleting))
}

// release hands a claimed entry back after a failed removal.
func (e *Entry) release() {
	e.state.Store(int32(StateLive))
}

func (e *Entry) deleting() bool {
	return State(e.state.Load()) == StateDeleting
}

func (e *Entry) lastAccessTime() time.Time {
	return time.Unix(0, e.lastAccess.Load())
}

// EntryInfo is a read-only snapshot of an entry.
type EntryInfo struct {
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	SizeKB     int64     `json:"size_kb"`
	LastAccess time.Time `json:"last_access"`
	CreatedAt  time.Time `json:"created_at"`
	State      string    `json:"state"`
}

func (e *Entry) info() EntryInfo {
	return EntryInfo{
		Key:        e.key,
		Path:       e.path,
		SizeKB:     e.sizeKB,
		LastAccess: e.lastAccessTime(),
		CreatedAt:  e.createdAt,
		State:      State(e.state.Load()).String(),
	}
}
