package eviction

import "time"

// Candidate is a cache entry the GC may evict.
type Candidate struct {
	Key        string
	SizeKB     int64
	LastAccess time.Time
}

// Strategy defines the interface for eviction strategies.
type Strategy interface {
	// Order returns the candidates in eviction order, first to evict first.
	// The input slice may be reordered in place.
	Order(candidates []Candidate) []Candidate
}

// Store is the cache swept by the Manager.
type Store interface {
	// Keys returns a snapshot of the cached keys.
	Keys() []string

	// Candidate returns the eviction view of a key, false if it is gone.
	Candidate(key string) (Candidate, bool)

	// Remove deletes the entry and its artifact. removed is false when the key was already gone.
	Remove(key string) (removed bool, err error)
}
