package lru

import (
	"cmp"
	"slices"

	"github.com/lucasew/convcache/internal/eviction"
)

// LRU orders candidates least recently accessed first.
type LRU struct{}

func init() {
	eviction.Register("lru", func() eviction.Strategy {
		return New()
	})
}

func New() *LRU {
	return &LRU{}
}

// Order sorts by last access time. Equal access times fall back to key order
// so a sweep over the same snapshot is reproducible.
func (l *LRU) Order(candidates []eviction.Candidate) []eviction.Candidate {
	slices.SortFunc(candidates, func(a, b eviction.Candidate) int {
		if c := a.LastAccess.Compare(b.LastAccess); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return candidates
}
