package cache

import (
	"path/filepath"

	"github.com/lucasew/convcache/internal/hashutil"
)

const (
	// ShardDepth is the number of directory levels above an entry.
	ShardDepth = 3
	// ShardWidth is the length of each level name. Two hex chars give 256 children per level.
	ShardWidth = 2
)

// ShardPath returns the directory that stores key under base.
//
// The key is hashed so that keys sharing a converter prefix still spread evenly,
// and so path length does not grow with the parameter list.
func ShardPath(base, key string) string {
	sum, _ := hashutil.SumString(hashutil.Default, key)
	parts := make([]string, 0, ShardDepth+2)
	parts = append(parts, base)
	for i := 0; i < ShardDepth; i++ {
		parts = append(parts, sum[i*ShardWidth:(i+1)*ShardWidth])
	}
	parts = append(parts, sum)
	return filepath.Join(parts...)
}
