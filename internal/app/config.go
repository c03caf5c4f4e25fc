package app

import "time"

type Config struct {
	Port     int
	CacheDir string
	// MaxCacheSizeKB caps the cache size. Zero disables the policy.
	MaxCacheSizeKB int64
	// MinFreeSpaceKB keeps this much disk free under CacheDir. Zero disables the policy.
	MinFreeSpaceKB   int64
	GCEnabled        bool
	GCInterval       time.Duration
	GCTestInterval   time.Duration
	EvictionStrategy string
	// IndexEnabled keeps entry metadata in CacheDir/index.db so the cache survives restarts.
	// Without it, artifacts of earlier runs stay on disk and do not count against MaxCacheSizeKB.
	IndexEnabled bool
	CacheEnabled bool
}

// DefaultConfig mirrors the CLI flag defaults.
func DefaultConfig() Config {
	return Config{
		Port:             8080,
		CacheDir:         "./cache",
		MaxCacheSizeKB:   1024 * 1024,
		GCEnabled:        true,
		GCInterval:       10 * time.Minute,
		EvictionStrategy: "lru",
		IndexEnabled:     true,
		CacheEnabled:     true,
	}
}
