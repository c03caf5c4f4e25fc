package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/convcache/internal/cache"
	"github.com/lucasew/convcache/internal/convert"
	"github.com/lucasew/convcache/internal/db"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/eviction"
	_ "github.com/lucasew/convcache/internal/eviction/lru"
	"github.com/lucasew/convcache/internal/eviction/policy"
	"github.com/lucasew/convcache/internal/eviction/policy/maxsize"
	"github.com/lucasew/convcache/internal/eviction/policy/minfree"
	"github.com/lucasew/convcache/internal/handler"
)

const (
	indexFile  = "index.db"
	entriesDir = "entries"
)

// Cache bundles the components backing one cache directory.
type Cache struct {
	Holder  *cache.Holder
	GC      *eviction.Manager
	Service *convert.Service

	index *db.DB
}

// OpenCache opens the cache under cfg.CacheDir and restores its entries from the index.
// The GC task is not started.
func OpenCache(ctx context.Context, cfg Config) (*Cache, error) {
	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	c := &Cache{}
	opts := cache.Options{BaseDir: filepath.Join(cfg.CacheDir, entriesDir)}
	if cfg.IndexEnabled {
		dbPath := filepath.Join(cfg.CacheDir, indexFile)
		database, err := db.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
		}
		c.index = database
		opts.Index = database
	}

	c.Holder, err = cache.New(opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Holder.Load(ctx); err != nil {
		slog.Warn("Failed to load initial cache state", "error", err)
	}

	var policies []policy.Policy
	if cfg.MaxCacheSizeKB > 0 {
		slog.Info("Adding MaxCacheSize policy", "max_size", humanize.IBytes(uint64(cfg.MaxCacheSizeKB)*1024))
		policies = append(policies, &maxsize.Policy{MaxKB: cfg.MaxCacheSizeKB})
	}
	if cfg.MinFreeSpaceKB > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", humanize.IBytes(uint64(cfg.MinFreeSpaceKB)*1024))
		policies = append(policies, &minfree.Policy{
			Path:      cfg.CacheDir,
			MinFreeKB: cfg.MinFreeSpaceKB,
		})
	}
	if len(policies) == 0 {
		slog.Info("No eviction policies configured (unlimited cache)")
	}

	c.GC = eviction.NewManager(c.Holder, policies, strat, eviction.Config{
		Enabled:           cfg.GCEnabled,
		SweepInterval:     cfg.GCInterval,
		TestSweepInterval: cfg.GCTestInterval,
	})

	var holder *cache.Holder
	if cfg.CacheEnabled {
		holder = c.Holder
	}
	c.Service = convert.NewService(convert.DefaultRegistry(), holder)
	return c, nil
}

// Close releases the index.
func (c *Cache) Close() {
	if c.index != nil {
		errutil.Close(c.index, "Failed to close index")
		c.index = nil
	}
}

// NewServer opens the cache, starts its GC task and returns the HTTP server.
// The returned cleanup stops the GC task and closes the index.
func NewServer(cfg Config) (*http.Server, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	c, err := OpenCache(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		c.GC.Start(ctx)
	}()

	h := handler.NewCacheHandler(c.Holder, c.GC, c.Service)

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting server", "addr", addr, "cache_dir", cfg.CacheDir, "index", cfg.IndexEnabled)

	server := &http.Server{
		Addr:    addr,
		Handler: h.Handler(),
	}

	cleanup := func() {
		cancel()
		<-gcDone
		c.Close()
	}

	return server, cleanup, nil
}
