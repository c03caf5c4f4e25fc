// Package convert runs named converters and caches their results.
package convert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/cache"
	"github.com/lucasew/convcache/internal/cachekey"
	"github.com/lucasew/convcache/internal/errutil"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of a conversion.
type Result struct {
	Holder blob.Holder
	// Key is empty when no cache key could be derived.
	Key string
	Hit bool
}

// Service converts inputs, consulting the cache first.
type Service struct {
	registry     *Registry
	cache        *cache.Holder
	cacheEnabled bool
	g            singleflight.Group
}

// NewService creates a Service. A nil holder disables caching.
func NewService(registry *Registry, holder *cache.Holder) *Service {
	return &Service{
		registry:     registry,
		cache:        holder,
		cacheEnabled: holder != nil,
	}
}

// Convert runs converter name on in. Concurrent calls for the same key share one conversion.
//
// Caching is best effort: a missing key or a failed cache write only costs a
// future cache miss.
func (s *Service) Convert(ctx context.Context, name string, in blob.Holder, params map[string]any) (Result, error) {
	conv, err := s.registry.Get(name)
	if err != nil {
		return Result{}, err
	}

	if !s.cacheEnabled {
		h, err := conv.Convert(ctx, in, params)
		return Result{Holder: h}, err
	}

	key, err := cachekey.Generate(name, in, params)
	if err != nil {
		errutil.LogMsg(err, "Converting without cache", "converter", name)
		h, err := conv.Convert(ctx, in, params)
		return Result{Holder: h}, err
	}

	if h, ok := s.cache.Get(key); ok {
		slog.Debug("Conversion cache hit", "key", key)
		return Result{Holder: h, Key: key, Hit: true}, nil
	}

	v, err, _ := s.g.Do(key, func() (interface{}, error) {
		// another caller may have filled the cache while we waited
		if h, ok := s.cache.Get(key); ok {
			return Result{Holder: h, Key: key, Hit: true}, nil
		}

		slog.Info("Conversion cache miss", "converter", name, "key", key)
		h, err := conv.Convert(ctx, in, params)
		if err != nil {
			return nil, fmt.Errorf("converter %s failed: %w", name, err)
		}
		// caching consumes h; hand out the stored copy when there is one
		if stored, ok := s.cache.Put(key, h); ok && stored != nil {
			return Result{Holder: stored, Key: key}, nil
		}
		return Result{Holder: h, Key: key}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Converters lists the registered converter names.
func (s *Service) Converters() []string {
	return s.registry.Names()
}
