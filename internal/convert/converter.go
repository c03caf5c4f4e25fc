package convert

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lucasew/convcache/internal/blob"
)

// ErrUnknownConverter is returned for converter names that were never registered.
var ErrUnknownConverter = errors.New("unknown converter")

// Converter turns an input holder into a result holder.
type Converter interface {
	Convert(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error)

func (f ConverterFunc) Convert(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
	return f(ctx, in, params)
}

// Registry maps converter names to converters.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

// DefaultRegistry returns a registry with the built-in converters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("zstd", &ZstdCompressor{})
	r.Register("unzstd", &ZstdDecompressor{})
	return r
}

func (r *Registry) Register(name string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[name] = c
}

func (r *Registry) Get(name string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConverter, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
