package convert

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingConverter struct {
	calls atomic.Int32
	delay time.Duration
}

func (c *countingConverter) Convert(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	data, err := blob.Main(in).Bytes()
	if err != nil {
		return nil, err
	}
	return blob.NewSimpleHolder(blob.FromBytes(bytes.ToUpper(data), "upper.txt", "text/plain")), nil
}

func newService(t *testing.T, conv Converter) (*Service, *cache.Holder) {
	t.Helper()
	holder, err := cache.New(cache.Options{BaseDir: t.TempDir()})
	require.NoError(t, err)
	reg := DefaultRegistry()
	reg.Register("upper", conv)
	return NewService(reg, holder), holder
}

func input(s string) blob.Holder {
	return blob.NewSimpleHolder(blob.FromBytes([]byte(s), "in.txt", "text/plain"))
}

func mainString(t *testing.T, h blob.Holder) string {
	t.Helper()
	data, err := blob.Main(h).Bytes()
	require.NoError(t, err)
	return string(data)
}

func TestConvertCachesResult(t *testing.T) {
	conv := &countingConverter{}
	svc, holder := newService(t, conv)
	ctx := context.Background()

	res, err := svc.Convert(ctx, "upper", input("hello"), nil)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, "HELLO", mainString(t, res.Holder))
	assert.NotEmpty(t, res.Key)

	res, err = svc.Convert(ctx, "upper", input("hello"), nil)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "HELLO", mainString(t, res.Holder))
	assert.Equal(t, int32(1), conv.calls.Load())
	assert.Equal(t, int64(1), holder.Stats().Hits)

	// different params, different key
	res, err = svc.Convert(ctx, "upper", input("hello"), map[string]any{"x": 1})
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, int32(2), conv.calls.Load())
}

func TestConvertSingleflight(t *testing.T) {
	conv := &countingConverter{delay: 50 * time.Millisecond}
	svc, _ := newService(t, conv)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Convert(context.Background(), "upper", input("same"), nil)
			assert.NoError(t, err)
			assert.Equal(t, "SAME", mainString(t, res.Holder))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), conv.calls.Load())
}

func TestConvertUnknown(t *testing.T) {
	svc, _ := newService(t, &countingConverter{})
	_, err := svc.Convert(context.Background(), "nope", input("x"), nil)
	assert.ErrorIs(t, err, ErrUnknownConverter)
}

func TestConvertWithoutKey(t *testing.T) {
	conv := ConverterFunc(func(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
		return blob.NewSimpleHolder(blob.FromBytes([]byte("generated"), "g.txt", "")), nil
	})
	svc, holder := newService(t, conv)

	// no blobs: no content hash, so the conversion runs uncached
	res, err := svc.Convert(context.Background(), "upper", blob.NewSimpleHolder(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Key)
	assert.Equal(t, "generated", mainString(t, res.Holder))
	assert.Empty(t, holder.Keys())
}

func TestConvertStreamResultNotCached(t *testing.T) {
	conv := ConverterFunc(func(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
		return blob.NewStreamHolder(strings.NewReader("streamed"), "s.txt", ""), nil
	})
	svc, holder := newService(t, conv)

	res, err := svc.Convert(context.Background(), "upper", input("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed", mainString(t, res.Holder))
	assert.Empty(t, holder.Keys())
}

func TestConvertOneShotResultReadableAfterCaching(t *testing.T) {
	conv := ConverterFunc(func(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
		return blob.NewSimpleHolder(blob.FromStream(strings.NewReader("out"), "out.txt", "")), nil
	})
	svc, holder := newService(t, conv)

	res, err := svc.Convert(context.Background(), "upper", input("x"), nil)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, []string{res.Key}, holder.Keys())
	assert.Equal(t, "out", mainString(t, res.Holder))
	assert.Equal(t, "out", mainString(t, res.Holder), "the returned result can be read more than once")

	res, err = svc.Convert(context.Background(), "upper", input("x"), nil)
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Equal(t, "out", mainString(t, res.Holder))
}

func TestConvertCacheDisabled(t *testing.T) {
	conv := &countingConverter{}
	reg := NewRegistry()
	reg.Register("upper", conv)
	svc := NewService(reg, nil)

	for i := 0; i < 2; i++ {
		res, err := svc.Convert(context.Background(), "upper", input("a"), nil)
		require.NoError(t, err)
		assert.False(t, res.Hit)
	}
	assert.Equal(t, int32(2), conv.calls.Load())
}

func TestZstdRoundTrip(t *testing.T) {
	svc, _ := newService(t, &countingConverter{})
	ctx := context.Background()
	payload := strings.Repeat("compress me ", 500)

	compressed, err := svc.Convert(ctx, "zstd", input(payload), map[string]any{"level": "4"})
	require.NoError(t, err)
	main := blob.Main(compressed.Holder)
	assert.Equal(t, "in.txt.zst", main.Filename)
	assert.Equal(t, zstdMimeType, main.MimeType)
	assert.Less(t, main.Size, int64(len(payload)))

	plain, err := svc.Convert(ctx, "unzstd", compressed.Holder, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, mainString(t, plain.Holder))
	assert.Equal(t, "in.txt", blob.Main(plain.Holder).Filename)
}

func TestZstdLevel(t *testing.T) {
	_, err := zstdLevel(map[string]any{"level": 9})
	assert.Error(t, err)
	_, err = zstdLevel(map[string]any{"level": "fast"})
	assert.Error(t, err)
	l, err := zstdLevel(map[string]any{"level": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, int(l))
}
