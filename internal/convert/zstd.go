package convert

import (
	"context"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/lucasew/convcache/internal/blob"
)

const zstdMimeType = "application/zstd"

func init() {
	// restored cache entries only know the file extension
	_ = mime.AddExtensionType(".zst", zstdMimeType)
}

// ZstdCompressor compresses every blob. The "level" parameter (1 fastest .. 4 best)
// selects the encoder level.
type ZstdCompressor struct{}

func (z *ZstdCompressor) Convert(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
	level, err := zstdLevel(params)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()

	var out []*blob.Blob
	for _, b := range in.Blobs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", b.Filename, err)
		}
		out = append(out, blob.FromBytes(enc.EncodeAll(data, nil), b.Filename+".zst", zstdMimeType))
	}
	return blob.NewSimpleHolder(out...), nil
}

// ZstdDecompressor reverses ZstdCompressor.
type ZstdDecompressor struct{}

func (z *ZstdDecompressor) Convert(ctx context.Context, in blob.Holder, params map[string]any) (blob.Holder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	var out []*blob.Blob
	for _, b := range in.Blobs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", b.Filename, err)
		}
		plain, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", b.Filename, err)
		}
		out = append(out, blob.FromBytes(plain, strings.TrimSuffix(b.Filename, ".zst"), ""))
	}
	return blob.NewSimpleHolder(out...), nil
}

func zstdLevel(params map[string]any) (zstd.EncoderLevel, error) {
	v, ok := params["level"]
	if !ok {
		return zstd.SpeedDefault, nil
	}
	var n int
	switch l := v.(type) {
	case int:
		n = l
	case int64:
		n = int(l)
	case float64:
		n = int(l)
	case string:
		parsed, err := strconv.Atoi(l)
		if err != nil {
			return 0, fmt.Errorf("invalid zstd level %q: %w", l, err)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("invalid zstd level type %T", v)
	}
	if n < int(zstd.SpeedFastest) || n > int(zstd.SpeedBestCompression) {
		return 0, fmt.Errorf("zstd level %d out of range [%d, %d]", n, zstd.SpeedFastest, zstd.SpeedBestCompression)
	}
	return zstd.EncoderLevel(n), nil
}
