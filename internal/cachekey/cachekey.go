// Package cachekey derives conversion cache keys.
package cachekey

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/hashutil"
)

// Separator joins the key parts.
const Separator = ":"

// ErrNoContentHash is returned when the input cannot produce a content hash.
var ErrNoContentHash = errors.New("input has no content hash")

// Generate returns converter:contentHash[:param:value]*.
//
// The content hash is the digest of the main blob of in. Parameters are appended
// in key order so equal parameter sets always produce the same key.
func Generate(converter string, in blob.Holder, params map[string]any) (string, error) {
	main := blob.Main(in)
	if main == nil {
		return "", ErrNoContentHash
	}
	digest, err := main.Digest(hashutil.Default)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoContentHash, err)
	}

	var sb strings.Builder
	sb.WriteString(converter)
	sb.WriteString(Separator)
	sb.WriteString(digest)

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		sb.WriteString(Separator)
		sb.WriteString(k)
		sb.WriteString(Separator)
		fmt.Fprintf(&sb, "%v", params[k])
	}
	return sb.String(), nil
}
