package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lucasew/convcache/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogging(t *testing.T) {
	for _, format := range []string{"text", "json", "logfmt"} {
		assert.NoError(t, setupLogging("debug", format), format)
	}
	assert.Error(t, setupLogging("loud", "text"))
	assert.Error(t, setupLogging("info", "xml"))
}

func TestConvertLocalRoundTrip(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.CacheDir = t.TempDir()
	content := strings.Repeat("round trip ", 50)

	var compressed bytes.Buffer
	res, err := convertLocal(t.Context(), cfg, "zstd", strings.NewReader(content), "a.txt", map[string]string{"level": "4"}, &compressed)
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, int64(compressed.Len()), res.Written)

	var again bytes.Buffer
	res, err = convertLocal(t.Context(), cfg, "zstd", strings.NewReader(content), "a.txt", map[string]string{"level": "4"}, &again)
	require.NoError(t, err)
	assert.True(t, res.Hit, "second run should be served from the index backed cache")
	assert.Equal(t, compressed.Bytes(), again.Bytes())

	var plain bytes.Buffer
	_, err = convertLocal(t.Context(), cfg, "unzstd", bytes.NewReader(compressed.Bytes()), "a.txt.zst", nil, &plain)
	require.NoError(t, err)
	assert.Equal(t, content, plain.String())
}
