package handler

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/cache"
	"github.com/lucasew/convcache/internal/convert"
	"github.com/lucasew/convcache/internal/eviction"
	"github.com/lucasew/convcache/internal/eviction/lru"
	"github.com/lucasew/convcache/internal/eviction/policy"
	"github.com/lucasew/convcache/internal/eviction/policy/maxsize"
)

func setup(t *testing.T, maxKB int64) (*CacheHandler, *cache.Holder) {
	t.Helper()
	holder, err := cache.New(cache.Options{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	mgr := eviction.NewManager(holder, []policy.Policy{&maxsize.Policy{MaxKB: maxKB}}, lru.New(), eviction.Config{})
	svc := convert.NewService(convert.DefaultRegistry(), holder)
	return NewCacheHandler(holder, mgr, svc), holder
}

func do(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func entryURL(key string) string {
	return "/cache/entries/" + url.PathEscape(key)
}

func TestCacheHandler(t *testing.T) {
	ch, holder := setup(t, 1<<20)
	h := ch.Handler()

	payload := []byte(strings.Repeat("hello zstd ", 100))
	var key string

	t.Run("Convert Miss", func(t *testing.T) {
		w := do(h, http.MethodPost, "/convert/zstd?level=2", payload)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
		}
		if w.Header().Get(HeaderCache) != "MISS" {
			t.Errorf("expected MISS, got %s", w.Header().Get(HeaderCache))
		}
		key = w.Header().Get(HeaderCacheKey)
		if !strings.HasPrefix(key, "zstd:") || !strings.HasSuffix(key, ":level:2") {
			t.Errorf("unexpected cache key %q", key)
		}
		if w.Header().Get("Content-Type") != "application/zstd" {
			t.Errorf("expected zstd content type, got %s", w.Header().Get("Content-Type"))
		}
		sum := sha256.Sum256(w.Body.Bytes())
		if got := w.Header().Get(HeaderDigest); got != "sha256="+hex.EncodeToString(sum[:]) {
			t.Errorf("digest header %q does not match body", got)
		}
	})

	t.Run("Convert Hit", func(t *testing.T) {
		w := do(h, http.MethodPost, "/convert/zstd?level=2", payload)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if w.Header().Get(HeaderCache) != "HIT" {
			t.Errorf("expected HIT, got %s", w.Header().Get(HeaderCache))
		}
	})

	t.Run("Get Entry", func(t *testing.T) {
		w := do(h, http.MethodGet, entryURL(key), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
		}
		if w.Header().Get("Cache-Control") != "public, max-age=31536000, immutable" {
			t.Errorf("expected Cache-Control header, got %s", w.Header().Get("Cache-Control"))
		}
		if w.Header().Get("Content-Length") != fmt.Sprint(w.Body.Len()) {
			t.Errorf("Content-Length %s does not match body length %d", w.Header().Get("Content-Length"), w.Body.Len())
		}
	})

	t.Run("HEAD Entry", func(t *testing.T) {
		w := do(h, http.MethodHead, entryURL(key), nil)
		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty HEAD body")
		}
	})

	t.Run("Blob Out Of Range", func(t *testing.T) {
		w := do(h, http.MethodGet, entryURL(key)+"?blob=5", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
		w = do(h, http.MethodGet, entryURL(key)+"?blob=x", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		w := do(h, http.MethodGet, "/cache/stats", nil)
		var resp StatsResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("bad stats body: %v", err)
		}
		if resp.Cache.Entries != 1 {
			t.Errorf("expected 1 entry, got %d", resp.Cache.Entries)
		}
		if resp.Cache.Hits < 2 {
			t.Errorf("expected at least 2 hits, got %d", resp.Cache.Hits)
		}
		if resp.GC == nil {
			t.Errorf("expected gc stats")
		}
	})

	t.Run("Delete Entry", func(t *testing.T) {
		path := holder.ShardPath(key)
		w := do(h, http.MethodDelete, entryURL(key), nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", w.Code)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("artifact should be gone")
		}

		w = do(h, http.MethodDelete, entryURL(key), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
		w = do(h, http.MethodGet, entryURL(key), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("Unknown Converter", func(t *testing.T) {
		w := do(h, http.MethodPost, "/convert/pdf2png", payload)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("Bad Input", func(t *testing.T) {
		w := do(h, http.MethodPost, "/convert/unzstd", []byte("not zstd"))
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", w.Code)
		}
	})
}

func TestGCEndpoint(t *testing.T) {
	ch, holder := setup(t, 4)
	h := ch.Handler()

	for i := 0; i < 3; i++ {
		data := bytes.Repeat([]byte{byte('a' + i)}, 3*1024)
		if !holder.Add(fmt.Sprintf("k%d", i), blob.NewSimpleHolder(blob.FromBytes(data, "f", ""))) {
			t.Fatal("add failed")
		}
	}

	w := do(h, http.MethodPost, "/cache/gc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad gc body: %v", err)
	}
	// 9KB over a 4KB limit: two 3KB entries go
	if resp.FreedKB == nil || *resp.FreedKB != 6 {
		t.Errorf("expected 6KB freed, got %v", resp.FreedKB)
	}
	if resp.Cache.SizeKB != 3 {
		t.Errorf("expected 3KB left, got %d", resp.Cache.SizeKB)
	}
	if resp.GC.GCRuns != 1 {
		t.Errorf("expected 1 gc run, got %d", resp.GC.GCRuns)
	}
}

func TestConvertInputErrors(t *testing.T) {
	ch, _ := setup(t, 1<<20)
	ch.MaxInput = 16
	h := ch.Handler()

	w := do(h, http.MethodPost, "/convert/zstd", bytes.Repeat([]byte("x"), 64))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/convert/zstd", iotest.ErrReader(errors.New("connection reset")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}

	w = do(h, http.MethodPost, "/convert/zstd", []byte("small"))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}
