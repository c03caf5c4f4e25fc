package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lucasew/convcache/internal/blob"
	"github.com/lucasew/convcache/internal/cache"
	"github.com/lucasew/convcache/internal/convert"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/eviction"
	"github.com/lucasew/convcache/internal/hashutil"
)

// MaxInputSize is the default bound on conversion request bodies.
const MaxInputSize = 512 << 20

const (
	HeaderDigest   = "X-Content-Digest"
	HeaderCacheKey = "X-Cache-Key"
	HeaderCache    = "X-Cache"
	HeaderFilename = "X-Filename"
)

// StatsResponse is the body of GET /cache/stats and POST /cache/gc.
type StatsResponse struct {
	Cache   cache.Stats     `json:"cache"`
	GC      *eviction.Stats `json:"gc,omitempty"`
	FreedKB *int64          `json:"freed_kb,omitempty"`
}

// CacheHandler exposes the conversion cache over HTTP.
//
// Routes:
//
//	GET|HEAD /cache/entries/{key}?blob=N  serve blob N of a cached result
//	DELETE   /cache/entries/{key}         remove an entry
//	GET      /cache/stats                 holder and GC counters
//	POST     /cache/gc                    run one GC check now
//	POST     /convert/{converter}         convert the request body through the cache
type CacheHandler struct {
	Cache    *cache.Holder
	GC       *eviction.Manager
	Service  *convert.Service
	// MaxInput bounds conversion request bodies in bytes.
	MaxInput int64
}

func NewCacheHandler(holder *cache.Holder, gc *eviction.Manager, service *convert.Service) *CacheHandler {
	return &CacheHandler{
		Cache:    holder,
		GC:       gc,
		Service:  service,
		MaxInput: MaxInputSize,
	}
}

// Register adds the routes to mux.
func (h *CacheHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /cache/entries/{key}", h.getEntry)
	mux.HandleFunc("DELETE /cache/entries/{key}", h.deleteEntry)
	mux.HandleFunc("GET /cache/stats", h.stats)
	mux.HandleFunc("POST /cache/gc", h.gc)
	if h.Service != nil {
		mux.HandleFunc("POST /convert/{converter}", h.convert)
	}
}

// Handler returns a mux serving every route.
func (h *CacheHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func (h *CacheHandler) getEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	idx := 0
	if s := r.URL.Query().Get("blob"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("Invalid blob index: %s", s), http.StatusBadRequest)
			return
		}
		idx = n
	}

	res, ok := h.Cache.Get(key)
	if !ok {
		slog.Debug("Cache miss", "key", key)
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	blobs := res.Blobs()
	if idx >= len(blobs) {
		http.Error(w, fmt.Sprintf("Entry has %d blobs", len(blobs)), http.StatusNotFound)
		return
	}

	w.Header().Set(HeaderCache, "HIT")
	h.serveBlob(w, r, key, blobs[idx])
}

func (h *CacheHandler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	removed, err := h.Cache.Remove(key)
	if err != nil {
		errutil.ReportError(err, "Failed to remove cache entry", "key", key)
		http.Error(w, "Failed to remove entry", http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	slog.Info("Removed cache entry", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CacheHandler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.statsResponse())
}

func (h *CacheHandler) gc(w http.ResponseWriter, r *http.Request) {
	if h.GC == nil {
		http.Error(w, "GC not configured", http.StatusServiceUnavailable)
		return
	}
	freed := h.GC.GCIfNeeded()
	resp := h.statsResponse()
	resp.FreedKB = &freed
	writeJSON(w, resp)
}

func (h *CacheHandler) convert(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("converter")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxInput))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, fmt.Sprintf("Failed to read input: %v", err), status)
		return
	}

	filename := r.Header.Get(HeaderFilename)
	if filename == "" {
		filename = "input"
	}
	in := blob.NewSimpleHolder(blob.FromBytes(data, filename, r.Header.Get("Content-Type")))

	params := make(map[string]any)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	res, err := h.Service.Convert(r.Context(), name, in, params)
	if errors.Is(err, convert.ErrUnknownConverter) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Conversion failed", "converter", name, "error", err)
		http.Error(w, fmt.Sprintf("Conversion failed: %v", err), http.StatusUnprocessableEntity)
		return
	}

	main := blob.Main(res.Holder)
	if main == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if res.Hit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	h.serveBlob(w, r, res.Key, main)
}

func (h *CacheHandler) serveBlob(w http.ResponseWriter, r *http.Request, key string, b *blob.Blob) {
	digest, err := b.Digest(hashutil.Default)
	if err != nil {
		errutil.ReportError(err, "Failed to hash blob", "key", key)
		http.Error(w, "Failed to read blob", http.StatusInternalServerError)
		return
	}

	rc, err := b.Open()
	if err != nil {
		errutil.ReportError(err, "Failed to open blob", "key", key)
		http.Error(w, "Failed to read blob", http.StatusInternalServerError)
		return
	}
	defer func() {
		errutil.LogMsg(rc.Close(), "Failed to close blob")
	}()

	if key != "" {
		h.setCacheHeaders(w, key)
	}
	w.Header().Set("Content-Type", b.MimeType)
	w.Header().Set(HeaderDigest, fmt.Sprintf("%s=%s", hashutil.Default, digest))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.Filename))
	if b.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(b.Size, 10))
	}

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		errutil.LogMsg(err, "Failed to write response", "key", key)
	}
}

// setCacheHeaders marks responses as immutable: a key always maps to the same result.
func (h *CacheHandler) setCacheHeaders(w http.ResponseWriter, key string) {
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set(HeaderCacheKey, key)
}

func (h *CacheHandler) statsResponse() StatsResponse {
	resp := StatsResponse{Cache: h.Cache.Stats()}
	if h.GC != nil {
		s := h.GC.Stats()
		resp.GC = &s
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	errutil.LogMsg(json.NewEncoder(w).Encode(v), "Failed to encode response")
}
