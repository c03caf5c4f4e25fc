// Package convcache is a client for the conversion cache HTTP API.
package convcache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/handler"
	"github.com/lucasew/convcache/internal/hashutil"
)

// ServerEnv names the environment variable holding the default server URL.
const ServerEnv = "CONVCACHE_SERVER"

var (
	// ErrNoServer is returned when neither a server nor CONVCACHE_SERVER is set.
	ErrNoServer = errors.New("no server configured")

	// ErrNotFound is returned for unknown converters and absent cache entries.
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch is returned when the received content does not match X-Content-Digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// HTTPStatusError is returned when the server responds with an unexpected status code.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// Stats is the body of the stats and gc endpoints.
type Stats = handler.StatsResponse

type Client struct {
	HTTPClient *http.Client
	Server     string
}

type ConvertOptions struct {
	Converter string
	// Filename names the input; converters derive output names from it.
	Filename string
	Params   map[string]string
	In       io.Reader
	Out      io.Writer
}

// ConvertResult describes a finished conversion.
type ConvertResult struct {
	Key     string
	Hit     bool
	Written int64
}

// NewClient creates a client for server, falling back to CONVCACHE_SERVER when empty.
func NewClient(client *http.Client, server string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if server == "" {
		server = os.Getenv(ServerEnv)
	}
	return &Client{
		HTTPClient: client,
		Server:     strings.TrimRight(server, "/"),
	}
}

// Convert sends opts.In to the server and writes the first result blob to opts.Out.
func (c *Client) Convert(ctx context.Context, opts ConvertOptions) (ConvertResult, error) {
	q := url.Values{}
	for k, v := range opts.Params {
		q.Set(k, v)
	}
	u, err := c.url("/convert/"+url.PathEscape(opts.Converter), q)
	if err != nil {
		return ConvertResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, opts.In)
	if err != nil {
		return ConvertResult{}, err
	}
	if opts.Filename != "" {
		req.Header.Set(handler.HeaderFilename, opts.Filename)
	}

	resp, err := c.do(req)
	if err != nil {
		return ConvertResult{}, err
	}
	defer closeBody(resp)

	res := ConvertResult{
		Key: resp.Header.Get(handler.HeaderCacheKey),
		Hit: resp.Header.Get(handler.HeaderCache) == "HIT",
	}
	res.Written, err = copyVerified(opts.Out, resp)
	return res, err
}

// Get writes blob idx of the cached entry key to out.
func (c *Client) Get(ctx context.Context, key string, idx int, out io.Writer) (int64, error) {
	q := url.Values{}
	if idx > 0 {
		q.Set("blob", fmt.Sprint(idx))
	}
	u, err := c.url("/cache/entries/"+url.PathEscape(key), q)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer closeBody(resp)
	return copyVerified(out, resp)
}

// Remove deletes the cached entry key.
func (c *Client) Remove(ctx context.Context, key string) error {
	u, err := c.url("/cache/entries/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	closeBody(resp)
	return nil
}

// Stats fetches the holder and GC counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	return c.stats(ctx, http.MethodGet, "/cache/stats")
}

// GC asks the server to run one GC check.
func (c *Client) GC(ctx context.Context) (Stats, error) {
	return c.stats(ctx, http.MethodPost, "/cache/gc")
}

func (c *Client) stats(ctx context.Context, method, path string) (Stats, error) {
	var s Stats
	u, err := c.url(path, nil)
	if err != nil {
		return s, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return s, err
	}
	resp, err := c.do(req)
	if err != nil {
		return s, err
	}
	defer closeBody(resp)
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return s, fmt.Errorf("failed to decode stats: %w", err)
	}
	return s, nil
}

func (c *Client) url(path string, q url.Values) (string, error) {
	if c.Server == "" {
		return "", ErrNoServer
	}
	u := c.Server + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// do sends req and turns error statuses into errors.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer closeBody(resp)

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, statusErr)
	}
	return nil, statusErr
}

// copyVerified copies the body to out, checking X-Content-Digest when the server sent one.
func copyVerified(out io.Writer, resp *http.Response) (int64, error) {
	cw := &countingWriter{Writer: out}

	algo, expected, ok := strings.Cut(resp.Header.Get(handler.HeaderDigest), "=")
	if !ok {
		_, err := io.Copy(cw, resp.Body)
		return cw.N, err
	}

	hasher, err := hashutil.GetHasher(algo)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(io.MultiWriter(cw, hasher), resp.Body); err != nil {
		return cw.N, err
	}
	if actual := sum(hasher); actual != expected {
		return cw.N, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expected, actual)
	}
	return cw.N, nil
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func closeBody(resp *http.Response) {
	errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
}

type countingWriter struct {
	Writer io.Writer
	N      int64
}

func (c *countingWriter) Write(p []byte) (n int, err error) {
	n, err = c.Writer.Write(p)
	c.N += int64(n)
	return n, err
}
