// Package fetchapi is the HTTP client every inference microservice call goes
// through. It resolves paths under the service's versioned base URL and
// normalises responses into a status envelope.
package fetchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// APIVersion is appended to every base URL.
	APIVersion = "v1"
	// BackendErrorMessage is the message of every failed envelope.
	BackendErrorMessage = "Error communicating with backend"

	defaultCacheSize = 256
)

// Client talks to one backend service.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	tracer trace.Tracer
	clock  func() time.Time

	cache *lru.Cache[string, cacheEntry]
	mu    sync.Mutex
	tags  map[string]map[string]struct{}
}

type cacheEntry struct {
	resp    Response
	expires time.Time
	tags    []string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every request made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d, Transport: c.http.Transport}
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCacheSize sets how many tagged GET responses are kept.
func WithCacheSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			cache, err := lru.New[string, cacheEntry](size)
			if err == nil {
				c.cache = cache
			}
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// New builds a client for the service reachable at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{},
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/loqalabs/loqa-avatar/internal/fetchapi"),
		clock:  time.Now,
		cache:  cache,
		tags:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeBaseURL adds an http scheme when none is given and appends the
// API version path.
func NormalizeBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("fetchapi: base url must not be empty")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fetchapi: parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("fetchapi: base url %q has no host", raw)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	parsed.Path += APIVersion + "/"
	return parsed, nil
}

// BaseURL returns the versioned base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Resolve returns the absolute URL for a path relative to the versioned base.
func (c *Client) Resolve(path string) string {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return c.base.String() + strings.TrimPrefix(path, "/")
	}
	return c.base.ResolveReference(ref).String()
}

type requestConfig struct {
	headers     http.Header
	query       url.Values
	tags        []string
	revalidate  time.Duration
	body        io.Reader
	contentType string
}

// RequestOption customises one request.
type RequestOption func(*requestConfig)

func WithHeader(key, value string) RequestOption {
	return func(rc *requestConfig) { rc.headers.Set(key, value) }
}

func WithQuery(values url.Values) RequestOption {
	return func(rc *requestConfig) {
		for k, vs := range values {
			for _, v := range vs {
				rc.query.Add(k, v)
			}
		}
	}
}

// WithTags caches a successful GET response under the given tags until one
// of them is revalidated.
func WithTags(tags ...string) RequestOption {
	return func(rc *requestConfig) { rc.tags = append(rc.tags, tags...) }
}

// WithRevalidate caches a successful GET response for d.
func WithRevalidate(d time.Duration) RequestOption {
	return func(rc *requestConfig) { rc.revalidate = d }
}

// WithBody sends body verbatim instead of JSON encoding the payload.
func WithBody(body io.Reader, contentType string) RequestOption {
	return func(rc *requestConfig) {
		rc.body = body
		rc.contentType = contentType
	}
}

func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) Response {
	return c.request(ctx, http.MethodGet, path, nil, opts...)
}

func (c *Client) Post(ctx context.Context, path string, payload any, opts ...RequestOption) Response {
	return c.request(ctx, http.MethodPost, path, payload, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) Response {
	return c.request(ctx, http.MethodDelete, path, nil, opts...)
}

// File posts payload and hands back the raw response. The caller closes the
// body.
func (c *Client) File(ctx context.Context, path string, payload any, opts ...RequestOption) (*http.Response, error) {
	rc := newRequestConfig(opts)
	req, err := c.newRequest(ctx, http.MethodPost, path, payload, rc)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetchapi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// Revalidate drops every cached response stored under tag.
func (c *Client) Revalidate(tag string) {
	c.mu.Lock()
	keys := c.tags[tag]
	delete(c.tags, tag)
	c.mu.Unlock()
	for key := range keys {
		c.cache.Remove(key)
	}
}

func newRequestConfig(opts []RequestOption) *requestConfig {
	rc := &requestConfig{headers: make(http.Header), query: make(url.Values)}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any, rc *requestConfig) (*http.Request, error) {
	target := c.Resolve(path)
	if len(rc.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + rc.query.Encode()
	}

	body := rc.body
	contentType := rc.contentType
	if body == nil && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("fetchapi: encode payload: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	if contentType == "" {
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("fetchapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, vs := range rc.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func (c *Client) request(ctx context.Context, method, path string, payload any, opts ...RequestOption) Response {
	rc := newRequestConfig(opts)
	cacheable := method == http.MethodGet && (len(rc.tags) > 0 || rc.revalidate > 0)

	req, err := c.newRequest(ctx, method, path, payload, rc)
	if err != nil {
		c.logger.Warn("fetchapi request build failed", slog.String("path", path), slogError(err))
		return failure("")
	}
	key := method + " " + req.URL.String()
	if cacheable {
		if entry, ok := c.cache.Get(key); ok {
			if entry.expires.IsZero() || c.clock().Before(entry.expires) {
				return entry.resp
			}
			c.cache.Remove(key)
		}
	}

	ctx, span := c.tracer.Start(ctx, "fetchapi "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", req.URL.String())))
	defer span.End()

	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		c.logger.Warn("fetchapi request failed",
			slog.String("method", method),
			slog.String("url", req.URL.String()),
			slogError(err))
		return failure("")
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	out := handleResponse(resp)
	if !out.Status {
		span.SetStatus(codes.Error, out.Message)
		return out
	}
	if cacheable {
		c.store(key, out, rc)
	}
	return out
}

func (c *Client) store(key string, resp Response, rc *requestConfig) {
	entry := cacheEntry{resp: resp, tags: rc.tags}
	if rc.revalidate > 0 {
		entry.expires = c.clock().Add(rc.revalidate)
	}
	c.cache.Add(key, entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range rc.tags {
		keys := c.tags[tag]
		if keys == nil {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func handleResponse(resp *http.Response) Response {
	responseURL := resp.Request.URL.String()
	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(responseURL)
	}
	return parseBody(data, responseURL)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
