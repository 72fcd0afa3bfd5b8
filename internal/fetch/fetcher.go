// Package fetch retrieves source content over HTTP: per-host rate limits,
// robots.txt, bounded retries, conditional requests and bearer auth.
package fetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/ppiankov/regtruth/internal/cache"
	"github.com/ppiankov/regtruth/internal/logfields"
	"github.com/ppiankov/regtruth/internal/model"
)

var (
	// ErrInFlight is returned while another fetch of the same URL is running
	ErrInFlight = errors.New("fetch already in flight")
	// ErrDisallowed is returned for URLs robots.txt forbids
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrTooLarge is returned for bodies above the configured limit
	ErrTooLarge = errors.New("response body exceeds size limit")
)

// StatusError is a non-2xx, non-304 response
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.Code, e.Status)
}

// fetchSleepFunc is replaced in tests to skip backoff delays
var fetchSleepFunc = func(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

const (
	maxRedirects   = 5
	baseRetryDelay = time.Second
)

// Options configures a Fetcher
type Options struct {
	Timeout       time.Duration
	UserAgent     string
	MaxBytes      int64
	MaxRetries    int // attempts in total, at least 1
	InsecureTLS   bool
	HTTPProxy     string
	HTTPSProxy    string
	NoProxy       string
	RespectRobots bool

	RequestsPerSecond float64
	Burst             int

	// Auth registers a client credentials token source per host
	Auth []model.HostAuth

	// Validators stores ETag/Last-Modified per URL; nil disables conditional requests
	Validators cache.Cache
	Logger     *slog.Logger
}

// OptionsFromConfig maps the http, rate_limiting and cache config sections
func OptionsFromConfig(cfg *model.Config) Options {
	return Options{
		Timeout:           cfg.HTTP.Timeout,
		UserAgent:         cfg.HTTP.UserAgent,
		MaxBytes:          cfg.HTTP.MaxBodyBytes,
		MaxRetries:        cfg.HTTP.MaxRetries,
		InsecureTLS:       cfg.HTTP.InsecureTLS,
		HTTPProxy:         cfg.HTTP.HTTPProxy,
		HTTPSProxy:        cfg.HTTP.HTTPSProxy,
		NoProxy:           cfg.HTTP.NoProxy,
		RespectRobots:     cfg.HTTP.RespectRobots,
		RequestsPerSecond: cfg.RateLimiting.RequestsPerSecond,
		Burst:             cfg.RateLimiting.BurstSize,
		Auth:              cfg.HTTP.Auth,
		Validators:        cache.FromConfig(cfg.Cache),
	}
}

// Result is one fetched response
type Result struct {
	Body        []byte
	Meta        model.FetchMeta
	FinalURL    string
	NotModified bool // 304 to a conditional request; Body is empty
}

// Fetcher is safe for concurrent use
type Fetcher struct {
	httpClient *http.Client
	opts       Options
	limiter    *Limiter
	robots     *RobotsChecker
	tokens     *TokenCache
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewFetcher creates a fetcher
func NewFetcher(opts Options) *Fetcher {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = model.DefaultConfig().HTTP.MaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxyFunc(opts.HTTPProxy, opts.HTTPSProxy, opts.NoProxy)
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	f := &Fetcher{
		httpClient: client,
		opts:       opts,
		limiter:    NewLimiter(opts.RequestsPerSecond, opts.Burst),
		tokens:     NewTokenCache(),
		logger:     opts.Logger,
		inflight:   make(map[string]struct{}),
	}
	if opts.RespectRobots {
		f.robots = NewRobotsChecker(client, opts.UserAgent, nil)
	}
	for _, a := range opts.Auth {
		secret := ""
		if a.ClientSecretEnv != "" {
			secret = os.Getenv(a.ClientSecretEnv)
		}
		if secret == "" {
			f.logger.Warn("no client secret for authenticated host",
				slog.String("host", a.Host), slog.String("env", a.ClientSecretEnv))
		}
		f.tokens.Register(a.Host, ClientCredentialsSource(client, a.TokenURL, a.ClientID, secret, nil))
	}
	return f
}

// Tokens exposes the fetcher's bearer token cache for registration
func (f *Fetcher) Tokens() *TokenCache {
	return f.tokens
}

// proxyFunc honours explicit proxies and NO_PROXY, falling back to the environment
func proxyFunc(httpProxy, httpsProxy, noProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}
	cfg := &httpproxy.Config{HTTPProxy: httpProxy, HTTPSProxy: httpsProxy, NoProxy: noProxy}
	fn := cfg.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return fn(req.URL)
	}
}

// FetchWithRetry fetches rawURL, honouring robots.txt and the per-host rate
// limit, retrying 5xx, 429 and network errors with exponential backoff.
// Only one fetch per URL runs at a time; a concurrent call gets ErrInFlight.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) (*Result, error) {
	if !f.acquire(rawURL) {
		return nil, ErrInFlight
	}
	defer f.release(rawURL)

	var crawlDelay time.Duration
	if f.robots != nil {
		allowed, delay, err := f.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrDisallowed
		}
		crawlDelay = delay
	}

	var lastErr error
	for attempt := 0; attempt < f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			f.logger.Debug("retrying fetch", logfields.URL(rawURL), slog.Int("attempt", attempt+1), logfields.Error(lastErr))
			if err := fetchSleepFunc(ctx, delay); err != nil {
				return nil, err
			}
		}
		if err := f.limiter.Wait(ctx, rawURL, crawlDelay); err != nil {
			return nil, err
		}

		result, err := f.Fetch(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// Fetch performs a single conditional GET without rate limiting or retries.
// Validators of a 200 answer are not stored; the caller commits them with
// CommitValidators once the body has been persisted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "hr,en;q=0.8")

	if token, ok, err := f.tokens.Token(ctx, req.URL.Host); err != nil {
		return nil, err
	} else if ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	cached := f.loadValidators(rawURL)
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	meta := model.FetchMeta{
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
		Headers:      make(map[string]string),
	}
	for _, key := range []string{"Content-Length", "Server", "Cache-Control"} {
		if val := resp.Header.Get(key); val != "" {
			meta.Headers[key] = val
		}
	}
	finalURL := resp.Request.URL.String()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		return &Result{Meta: meta, FinalURL: finalURL, NotModified: true}, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		f.tokens.Invalidate(req.URL.Host)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("%s: %w", rawURL, ErrTooLarge)
	}

	return &Result{Body: body, Meta: meta, FinalURL: finalURL}, nil
}

// ForgetValidators drops the stored ETag/Last-Modified of rawURL so the next
// fetch is unconditional
func (f *Fetcher) ForgetValidators(rawURL string) {
	if f.opts.Validators != nil {
		_ = f.opts.Validators.Delete(cache.Validators.Key(rawURL))
	}
}

type validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (f *Fetcher) loadValidators(rawURL string) *validators {
	if f.opts.Validators == nil {
		return nil
	}
	data, ok := f.opts.Validators.Get(cache.Validators.Key(rawURL))
	if !ok {
		return nil
	}
	var v validators
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return &v
}

// CommitValidators stores the ETag/Last-Modified of meta for rawURL so the
// next fetch is conditional. Call it only after the fetched body is safely
// recorded: a later 304 is taken to mean that body is still current.
func (f *Fetcher) CommitValidators(rawURL string, meta model.FetchMeta) {
	if f.opts.Validators == nil || (meta.ETag == "" && meta.LastModified == "") {
		return
	}
	data, err := json.Marshal(validators{ETag: meta.ETag, LastModified: meta.LastModified})
	if err != nil {
		return
	}
	if err := f.opts.Validators.Set(cache.Validators.Key(rawURL), data, 0); err != nil {
		f.logger.Warn("store validators failed", logfields.URL(rawURL), logfields.Error(err))
	}
}

func (f *Fetcher) acquire(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.inflight[rawURL]; busy {
		return false
	}
	f.inflight[rawURL] = struct{}{}
	return true
}

func (f *Fetcher) release(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, rawURL)
}

// IsRetryable reports whether err is worth another attempt: 5xx and 429
// responses, timeouts, refused and reset connections
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
