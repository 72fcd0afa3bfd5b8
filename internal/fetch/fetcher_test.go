package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ppiankov/regtruth/internal/cache"
	"github.com/ppiankov/regtruth/internal/model"
)

func newTestFetcher(opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "test-agent"
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 1 << 20
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return NewFetcher(opts)
}

func noSleep(t *testing.T) {
	t.Helper()
	orig := fetchSleepFunc
	fetchSleepFunc = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { fetchSleepFunc = orig })
}

func TestFetchWithRetry_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<html><body>OK</body></html>")
	}))
	defer server.Close()

	result, err := newTestFetcher(Options{}).FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(result.Body) != "<html><body>OK</body></html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if result.Meta.ContentType != "text/html; charset=utf-8" {
		t.Errorf("Unexpected content type: %s", result.Meta.ContentType)
	}
}

func TestFetchWithRetry_TransientThenSuccess(t *testing.T) {
	noSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, "<html>OK</html>")
	}))
	defer server.Close()

	result, err := newTestFetcher(Options{}).FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if string(result.Body) != "<html>OK</html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_PermanentFailure(t *testing.T) {
	noSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{}).FetchWithRetry(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error for 404, got nil")
	}
	if got := err.Error(); got != "unexpected status: 404 404 Not Found" {
		t.Errorf("Unexpected error: %s", got)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("Expected *StatusError with code 404, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", attempts.Load())
	}
}

func TestFetchWithRetry_AllRetriesExhausted(t *testing.T) {
	noSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{}).FetchWithRetry(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error after all retries exhausted")
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_429Retried(t *testing.T) {
	noSleep(t)
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, "<html>OK</html>")
	}))
	defer server.Close()

	if _, err := newTestFetcher(Options{}).FetchWithRetry(context.Background(), server.URL); err != nil {
		t.Fatalf("Expected success after 429 retry, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_BackoffDoubles(t *testing.T) {
	var delays []time.Duration
	orig := fetchSleepFunc
	fetchSleepFunc = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	defer func() { fetchSleepFunc = orig }()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, _ = newTestFetcher(Options{MaxRetries: 4}).FetchWithRetry(context.Background(), server.URL)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Errorf("expected delays %v, got %v", want, delays)
	}
}

func TestFetch_ConditionalRequest(t *testing.T) {
	var conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		_, _ = fmt.Fprint(w, "body")
	}))
	defer server.Close()

	f := newTestFetcher(Options{Validators: cache.NewMemoryCache(time.Hour, time.Hour)})

	first, err := f.FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if first.NotModified || string(first.Body) != "body" {
		t.Fatalf("first fetch must be unconditional, got %+v", first)
	}

	uncommitted, err := f.FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if uncommitted.NotModified {
		t.Fatal("validators must not be used before they are committed")
	}
	f.CommitValidators(server.URL, first.Meta)

	second, err := f.FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !second.NotModified || len(second.Body) != 0 {
		t.Errorf("expected a 304 result, got %+v", second)
	}
	if conditional.Load() != 1 {
		t.Errorf("expected one conditional request, got %d", conditional.Load())
	}

	f.ForgetValidators(server.URL)
	third, err := f.FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if third.NotModified {
		t.Error("forgotten validators must force a full fetch")
	}
}

func TestFetch_WithoutValidatorsTreats304AsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{MaxRetries: 1}).Fetch(context.Background(), server.URL)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotModified {
		t.Errorf("expected a 304 status error, got %v", err)
	}
}

func TestFetch_SizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer server.Close()

	_, err := newTestFetcher(Options{MaxBytes: 10}).Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}

	result, err := newTestFetcher(Options{MaxBytes: 100}).Fetch(context.Background(), server.URL)
	if err != nil || len(result.Body) != 100 {
		t.Errorf("a body of exactly the limit must pass, got %v", err)
	}
}

func TestFetchWithRetry_Robots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		_, _ = fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	f := newTestFetcher(Options{RespectRobots: true})
	if _, err := f.FetchWithRetry(context.Background(), server.URL+"/private/doc"); !errors.Is(err, ErrDisallowed) {
		t.Errorf("expected ErrDisallowed, got %v", err)
	}
	if _, err := f.FetchWithRetry(context.Background(), server.URL+"/public/doc"); err != nil {
		t.Errorf("expected public path to be allowed, got %v", err)
	}
}

func TestFetchWithRetry_InFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	f := newTestFetcher(Options{})
	done := make(chan error, 1)
	go func() {
		_, err := f.FetchWithRetry(context.Background(), server.URL)
		done <- err
	}()

	<-entered
	if _, err := f.FetchWithRetry(context.Background(), server.URL); !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
}

func TestFetch_BearerToken(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	f := newTestFetcher(Options{})
	u, _ := url.Parse(server.URL)
	var refreshes atomic.Int32
	f.Tokens().Register(u.Host, func(context.Context) (Token, error) {
		refreshes.Add(1)
		return Token{Value: "secret", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), server.URL); err != nil {
			t.Fatal(err)
		}
	}
	if got := seen.Load(); got != "Bearer secret" {
		t.Errorf("expected bearer header, got %v", got)
	}
	if refreshes.Load() != 1 {
		t.Errorf("a valid token must be reused, got %d refreshes", refreshes.Load())
	}
}

func TestTokenCache_RefreshesNearExpiry(t *testing.T) {
	c := NewTokenCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	calls := 0
	c.Register("api.example.hr", func(context.Context) (Token, error) {
		calls++
		return Token{Value: fmt.Sprintf("t%d", calls), ExpiresAt: now.Add(time.Minute)}, nil
	})

	tok, ok, err := c.Token(context.Background(), "api.example.hr")
	if err != nil || !ok || tok != "t1" {
		t.Fatalf("unexpected first token %q ok=%v err=%v", tok, ok, err)
	}
	now = now.Add(45 * time.Second)
	tok, _, _ = c.Token(context.Background(), "api.example.hr")
	if tok != "t2" {
		t.Errorf("token inside the refresh margin must be renewed, got %q", tok)
	}

	if _, ok, _ := c.Token(context.Background(), "other.example.hr"); ok {
		t.Error("unregistered hosts need no token")
	}
}

func TestClientCredentialsSource(t *testing.T) {
	var tokenCalls atomic.Int32
	var seen atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		id, secret, ok := r.BasicAuth()
		if !ok || id != "regtruth" || secret != "s3cret" || r.FormValue("grant_type") != "client_credentials" {
			http.Error(w, "bad client", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"abc","token_type":"Bearer","expires_in":3600}`)
	})
	mux.HandleFunc("GET /doc", func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, "ok")
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	u, _ := url.Parse(server.URL)

	t.Setenv("TEST_REGTRUTH_SECRET", "s3cret")
	f := newTestFetcher(Options{Auth: []model.HostAuth{{
		Host:            u.Host,
		TokenURL:        server.URL + "/token",
		ClientID:        "regtruth",
		ClientSecretEnv: "TEST_REGTRUTH_SECRET",
	}}})

	for i := 0; i < 3; i++ {
		if _, err := f.Fetch(context.Background(), server.URL+"/doc"); err != nil {
			t.Fatal(err)
		}
	}
	if got := seen.Load(); got != "Bearer abc" {
		t.Errorf("expected bearer header, got %v", got)
	}
	if tokenCalls.Load() != 1 {
		t.Errorf("expected one token request, got %d", tokenCalls.Load())
	}
}

func TestClientCredentialsSource_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/denied":
			http.Error(w, "no", http.StatusUnauthorized)
		case "/empty":
			_, _ = fmt.Fprint(w, `{"token_type":"Bearer"}`)
		default:
			_, _ = fmt.Fprint(w, "not json")
		}
	}))
	defer server.Close()

	for _, path := range []string{"/denied", "/empty", "/garbage"} {
		t.Run(path, func(t *testing.T) {
			src := ClientCredentialsSource(server.Client(), server.URL+path, "id", "secret", nil)
			if _, err := src(context.Background()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestClientCredentialsSource_DefaultLifetime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"access_token":"abc"}`)
	}))
	defer server.Close()

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := ClientCredentialsSource(server.Client(), server.URL, "id", "secret", func() time.Time { return issued })
	tok, err := src(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !tok.ExpiresAt.Equal(issued.Add(defaultTokenLifetime)) {
		t.Errorf("unexpected expiry %v", tok.ExpiresAt)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
		desc      string
	}{
		{err: &StatusError{Code: 503}, retryable: true, desc: "503"},
		{err: &StatusError{Code: 500}, retryable: true, desc: "500"},
		{err: fmt.Errorf("wrapped: %w", &StatusError{Code: 502}), retryable: true, desc: "wrapped 502"},
		{err: &StatusError{Code: 429}, retryable: true, desc: "429"},
		{err: &StatusError{Code: 404}, retryable: false, desc: "404"},
		{err: &StatusError{Code: 403}, retryable: false, desc: "403"},
		{err: fmt.Errorf("fetch: %w", syscall.ECONNREFUSED), retryable: true, desc: "connection refused"},
		{err: fmt.Errorf("fetch: %w", syscall.ECONNRESET), retryable: true, desc: "connection reset"},
		{err: &net.DNSError{IsTimeout: true}, retryable: true, desc: "timeout"},
		{err: fmt.Errorf("fetch: %w", context.Canceled), retryable: false, desc: "cancelled"},
		{err: errors.New("create request: invalid URL"), retryable: false, desc: "bad request"},
		{err: ErrTooLarge, retryable: false, desc: "too large"},
		{err: nil, retryable: false, desc: "nil"},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestProxyFunc(t *testing.T) {
	fn := proxyFunc("http://proxy:3128", "", "internal.hr")

	req := httptest.NewRequest(http.MethodGet, "http://narodne-novine.nn.hr/", nil)
	proxy, err := fn(req)
	if err != nil || proxy == nil || proxy.Host != "proxy:3128" {
		t.Errorf("expected proxy:3128, got %v (%v)", proxy, err)
	}

	req = httptest.NewRequest(http.MethodGet, "http://docs.internal.hr/", nil)
	proxy, err = fn(req)
	if err != nil || proxy != nil {
		t.Errorf("no_proxy host must bypass the proxy, got %v (%v)", proxy, err)
	}
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(1, 1)
	if !l.Allow("https://a.example.hr/x") {
		t.Error("first request must be allowed")
	}
	if l.Allow("https://a.example.hr/y") {
		t.Error("second immediate request to the same host must wait")
	}
	if !l.Allow("https://b.example.hr/x") {
		t.Error("hosts are limited independently")
	}
	if err := l.Wait(context.Background(), "no-host", 0); err == nil {
		t.Error("expected error for URL without host")
	}

	unlimited := NewLimiter(0, 0)
	for i := 0; i < 10; i++ {
		if !unlimited.Allow("https://a.example.hr/") {
			t.Fatal("a zero rate disables limiting")
		}
	}
}
