package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/ppiankov/regtruth/internal/cache"
)

const robotsTTL = 24 * time.Hour

// RobotsChecker answers robots.txt questions, caching the body per host
type RobotsChecker struct {
	cache      cache.Cache
	httpClient *http.Client
	userAgent  string
	agent      string // product token matched against robots groups
}

// NewRobotsChecker creates a checker; a nil store keeps bodies in memory
func NewRobotsChecker(client *http.Client, userAgent string, store cache.Cache) *RobotsChecker {
	if store == nil {
		store = cache.NewMemoryCache(robotsTTL, time.Hour)
	}
	return &RobotsChecker{
		cache:      store,
		httpClient: client,
		userAgent:  userAgent,
		agent:      productToken(userAgent),
	}
}

// CanFetch reports whether rawURL may be fetched and the host's crawl delay.
// An unreachable robots.txt allows everything.
func (r *RobotsChecker) CanFetch(ctx context.Context, rawURL string) (bool, time.Duration, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse URL: %w", err)
	}
	robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"

	data, err := r.robotsData(ctx, robotsURL)
	if err != nil {
		return true, 0, nil
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	allowed := data.TestAgent(path, r.agent)

	var crawlDelay time.Duration
	if group := data.FindGroup(r.agent); group != nil {
		crawlDelay = group.CrawlDelay
	}
	return allowed, crawlDelay, nil
}

func (r *RobotsChecker) robotsData(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	key := cache.Robots.Key(robotsURL)
	if body, ok := r.cache.Get(key); ok {
		return decodeRobots(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	// 4xx means "no rules"; 5xx means "disallow all" per robotstxt semantics
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	encoded := append([]byte(fmt.Sprintf("%d\n", resp.StatusCode)), body...)
	_ = r.cache.Set(key, encoded, robotsTTL)
	return data, nil
}

// decodeRobots reverses the "<status>\n<body>" cache encoding
func decodeRobots(encoded []byte) (*robotstxt.RobotsData, error) {
	head, body, _ := strings.Cut(string(encoded), "\n")
	var status int
	if _, err := fmt.Sscanf(head, "%d", &status); err != nil {
		return nil, fmt.Errorf("corrupt robots cache entry: %w", err)
	}
	return robotstxt.FromStatusAndBytes(status, []byte(body))
}

// productToken extracts "regtruth" from "regtruth/0.3 (+https://...)"
func productToken(ua string) string {
	parts := strings.Fields(ua)
	if len(parts) == 0 {
		return ua
	}
	return strings.Split(parts[0], "/")[0]
}
