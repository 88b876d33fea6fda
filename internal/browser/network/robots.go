package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRobotsTTL  = 30 * time.Minute
	maxRobotsBodySize = 512 << 10
)

// Robots answers robots.txt questions for the crawler's navigation policy.
// Fetches happen off the loop through Prefetch; the loop only ever asks
// Cached, which never blocks.
type Robots struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	fetched time.Time
	// nil rules allow everything.
	rules *robotstxt.RobotsData
}

// NewRobots fetches with a copy of client that follows redirects, since
// robots.txt commonly moves between http and https.
func NewRobots(client *http.Client, userAgent string, ttl time.Duration, logger *zap.Logger) *Robots {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultRobotsTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		client:    &http.Client{Transport: client.Transport, Jar: client.Jar, Timeout: client.Timeout},
		userAgent: userAgent,
		ttl:       ttl,
		logger:    logger.Named("robots"),
		cache:     make(map[string]robotsEntry),
	}
}

func robotsKey(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Cached reports the verdict for u from the cache alone. known is false when
// the host's rules have not been fetched or have expired.
func (r *Robots) Cached(u *url.URL) (allowed, known bool) {
	if u == nil || !u.IsAbs() {
		return false, true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return true, true
	}
	r.mu.RLock()
	entry, ok := r.cache[robotsKey(u)]
	r.mu.RUnlock()
	if !ok || time.Since(entry.fetched) >= r.ttl {
		return true, false
	}
	return r.test(entry.rules, u), true
}

// Allowed fetches the host's rules if needed and tests u against them.
// Fetch failures allow the URL.
func (r *Robots) Allowed(ctx context.Context, u *url.URL) bool {
	if allowed, known := r.Cached(u); known {
		return allowed
	}
	if err := r.Prefetch(ctx, u); err != nil {
		return true
	}
	allowed, _ := r.Cached(u)
	return allowed
}

// Prefetch loads and caches the rules for u's host. Concurrent callers for
// the same host share one request.
func (r *Robots) Prefetch(ctx context.Context, u *url.URL) error {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	if _, known := r.Cached(u); known {
		return nil
	}
	key := robotsKey(u)
	_, err, _ := r.group.Do(key, func() (interface{}, error) {
		rules, err := r.fetch(ctx, key)
		if err != nil {
			r.logger.Debug("robots.txt unavailable, allowing host", zap.String("host", key), zap.Error(err))
			if ctx.Err() != nil {
				return nil, err
			}
		}
		r.mu.Lock()
		r.cache[key] = robotsEntry{fetched: time.Now(), rules: rules}
		r.mu.Unlock()
		return nil, err
	})
	return err
}

func (r *Robots) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodySize))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return data, nil
}

func (r *Robots) test(rules *robotstxt.RobotsData, u *url.URL) bool {
	if rules == nil {
		return true
	}
	agent := r.userAgent
	if agent == "" {
		agent = "*"
	}
	return rules.TestAgent(u.RequestURI(), agent)
}

// Purge forgets the cached rules for u's host.
func (r *Robots) Purge(u *url.URL) {
	if u == nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, robotsKey(u))
	r.mu.Unlock()
}
