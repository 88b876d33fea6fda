package network

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/crawlkit/internal/config"
)

// HostLimiter spaces out requests to the same host: a minimum delay between
// requests plus an optional token bucket.
type HostLimiter struct {
	delay    time.Duration
	requests int
	window   time.Duration

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
}

// NewHostLimiter returns nil when the configuration asks for no limiting; a
// nil limiter never waits.
func NewHostLimiter(cfg config.RateLimitConfig) *HostLimiter {
	rateOn := cfg.Requests > 0 && cfg.Window > 0
	if cfg.Delay <= 0 && !rateOn {
		return nil
	}
	l := &HostLimiter{delay: cfg.Delay, last: make(map[string]time.Time)}
	if rateOn {
		l.requests = cfg.Requests
		l.window = cfg.Window
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	var (
		sleep   time.Duration
		limiter *rate.Limiter
	)
	l.mu.Lock()
	if l.delay > 0 {
		if last, ok := l.last[host]; ok {
			if rest := time.Until(last.Add(l.delay)); rest > 0 {
				sleep = rest
			}
		}
	}
	if l.limiters != nil {
		limiter = l.limiterLocked(host)
	}
	l.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.last[host] = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *HostLimiter) limiterLocked(host string) *rate.Limiter {
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	interval := l.window / time.Duration(l.requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	lim := rate.NewLimiter(rate.Every(interval), l.requests)
	l.limiters[host] = lim
	return lim
}
