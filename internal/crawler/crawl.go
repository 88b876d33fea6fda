package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/frame"
	"github.com/xkilldash9x/crawlkit/internal/browser/network"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
	"github.com/xkilldash9x/crawlkit/internal/config"
)

// ParseFunction is the crawler object method whose return value becomes
// Result.Data.
const ParseFunction = "parse"

// closeTimeout bounds the final teardown on the loop.
const closeTimeout = 5 * time.Second

// Result is the outcome of a single Crawl.
type Result struct {
	CrawlID         string           `json:"crawl_id"`
	URL             string           `json:"url"`
	FinalURL        string           `json:"final_url,omitempty"`
	StatusCode      int              `json:"status,omitempty"`
	MIMEType        string           `json:"mime_type,omitempty"`
	Title           string           `json:"title,omitempty"`
	Links           []string         `json:"links,omitempty"`
	RedirectChain   []string         `json:"redirect_chain,omitempty"`
	Console         []ConsoleMessage `json:"console,omitempty"`
	Data            interface{}      `json:"data,omitempty"`
	Eval            interface{}      `json:"eval,omitempty"`
	ScriptError     string           `json:"script_error,omitempty"`
	BlockedByRobots bool             `json:"blocked_by_robots,omitempty"`
	Error           string           `json:"error,omitempty"`
	ErrorCode       int              `json:"error_code,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	Duration        time.Duration    `json:"duration"`
}

// Failed reports whether the crawl ended without a document.
func (r *Result) Failed() bool { return r.Error != "" }

// CrawlOptions carries what Crawl cannot derive from configuration.
type CrawlOptions struct {
	// UserScript overrides the script named by the configuration.
	UserScript string
	// Eval is evaluated in the settled page; its value becomes Result.Eval.
	Eval string
	// Robots shares a robots.txt cache between crawls. When nil and robots
	// are respected, each crawl builds its own.
	Robots   *network.Robots
	Registry *frame.Registry
	Logger   *zap.Logger
}

// settleClient turns load outcomes into wakeups for Crawl.
type settleClient struct {
	settled chan struct{}
}

func (s *settleClient) DocumentReady(*Crawler)               { s.signal() }
func (s *settleClient) LoadFailed(*Crawler, *resource.Error) { s.signal() }

func (s *settleClient) signal() {
	select {
	case s.settled <- struct{}{}:
	default:
	}
}

// Crawl loads rawURL on a dedicated event loop and returns what the page
// settled on. Navigations that a page script starts before the first load
// finishes are followed. Load failures and navigation timeouts are reported
// in the Result; the returned error covers setup failures and cancellation
// of ctx.
func Crawl(ctx context.Context, cfg config.Interface, rawURL string, opts CrawlOptions) (*Result, error) {
	start := time.Now()
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Eval != "" && !cfg.Script().Enabled {
		return nil, fmt.Errorf("cannot evaluate: %w", ErrScriptDisabled)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	script := opts.UserScript
	if script == "" && cfg.Script().Enabled {
		s, err := LoadUserScript(cfg.Script())
		if err != nil {
			return nil, err
		}
		script = s
	}

	runner := scheduler.NewLoopRunner(logger)
	defer runner.Stop()
	fetcher, err := network.NewFetcher(cfg.Network(), runner, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}
	defer fetcher.Close()

	userAgent := cfg.Network().UserAgent
	robots := opts.Robots
	if cfg.Crawler().RespectRobots {
		if robots == nil {
			ua := userAgent
			if ua == "" {
				ua = config.DefaultUserAgent
			}
			robots = network.NewRobots(fetcher.HTTPClient(), ua, cfg.Crawler().RobotsCacheTTL, logger)
		}
		if err := robots.Prefetch(ctx, target); err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	} else {
		robots = nil
	}

	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if t := cfg.Crawler().NavigationTimeout; t > 0 {
		navCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	client := &settleClient{settled: make(chan struct{}, 1)}
	var (
		c        *Crawler
		setupErr error
	)
	err = runner.Do(navCtx, func(*goja.Runtime) {
		c, setupErr = New(client, Options{
			Fetcher:    fetcher,
			Runner:     runner,
			Loader:     cfg.Loader(),
			Script:     cfg.Script(),
			UserScript: script,
			UserAgent:  userAgent,
			Robots:     robots,
			Registry:   opts.Registry,
			Logger:     logger,
		})
		if setupErr != nil {
			return
		}
		if setupErr = c.Run(rawURL); setupErr != nil {
			c.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start crawl: %w", err)
	}
	if setupErr != nil {
		return nil, setupErr
	}

	var result *Result
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), closeTimeout)
		defer done()
		_ = runner.Do(closeCtx, func(*goja.Runtime) { c.Close() })
	}()

	for result == nil {
		select {
		case <-navCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Navigation timed out", zap.String("url", rawURL))
			closeCtx, done := context.WithTimeout(context.Background(), closeTimeout)
			err := runner.Do(closeCtx, func(*goja.Runtime) {
				c.CancelLoading()
				result = c.collect(closeCtx, rawURL, "", start)
				result.Error = fmt.Sprintf("navigation timed out: %v", navCtx.Err())
				result.ErrorCode = resource.ErrCodeTimedOut
			})
			done()
			if err != nil {
				return nil, fmt.Errorf("failed to collect result: %w", err)
			}
		case <-client.settled:
			if err := runner.Do(ctx, func(*goja.Runtime) {
				if c.IsLoading() {
					return
				}
				result = c.collect(navCtx, rawURL, opts.Eval, start)
			}); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// collect snapshots the main frame. Runs on the loop.
func (c *Crawler) collect(ctx context.Context, rawURL, eval string, start time.Time) *Result {
	r := &Result{
		CrawlID:         c.id,
		URL:             rawURL,
		Console:         c.Console(),
		BlockedByRobots: c.blocked,
		StartedAt:       start,
	}
	if c.failure != nil {
		r.Error = c.failure.Error()
		r.ErrorCode = c.failure.Code
	}
	if c.finished {
		commit := c.commit
		if commit.URL != nil {
			r.FinalURL = commit.URL.String()
		}
		r.StatusCode = commit.StatusCode
		r.MIMEType = commit.MIMEType
		for _, u := range commit.RedirectChain {
			r.RedirectChain = append(r.RedirectChain, u.String())
		}
		if doc := c.Document(); doc != nil {
			if u := doc.URL(); u != nil {
				r.FinalURL = u.String()
			}
			r.Title = doc.Title()
			r.Links = doc.Links()
		}
		if rt := c.runtime(); rt != nil {
			var errs []string
			if rt.HasCrawlerFunction(ParseFunction) {
				data, err := rt.CallCrawler(ctx, ParseFunction)
				if err != nil {
					errs = append(errs, err.Error())
				} else {
					r.Data = data
				}
			}
			if eval != "" {
				v, err := rt.Evaluate(ctx, "eval", eval)
				if err != nil {
					errs = append(errs, err.Error())
				} else {
					r.Eval = v
				}
			}
			r.ScriptError = strings.Join(errs, "; ")
			// Scripts may have logged.
			r.Console = c.Console()
		}
	}
	r.Duration = time.Since(start)
	return r
}
