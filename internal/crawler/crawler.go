package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/frame"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsexec"
	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
	"github.com/xkilldash9x/crawlkit/internal/browser/network"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
	"github.com/xkilldash9x/crawlkit/internal/config"
)

var (
	// ErrInvalidURL is returned by Run for anything but an absolute http(s) URL.
	ErrInvalidURL = errors.New("crawler: only http and https URLs can be crawled")
	// ErrScriptDisabled is returned by the script entry points when the
	// crawler was built with scripting turned off.
	ErrScriptDisabled = errors.New("crawler: scripting is disabled")
)

// Client is told how each top-level load ends.
type Client interface {
	DocumentReady(c *Crawler)
	LoadFailed(c *Crawler, err *resource.Error)
}

// RequestObserver is an optional Client extension notified when the main
// resource of a navigation finishes, successfully or not.
type RequestObserver interface {
	RequestComplete(c *Crawler, resp resource.Response, err *resource.Error)
}

// ConsoleMessage is one line of page or user script console output.
type ConsoleMessage struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Options configures a Crawler.
type Options struct {
	Fetcher loader.Fetcher
	Runner  scheduler.TaskRunner
	Loader  config.LoaderConfig
	Script  config.ScriptConfig
	// UserScript is the source of the crawler object. Empty yields an
	// empty object when scripting is enabled.
	UserScript string
	// UserAgent is the configured agent, used when the crawler object does
	// not name one.
	UserAgent string
	// Robots, when set, vetoes navigations its cache knows to be disallowed.
	Robots   *network.Robots
	Registry *frame.Registry
	Logger   *zap.Logger
}

// Crawler drives one page on behalf of an embedder. It is the page's
// loader client and must only be used from the runner's goroutine.
type Crawler struct {
	id     string
	client Client
	opts   Options
	page   *frame.Page
	logger *zap.Logger

	console  []ConsoleMessage
	commit   loader.CommitInfo
	response resource.Response
	failure  *resource.Error
	blocked  bool
	finished bool
}

var (
	_ loader.LoadNotifier     = (*Crawler)(nil)
	_ loader.NavigationPolicy = (*Crawler)(nil)
	_ loader.ConsoleSink      = (*Crawler)(nil)
	_ loader.ResourceObserver = (*Crawler)(nil)
)

// New creates the crawler's page and, when scripting is enabled, evaluates
// the user script into the main window's crawler object.
func New(client Client, opts Options) (*Crawler, error) {
	if client == nil {
		return nil, errors.New("crawler: a client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Script.Enabled && strings.TrimSpace(opts.UserScript) != "" {
		return nil, fmt.Errorf("user script supplied: %w", ErrScriptDisabled)
	}
	id := uuid.NewString()
	c := &Crawler{
		id:     id,
		client: client,
		opts:   opts,
		logger: logger.Named("crawler").With(zap.String("crawl_id", id)),
	}

	page, err := frame.NewPage(c, frame.Options{
		Fetcher:   opts.Fetcher,
		Runner:    opts.Runner,
		Schemes:   schemeRegistry(opts.Loader),
		MIMETypes: mimeRegistry(opts.Loader),
		Script:    opts.Script,
		UserAgent: c.UserAgent,
		Registry:  opts.Registry,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	c.page = page

	if rt := c.runtime(); rt != nil {
		if err := rt.CreateCrawlerObject(context.Background(), opts.UserScript); err != nil {
			page.Close()
			return nil, fmt.Errorf("failed to initialize crawler object: %w", err)
		}
	}
	return c, nil
}

func schemeRegistry(cfg config.LoaderConfig) *resource.SchemeRegistry {
	if len(cfg.EmptyDocumentSchemes) == 0 && len(cfg.LocalSchemes) == 0 && len(cfg.DisplayIsolatedSchemes) == 0 {
		return nil
	}
	return resource.NewSchemeRegistry(cfg.EmptyDocumentSchemes, cfg.LocalSchemes, cfg.DisplayIsolatedSchemes)
}

func mimeRegistry(cfg config.LoaderConfig) *resource.MIMERegistry {
	if len(cfg.SupportedMIMETypes) == 0 {
		return nil
	}
	return resource.NewMIMERegistry(cfg.SupportedMIMETypes)
}

// LoadUserScript reads the configured user script, expanding a leading ~.
// An empty path yields an empty script.
func LoadUserScript(cfg config.ScriptConfig) (string, error) {
	if cfg.UserScript == "" {
		return "", nil
	}
	path, err := homedir.Expand(cfg.UserScript)
	if err != nil {
		return "", fmt.Errorf("failed to expand user script path: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read user script: %w", err)
	}
	return string(b), nil
}

// ParseURL validates a crawl entry point.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return u, nil
}

func (c *Crawler) ID() string                  { return c.id }
func (c *Crawler) Page() *frame.Page           { return c.page }
func (c *Crawler) Document() *dom.Document     { return c.page.MainDocument() }
func (c *Crawler) Commit() loader.CommitInfo   { return c.commit }
func (c *Crawler) Response() resource.Response { return c.response }
func (c *Crawler) Failure() *resource.Error    { return c.failure }
func (c *Crawler) BlockedByRobots() bool       { return c.blocked }
func (c *Crawler) Finished() bool              { return c.finished }
func (c *Crawler) IsLoading() bool             { return c.page.MainLoader().IsLoading() }
func (c *Crawler) runtime() *jsexec.Runtime    { return c.page.MainWindow().Runtime() }

// Console returns the console output collected so far.
func (c *Crawler) Console() []ConsoleMessage {
	out := make([]ConsoleMessage, len(c.console))
	copy(out, c.console)
	return out
}

// Run starts a standard navigation of the main frame to rawURL.
func (c *Crawler) Run(rawURL string) error {
	u, err := ParseURL(rawURL)
	if err != nil {
		return err
	}
	req, err := resource.NewRequest(u.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c.failure = nil
	c.blocked = false
	c.finished = false
	c.logger.Info("Starting crawl", zap.String("url", u.String()))
	return c.page.MainFrame().Navigate(loader.FrameLoadRequest{
		Request:        req,
		NavigationType: loader.NavigationTypeOther,
	}, loader.LoadStandard)
}

// CancelLoading stops every load in the page.
func (c *Crawler) CancelLoading() {
	c.page.StopAllLoaders()
}

// Close tears down the page. The crawler is unusable afterwards.
func (c *Crawler) Close() {
	c.page.Close()
}

// UserAgent prefers the crawler object's userAgent property, then the
// configured agent, then the default.
func (c *Crawler) UserAgent() string {
	if c.page != nil {
		if rt := c.runtime(); rt != nil {
			if v, ok := rt.CrawlerProperty("userAgent"); ok {
				if ua, ok := v.(string); ok && ua != "" {
					return ua
				}
			}
		}
	}
	if c.opts.UserAgent != "" {
		return c.opts.UserAgent
	}
	return config.DefaultUserAgent
}

// -- Script entry points --

func (c *Crawler) scriptRuntime() (*jsexec.Runtime, error) {
	rt := c.runtime()
	if rt == nil {
		return nil, ErrScriptDisabled
	}
	return rt, nil
}

// Eval runs source in the main window.
func (c *Crawler) Eval(ctx context.Context, source string) (interface{}, error) {
	rt, err := c.scriptRuntime()
	if err != nil {
		return nil, err
	}
	return rt.Evaluate(ctx, "eval", source)
}

// CallFunction invokes a global function of the main window.
func (c *Crawler) CallFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	rt, err := c.scriptRuntime()
	if err != nil {
		return nil, err
	}
	return rt.CallFunction(ctx, name, args...)
}

// CallCrawler invokes a method of the crawler object.
func (c *Crawler) CallCrawler(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	rt, err := c.scriptRuntime()
	if err != nil {
		return nil, err
	}
	return rt.CallCrawler(ctx, method, args...)
}

// CrawlerProperty reads a member of the crawler object.
func (c *Crawler) CrawlerProperty(name string) (interface{}, bool) {
	rt := c.runtime()
	if rt == nil {
		return nil, false
	}
	return rt.CrawlerProperty(name)
}

// RegisterCallback exposes fn to script as crawler.<name>.
func (c *Crawler) RegisterCallback(name string, fn jsexec.Callback) error {
	rt, err := c.scriptRuntime()
	if err != nil {
		return err
	}
	return rt.RegisterCallback(name, fn)
}

// -- loader.LoadNotifier --

func (c *Crawler) DidStartLoading() {
	c.finished = false
	c.logger.Debug("Loading started")
}

func (c *Crawler) DidStopLoading() {
	c.logger.Debug("Loading stopped")
}

func (c *Crawler) DidCommitLoad(info loader.CommitInfo) {
	c.commit = info
	c.logger.Debug("Load committed",
		zap.Stringer("url", info.URL),
		zap.Int("status", info.StatusCode),
		zap.Stringer("commit_type", info.CommitType))
}

func (c *Crawler) DidFinishLoad() {
	c.finished = true
	c.logger.Info("Document ready", zap.Stringer("url", c.page.MainFrame().URL()))
	c.client.DocumentReady(c)
}

func (c *Crawler) DidFailProvisionalLoad(err *resource.Error) {
	c.fail("Provisional load failed", err)
}

func (c *Crawler) DidFailLoad(err *resource.Error) {
	c.fail("Load failed", err)
}

func (c *Crawler) fail(msg string, err *resource.Error) {
	c.failure = err
	if err.IsCancellation() {
		c.logger.Debug(msg, zap.Error(err))
	} else {
		c.logger.Warn(msg, zap.Error(err))
	}
	c.client.LoadFailed(c, err)
}

// -- loader.NavigationPolicy --

// ShouldContinueNavigation blocks what the robots cache knows to be
// disallowed. Unknown hosts are allowed; rules are fetched off the loop.
func (c *Crawler) ShouldContinueNavigation(req resource.Request, navType loader.NavigationType) bool {
	if c.opts.Robots == nil {
		return true
	}
	allowed, known := c.opts.Robots.Cached(req.URL)
	if known && !allowed {
		c.blocked = true
		c.logger.Info("Navigation disallowed by robots.txt",
			zap.Stringer("url", req.URL),
			zap.Stringer("navigation_type", navType))
		return false
	}
	return true
}

// -- loader.ConsoleSink --

func (c *Crawler) AddConsoleMessage(level, message string) {
	c.console = append(c.console, ConsoleMessage{Level: level, Text: message})
}

// -- loader.ResourceObserver --

func (c *Crawler) DidReceiveRedirect(identifier string, redirectResponse resource.Response, newRequest resource.Request) {
	c.logger.Debug("Redirect",
		zap.String("resource_id", identifier),
		zap.Int("status", redirectResponse.StatusCode),
		zap.Stringer("to", newRequest.URL))
}

func (c *Crawler) DidReceiveResponse(identifier string, resp resource.Response) {
	c.response = resp
}

func (c *Crawler) DidFinishLoading(identifier string, err *resource.Error) {
	if obs, ok := c.client.(RequestObserver); ok {
		obs.RequestComplete(c, c.response, err)
	}
}
