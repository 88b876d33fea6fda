package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
	"github.com/xkilldash9x/crawlkit/internal/config"
)

const (
	DefaultChunkSize    = 16 << 10
	DefaultMaxRedirects = 20
	sniffLen            = 512
)

// Fetcher implements loader.Fetcher over HTTP(S).
type Fetcher struct {
	client       *http.Client
	runner       scheduler.TaskRunner
	limiter      *HostLimiter
	logger       *zap.Logger
	headers      http.Header
	chunkSize    int
	maxBodyBytes int64
	maxRedirects int

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

var _ loader.Fetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher whose callbacks are all posted to runner.
func NewFetcher(cfg config.NetworkConfig, runner scheduler.TaskRunner, logger *zap.Logger) (*Fetcher, error) {
	client, err := NewHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewFetcherWithClient(client, cfg, runner, logger), nil
}

// NewFetcherWithClient is NewFetcher with a caller-supplied client. The
// client must not follow redirects itself.
func NewFetcherWithClient(client *http.Client, cfg config.NetworkConfig, runner scheduler.TaskRunner, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Fetcher{
		client:       client,
		runner:       runner,
		limiter:      NewHostLimiter(cfg.RateLimit),
		logger:       logger.Named("fetcher"),
		headers:      headers,
		chunkSize:    chunk,
		maxBodyBytes: cfg.MaxBodyBytes,
		maxRedirects: maxRedirects,
		ctx:          ctx,
		stop:         stop,
	}
}

// HTTPClient exposes the underlying client, for sharing its transport and
// cookie jar with robots.txt lookups.
func (f *Fetcher) HTTPClient() *http.Client { return f.client }

// Active reports how many resources are still doing I/O.
func (f *Fetcher) Active() int { return int(f.active.Load()) }

// Close aborts every in-flight fetch and waits for their goroutines.
func (f *Fetcher) Close() {
	f.stop()
	f.wg.Wait()
	f.client.CloseIdleConnections()
}

// Fetch starts loading req. It never calls client before returning; every
// callback arrives later as a task on the runner.
func (f *Fetcher) Fetch(req resource.Request, client loader.ResourceClient) (loader.Resource, error) {
	if req.IsNull() {
		return nil, resource.NewError(resource.ErrCodeInvalidURL, nil, "null request", nil)
	}
	if s := req.URL.Scheme; s != "http" && s != "https" {
		return nil, resource.NewError(resource.ErrCodeUnknownScheme, req.URL, "unsupported scheme "+s, nil)
	}
	if f.ctx.Err() != nil {
		return nil, resource.NewError(resource.ErrCodeAborted, req.URL, "fetcher closed", f.ctx.Err())
	}

	ctx, cancel := context.WithCancel(f.ctx)
	r := &httpResource{
		id:        uuid.NewString(),
		fetcher:   f,
		request:   req.Clone(),
		client:    client,
		ctx:       ctx,
		cancel:    cancel,
		decisions: make(chan *resource.Request, 1),
	}
	f.wg.Add(1)
	f.active.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.active.Add(-1)
		defer cancel()
		r.run(req.Clone())
	}()
	return r, nil
}

// httpResource is the loader-facing handle for one fetch. request, client,
// defers and held belong to the owning goroutine.
type httpResource struct {
	id        string
	fetcher   *Fetcher
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	decisions chan *resource.Request

	request resource.Request
	client  loader.ResourceClient
	defers  bool
	held    []func(loader.ResourceClient)
}

func (r *httpResource) Identifier() string        { return r.id }
func (r *httpResource) Request() resource.Request { return r.request }

func (r *httpResource) Cancel(*resource.Error) {
	r.cancelled.Store(true)
	r.cancel()
}

// RemoveClient also aborts the I/O: nobody is left to deliver to.
func (r *httpResource) RemoveClient(c loader.ResourceClient) {
	if r.client != c {
		return
	}
	r.client = nil
	r.held = nil
	r.cancelled.Store(true)
	r.cancel()
}

func (r *httpResource) SetDefersLoading(defers bool) {
	r.defers = defers
	if !defers && len(r.held) > 0 {
		r.fetcher.runner.PostTask(r.flush)
	}
}

// post queues fn for the owning goroutine.
func (r *httpResource) post(fn func(loader.ResourceClient)) {
	if r.cancelled.Load() {
		return
	}
	r.fetcher.runner.PostTask(func() { r.dispatch(fn) })
}

func (r *httpResource) dispatch(fn func(loader.ResourceClient)) {
	if r.cancelled.Load() || r.client == nil {
		return
	}
	// Anything still held must go first, so a late task joins the queue.
	if r.defers || len(r.held) > 0 {
		r.held = append(r.held, fn)
		return
	}
	fn(r.client)
}

func (r *httpResource) flush() {
	for len(r.held) > 0 && !r.defers {
		if r.cancelled.Load() || r.client == nil {
			r.held = nil
			return
		}
		fn := r.held[0]
		r.held = r.held[1:]
		fn(r.client)
	}
}

func (r *httpResource) finish(err *resource.Error) {
	r.post(func(c loader.ResourceClient) { c.NotifyFinished(r, err) })
}

// run is the fetch goroutine.
func (r *httpResource) run(req resource.Request) {
	f := r.fetcher
	for hops := 0; ; hops++ {
		if err := f.limiter.Wait(r.ctx, req.URL.Hostname()); err != nil {
			r.fail(req, err)
			return
		}
		hr, err := r.newHTTPRequest(req)
		if err != nil {
			r.finish(resource.NewError(resource.ErrCodeInvalidURL, req.URL, "cannot build request", err))
			return
		}
		resp, err := f.client.Do(hr)
		if err != nil {
			r.fail(req, err)
			return
		}

		if resource.IsRedirectStatus(resp.StatusCode) && resp.Header.Get("Location") != "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if hops >= f.maxRedirects {
				r.finish(resource.NewError(resource.ErrCodeTooManyRedirects, req.URL, "too many redirects", nil))
				return
			}
			next, ok := r.redirect(req, resp)
			if !ok {
				return
			}
			req = next
			continue
		}

		r.stream(req, resp)
		return
	}
}

func (r *httpResource) fail(req resource.Request, err error) {
	if r.ctx.Err() != nil && r.cancelled.Load() {
		return
	}
	rerr := resource.ClassifyNetworkError(req.URL, err)
	r.fetcher.logger.Debug("Fetch failed", zap.String("url", req.URL.Redacted()), zap.Error(err))
	r.finish(rerr)
}

func (r *httpResource) newHTTPRequest(req resource.Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(r.ctx, req.HTTPMethod(), req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.fetcher.headers {
		hr.Header[k] = append([]string(nil), v...)
	}
	for k, v := range req.Header {
		hr.Header[k] = append([]string(nil), v...)
	}
	switch req.CachePolicy {
	case resource.ReloadIgnoringCacheData, resource.ReloadBypassingCache:
		hr.Header.Set("Cache-Control", "no-cache")
		hr.Header.Set("Pragma", "no-cache")
	case resource.ReturnCacheDataElseLoad, resource.ReturnCacheDataDontLoad:
		hr.Header.Set("Cache-Control", "max-stale")
	}
	return hr, nil
}

// redirect hands the hop to the loader and waits for its answer. The loader
// may rewrite the request or cancel the resource from inside the callback.
func (r *httpResource) redirect(req resource.Request, resp *http.Response) (resource.Request, bool) {
	loc, err := req.URL.Parse(resp.Header.Get("Location"))
	if err != nil {
		r.finish(resource.NewError(resource.ErrCodeInvalidURL, req.URL, "bad redirect location", err))
		return req, false
	}
	next := req.Clone()
	next.URL = loc
	if resp.StatusCode == http.StatusSeeOther ||
		((resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) && req.HTTPMethod() == http.MethodPost) {
		next.Method = http.MethodGet
		next.Body = nil
		next.Header.Del("Content-Type")
	}
	redirectResponse := toResponse(req, resp, "", "")

	if !req.ReportRedirects {
		return next, true
	}

	r.post(func(c loader.ResourceClient) {
		proposed := next.Clone()
		c.RedirectReceived(r, &proposed, redirectResponse)
		if r.cancelled.Load() || r.client == nil || proposed.IsNull() {
			r.decisions <- nil
			return
		}
		r.request = proposed
		r.decisions <- &proposed
	})

	select {
	case decided := <-r.decisions:
		if decided == nil {
			return req, false
		}
		return decided.Clone(), true
	case <-r.ctx.Done():
		return req, false
	}
}

func (r *httpResource) stream(req resource.Request, resp *http.Response) {
	defer resp.Body.Close()
	f := r.fetcher

	body := bufio.NewReaderSize(resp.Body, sniffLen)
	mimeType, charset := resource.ParseContentType(resp.Header.Get("Content-Type"))
	if mimeType == "" {
		head, _ := body.Peek(sniffLen)
		mimeType, charset = resource.ParseContentType(http.DetectContentType(head))
	}
	out := toResponse(req, resp, mimeType, charset)
	r.post(func(c loader.ResourceClient) { c.ResponseReceived(r, out) })

	var total int64
	for {
		if r.ctx.Err() != nil {
			return
		}
		buf := make([]byte, f.chunkSize)
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			total += int64(n)
			if f.maxBodyBytes > 0 && total > f.maxBodyBytes {
				r.finish(resource.NewError(resource.ErrCodeFileTooBig, req.URL, "response body too large", nil))
				return
			}
			chunk := buf[:n]
			r.post(func(c loader.ResourceClient) { c.DataReceived(r, chunk) })
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.finish(nil)
			return
		default:
			r.fail(req, err)
			return
		}
	}
}

func toResponse(req resource.Request, resp *http.Response, mimeType, charset string) resource.Response {
	return resource.Response{
		URL:                   req.URL,
		StatusCode:            resp.StatusCode,
		MIMEType:              mimeType,
		TextEncoding:          charset,
		Header:                resp.Header.Clone(),
		ExpectedContentLength: resp.ContentLength,
	}
}
