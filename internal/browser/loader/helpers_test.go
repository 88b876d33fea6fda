package loader_test

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
)

// -- Frame --

type fakeFrame struct {
	attached bool
	loading  bool
	doc      *dom.Document
	installs int
}

func (f *fakeFrame) IsAttached() bool          { return f.attached }
func (f *fakeFrame) Document() *dom.Document   { return f.doc }
func (f *fakeFrame) IsLoading() bool           { return f.loading }
func (f *fakeFrame) SetIsLoading(loading bool) { f.loading = loading }

func (f *fakeFrame) InstallNewDocument(u *url.URL, mimeType string) (*dom.Document, error) {
	if f.doc != nil {
		if err := f.doc.Shutdown(); err != nil {
			return nil, err
		}
	}
	doc := dom.NewDocument(u, mimeType, nil)
	if err := doc.Attach(); err != nil {
		return nil, err
	}
	f.doc = doc
	f.installs++
	return doc, nil
}

// -- Fetcher --

type fakeResource struct {
	id        string
	req       resource.Request
	client    loader.ResourceClient
	cancelErr *resource.Error
	defers    bool
}

func (r *fakeResource) Identifier() string        { return r.id }
func (r *fakeResource) Request() resource.Request { return r.req }
func (r *fakeResource) Cancel(err *resource.Error) {
	r.cancelErr = err
}
func (r *fakeResource) SetDefersLoading(defers bool) { r.defers = defers }
func (r *fakeResource) RemoveClient(c loader.ResourceClient) {
	if r.client == c {
		r.client = nil
	}
}

func (r *fakeResource) cancelled() bool { return r.cancelErr != nil }

// The delivery helpers behave like a transport: nothing reaches a client
// that has been removed.

func (r *fakeResource) respond(resp resource.Response) {
	if r.client != nil {
		r.client.ResponseReceived(r, resp)
	}
}

func (r *fakeResource) respondHTML() {
	r.respond(htmlResponse(r.req.URL))
}

func (r *fakeResource) data(chunks ...string) {
	for _, c := range chunks {
		if r.client != nil {
			r.client.DataReceived(r, []byte(c))
		}
	}
}

func (r *fakeResource) finish(err *resource.Error) {
	if r.client != nil {
		r.client.NotifyFinished(r, err)
	}
}

func (r *fakeResource) redirect(to string, status int) resource.Request {
	next := r.req.Clone()
	next.URL = mustURL(to)
	if r.client != nil {
		r.client.RedirectReceived(r, &next, resource.Response{URL: r.req.URL, StatusCode: status})
	}
	return next
}

type fakeFetcher struct {
	resources     []*fakeResource
	err           error
	returnNil     bool
	stripFragment bool
}

func (f *fakeFetcher) Fetch(req resource.Request, client loader.ResourceClient) (loader.Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.returnNil {
		return nil, nil
	}
	sent := req.Clone()
	if f.stripFragment {
		sent.URL = resource.StripFragment(sent.URL)
	}
	r := &fakeResource{id: fmt.Sprintf("res-%d", len(f.resources)+1), req: sent, client: client}
	f.resources = append(f.resources, r)
	return r, nil
}

func (f *fakeFetcher) last() *fakeResource {
	if len(f.resources) == 0 {
		return nil
	}
	return f.resources[len(f.resources)-1]
}

// -- Writer --

type recordingWriter struct {
	dom.Writer
	h      *harness
	chunks []string
}

func (w *recordingWriter) AddData(data []byte) {
	w.h.depth++
	if w.h.depth > w.h.maxDepth {
		w.h.maxDepth = w.h.depth
	}
	defer func() { w.h.depth-- }()

	if len(data) > 0 {
		w.chunks = append(w.chunks, string(data))
	}
	w.Writer.AddData(data)
	if w.h.onAddData != nil {
		w.h.onAddData(w, data)
	}
}

// -- Client --

type recordingClient struct {
	events          []string
	commits         []loader.CommitInfo
	provisionalErrs []*resource.Error
	loadErrs        []*resource.Error
	console         []string
	documents       []*dom.Document
	withinPage      []string
	responses       []resource.Response
	redirects       []string
	finished        []string

	veto              func(req resource.Request) bool
	onFailProvisional func(err *resource.Error)
	onFinish          func()
}

func (c *recordingClient) DidStartLoading() { c.events = append(c.events, "start") }
func (c *recordingClient) DidStopLoading()  { c.events = append(c.events, "stop") }

func (c *recordingClient) DidCommitLoad(info loader.CommitInfo) {
	c.events = append(c.events, "commit")
	c.commits = append(c.commits, info)
}

func (c *recordingClient) DidFinishLoad() {
	c.events = append(c.events, "finish")
	if c.onFinish != nil {
		c.onFinish()
	}
}

func (c *recordingClient) DidFailProvisionalLoad(err *resource.Error) {
	c.events = append(c.events, "fail_provisional")
	c.provisionalErrs = append(c.provisionalErrs, err)
	if c.onFailProvisional != nil {
		c.onFailProvisional(err)
	}
}

func (c *recordingClient) DidFailLoad(err *resource.Error) {
	c.events = append(c.events, "fail")
	c.loadErrs = append(c.loadErrs, err)
}

func (c *recordingClient) ShouldContinueNavigation(req resource.Request, _ loader.NavigationType) bool {
	return c.veto == nil || !c.veto(req)
}

func (c *recordingClient) AddConsoleMessage(level, message string) {
	c.console = append(c.console, level+": "+message)
}

func (c *recordingClient) DidCreateDocument(doc *dom.Document) {
	c.documents = append(c.documents, doc)
}

func (c *recordingClient) DidNavigateWithinPage(u *url.URL) {
	c.withinPage = append(c.withinPage, u.String())
}

func (c *recordingClient) DidReceiveRedirect(_ string, _ resource.Response, newRequest resource.Request) {
	c.redirects = append(c.redirects, newRequest.URLString())
}

func (c *recordingClient) DidReceiveResponse(_ string, resp resource.Response) {
	c.responses = append(c.responses, resp)
}

func (c *recordingClient) DidFinishLoading(id string, _ *resource.Error) {
	c.finished = append(c.finished, id)
}

// -- Harness --

type harness struct {
	t         *testing.T
	frame     *fakeFrame
	client    *recordingClient
	fetcher   *fakeFetcher
	runner    *scheduler.ManualRunner
	fl        *loader.FrameLoader
	writers   []*recordingWriter
	onAddData func(w *recordingWriter, data []byte)
	depth     int
	maxDepth  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		frame:   &fakeFrame{attached: true},
		client:  &recordingClient{},
		fetcher: &fakeFetcher{},
		runner:  scheduler.NewManualRunner(),
	}
	h.fl = loader.NewFrameLoader(h.frame, h.client, loader.Options{
		Fetcher: h.fetcher,
		Runner:  h.runner,
		NewWriter: func(doc *dom.Document, mimeType, encoding string) dom.Writer {
			w := &recordingWriter{Writer: dom.NewWriter(doc, mimeType, encoding), h: h}
			h.writers = append(h.writers, w)
			return w
		},
		UserAgent: func() string { return "crawlkit-test/1.0" },
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, h.fl.Init())
	return h
}

func (h *harness) navigate(rawURL string) *fakeResource {
	h.t.Helper()
	return h.navigateRequest(loader.FrameLoadRequest{Request: resource.MustRequest(rawURL)}, loader.LoadStandard)
}

func (h *harness) navigateRequest(req loader.FrameLoadRequest, loadType loader.LoadType) *fakeResource {
	h.t.Helper()
	before := len(h.fetcher.resources)
	require.NoError(h.t, h.fl.StartNavigation(req, loadType))
	if len(h.fetcher.resources) == before {
		return nil
	}
	return h.fetcher.last()
}

// load runs a complete successful navigation.
func (h *harness) load(rawURL, body string) *fakeResource {
	h.t.Helper()
	res := h.navigate(rawURL)
	require.NotNil(h.t, res)
	res.respondHTML()
	res.data(body)
	res.finish(nil)
	return res
}

func (h *harness) lastWriter() *recordingWriter {
	if len(h.writers) == 0 {
		return nil
	}
	return h.writers[len(h.writers)-1]
}

func htmlResponse(u *url.URL) resource.Response {
	r := resource.NewSyntheticResponse(u, "text/html", -1, "utf-8")
	return r
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
