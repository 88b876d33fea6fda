package frame

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
	"github.com/xkilldash9x/crawlkit/internal/config"
)

// MainFrameName is the name given to a page's main frame.
const MainFrameName = "main"

// Options configures a Page and every frame in it.
type Options struct {
	Fetcher   loader.Fetcher
	Runner    scheduler.TaskRunner
	Schemes   *resource.SchemeRegistry
	MIMETypes *resource.MIMERegistry
	NewWriter dom.WriterFactory
	Script    config.ScriptConfig
	UserAgent func() string
	// Registry, if set, tracks the page until it is closed.
	Registry *Registry
	Logger   *zap.Logger
}

// Page owns a frame tree rooted at its main frame.
type Page struct {
	id     string
	opts   Options
	main   *LocalFrame
	logger *zap.Logger
	online bool
	closed bool
}

// NewPage creates a page whose main frame has loaded its initial empty
// document and reports to client.
func NewPage(client loader.LoadNotifier, opts Options) (*Page, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("frame: a fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	p := &Page{
		id:     id,
		opts:   opts,
		logger: logger.Named("page").With(zap.String("page_id", id)),
		online: true,
	}
	main, err := newLocalFrame(p, nil, MainFrameName, client)
	if err != nil {
		return nil, err
	}
	p.main = main
	if opts.Registry != nil {
		opts.Registry.Add(p)
	}
	return p, nil
}

func (p *Page) ID() string                      { return p.id }
func (p *Page) MainFrame() *LocalFrame          { return p.main }
func (p *Page) Runner() scheduler.TaskRunner    { return p.opts.Runner }
func (p *Page) Online() bool                    { return p.online }
func (p *Page) IsClosed() bool                  { return p.closed }
func (p *Page) MainDocument() *dom.Document     { return p.main.Document() }
func (p *Page) MainWindow() *DOMWindow          { return p.main.Window() }
func (p *Page) MainLoader() *loader.FrameLoader { return p.main.Loader() }

// FindFrame returns the first frame with the given name, or nil.
func (p *Page) FindFrame(name string) *LocalFrame {
	return p.main.Find(name)
}

// Frames lists every attached frame, main frame first.
func (p *Page) Frames() []*LocalFrame {
	var out []*LocalFrame
	p.main.walk(func(f *LocalFrame) { out = append(out, f) })
	return out
}

// NetworkStateChanged updates navigator.onLine in every window.
func (p *Page) NetworkStateChanged(online bool) {
	p.online = online
	p.main.walk(func(f *LocalFrame) { f.window.setOnline(online) })
}

// SetDefersLoading pauses or resumes the main resource of every frame.
func (p *Page) SetDefersLoading(defers bool) {
	p.main.walk(func(f *LocalFrame) { f.loader.SetDefersLoading(defers) })
}

// StopAllLoaders cancels every load in the page.
func (p *Page) StopAllLoaders() {
	p.main.walk(func(f *LocalFrame) { f.loader.StopAllLoaders() })
}

// Close detaches the frame tree and leaves the registry.
func (p *Page) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.main.Detach()
	if p.opts.Registry != nil {
		p.opts.Registry.Remove(p)
	}
	p.logger.Debug("Page closed")
}
