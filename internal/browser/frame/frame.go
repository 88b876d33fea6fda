// Package frame holds the frame tree: LocalFrame implements the loader's
// view of a frame, DOMWindow is its script-facing side, and Page owns the
// main frame. Everything here runs on the page's owning goroutine except
// the Registry.
package frame

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
)

// ErrFrameNotFound is returned when a navigation names a target frame that
// is not in the page.
var ErrFrameNotFound = errors.New("frame: target frame not found")

// LocalFrame is one browsing context in a page.
type LocalFrame struct {
	id     string
	name   string
	page   *Page
	parent *LocalFrame
	// children keeps insertion order; frame lookups by name walk it in order.
	children []*LocalFrame

	loader *loader.FrameLoader
	window *DOMWindow
	doc    *dom.Document
	logger *zap.Logger

	attached bool
	loading  bool
}

var _ loader.Frame = (*LocalFrame)(nil)

func newLocalFrame(page *Page, parent *LocalFrame, name string, client loader.LoadNotifier) (*LocalFrame, error) {
	if client == nil {
		return nil, fmt.Errorf("frame %q: a load notifier is required", name)
	}
	id := uuid.NewString()
	f := &LocalFrame{
		id:       id,
		name:     name,
		page:     page,
		parent:   parent,
		attached: true,
		logger:   page.logger.With(zap.String("frame_id", id), zap.String("frame_name", name)),
	}
	f.window = newDOMWindow(f)

	opts := page.opts
	f.loader = loader.NewFrameLoader(f, client, loader.Options{
		Fetcher:   opts.Fetcher,
		Runner:    opts.Runner,
		Schemes:   opts.Schemes,
		MIMETypes: opts.MIMETypes,
		NewWriter: opts.NewWriter,
		UserAgent: opts.UserAgent,
		Logger:    f.logger,
	})
	if err := f.loader.Init(); err != nil {
		f.window.close()
		return nil, fmt.Errorf("failed to load initial document: %w", err)
	}
	return f, nil
}

func (f *LocalFrame) ID() string                  { return f.id }
func (f *LocalFrame) Name() string                { return f.name }
func (f *LocalFrame) Page() *Page                 { return f.page }
func (f *LocalFrame) Parent() *LocalFrame         { return f.parent }
func (f *LocalFrame) Loader() *loader.FrameLoader { return f.loader }
func (f *LocalFrame) Window() *DOMWindow          { return f.window }
func (f *LocalFrame) IsMainFrame() bool           { return f.parent == nil }

// Children returns the child frames in insertion order.
func (f *LocalFrame) Children() []*LocalFrame {
	return append([]*LocalFrame(nil), f.children...)
}

func (f *LocalFrame) IsAttached() bool          { return f.attached }
func (f *LocalFrame) Document() *dom.Document   { return f.doc }
func (f *LocalFrame) IsLoading() bool           { return f.loading }
func (f *LocalFrame) SetIsLoading(loading bool) { f.loading = loading }

// URL is the current document's URL, or nil before the first document.
func (f *LocalFrame) URL() *url.URL {
	if f.doc == nil {
		return nil
	}
	return f.doc.URL()
}

// InstallNewDocument shuts down the current document and attaches a fresh
// one for u, rebinding the window's script globals to it.
func (f *LocalFrame) InstallNewDocument(u *url.URL, mimeType string) (*dom.Document, error) {
	if !f.attached {
		return nil, loader.ErrDetached
	}
	if old := f.doc; old != nil {
		if err := old.Shutdown(); err != nil {
			return nil, fmt.Errorf("failed to shut down previous document: %w", err)
		}
	}
	doc := dom.NewDocument(u, mimeType, f.logger)
	if err := doc.Attach(); err != nil {
		return nil, err
	}
	f.doc = doc
	f.window.didInstallDocument(doc)
	return doc, nil
}

// Navigate starts req in the frame it targets. An empty Target, or one
// naming this frame, loads here.
func (f *LocalFrame) Navigate(req loader.FrameLoadRequest, loadType loader.LoadType) error {
	target := f
	if req.Target != "" && req.Target != f.name {
		switch req.Target {
		case "_self":
		case "_parent":
			if f.parent != nil {
				target = f.parent
			}
		case "_top":
			target = f.page.main
		default:
			target = f.page.FindFrame(req.Target)
			if target == nil {
				return fmt.Errorf("%w: %q", ErrFrameNotFound, req.Target)
			}
		}
	}
	if !target.attached {
		return loader.ErrDetached
	}
	return target.loader.StartNavigation(req, loadType)
}

// AppendChild creates a child frame that reports to client.
func (f *LocalFrame) AppendChild(name string, client loader.LoadNotifier) (*LocalFrame, error) {
	if !f.attached {
		return nil, loader.ErrDetached
	}
	child, err := newLocalFrame(f.page, f, name, client)
	if err != nil {
		return nil, err
	}
	f.children = append(f.children, child)
	f.logger.Debug("Child frame attached", zap.String("child_id", child.id))
	return child, nil
}

// Find returns the first frame named name in this subtree, depth first.
func (f *LocalFrame) Find(name string) *LocalFrame {
	if f.name == name {
		return f
	}
	for _, c := range f.children {
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Detach tears down the subtree, children first. It is safe to call more
// than once.
func (f *LocalFrame) Detach() {
	if !f.attached {
		return
	}
	for _, c := range f.Children() {
		c.Detach()
	}
	f.loader.Detach()
	if f.doc != nil {
		if err := f.doc.Shutdown(); err != nil {
			f.logger.Warn("Document shutdown failed during detach", zap.Error(err))
		}
	}
	f.window.close()
	f.attached = false
	if p := f.parent; p != nil {
		p.removeChild(f)
	}
	f.logger.Debug("Frame detached")
}

func (f *LocalFrame) removeChild(child *LocalFrame) {
	for i, c := range f.children {
		if c == child {
			f.children = append(f.children[:i], f.children[i+1:]...)
			return
		}
	}
}

func (f *LocalFrame) walk(fn func(*LocalFrame)) {
	fn(f)
	for _, c := range f.children {
		c.walk(fn)
	}
}
