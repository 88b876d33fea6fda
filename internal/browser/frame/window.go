package frame

import (
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsbind"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsexec"
	"github.com/xkilldash9x/crawlkit/internal/browser/loader"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
)

// DOMWindow is the frame as script sees it. Navigations requested by script
// are posted to the page's runner so that a load never starts inside the
// script that asked for it.
type DOMWindow struct {
	frame   *LocalFrame
	online  bool
	runtime *jsexec.Runtime
	bridge  *jsbind.Bridge
}

var _ jsbind.Host = (*DOMWindow)(nil)

func newDOMWindow(f *LocalFrame) *DOMWindow {
	w := &DOMWindow{frame: f, online: f.page.online}
	script := f.page.opts.Script
	if !script.Enabled {
		return w
	}
	w.runtime = jsexec.New(jsexec.Options{
		Timeout: script.Timeout,
		Console: w.addConsoleMessage,
		Logger:  f.logger,
	})
	w.bridge = jsbind.New(w.runtime, w, jsbind.Options{
		Runner:         f.page.opts.Runner,
		RunPageScripts: script.RunPageScripts,
		Logger:         f.logger,
	})
	return w
}

// Runtime is the window's script runtime, nil when scripting is disabled.
func (w *DOMWindow) Runtime() *jsexec.Runtime { return w.runtime }

func (w *DOMWindow) Frame() *LocalFrame { return w.frame }

func (w *DOMWindow) Document() *dom.Document { return w.frame.doc }

func (w *DOMWindow) Online() bool { return w.online }

func (w *DOMWindow) setOnline(online bool) { w.online = online }

func (w *DOMWindow) UserAgent() string {
	if ua := w.frame.page.opts.UserAgent; ua != nil {
		return ua()
	}
	return ""
}

func (w *DOMWindow) HistoryLength() int { return w.frame.loader.History().Len() }

func (w *DOMWindow) PushState(target *url.URL, replace bool) error {
	return w.frame.loader.UpdateURLForHistoryAPI(target, replace)
}

func (w *DOMWindow) Navigate(target *url.URL, replace bool) error {
	req := w.request(target)
	return w.post(loader.FrameLoadRequest{
		Request:             req,
		NavigationType:      loader.NavigationTypeOther,
		ClientRedirect:      true,
		ReplacesCurrentItem: replace,
	}, loader.LoadStandard)
}

func (w *DOMWindow) Reload() error {
	cur := w.frame.URL()
	if cur == nil {
		return nil
	}
	return w.post(loader.FrameLoadRequest{
		Request:        w.request(cur),
		NavigationType: loader.NavigationTypeReload,
	}, loader.LoadReload)
}

func (w *DOMWindow) request(target *url.URL) resource.Request {
	req := resource.Request{URL: target, Method: http.MethodGet, Header: make(http.Header)}
	if cur := w.frame.URL(); cur != nil && (cur.Scheme == "http" || cur.Scheme == "https") {
		ref := *cur
		ref.Fragment = ""
		ref.User = nil
		req.Header.Set("Referer", ref.String())
	}
	return req
}

func (w *DOMWindow) post(req loader.FrameLoadRequest, loadType loader.LoadType) error {
	f := w.frame
	if !f.attached {
		return loader.ErrDetached
	}
	runner := f.page.opts.Runner
	if runner == nil {
		return f.Navigate(req, loadType)
	}
	runner.PostTask(func() {
		if !f.attached {
			return
		}
		if err := f.Navigate(req, loadType); err != nil {
			f.logger.Warn("Script navigation failed", zap.String("url", req.Request.URLString()), zap.Error(err))
		}
	})
	return nil
}

func (w *DOMWindow) didInstallDocument(doc *dom.Document) {
	if w.bridge != nil {
		w.bridge.SetDocument(doc)
	}
}

func (w *DOMWindow) addConsoleMessage(level, message string) {
	if sink, ok := w.frame.loader.Client().(loader.ConsoleSink); ok {
		sink.AddConsoleMessage(level, message)
	}
}

func (w *DOMWindow) close() {
	if w.bridge != nil {
		w.bridge.Close()
	}
}
