package frame

import "sync"

// Registry tracks live pages across goroutines. Broadcasts are posted to
// each page's runner, never run on the caller's goroutine.
type Registry struct {
	mu    sync.Mutex
	pages map[*Page]struct{}
}

func NewRegistry() *Registry {
	return &Registry{pages: make(map[*Page]struct{})}
}

func (r *Registry) Add(p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[p] = struct{}{}
}

func (r *Registry) Remove(p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, p)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Pages is a snapshot of the registered pages.
func (r *Registry) Pages() []*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Page, 0, len(r.pages))
	for p := range r.pages {
		out = append(out, p)
	}
	return out
}

// NetworkStateChanged tells every page the network went on or off line.
func (r *Registry) NetworkStateChanged(online bool) {
	r.each(func(p *Page) { p.NetworkStateChanged(online) })
}

// SetDefersLoading pauses or resumes loading in every page.
func (r *Registry) SetDefersLoading(defers bool) {
	r.each(func(p *Page) { p.SetDefersLoading(defers) })
}

func (r *Registry) each(fn func(*Page)) {
	for _, p := range r.Pages() {
		runner := p.Runner()
		if runner == nil {
			continue
		}
		page := p
		runner.PostTask(func() {
			if !page.closed {
				fn(page)
			}
		})
	}
}
