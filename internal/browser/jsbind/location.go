package jsbind

import (
	"net/url"
	"strings"

	"github.com/dop251/goja"
)

func (b *Bridge) currentURL() *url.URL {
	if b.doc != nil && b.doc.URL() != nil {
		return b.doc.URL()
	}
	return &url.URL{Scheme: "about", Opaque: "blank"}
}

func (b *Bridge) navigate(raw string, replace bool) {
	u, err := b.resolve(raw)
	if err != nil {
		b.throw(&NavigationError{URL: raw, Err: err})
	}
	if err := b.host.Navigate(u, replace); err != nil {
		b.throw(&NavigationError{URL: u.String(), Err: err})
	}
}

func (b *Bridge) newLocationObject() *goja.Object {
	loc := b.vm.NewObject()
	str := func(fn func(u *url.URL) string) func() goja.Value {
		return func() goja.Value { return b.vm.ToValue(fn(b.currentURL())) }
	}

	b.defineAccessor(loc, "href", str(func(u *url.URL) string { return u.String() }), func(v goja.Value) {
		b.navigate(v.String(), false)
	})
	b.defineGetter(loc, "protocol", str(func(u *url.URL) string { return u.Scheme + ":" }))
	b.defineGetter(loc, "host", str(func(u *url.URL) string { return u.Host }))
	b.defineGetter(loc, "hostname", str(func(u *url.URL) string { return u.Hostname() }))
	b.defineGetter(loc, "port", str(func(u *url.URL) string { return u.Port() }))
	b.defineGetter(loc, "pathname", str(func(u *url.URL) string { return u.EscapedPath() }))
	b.defineGetter(loc, "search", str(func(u *url.URL) string {
		if u.RawQuery == "" {
			return ""
		}
		return "?" + u.RawQuery
	}))
	b.defineAccessor(loc, "hash", str(func(u *url.URL) string {
		if u.Fragment == "" {
			return ""
		}
		return "#" + u.EscapedFragment()
	}), func(v goja.Value) {
		b.navigate("#"+strings.TrimPrefix(v.String(), "#"), false)
	})
	b.defineGetter(loc, "origin", str(func(u *url.URL) string {
		if u.Host == "" {
			return "null"
		}
		return u.Scheme + "://" + u.Host
	}))

	b.setMethod(loc, "assign", func(call goja.FunctionCall) goja.Value {
		b.navigate(call.Argument(0).String(), false)
		return goja.Undefined()
	})
	b.setMethod(loc, "replace", func(call goja.FunctionCall) goja.Value {
		b.navigate(call.Argument(0).String(), true)
		return goja.Undefined()
	})
	b.setMethod(loc, "reload", func(goja.FunctionCall) goja.Value {
		if err := b.host.Reload(); err != nil {
			b.throw(&NavigationError{URL: b.currentURL().String(), Err: err})
		}
		return goja.Undefined()
	})
	b.setMethod(loc, "toString", func(goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.currentURL().String())
	})
	return loc
}

func (b *Bridge) newHistoryObject() *goja.Object {
	h := b.vm.NewObject()
	state := func(replace bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			target := b.currentURL()
			if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
				u, err := b.resolve(arg.String())
				if err != nil {
					b.throw(&NavigationError{URL: arg.String(), Err: err})
				}
				target = u
			}
			if err := b.host.PushState(target, replace); err != nil {
				b.throw(&NavigationError{URL: target.String(), Err: err})
			}
			return goja.Undefined()
		}
	}
	b.setMethod(h, "pushState", state(false))
	b.setMethod(h, "replaceState", state(true))
	b.defineGetter(h, "length", func() goja.Value { return b.vm.ToValue(b.host.HistoryLength()) })
	return h
}

func (b *Bridge) newNavigatorObject() *goja.Object {
	nav := b.vm.NewObject()
	b.defineGetter(nav, "userAgent", func() goja.Value { return b.vm.ToValue(b.host.UserAgent()) })
	b.defineGetter(nav, "onLine", func() goja.Value { return b.vm.ToValue(b.host.Online()) })
	_ = nav.Set("language", "en-US")
	_ = nav.Set("cookieEnabled", false)
	return nav
}
