package jsbind

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
)

func (b *Bridge) defineGetter(obj *goja.Object, name string, getter func() goja.Value) {
	b.defineAccessor(obj, name, getter, nil)
}

func (b *Bridge) defineAccessor(obj *goja.Object, name string, getter func() goja.Value, setter func(goja.Value)) {
	get := b.vm.ToValue(func(goja.FunctionCall) goja.Value { return getter() })
	var set goja.Value
	if setter != nil {
		set = b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			setter(call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := obj.DefineAccessorProperty(name, get, set, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		b.logger.Error("Failed to define property", zap.String("name", name), zap.Error(err))
	}
}

func (b *Bridge) setMethod(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	if err := obj.Set(name, fn); err != nil {
		b.logger.Error("Failed to define method", zap.String("name", name), zap.Error(err))
	}
}

// --- document ---

func (b *Bridge) newDocumentObject() *goja.Object {
	d := b.vm.NewObject()
	doc := b.doc

	b.defineGetter(d, "URL", func() goja.Value {
		if doc == nil || doc.URL() == nil {
			return b.vm.ToValue("about:blank")
		}
		return b.vm.ToValue(doc.URL().String())
	})
	b.defineGetter(d, "title", func() goja.Value {
		if doc == nil {
			return b.vm.ToValue("")
		}
		return b.vm.ToValue(doc.Title())
	})
	b.defineGetter(d, "readyState", func() goja.Value {
		if doc == nil {
			return b.vm.ToValue(string(dom.ReadyStateComplete))
		}
		return b.vm.ToValue(string(doc.ReadyState()))
	})
	b.defineGetter(d, "contentType", func() goja.Value {
		if doc == nil {
			return b.vm.ToValue("text/html")
		}
		return b.vm.ToValue(doc.MIMEType())
	})
	b.defineGetter(d, "documentElement", func() goja.Value { return b.findAtom(atom.Html) })
	b.defineGetter(d, "head", func() goja.Value { return b.findAtom(atom.Head) })
	b.defineGetter(d, "body", func() goja.Value { return b.findAtom(atom.Body) })

	b.setMethod(d, "querySelector", func(call goja.FunctionCall) goja.Value {
		if doc == nil {
			return goja.Null()
		}
		sel := call.Argument(0).String()
		n, err := doc.QuerySelector(sel)
		if err != nil {
			b.throw(&SelectorError{Selector: sel, Err: err})
		}
		return b.wrap(n)
	})
	b.setMethod(d, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		if doc == nil {
			return b.vm.NewArray()
		}
		sel := call.Argument(0).String()
		nodes, err := doc.QuerySelectorAll(sel)
		if err != nil {
			b.throw(&SelectorError{Selector: sel, Err: err})
		}
		return b.wrapList(nodes)
	})
	b.setMethod(d, "getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		if doc == nil {
			return b.vm.NewArray()
		}
		return b.wrapList(b.scoped(doc.Root(), strings.ToLower(call.Argument(0).String())))
	})
	b.setMethod(d, "getElementById", func(call goja.FunctionCall) goja.Value {
		if doc == nil {
			return goja.Null()
		}
		return b.wrap(doc.GetElementByID(call.Argument(0).String()))
	})
	b.setMethod(d, "evaluate", func(call goja.FunctionCall) goja.Value {
		if doc == nil {
			return b.vm.NewArray()
		}
		expr := call.Argument(0).String()
		nodes, err := doc.Evaluate(expr)
		if err != nil {
			b.throw(&SelectorError{Selector: expr, Err: err})
		}
		out := make([]interface{}, 0, len(nodes))
		for _, n := range nodes {
			if n.Type == html.ElementNode {
				out = append(out, b.wrap(n))
			} else {
				out = append(out, dom.TextContent(n))
			}
		}
		return b.vm.NewArray(out...)
	})
	// document.close() ends the parse early; the loader drops the rest of the body.
	b.setMethod(d, "close", func(goja.FunctionCall) goja.Value {
		if doc != nil {
			doc.StopParsing()
		}
		return goja.Undefined()
	})
	b.setMethod(d, "createElement", func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		return b.wrap(&html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))})
	})
	return d
}

func (b *Bridge) findAtom(a atom.Atom) goja.Value {
	if b.doc == nil {
		return goja.Null()
	}
	var found *html.Node
	var visit func(*html.Node) bool
	visit = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(b.doc.Root())
	return b.wrap(found)
}

// --- elements ---

func (b *Bridge) wrapList(nodes []*html.Node) goja.Value {
	out := make([]interface{}, len(nodes))
	for i, n := range nodes {
		out[i] = b.wrap(n)
	}
	return b.vm.NewArray(out...)
}

// wrap returns the script object for n. The same node always yields the same
// object while the document is current.
func (b *Bridge) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := b.wrappers[n]; ok {
		return obj
	}
	e := b.vm.NewObject()
	b.wrappers[n] = e

	b.defineGetter(e, "tagName", func() goja.Value { return b.vm.ToValue(strings.ToUpper(n.Data)) })
	b.defineGetter(e, "nodeName", func() goja.Value { return b.vm.ToValue(strings.ToUpper(n.Data)) })
	b.defineAccessor(e, "id", func() goja.Value {
		return b.vm.ToValue(dom.Attr(n, "id"))
	}, func(v goja.Value) {
		b.setAttr(n, "id", v.String())
	})
	b.defineAccessor(e, "className", func() goja.Value {
		return b.vm.ToValue(dom.Attr(n, "class"))
	}, func(v goja.Value) {
		b.setAttr(n, "class", v.String())
	})
	b.defineAccessor(e, "textContent", func() goja.Value {
		return b.vm.ToValue(dom.TextContent(n))
	}, func(v goja.Value) {
		b.mutate("textContent", func() error {
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				n.RemoveChild(c)
				c = next
			}
			n.AppendChild(&html.Node{Type: html.TextNode, Data: v.String()})
			return nil
		})
	})
	b.defineGetter(e, "innerHTML", func() goja.Value {
		var buf bytes.Buffer
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := html.Render(&buf, c); err != nil {
				b.throw(err)
			}
		}
		return b.vm.ToValue(buf.String())
	})
	b.defineGetter(e, "outerHTML", func() goja.Value {
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(buf.String())
	})
	b.defineGetter(e, "href", func() goja.Value {
		raw := dom.Attr(n, "href")
		if raw == "" {
			return b.vm.ToValue("")
		}
		u, err := b.resolve(raw)
		if err != nil {
			return b.vm.ToValue(raw)
		}
		return b.vm.ToValue(u.String())
	})
	b.defineGetter(e, "parentElement", func() goja.Value {
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			return goja.Null()
		}
		return b.wrap(n.Parent)
	})
	b.defineGetter(e, "children", func() goja.Value {
		var kids []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode {
				kids = append(kids, c)
			}
		}
		return b.wrapList(kids)
	})

	b.setMethod(e, "getAttribute", func(call goja.FunctionCall) goja.Value {
		key := strings.ToLower(call.Argument(0).String())
		for _, a := range n.Attr {
			if a.Key == key {
				return b.vm.ToValue(a.Val)
			}
		}
		return goja.Null()
	})
	b.setMethod(e, "hasAttribute", func(call goja.FunctionCall) goja.Value {
		key := strings.ToLower(call.Argument(0).String())
		for _, a := range n.Attr {
			if a.Key == key {
				return b.vm.ToValue(true)
			}
		}
		return b.vm.ToValue(false)
	})
	b.setMethod(e, "setAttribute", func(call goja.FunctionCall) goja.Value {
		b.setAttr(n, strings.ToLower(call.Argument(0).String()), call.Argument(1).String())
		return goja.Undefined()
	})
	b.setMethod(e, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		key := strings.ToLower(call.Argument(0).String())
		b.mutate("removeAttribute", func() error {
			kept := n.Attr[:0]
			for _, a := range n.Attr {
				if a.Key != key {
					kept = append(kept, a)
				}
			}
			n.Attr = kept
			return nil
		})
		return goja.Undefined()
	})
	b.setMethod(e, "appendChild", func(call goja.FunctionCall) goja.Value {
		child := b.unwrap(call.Argument(0))
		if child == nil {
			b.throw(fmt.Errorf("appendChild: argument is not an element"))
		}
		b.mutate("appendChild", func() error {
			if child.Parent != nil {
				child.Parent.RemoveChild(child)
			}
			n.AppendChild(child)
			return nil
		})
		return call.Argument(0)
	})
	b.setMethod(e, "remove", func(goja.FunctionCall) goja.Value {
		if n.Parent != nil {
			b.mutate("remove", func() error {
				n.Parent.RemoveChild(n)
				return nil
			})
		}
		return goja.Undefined()
	})
	b.setMethod(e, "querySelector", func(call goja.FunctionCall) goja.Value {
		nodes := b.scoped(n, call.Argument(0).String())
		if len(nodes) == 0 {
			return goja.Null()
		}
		return b.wrap(nodes[0])
	})
	b.setMethod(e, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return b.wrapList(b.scoped(n, call.Argument(0).String()))
	})
	// click follows links; there is no event dispatch.
	b.setMethod(e, "click", func(goja.FunctionCall) goja.Value {
		if n.DataAtom != atom.A {
			return goja.Undefined()
		}
		raw := dom.Attr(n, "href")
		if raw == "" {
			return goja.Undefined()
		}
		b.navigate(raw, false)
		return goja.Undefined()
	})
	return e
}

func (b *Bridge) unwrap(v goja.Value) *html.Node {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	for n, w := range b.wrappers {
		if w == obj {
			return n
		}
	}
	return nil
}

func (b *Bridge) scoped(n *html.Node, selector string) []*html.Node {
	nodes, err := dom.QueryAll(n, selector)
	if err != nil {
		b.throw(&SelectorError{Selector: selector, Err: err})
	}
	return nodes
}

func (b *Bridge) setAttr(n *html.Node, key, val string) {
	b.mutate("setAttribute", func() error {
		for i := range n.Attr {
			if n.Attr[i].Key == key {
				n.Attr[i].Val = val
				return nil
			}
		}
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
		return nil
	})
}

// mutate applies fn through the document so lifecycle rules are honored.
// Detached nodes, such as fresh createElement results, are changed directly.
func (b *Bridge) mutate(op string, fn func() error) {
	if b.doc == nil {
		if err := fn(); err != nil {
			b.throw(&DOMError{Op: op, Err: err})
		}
		return
	}
	err := b.doc.MutateTree(func(*html.Node) error { return fn() })
	if err != nil {
		b.throw(&DOMError{Op: op, Err: err})
	}
}
