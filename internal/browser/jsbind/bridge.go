// Package jsbind exposes the crawler's frame to script: the window globals,
// a document and element API over the dom package, location, history,
// navigator and timers.
package jsbind

import (
	"context"
	"net/url"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsexec"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
)

// Host is the frame side of the bridge. Navigation requests made by script
// must not run the load synchronously; implementations post them.
type Host interface {
	Document() *dom.Document
	Navigate(target *url.URL, replace bool) error
	Reload() error
	PushState(target *url.URL, replace bool) error
	HistoryLength() int
	Online() bool
	UserAgent() string
}

// Options configures a Bridge.
type Options struct {
	// Runner delivers timer callbacks on the frame's goroutine.
	Runner scheduler.TaskRunner
	// RunPageScripts enables inline <script> execution during parsing.
	RunPageScripts bool
	Logger         *zap.Logger
}

type timer struct {
	t    *time.Timer
	fn   goja.Value
	args []interface{}
}

// Bridge binds one jsexec.Runtime to a Host. It is confined to the frame's
// goroutine; timers only post back to it.
type Bridge struct {
	rt     *jsexec.Runtime
	vm     *goja.Runtime
	host   Host
	runner scheduler.TaskRunner
	logger *zap.Logger

	runPageScripts bool

	ctx    context.Context
	cancel context.CancelFunc

	doc      *dom.Document
	wrappers map[*html.Node]*goja.Object

	timers     map[int64]*timer
	nextTimer  int64
	generation int
}

// New installs the window globals into rt.
func New(rt *jsexec.Runtime, host Host, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		rt:             rt,
		vm:             rt.VM(),
		host:           host,
		runner:         opts.Runner,
		logger:         logger.Named("jsbind"),
		runPageScripts: opts.RunPageScripts,
		ctx:            ctx,
		cancel:         cancel,
		wrappers:       make(map[*html.Node]*goja.Object),
		timers:         make(map[int64]*timer),
	}
	b.installWindow()
	return b
}

// Runtime returns the runtime the bridge is installed in.
func (b *Bridge) Runtime() *jsexec.Runtime { return b.rt }

// SetDocument rebinds document to doc. Pending timers belong to the previous
// document and are dropped.
func (b *Bridge) SetDocument(doc *dom.Document) {
	b.clearTimers()
	b.doc = doc
	b.wrappers = make(map[*html.Node]*goja.Object)
	if doc != nil {
		doc.SetScriptRunner(b)
	}
	if err := b.vm.Set("document", b.newDocumentObject()); err != nil {
		b.logger.Error("Failed to set 'document' global", zap.Error(err))
	}
}

// RunPageScript runs an inline script reached by the parser. External
// scripts are not fetched.
func (b *Bridge) RunPageScript(doc *dom.Document, s dom.Script) {
	if !b.runPageScripts || doc != b.doc {
		return
	}
	if s.Src != "" {
		b.logger.Debug("Skipping external script", zap.String("src", s.Src))
		return
	}
	name := "inline"
	if u := doc.URL(); u != nil {
		name = u.String()
	}
	if _, err := b.rt.Evaluate(b.ctx, name, s.Source); err != nil {
		b.rt.ReportError(name, err)
	}
}

// Close stops timers and aborts any script started from them.
func (b *Bridge) Close() {
	b.clearTimers()
	b.cancel()
}

// PendingTimers is the number of scheduled, unfired timers.
func (b *Bridge) PendingTimers() int { return len(b.timers) }

func (b *Bridge) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *Bridge) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if b.doc != nil && b.doc.URL() != nil {
		return b.doc.URL().ResolveReference(ref), nil
	}
	return ref, nil
}

func (b *Bridge) installWindow() {
	global := b.vm.GlobalObject()
	set := func(name string, v interface{}) {
		if err := global.Set(name, v); err != nil {
			b.logger.Error("Failed to set global", zap.String("name", name), zap.Error(err))
		}
	}
	set("window", global)
	set("self", global)
	set("alert", func(call goja.FunctionCall) goja.Value {
		b.logger.Info("[JS Alert]", zap.String("message", call.Argument(0).String()))
		return goja.Undefined()
	})
	set("confirm", func(call goja.FunctionCall) goja.Value {
		b.logger.Info("[JS Confirm]", zap.String("message", call.Argument(0).String()))
		return b.vm.ToValue(true)
	})
	set("setTimeout", b.setTimeout)
	set("clearTimeout", b.clearTimeout)
	set("location", b.newLocationObject())
	set("history", b.newHistoryObject())
	set("navigator", b.newNavigatorObject())
	set("document", b.newDocumentObject())
}

// setTimeout schedules fn on the frame's runner. Timers are one-shot.
func (b *Bridge) setTimeout(call goja.FunctionCall) goja.Value {
	fn := call.Argument(0)
	if b.runner == nil {
		return b.vm.ToValue(0)
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	var args []interface{}
	for _, a := range call.Arguments[min(2, len(call.Arguments)):] {
		args = append(args, a)
	}

	b.nextTimer++
	id, gen := b.nextTimer, b.generation
	tm := &timer{fn: fn, args: args}
	b.timers[id] = tm
	tm.t = time.AfterFunc(delay, func() {
		b.runner.PostTask(func() { b.fire(id, gen) })
	})
	return b.vm.ToValue(id)
}

func (b *Bridge) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if tm, ok := b.timers[id]; ok {
		tm.t.Stop()
		delete(b.timers, id)
	}
	return goja.Undefined()
}

func (b *Bridge) fire(id int64, gen int) {
	tm, ok := b.timers[id]
	if !ok || gen != b.generation {
		return
	}
	delete(b.timers, id)

	var err error
	if _, isFn := goja.AssertFunction(tm.fn); isFn {
		_, err = b.rt.Call(b.ctx, tm.fn, tm.args...)
	} else {
		_, err = b.rt.Evaluate(b.ctx, "timer", tm.fn.String())
	}
	if err != nil {
		b.rt.ReportError("timer", err)
	}
}

func (b *Bridge) clearTimers() {
	for id, tm := range b.timers {
		tm.t.Stop()
		delete(b.timers, id)
	}
	b.generation++
}
