// Package jsexec is the script collaborator: a goja runtime that evaluates
// user and page scripts, hosts the crawler object and routes console output.
//
// A Runtime is confined to the frame's owning goroutine. Script may call back
// into Go, and Go may evaluate script again from inside such a callback.
package jsexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a top-level evaluation when the context has no deadline.
const DefaultTimeout = 30 * time.Second

// CrawlerObjectName is the global the user script's object is bound to.
const CrawlerObjectName = "crawler"

var (
	// ErrNoCrawlerObject is returned when a crawler member is requested before
	// CreateCrawlerObject ran.
	ErrNoCrawlerObject = errors.New("jsexec: crawler object has not been created")
	// ErrNotAFunction is returned when the named member is not callable.
	ErrNotAFunction = errors.New("jsexec: not a function")
)

// ScriptError carries a JS exception out to Go.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string { return "script error: " + e.Message }

// Console levels, matching the loader's console sink.
const (
	LevelLog     = "log"
	LevelWarning = "warning"
	LevelError   = "error"
)

// ConsoleFunc receives console output after it has been logged.
type ConsoleFunc func(level, message string)

// Callback is a Go function exposed on the crawler object. A returned error
// is thrown into the calling script.
type Callback func(args []interface{}) (interface{}, error)

// Options configures a Runtime.
type Options struct {
	Timeout time.Duration
	Console ConsoleFunc
	Logger  *zap.Logger
}

// Runtime wraps one goja VM.
type Runtime struct {
	vm      *goja.Runtime
	logger  *zap.Logger
	timeout time.Duration
	console ConsoleFunc

	crawler   *goja.Object
	callbacks map[string]Callback
	order     []string
	// depth counts nested evaluations; only the outermost arms the interrupt.
	depth int
}

// New creates a runtime with console installed.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	r := &Runtime{
		vm:        vm,
		logger:    logger.Named("jsexec"),
		timeout:   timeout,
		console:   opts.Console,
		callbacks: make(map[string]Callback),
	}
	r.installConsole()
	return r
}

// VM exposes the underlying runtime to the DOM bridge.
func (r *Runtime) VM() *goja.Runtime { return r.vm }

// SetConsole replaces the console sink.
func (r *Runtime) SetConsole(fn ConsoleFunc) { r.console = fn }

// Evaluate runs source and exports its completion value. name labels the
// source in stack traces.
func (r *Runtime) Evaluate(ctx context.Context, name, source string) (interface{}, error) {
	v, err := r.guard(ctx, func() (goja.Value, error) {
		return r.vm.RunScript(name, source)
	})
	if err != nil {
		return nil, err
	}
	return export(v)
}

// CreateCrawlerObject evaluates the user script as an object expression and
// binds it to the crawler global. An empty script yields an empty object.
// Callbacks registered earlier are attached to the new object.
func (r *Runtime) CreateCrawlerObject(ctx context.Context, userScript string) error {
	var obj *goja.Object
	if strings.TrimSpace(userScript) == "" {
		obj = r.vm.NewObject()
	} else {
		v, err := r.guard(ctx, func() (goja.Value, error) {
			return r.vm.RunScript("crawler.js", "("+userScript+"\n)")
		})
		if err != nil {
			return fmt.Errorf("failed to create crawler object: %w", err)
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return fmt.Errorf("failed to create crawler object: user script did not evaluate to an object")
		}
		obj = v.ToObject(r.vm)
	}

	r.crawler = obj
	for _, name := range r.order {
		if err := r.bind(name, r.callbacks[name]); err != nil {
			return err
		}
	}
	return r.vm.Set(CrawlerObjectName, obj)
}

// HasCrawlerObject reports whether CreateCrawlerObject has run.
func (r *Runtime) HasCrawlerObject() bool { return r.crawler != nil }

// RegisterCallback exposes fn as crawler[name]. It may be called before the
// crawler object exists.
func (r *Runtime) RegisterCallback(name string, fn Callback) error {
	if name == "" || fn == nil {
		return fmt.Errorf("jsexec: callback needs a name and a function")
	}
	if _, exists := r.callbacks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.callbacks[name] = fn
	if r.crawler == nil {
		return nil
	}
	return r.bind(name, fn)
}

func (r *Runtime) bind(name string, fn Callback) error {
	native := func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		out, err := fn(args)
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.vm.ToValue(out)
	}
	if err := r.crawler.Set(name, native); err != nil {
		return fmt.Errorf("failed to register callback %q: %w", name, err)
	}
	return nil
}

// CrawlerProperty returns crawler[name] exported to Go. ok is false when the
// object or the property is missing.
func (r *Runtime) CrawlerProperty(name string) (value interface{}, ok bool) {
	if r.crawler == nil {
		return nil, false
	}
	v := r.crawler.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	return v.Export(), true
}

// HasCrawlerFunction reports whether crawler[name] is callable.
func (r *Runtime) HasCrawlerFunction(name string) bool {
	if r.crawler == nil {
		return false
	}
	_, ok := goja.AssertFunction(r.crawler.Get(name))
	return ok
}

// CallCrawler invokes crawler[method] with the crawler as this.
func (r *Runtime) CallCrawler(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	if r.crawler == nil {
		return nil, ErrNoCrawlerObject
	}
	return r.call(ctx, r.crawler, r.crawler.Get(method), method, args)
}

// CallFunction invokes the global function name.
func (r *Runtime) CallFunction(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	global := r.vm.GlobalObject()
	return r.call(ctx, global, global.Get(name), name, args)
}

// Call invokes a function value, such as a timer callback, with an undefined
// this.
func (r *Runtime) Call(ctx context.Context, fn goja.Value, args ...interface{}) (interface{}, error) {
	return r.call(ctx, goja.Undefined(), fn, "callback", args)
}

func (r *Runtime) call(ctx context.Context, this goja.Value, target goja.Value, name string, args []interface{}) (interface{}, error) {
	fn, ok := goja.AssertFunction(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAFunction, name)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = r.vm.ToValue(a)
	}
	v, err := r.guard(ctx, func() (goja.Value, error) {
		return fn(this, jsArgs...)
	})
	if err != nil {
		return nil, err
	}
	return export(v)
}

// guard runs fn with the context's deadline enforced through the VM's
// interrupt, and turns goja failures into Go errors. Nested calls run under
// the outermost deadline.
func (r *Runtime) guard(ctx context.Context, fn func() (goja.Value, error)) (goja.Value, error) {
	if r.depth > 0 {
		r.depth++
		defer func() { r.depth-- }()
		v, err := fn()
		return v, r.translate(ctx, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
		close(fired)
	})
	r.depth++
	defer func() {
		r.depth--
		if !stop() {
			<-fired
		}
		r.vm.ClearInterrupt()
	}()

	v, err := fn()
	return v, r.translate(ctx, err)
}

func (r *Runtime) translate(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := "uncaught exception"
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &ScriptError{Message: msg, Stack: ex.String()}
	}
	return fmt.Errorf("script failed: %w", err)
}

// export converts a completion value to Go. Settled promises are unwrapped;
// a pending promise is returned as is.
func export(v goja.Value) (interface{}, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return export(p.Result())
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Message: "promise rejected: " + p.Result().String()}
		default:
			return p, nil
		}
	}
	return v.Export(), nil
}

// ReportError logs err and forwards it to the console sink at error level,
// for failures of scripts that have no caller to return to.
func (r *Runtime) ReportError(source string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("Uncaught script error", zap.String("source", source), zap.Error(err))
	if r.console != nil {
		r.console(LevelError, err.Error())
	}
}

func (r *Runtime) installConsole() {
	console := r.vm.NewObject()
	emit := func(level string, zl func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			msg := strings.Join(parts, " ")
			zl("console", zap.String("level", level), zap.String("message", msg))
			if r.console != nil {
				r.console(level, msg)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit(LevelLog, r.logger.Info))
	_ = console.Set("info", emit(LevelLog, r.logger.Info))
	_ = console.Set("debug", emit(LevelLog, r.logger.Debug))
	_ = console.Set("warn", emit(LevelWarning, r.logger.Warn))
	_ = console.Set("error", emit(LevelError, r.logger.Error))
	_ = r.vm.Set("console", console)
}
