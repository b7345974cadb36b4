// Package proxy is the debuggee side of the debugger: it wraps functions so
// every call is snapshotted, reported to the server and, when a breakpoint
// matches, blocked until the UI resumes it. A wrapped call with no reachable
// server degrades to a direct call.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cideldill/cideldill/internal/codec"
	"github.com/cideldill/cideldill/internal/config"
	"github.com/cideldill/cideldill/internal/storage"
)

// processStart pins the process identity for every client in this process.
var processStart = storage.EpochSeconds(time.Now())

// Option configures a Client.
type Option func(*Client)

// WithServerURL sets the server base URL, bypassing discovery.
func WithServerURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPollInterval sets the sleep between resume polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithWatchdogThreshold sets how long a pause may block before the client
// dumps all goroutine stacks to the log. Zero disables the watchdog.
func WithWatchdogThreshold(d time.Duration) Option {
	return func(c *Client) { c.watchdog = d }
}

// WithFormat sets the serialization format announced to the server.
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// Client intercepts calls for one process. Safe for concurrent use; each
// intercepted call blocks only its own goroutine.
type Client struct {
	baseURL      string
	http         *http.Client
	pid          int
	startTime    float64
	pollInterval time.Duration
	watchdog     time.Duration
	format       string
	enabled      atomic.Bool

	mu       sync.Mutex
	known    map[string]struct{}      // CIDs the server has acknowledged
	registry map[string]reflect.Value // replace targets by function name
}

// New builds a client. Without WithServerURL the server is discovered via
// CIDELDILL_SERVER_URL or the port file; when neither resolves the client
// starts disabled and wrapped calls run directly.
func New(opts ...Option) *Client {
	c := &Client{
		http:         &http.Client{Timeout: 30 * time.Second},
		pid:          os.Getpid(),
		startTime:    processStart,
		pollInterval: 100 * time.Millisecond,
		watchdog:     30 * time.Second,
		format:       codec.FormatBinary,
		known:        make(map[string]struct{}),
		registry:     make(map[string]reflect.Value),
	}
	c.enabled.Store(true)
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		url, err := config.DiscoverServerURL()
		if err != nil {
			slog.Debug("no debug server discovered, interception disabled", "error", err)
			c.enabled.Store(false)
		} else {
			c.baseURL = url
		}
	}
	return c
}

// Enabled reports whether calls are being intercepted.
func (c *Client) Enabled() bool { return c.enabled.Load() }

// SetEnabled toggles interception without dropping the client.
func (c *Client) SetEnabled(v bool) { c.enabled.Store(v) }

// ProcessKey returns this process's identity on the wire.
func (c *Client) ProcessKey() string {
	return storage.ProcessKey(c.startTime, c.pid)
}

// Register makes fn available as a replace target under name.
func (c *Client) Register(name string, fn any) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		panic(fmt.Sprintf("proxy: Register(%q) with non-function %T", name, fn))
	}
	c.mu.Lock()
	c.registry[name] = fv
	c.mu.Unlock()
}

func (c *Client) lookup(name string) (reflect.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fv, ok := c.registry[name]
	return fv, ok
}

func (c *Client) cidKnown(cid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.known[cid]
	return ok
}

func (c *Client) markKnown(cids ...string) {
	c.mu.Lock()
	for _, cid := range cids {
		c.known[cid] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Client) forgetKnown(cids ...string) {
	c.mu.Lock()
	for _, cid := range cids {
		delete(c.known, cid)
	}
	c.mu.Unlock()
}

// WrapFunc returns a function with fn's exact type whose calls route through
// the interception pipeline. The original is registered as a replace target
// under name.
func (c *Client) WrapFunc(name string, fn any) any {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		panic(fmt.Sprintf("proxy: WrapFunc(%q) with non-function %T", name, fn))
	}
	c.Register(name, fn)
	wrapped := reflect.MakeFunc(fv.Type(), func(args []reflect.Value) []reflect.Value {
		return c.intercept(ctxFromArgs(args), name, fv, args)
	})
	return wrapped.Interface()
}

// Call intercepts one invocation of fn. It returns fn's first non-error
// result, and the error return when fn has one (or the synthesized error for
// a raise or cancellation). Cancelling ctx while the call is paused aborts
// the wait and surfaces ctx's error.
func (c *Client) Call(ctx context.Context, name string, fn any, args ...any) (any, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, fmt.Errorf("proxy: Call(%q) with non-function %T", name, fn)
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = coerceValue(a, inType(fv.Type(), i))
	}
	outs := c.intercept(ctx, name, fv, in)
	return splitResults(fv.Type(), outs)
}

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()

// ctxFromArgs reuses the call's own context when the wrapped function takes
// one as its first parameter.
func ctxFromArgs(args []reflect.Value) context.Context {
	if len(args) > 0 && args[0].Type().Implements(ctxType) && !args[0].IsNil() {
		if ctx, ok := args[0].Interface().(context.Context); ok {
			return ctx
		}
	}
	return context.Background()
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// splitResults separates a reflect call's outputs into (value, error).
func splitResults(t reflect.Type, outs []reflect.Value) (any, error) {
	var result any
	var err error
	for i, out := range outs {
		if t.Out(i) == errType {
			if !out.IsNil() {
				err = out.Interface().(error)
			}
			continue
		}
		if result == nil {
			result = out.Interface()
		}
	}
	return result, err
}

// coerceValue converts v to want, falling back to the zero value when the
// types cannot meet. Nil maps to the zero value.
func coerceValue(v any, want reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(want)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv
	}
	if rv.Type().ConvertibleTo(want) {
		return rv.Convert(want)
	}
	slog.Warn("argument type mismatch, using zero value", "have", rv.Type().String(), "want", want.String())
	return reflect.Zero(want)
}
