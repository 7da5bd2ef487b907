package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dmitrymomot/telemetry/core/ctxmgr"
	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/pipeline"
	"github.com/dmitrymomot/telemetry/pkg/clock"
)

// Client owns the pipeline, the context manager, and its own global base
// context (one per Client, not shared between Clients). It is the sole entry point application code uses to emit
// telemetry; construct one with New and keep it for the life of the host
// process.
type Client struct {
	pipeline *pipeline.Pipeline
	ctxmgr   *ctxmgr.Manager
	clock    clock.Clock
	logger   *slog.Logger

	mu   sync.RWMutex
	base envelope.Map // seeded from WithApp/WithVersion/WithGlobalContext at construction
}

// Option configures a Client during construction.
type Option func(*clientConfig)

type clientConfig struct {
	backend     ctxmgr.Backend
	middlewares []pipeline.Middleware
	sinks       []pipeline.Sink
	errorHook   pipeline.ErrorHook
	clock       clock.Clock
	logger      *slog.Logger
	base        envelope.Map
}

// WithApp seeds the global context with "app" = name.
func WithApp(name string) Option {
	return func(c *clientConfig) { c.base["app"] = name }
}

// WithVersion seeds the global context with "version" = version.
func WithVersion(version string) Option {
	return func(c *clientConfig) { c.base["version"] = version }
}

// WithGlobalContext seeds the global context with an arbitrary mapping,
// merged in the order the options are given.
func WithGlobalContext(ctx map[string]any) Option {
	return func(c *clientConfig) { c.base = c.base.Merge(ctx) }
}

// WithBackend selects the context-propagation backend. Defaults to
// ctxmgr.GoroutineBackend.
func WithBackend(backend ctxmgr.Backend) Option {
	return func(c *clientConfig) { c.backend = backend }
}

// WithMiddleware registers one or more middlewares, in the order given,
// ahead of any middleware registered by a later Use call.
func WithMiddleware(mw ...pipeline.Middleware) Option {
	return func(c *clientConfig) { c.middlewares = append(c.middlewares, mw...) }
}

// WithSink registers one or more sinks.
func WithSink(sinks ...pipeline.Sink) Option {
	return func(c *clientConfig) { c.sinks = append(c.sinks, sinks...) }
}

// WithErrorHook sets the diagnostic error hook for middleware/sink failures
// absorbed by the pipeline.
func WithErrorHook(hook pipeline.ErrorHook) Option {
	return func(c *clientConfig) { c.errorHook = hook }
}

// WithClock overrides the time source used to stamp envelopes. Intended for
// tests; production code should leave this unset.
func WithClock(c clock.Clock) Option {
	return func(cc *clientConfig) { cc.clock = c }
}

// WithLogger sets the client's internal diagnostic logger, used for the
// pipeline's own error reporting. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// New builds a Client from the given options.
func New(opts ...Option) *Client {
	cfg := &clientConfig{base: envelope.Map{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pipelineOpts := []pipeline.Option{pipeline.WithLogger(cfg.logger)}
	if cfg.errorHook != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithErrorHook(cfg.errorHook))
	}
	p := pipeline.New(pipelineOpts...)
	for _, mw := range cfg.middlewares {
		p.Use(mw)
	}
	for _, sink := range cfg.sinks {
		p.AddSink(sink)
	}

	return &Client{
		pipeline: p,
		ctxmgr:   ctxmgr.New(cfg.backend),
		clock:    cfg.clock,
		logger:   cfg.logger,
		base:     cfg.base,
	}
}

// Debug emits a LogRecord at debug level. data may be nil.
func (c *Client) Debug(ctx context.Context, msg string, data map[string]any) {
	c.log(ctx, envelope.LevelDebug, msg, data, nil)
}

// Info emits a LogRecord at info level. data may be nil.
func (c *Client) Info(ctx context.Context, msg string, data map[string]any) {
	c.log(ctx, envelope.LevelInfo, msg, data, nil)
}

// Warn emits a LogRecord at warn level. data may be nil.
func (c *Client) Warn(ctx context.Context, msg string, data map[string]any) {
	c.log(ctx, envelope.LevelWarn, msg, data, nil)
}

// Error emits a LogRecord at error level. data and err may be nil.
func (c *Client) Error(ctx context.Context, msg string, data map[string]any, err error) {
	c.log(ctx, envelope.LevelError, msg, data, err)
}

// Track emits an EventRecord. props may be nil.
func (c *Client) Track(ctx context.Context, name string, props map[string]any) {
	rec := envelope.EventRecord{Name: name, Props: props}
	c.dispatch(ctx, rec)
}

func (c *Client) log(ctx context.Context, level envelope.Level, msg string, data map[string]any, err error) {
	rec := envelope.LogRecord{Level: level, Msg: msg, Data: data, Err: err}
	c.dispatch(ctx, rec)
}

func (c *Client) dispatch(ctx context.Context, rec envelope.Record) {
	ts := c.clock.Now().UnixMilli()

	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()

	effective := base.Merge(c.ctxmgr.Effective())
	e := envelope.New(ts, effective, rec)

	// Dispatch is fire-and-forget from the caller's point of view: the
	// pipeline's own sink fan-out already runs sinks concurrently and
	// absorbs their errors, so this call returns as soon as the middleware
	// chain (which may be purely synchronous) has run.
	c.pipeline.Dispatch(ctx, e)
}

// WithScope runs fn with scope overlaid onto the current effective scope. The
// overlay is visible to fn and anything fn calls directly on the same
// goroutine; code fn spawns onto other goroutines does not observe it
// unless the host re-attaches it explicitly (see ctxmgr.Manager.Attach).
func (c *Client) WithScope(ctx context.Context, scope map[string]any, fn func(context.Context) error) error {
	return c.ctxmgr.Run(ctx, scope, fn)
}

// Use adds a middleware to the pipeline. Middlewares added this way run
// after any middleware registered at construction time, and only affect
// envelopes dispatched after this call returns.
func (c *Client) Use(mw pipeline.Middleware) {
	c.pipeline.Use(mw)
}

// AddTransport registers a sink. It only affects envelopes dispatched after
// this call returns.
func (c *Client) AddTransport(sink pipeline.Sink) {
	c.pipeline.AddSink(sink)
}

// SetGlobalContext monotonically merges ctx into the client's global base
// context. Existing keys are overwritten; no key is ever removed.
func (c *Client) SetGlobalContext(ctx map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = c.base.Merge(ctx)
}

// GlobalContext returns a snapshot of the current global base context.
func (c *Client) GlobalContext() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base.Clone()
}
