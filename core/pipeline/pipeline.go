// Package pipeline composes an ordered list of middlewares terminating at a
// fan-out to all registered sinks. A middleware either passes the envelope
// to the next continuation exactly once, or returns without calling it
// (drop); calling the continuation twice is a programming error that is
// surfaced rather than silently ignored.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/logger"
)

// Next is the continuation a Middleware calls to pass an envelope forward.
type Next func(e *envelope.Envelope) error

// Middleware receives an envelope and a next continuation. Calling next
// passes the envelope on; returning without calling it drops the envelope.
// Calling next a second time returns ErrNextCalledTwice.
type Middleware func(ctx context.Context, e *envelope.Envelope, next Next) error

// DecisionFunc is the simpler construction style from the spec's design
// notes: a middleware expressed as envelope -> Pass|Drop, which cannot
// double-pass by construction. Adapt builds a Middleware from one.
type DecisionFunc func(ctx context.Context, e *envelope.Envelope) Decision

// Decision is the outcome of a DecisionFunc.
type Decision int

const (
	Pass Decision = iota
	Drop
)

// Adapt turns a DecisionFunc into a Middleware.
func Adapt(fn DecisionFunc) Middleware {
	return func(ctx context.Context, e *envelope.Envelope, next Next) error {
		if fn(ctx, e) == Drop {
			return nil
		}
		return next(e)
	}
}

// Sink is a terminal consumer of envelopes. Sink implementations must never
// panic the caller's goroutine for a bad envelope; Pipeline recovers around
// each sink call regardless.
type Sink interface {
	Handle(ctx context.Context, e *envelope.Envelope) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, e *envelope.Envelope) error

func (f SinkFunc) Handle(ctx context.Context, e *envelope.Envelope) error { return f(ctx, e) }

// ErrorHook receives errors absorbed by the pipeline: middleware failures,
// double-next violations, and sink failures. It is the single diagnostic
// channel described in the error handling design; it is never required and
// a nil hook is a safe no-op.
type ErrorHook func(err error)

// Pipeline holds an ordered list of middlewares and a set of sinks.
// Registering the same sink twice is not deduplicated: the envelope is
// delivered to it twice, matching the source's documented behavior.
type Pipeline struct {
	middlewares []Middleware
	sinks       []Sink
	errorHook   ErrorHook
	logger      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithErrorHook sets the diagnostic error hook.
func WithErrorHook(hook ErrorHook) Option {
	return func(p *Pipeline) {
		if hook != nil {
			p.errorHook = hook
		}
	}
}

// WithLogger sets the pipeline's internal diagnostic logger. Defaults to a
// discarding logger, matching the rest of this module's packages.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates an empty Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		errorHook: func(error) {},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Use appends a middleware to the chain. Middlewares are visited in
// registration order; Use only affects dispatches issued after the call.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
}

// AddSink registers a sink to receive envelopes that make it through the
// full middleware chain. AddSink only affects dispatches issued after the
// call.
func (p *Pipeline) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Dispatch visits every middleware left-to-right, then (if the chain is not
// dropped) fans the envelope out to every sink concurrently. Sink failures
// are isolated from each other and from the caller: Dispatch never returns
// an error and never panics, consistent with telemetry never breaking host
// code.
func (p *Pipeline) Dispatch(ctx context.Context, e *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			p.report(errFromRecover(r))
		}
	}()

	terminal := func(e *envelope.Envelope) error {
		p.fanOut(ctx, e)
		return nil
	}

	chain := p.build(ctx, terminal)
	if err := chain(e); err != nil {
		p.report(err)
	}
}

// build folds the middleware list, right to left, into a single
// invocation, wrapping each middleware's next with a called-once guard so a
// second invocation is observable as ErrNextCalledTwice. ctx is the context
// passed to Dispatch; every middleware observes it, not a detached one.
func (p *Pipeline) build(ctx context.Context, terminal Next) Next {
	next := terminal
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw := p.middlewares[i]
		downstream := next
		next = func(e *envelope.Envelope) error {
			called := false
			guarded := func(e *envelope.Envelope) error {
				if called {
					return ErrNextCalledTwice
				}
				called = true
				return downstream(e)
			}
			return mw(ctx, e, guarded)
		}
	}
	return next
}

func (p *Pipeline) fanOut(ctx context.Context, e *envelope.Envelope) {
	for _, s := range p.sinks {
		sink := s
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.report(errFromRecover(r))
				}
			}()
			if err := sink.Handle(ctx, e); err != nil {
				p.report(err)
			}
		}()
	}
}

func (p *Pipeline) report(err error) {
	if err == nil {
		return
	}
	p.logger.Debug("telemetry pipeline absorbed error", logger.Error(err))
	p.errorHook(err)
}

func errFromRecover(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("pipeline: recovered panic: %w", err)
	}
	return fmt.Errorf("pipeline: recovered panic: %v", r)
}
