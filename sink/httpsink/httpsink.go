// Package httpsink implements the batched HTTP delivery sink: envelopes are
// queued, flushed in batches to a single endpoint, and retried with
// exponential backoff and jitter. It is a long-lived component with its own
// lifecycle (Start/Stop/Run).
package httpsink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/logger"
	"github.com/dmitrymomot/telemetry/pkg/clock"
	"github.com/dmitrymomot/telemetry/pkg/safejson"
)

const (
	defaultFlushIntervalMs = 2000
	defaultMaxBatch        = 50
	defaultMaxQueue        = 1000
	defaultRetries         = 2
	defaultBaseDelayMs     = 250
	defaultMaxDelayMs      = 5000
	defaultJitter          = 0.2
)

// FlushReason records why a batch was flushed, surfaced to Logger for
// diagnostics.
type FlushReason string

const (
	FlushTimer    FlushReason = "timer"
	FlushSize     FlushReason = "size"
	FlushManual   FlushReason = "manual"
	FlushShutdown FlushReason = "shutdown"
)

// RetryConfig controls the exponential-backoff retry loop around a single
// batch post.
type RetryConfig struct {
	// Retries is the number of attempts after the initial one. Defaults to 2.
	Retries int
	// BaseDelayMs is the backoff base. Defaults to 250.
	BaseDelayMs int64
	// MaxDelayMs caps the computed backoff before jitter. Defaults to 5000.
	MaxDelayMs int64
	// Jitter is the +/- fraction applied to each delay, in [0,1]. Defaults
	// to 0.2.
	Jitter float64
	// RetryableStatus reports whether an HTTP status should be retried.
	// Defaults to 408, 429, and 500-599.
	RetryableStatus func(status int) bool
	// Rand supplies uniform randoms in [0,1) for jitter. Defaults to
	// rand/v2's global source.
	Rand func() float64
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Retries == 0 {
		r.Retries = defaultRetries
	}
	if r.BaseDelayMs == 0 {
		r.BaseDelayMs = defaultBaseDelayMs
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = defaultMaxDelayMs
	}
	if r.Jitter == 0 {
		r.Jitter = defaultJitter
	}
	if r.RetryableStatus == nil {
		r.RetryableStatus = defaultRetryableStatus
	}
	if r.Rand == nil {
		r.Rand = rand.Float64
	}
	return r
}

func defaultRetryableStatus(status int) bool {
	switch status {
	case 408, 429:
		return true
	}
	return status >= 500 && status <= 599
}

// Config configures a Sink.
type Config struct {
	URL string
	// FlushIntervalMs triggers a timer flush. 0 (unset) selects the default
	// of 2000; a negative value disables the timer, leaving size-triggered
	// and manual flushes in place.
	FlushIntervalMs int64
	// MaxBatch bounds entries per POST. Defaults to 50.
	MaxBatch int
	// MaxQueue bounds total queued envelopes. Defaults to 1000.
	MaxQueue int
	// DropOldest discards from the front of the queue to make room for a
	// new envelope when MaxQueue is reached; when false, the incoming
	// envelope is dropped instead. Defaults to true.
	DropOldest *bool
	// Headers are sent with every batch POST.
	Headers map[string]string
	// MapEntry transforms each envelope into the shape serialized in the
	// outgoing body. Defaults to mapping the envelope to {ts, ctx, record}.
	MapEntry func(e *envelope.Envelope) any

	Retry RetryConfig

	// Clock is accepted but not read by the sink: Stats carries no
	// timestamps, and retry backoff sleeps use real wall-clock time.
	Clock clock.Clock

	Logger *slog.Logger
	// Client is the underlying HTTP client. Defaults to a new resty.Client.
	Client *resty.Client
}

func (c Config) withDefaults() Config {
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = defaultFlushIntervalMs
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = defaultMaxBatch
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaultMaxQueue
	}
	if c.DropOldest == nil {
		t := true
		c.DropOldest = &t
	}
	if c.MapEntry == nil {
		c.MapEntry = defaultMapEntry
	}
	c.Retry = c.Retry.withDefaults()
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Client == nil {
		c.Client = resty.New()
	}
	return c
}

func defaultMapEntry(e *envelope.Envelope) any {
	entry := map[string]any{
		"ts":  e.TS(),
		"ctx": map[string]any(e.Ctx),
	}
	switch rec := e.Record.(type) {
	case envelope.LogRecord:
		entry["record"] = map[string]any{
			"kind":  rec.Kind(),
			"level": string(rec.Level),
			"msg":   rec.Msg,
			"data":  rec.Data,
			"err":   rec.Err,
		}
	case envelope.EventRecord:
		entry["record"] = map[string]any{
			"kind":  rec.Kind(),
			"name":  rec.Name,
			"props": rec.Props,
		}
	}
	return entry
}

// Stats reports the sink's current bookkeeping state.
type Stats struct {
	QueueDepth int
	Flushing   bool
	Stopped    bool
}

// Sink is the batched HTTP delivery sink. It implements pipeline.Sink.
type Sink struct {
	cfg Config

	mu       sync.Mutex
	queue    []*envelope.Envelope
	flushing bool
	stopped  bool
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Sink. It does not start the periodic flush timer; call
// Start or Run for that.
func New(cfg Config) *Sink {
	return &Sink{cfg: cfg.withDefaults()}
}

// Handle implements pipeline.Sink: it enqueues the envelope, applying the
// bounded-queue drop policy, and schedules a fire-and-forget size-triggered
// flush if the batch threshold is reached. It never blocks on network I/O.
func (s *Sink) Handle(ctx context.Context, e *envelope.Envelope) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}

	if len(s.queue) >= s.cfg.MaxQueue {
		if *s.cfg.DropOldest {
			overflow := len(s.queue) - s.cfg.MaxQueue + 1
			s.queue = append([]*envelope.Envelope{}, s.queue[overflow:]...)
		} else {
			depth := len(s.queue)
			s.mu.Unlock()
			s.cfg.Logger.DebugContext(ctx, "telemetry http sink dropping envelope: queue full",
				logger.QueueDepth(depth))
			return nil
		}
	}

	s.queue = append(s.queue, e)
	shouldFlush := len(s.queue) >= s.cfg.MaxBatch
	s.mu.Unlock()

	if shouldFlush {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.flush(context.Background(), FlushSize)
		}()
	}
	return nil
}

// Flush runs a manual flush on the calling goroutine, posting batches until
// the queue is empty (envelopes enqueued while it runs are included). If
// another flush is already in progress, or the sink is stopped, it returns
// at once without waiting.
func (s *Sink) Flush(ctx context.Context) error {
	s.flush(ctx, FlushManual)
	return nil
}

func (s *Sink) flush(ctx context.Context, reason FlushReason) {
	s.mu.Lock()
	if s.stopped && reason != FlushShutdown {
		s.mu.Unlock()
		return
	}
	if s.flushing {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		n := min(len(s.queue), s.cfg.MaxBatch)
		batch := s.queue[:n]
		s.queue = s.queue[n:]
		s.mu.Unlock()

		s.postWithRetry(ctx, batch, reason)
	}
}

func (s *Sink) postWithRetry(ctx context.Context, batch []*envelope.Envelope, reason FlushReason) {
	entries := make([]any, len(batch))
	for i, e := range batch {
		entries[i] = s.cfg.MapEntry(e)
	}
	body, err := safejson.Marshal(map[string]any{"entries": entries})
	if err != nil {
		s.cfg.Logger.DebugContext(ctx, "telemetry http sink dropping batch: body encoding failed",
			logger.Error(err), logger.BatchSize(len(batch)))
		return
	}

	retries := s.cfg.Retry.Retries
	if reason == FlushShutdown {
		retries = 0
	}

	for attempt := 0; ; attempt++ {
		req := s.cfg.Client.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
		if len(s.cfg.Headers) > 0 {
			req.SetHeaders(s.cfg.Headers)
		}

		resp, err := req.Post(s.cfg.URL)

		if err == nil && resp.IsSuccess() {
			return
		}

		retryable := err != nil
		if !retryable {
			retryable = s.cfg.Retry.RetryableStatus(resp.StatusCode())
		}
		if !retryable {
			s.cfg.Logger.DebugContext(ctx, "telemetry http sink dropping batch: non-retryable response",
				logger.BatchSize(len(batch)), logger.FlushReason(string(reason)))
			return
		}
		if attempt >= retries {
			s.cfg.Logger.DebugContext(ctx, "telemetry http sink dropping batch: retries exhausted",
				logger.BatchSize(len(batch)), logger.RetryCount(attempt+1))
			return
		}

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		delay := backoffDelay(s.cfg.Retry, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes attempt a's sleep: min(maxDelay, base*2^a), scaled
// by a jitter factor in [1-j, 1+j].
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := float64(cfg.BaseDelayMs) * math.Pow(2, float64(attempt))
	delay := math.Min(float64(cfg.MaxDelayMs), base)

	j := cfg.Jitter
	factor := (1 - j) + 2*j*cfg.Rand()
	delay = math.Floor(delay * factor)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

// Start runs the periodic flush timer until ctx is cancelled or Stop is
// called. Use Run for errgroup-style coordinated lifecycle management.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("httpsink: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.cfg.FlushIntervalMs <= 0 {
		<-runCtx.Done()
		return runCtx.Err()
	}

	ticker := time.NewTicker(time.Duration(s.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
			s.flush(runCtx, FlushTimer)
		}
	}
}

// Stop sets the terminal stopped flag, cancels the timer, and waits for any
// in-flight size-triggered flushes to finish; no further retries are
// scheduled after it. A manual Flush runs on its caller's goroutine and is
// not waited on. Subsequent Handle calls drop their envelope.
func (s *Sink) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Run provides errgroup compatibility: starts the timer loop and performs a
// graceful Stop when ctx is cancelled.
func (s *Sink) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- s.Start(ctx) }()

		select {
		case <-ctx.Done():
			_ = s.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		}
	}
}

// DrainForShutdown performs one best-effort, no-retry flush of whatever
// remains queued. It is the Go-process equivalent of the browser unload
// drain: there is no pagehide event to hook, so callers invoke this
// explicitly from their own shutdown sequence, typically with a short
// timeout context.
func (s *Sink) DrainForShutdown(ctx context.Context) error {
	correlationID := uuid.NewString()
	s.cfg.Logger.DebugContext(ctx, "telemetry http sink draining for shutdown",
		logger.CorrelationID(correlationID))
	s.flush(ctx, FlushShutdown)
	return nil
}

// Stats reports the sink's current bookkeeping state.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueDepth: len(s.queue),
		Flushing:   s.flushing,
		Stopped:    s.stopped,
	}
}

// Healthcheck reports whether the sink is accepting envelopes.
func (s *Sink) Healthcheck(ctx context.Context) error {
	if s.Stats().Stopped {
		return fmt.Errorf("httpsink: stopped")
	}
	return nil
}
