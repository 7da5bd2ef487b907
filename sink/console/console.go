// Package console implements the terminal sink: log records are routed to
// level-appropriate streams, event records are serialized as a single safe
// JSON line. A console sink never returns an error or panics the caller's
// goroutine, matching the rest of this module's "telemetry never breaks the
// host" guarantee.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/pkg/safejson"
)

// Sink writes envelopes to the terminal.
type Sink struct {
	mu sync.Mutex

	debug io.Writer
	info  io.Writer
	warn  io.Writer
	error io.Writer
	event io.Writer
}

// Option configures a Sink.
type Option func(*Sink)

// WithLevelWriters overrides the stream used for each log level. A nil
// writer leaves that level's default untouched.
func WithLevelWriters(debug, info, warn, errW io.Writer) Option {
	return func(s *Sink) {
		if debug != nil {
			s.debug = debug
		}
		if info != nil {
			s.info = info
		}
		if warn != nil {
			s.warn = warn
		}
		if errW != nil {
			s.error = errW
		}
	}
}

// WithEventWriter overrides the stream used for event records.
func WithEventWriter(w io.Writer) Option {
	return func(s *Sink) {
		if w != nil {
			s.event = w
		}
	}
}

// New builds a console sink. Debug and info go to stdout; warn and error go
// to stderr; events go to stdout.
func New(opts ...Option) *Sink {
	s := &Sink{
		debug: os.Stdout,
		info:  os.Stdout,
		warn:  os.Stderr,
		error: os.Stderr,
		event: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle implements pipeline.Sink. It never returns a non-nil error; write
// failures to the underlying stream (a closed terminal, a broken pipe) are
// swallowed the same way a panic inside formatting would be.
func (s *Sink) Handle(ctx context.Context, e *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nil
		}
	}()

	switch rec := e.Record.(type) {
	case envelope.LogRecord:
		s.writeLog(e, rec)
	case envelope.EventRecord:
		s.writeEvent(e, rec)
	}
	return nil
}

func (s *Sink) writeLog(e *envelope.Envelope, rec envelope.LogRecord) {
	w := s.writerFor(rec.Level)
	if w == nil {
		return
	}

	ctxJSON, _ := safejson.Marshal(map[string]any(e.Ctx))
	dataJSON, _ := safejson.Marshal(rec.Data)

	line := fmt.Sprintf("%s [%s] %s ctx=%s data=%s",
		formatTS(e.TS()), levelLabel(rec.Level), rec.Msg, ctxJSON, dataJSON)
	if rec.Err != nil {
		errJSON, _ := safejson.Marshal(rec.Err)
		line += fmt.Sprintf(" err=%s", errJSON)
	}

	s.writeLine(w, line)
}

func (s *Sink) writeEvent(e *envelope.Envelope, rec envelope.EventRecord) {
	payload := map[string]any{
		"ts":  e.TS(),
		"ctx": map[string]any(e.Ctx),
		"record": map[string]any{
			"kind":  rec.Kind(),
			"name":  rec.Name,
			"props": rec.Props,
		},
	}
	body, err := safejson.Marshal(payload)
	if err != nil {
		return
	}
	s.writeLine(s.event, string(body))
}

func (s *Sink) writerFor(level envelope.Level) io.Writer {
	switch level {
	case envelope.LevelDebug:
		return s.debug
	case envelope.LevelInfo:
		return s.info
	case envelope.LevelWarn:
		return s.warn
	case envelope.LevelError:
		return s.error
	default:
		return s.info
	}
}

func (s *Sink) writeLine(w io.Writer, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(w, line)
}

func levelLabel(level envelope.Level) string {
	if level == "" {
		return "INFO"
	}
	return string(level)
}

func formatTS(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(time.RFC3339Nano)
}
