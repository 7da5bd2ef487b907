// Package telemetry is a client-side telemetry library: it accepts
// structured log and event records from application code, enriches them with
// contextual metadata, applies volume-control policies (sampling, rate
// limiting, deduplication, secret masking), and delivers them best-effort to
// one or more sinks (terminal output, a batched HTTP endpoint). It is
// designed to run inside a host process alongside application code that must
// never be blocked, slowed, or crashed by a telemetry call.
//
// # LLM Assistant Note
//
// This file serves as an index of all packages in this module, to help LLMs
// understand the codebase structure and functionality. Each package entry
// includes the full import path and a concise description of its purpose.
//
// # Package Organization
//
// The module is organized into three categories:
//
//   - Core: the pipeline, context propagation, and envelope types every
//     other package builds on.
//   - Middleware: volume-control and enrichment stages plugged into the
//     pipeline.
//   - Sinks: terminal consumers that deliver envelopes somewhere durable.
//
// # Core Packages
//
//	github.com/dmitrymomot/telemetry/core/envelope - Ctx, Level, Record, and Envelope, the data that flows through the pipeline
//	github.com/dmitrymomot/telemetry/core/ctxmgr   - process-wide global context overlaid by per-goroutine scope
//	github.com/dmitrymomot/telemetry/core/pipeline - ordered middleware chain terminating in a sink fan-out
//	github.com/dmitrymomot/telemetry/core/config   - type-safe environment variable loading, cached by type
//	github.com/dmitrymomot/telemetry/core/logger   - slog attribute helpers shared across this module's own diagnostics
//
// # Middleware Packages
//
//	github.com/dmitrymomot/telemetry/middleware - meta enrichment, secret masking, sampling, rate limiting, deduplication
//
// # Sink Packages
//
//	github.com/dmitrymomot/telemetry/sink/console  - writes log lines and events to configurable io.Writers
//	github.com/dmitrymomot/telemetry/sink/httpsink - batches envelopes and POSTs them to a collector endpoint with retry
//
// # Supporting Packages
//
//	github.com/dmitrymomot/telemetry/pkg/clock    - injectable time source for deterministic tests
//	github.com/dmitrymomot/telemetry/pkg/ordermap - generic insertion-ordered map with LRU touch/evict
//	github.com/dmitrymomot/telemetry/pkg/safejson - cycle-safe JSON encoding for arbitrary ctx/data/props
//	github.com/dmitrymomot/telemetry/pkg/stable   - canonical, sorted stringification used for fingerprinting
//
// # Example Usage
//
//	import (
//		"context"
//
//		"github.com/dmitrymomot/telemetry"
//		"github.com/dmitrymomot/telemetry/middleware"
//		"github.com/dmitrymomot/telemetry/sink/console"
//	)
//
//	func main() {
//		client := telemetry.New(
//			telemetry.WithApp("checkout-service"),
//			telemetry.WithSink(console.New()),
//			telemetry.WithMiddleware(middleware.Secret(middleware.SecretConfig{
//				Keys: []string{"password", "token"},
//			})),
//		)
//
//		ctx := context.Background()
//		_ = client.WithScope(ctx, map[string]any{"request_id": "r-123"}, func(ctx context.Context) error {
//			client.Info(ctx, "order placed", map[string]any{"order_id": "o-9"})
//			client.Track(ctx, "checkout_completed", map[string]any{"amount": 42})
//			return nil
//		})
//	}
//
// For detailed documentation on any package, use the go doc command.
package telemetry
