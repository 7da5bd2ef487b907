// Package middleware provides the telemetry pipeline's built-in stages:
// context enrichment, secret masking, and the three volume-control policies
// (sampling, rate limiting, deduplication). Every exported constructor
// returns a pipeline.Middleware and is meant to be passed straight to
// telemetry.WithMiddleware or Client.Use.
//
// # Available Middleware
//
//   - Meta: merges a static mapping and values from one or more providers
//     into the envelope's ctx, optionally adding a timestamp and record info
//   - Secret: masks configured keys (by exact match or substring) across
//     ctx, log data, log errors, and event props
//   - Sample: drops a statistically-controlled fraction of log/event
//     records, either by deterministic key or by random draw
//   - RateLimit: enforces a token-bucket limit per (scope, rule)
//   - Dedupe: suppresses repeat envelopes that fingerprint identically
//     within a TTL window
//
// # Ordering
//
// Middlewares run in registration order and share one invariant: calling
// next twice is a programming error (pipeline.ErrNextCalledTwice), and not
// calling it at all drops the envelope. Put Secret before any middleware
// whose decision logic might otherwise read the unmasked value (sampling
// and dedupe key functions run before Secret if Secret is registered
// later), and put volume-control stages (RateLimit, Sample, Dedupe) ahead
// of anything expensive downstream, since a dropped envelope never reaches
// the sinks.
package middleware
