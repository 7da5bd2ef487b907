// Package logger provides slog.Attr helpers used for this module's own
// internal diagnostics — the pipeline's error hook, the HTTP sink's retry
// and flush logging, and the rate-limit/dedupe drop notices. It is not a
// logger factory: callers configure their own *slog.Logger (or accept the
// silent io.Discard default every component falls back to) and pass these
// helpers as attributes.
//
// Basic usage:
//
//	log.Debug("flush failed, retrying",
//		logger.Error(err),
//		logger.RetryCount(attempt),
//		logger.FlushReason(string(reason)),
//	)
package logger
