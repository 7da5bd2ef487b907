package middleware

import (
	"context"
	"io"
	"log/slog"

	"github.com/dmitrymomot/telemetry/core/envelope"
	"github.com/dmitrymomot/telemetry/core/logger"
	"github.com/dmitrymomot/telemetry/core/pipeline"
)

// DefaultMetaNamespace is the ctx sub-key used when MergeIntoCtx is false.
const DefaultMetaNamespace = "meta"

// Provider computes additional context fields at dispatch time. A Provider
// that panics or returns an error is caught and ignored — metadata
// generation must never break telemetry delivery.
type Provider func(ctx context.Context, e *envelope.Envelope) (map[string]any, error)

// MetaConfig configures the Meta middleware.
type MetaConfig struct {
	// Meta is a static mapping merged into every envelope.
	Meta map[string]any
	// Providers run in order; later providers override earlier ones and
	// override Meta.
	Providers []Provider
	// IncludeTimestamp adds "timestamp" = envelope.TS().
	IncludeTimestamp bool
	// IncludeRecordInfo adds "kind" plus "level" for logs or "name" for events.
	IncludeRecordInfo bool
	// MergeIntoCtx merges the computed mapping into ctx directly when true
	// or nil (the default), and stores it under ctx[Namespace] instead when
	// explicitly false.
	MergeIntoCtx *bool
	// Namespace is the sub-key used when MergeIntoCtx is false. Defaults
	// to DefaultMetaNamespace.
	Namespace string
	// Logger receives debug-level notices about swallowed provider errors.
	Logger *slog.Logger
}

// Meta builds the meta-enrichment middleware described in the component
// design: it computes a mapping from static config, providers, and
// record-derived fields, then merges it into ctx (or a ctx sub-namespace).
func Meta(cfg MetaConfig) pipeline.Middleware {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultMetaNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	mergeIntoCtx := cfg.MergeIntoCtx == nil || *cfg.MergeIntoCtx

	return pipeline.Adapt(func(ctx context.Context, e *envelope.Envelope) pipeline.Decision {
		computed := envelope.Map(cfg.Meta).Clone()
		if computed == nil {
			computed = envelope.Map{}
		}

		for _, p := range cfg.Providers {
			computed = mergeProvider(ctx, e, p, computed, cfg.Logger)
		}

		if cfg.IncludeTimestamp {
			computed["timestamp"] = e.TS()
		}
		if cfg.IncludeRecordInfo {
			computed = withRecordInfo(computed, e.Record)
		}

		if mergeIntoCtx {
			e.Ctx = e.Ctx.Merge(computed)
		} else {
			existing, _ := e.Ctx[cfg.Namespace].(map[string]any)
			e.Ctx = e.Ctx.Merge(envelope.Map{
				cfg.Namespace: map[string]any(envelope.Map(existing).Merge(computed)),
			})
		}

		return pipeline.Pass
	})
}

func mergeProvider(ctx context.Context, e *envelope.Envelope, p Provider, computed envelope.Map, log *slog.Logger) (result envelope.Map) {
	result = computed
	defer func() {
		if r := recover(); r != nil {
			log.Debug("telemetry meta provider panicked", slog.Any("panic", r))
			result = computed
		}
	}()

	fields, err := p(ctx, e)
	if err != nil {
		log.Debug("telemetry meta provider failed", logger.Error(err))
		return computed
	}
	return computed.Merge(fields)
}

func withRecordInfo(computed envelope.Map, rec envelope.Record) envelope.Map {
	info := envelope.Map{"kind": rec.Kind()}
	switch r := rec.(type) {
	case envelope.LogRecord:
		info["level"] = string(r.Level)
	case envelope.EventRecord:
		info["name"] = r.Name
	}
	return computed.Merge(info)
}
