// Package config provides environment variable loading into a caller-supplied
// struct pointer, with the result cached by the struct's type. Each
// configuration type is loaded once and cached for subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/telemetry/core/config"
//
//	type SinkConfig struct {
//		URL             string `env:"TELEMETRY_SINK_URL,required"`
//		FlushIntervalMs int64  `env:"TELEMETRY_SINK_FLUSH_INTERVAL_MS" envDefault:"2000"`
//		MaxBatch        int    `env:"TELEMETRY_SINK_MAX_BATCH" envDefault:"50"`
//	}
//
//	func main() {
//		var sinkCfg SinkConfig
//
//		// Load with error handling
//		if err := config.Load(&sinkCfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&sinkCfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 SinkConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 SinkConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Different types are cached independently, so a host can load one config
// struct for the HTTP sink and another for rate-limit defaults without one
// evicting the other.
package config
