package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	dotenvOnce sync.Once

	cacheMu sync.Mutex
	cache   = map[reflect.Type]any{}
)

// Load parses environment variables into cfg according to its `env` struct
// tags and caches the result by cfg's type: a later Load call for the same
// type returns the cached value instead of re-reading the environment. A
// .env file in the working directory, if present, is loaded once into the
// process environment before the first Load call.
func Load(cfg any) error {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})

	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("config: Load requires a non-nil pointer, got %T", cfg)
	}
	elemType := rv.Elem().Type()

	cacheMu.Lock()
	if cached, ok := cache[elemType]; ok {
		cacheMu.Unlock()
		rv.Elem().Set(reflect.ValueOf(cached).Elem())
		return nil
	}
	cacheMu.Unlock()

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", elemType, err)
	}

	stored := reflect.New(elemType)
	stored.Elem().Set(rv.Elem())

	cacheMu.Lock()
	cache[elemType] = stored.Interface()
	cacheMu.Unlock()

	return nil
}

// MustLoad calls Load and panics if it returns an error. Intended for
// startup-time configuration where a missing required variable should
// abort the process immediately with a clear message.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}

// Reset clears the cache. Exposed for tests that need to reload a config
// type under different environment variables within the same process.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = map[reflect.Type]any{}
}
