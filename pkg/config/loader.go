package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type configCache struct {
	mu     sync.RWMutex
	values map[string]any
}

var (
	globalCache = &configCache{values: make(map[string]any)}

	defaultEnvLoaded sync.Once
)

// Load parses environment variables into v. Each configuration type is parsed
// once per process; later calls for the same type return the cached copy.
//
// The default .env file in the working directory is loaded on first use when present.
//
// Example:
//
//	var cfg notifications.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	defaultEnvLoaded.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	typeName := typeNameOf[T]()

	globalCache.mu.RLock()
	cached, ok := globalCache.values[typeName]
	globalCache.mu.RUnlock()
	if ok {
		*v = cached.(T)
		return nil
	}

	globalCache.mu.Lock()
	defer globalCache.mu.Unlock()

	// Another goroutine may have parsed it while we waited for the lock.
	if cached, ok := globalCache.values[typeName]; ok {
		*v = cached.(T)
		return nil
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	globalCache.values[typeName] = *v
	return nil
}

// MustLoad works like Load but panics on failure. Use it for configuration the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// LoadEnvFiles loads the given .env files into the process environment without
// overriding variables that are already set.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Load(paths...); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

// Reset drops every cached configuration. Intended for tests.
func Reset() {
	globalCache.mu.Lock()
	defer globalCache.mu.Unlock()
	globalCache.values = make(map[string]any)
}

func typeNameOf[T any]() string {
	t := reflect.TypeFor[T]()
	return t.PkgPath() + "." + t.String()
}
