package stored

import (
	"context"
	"sync"

	"github.com/Aram1d/stored/schema"
)

// The package-level default store. It is built lazily with defaults on
// first use; Configure replaces those defaults exactly once, before any use.
var (
	globalMu   sync.Mutex
	global     *Store
	globalErr  error
	configured bool
)

// Configure applies options to the default store. It must be called before
// any package-level operation and at most once; a late or repeated call
// returns ErrConfigured and changes nothing.
func Configure(opts ...Option) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if configured || global != nil || globalErr != nil {
		return ErrConfigured
	}
	s, err := New(opts...)
	if err != nil {
		return err
	}
	global = s
	configured = true
	return nil
}

func defaultStore() (*Store, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil && globalErr == nil {
		global, globalErr = New()
	}
	return global, globalErr
}

// Bind registers fn on the default store.
func Bind(key string, fn Subscriber, opts ...BindOption) (any, WriteFunc, UnbindFunc) {
	s, err := defaultStore()
	if err != nil {
		return nil, func(any) error { return err }, func() {}
	}
	return s.Bind(key, fn, opts...)
}

// Read reads from the default store.
func Read(key string, opts ...BindOption) any {
	s, err := defaultStore()
	if err != nil {
		return nil
	}
	return s.Read(key, opts...)
}

// Write writes to the default store.
func Write(key string, v any) error {
	s, err := defaultStore()
	if err != nil {
		return err
	}
	return s.Write(key, v)
}

// Update applies an updater on the default store.
func Update(key string, fn UpdaterFunc) error {
	s, err := defaultStore()
	if err != nil {
		return err
	}
	return s.Update(key, fn)
}

// Remove deletes a persisted value on the default store.
func Remove(key string) error {
	s, err := defaultStore()
	if err != nil {
		return err
	}
	return s.Remove(key)
}

// Register adds a schema to the default store.
func Register(sch schema.Schema) {
	s, err := defaultStore()
	if err != nil {
		return
	}
	s.Register(sch)
}

// Watch streams changes from the default store.
func Watch(ctx context.Context) <-chan Change {
	s, err := defaultStore()
	if err != nil {
		ch := make(chan Change)
		close(ch)
		return ch
	}
	return s.Watch(ctx)
}

// Keys lists keys on the default store's medium.
func Keys() ([]string, error) {
	s, err := defaultStore()
	if err != nil {
		return nil, err
	}
	return s.Keys()
}
