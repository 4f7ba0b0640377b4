// Package stored is a keyed, persistent, reactive value store. Each key has
// at most one slot holding its authoritative in-memory value; binders of a
// key share the slot and are notified synchronously on every write. Values
// persist through a pluggable backend, and changes committed by other
// processes sharing the medium flow back in through backend events.
package stored

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/internal/slot"
	"github.com/Aram1d/stored/schema"
)

// Engine types, re-exported. The function types are what Bind hands back;
// Change is what Watch streams; WriteError is what a failed persist returns.
type (
	Subscriber  = slot.Subscriber
	WriteFunc   = slot.WriteFunc
	UnbindFunc  = slot.UnbindFunc
	UpdaterFunc = slot.UpdaterFunc
	Change      = slot.Change
	Origin      = slot.Origin
	WriteError  = slot.WriteError
)

// AssertFunc validates a decoded value.
type AssertFunc = schema.AssertFunc

const (
	OriginWrite    = slot.OriginWrite
	OriginExternal = slot.OriginExternal
)

/// Store is one isolated engine: a backend, a schema registry, a codec, and
// the slots its binders create.
type Store struct {
	backend  backend.Backend
	schemas  *schema.Registry
	registry *slot.Registry
	closed   atomic.Bool
}

// New builds a store. Without options it persists JSON under the user
// config directory, drops unused slots after 5s, and caches slotless reads
// for 30s.
func New(opts ...Option) (*Store, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	b := cfg.backend
	if cfg.prefix != "" {
		b = backend.WithPrefix(b, cfg.prefix)
	}
	schemas := schema.NewRegistry(cfg.schemas...)

	return &Store{
		backend: b,
		schemas: schemas,
		registry: slot.NewRegistry(slot.Config{
			Backend: b,
			Schemas: schemas,
			Codec:   cfg.codec,
			Grace:   cfg.grace,
			ReadTTL: cfg.readTTL,
			Tracer:  otel.Tracer("github.com/Aram1d/stored"),
		}),
	}, nil
}

// Bind subscribes fn to key, creating the key's slot on first bind. It
// returns the current value, the slot's write function, and an idempotent
// unbind function. fn must not write the same key from inside the callback.
func (s *Store) Bind(key string, fn Subscriber, opts ...BindOption) (any, WriteFunc, UnbindFunc) {
	var bc bindConfig
	for _, opt := range opts {
		opt(&bc)
	}
	if s.closed.Load() {
		return nil, func(any) error { return ErrClosed }, func() {}
	}
	return s.registry.Bind(key, fn, bc.def, bc.hasDef, bc.assert)
}

// Read returns the current value for key without subscribing. A live slot
// answers from memory; otherwise the value is resolved from the medium,
// the local default, the first matching schema's default, or nil, in that
// order. Read on a closed store returns nil.
func (s *Store) Read(key string, opts ...BindOption) any {
	var bc bindConfig
	for _, opt := range opts {
		opt(&bc)
	}
	if s.closed.Load() {
		return nil
	}
	return s.registry.Read(key, bc.def, bc.hasDef, bc.assert)
}

// Write stores v under key and synchronously notifies every binder of the
// key before returning. v may be an UpdaterFunc (or a raw func(any) any)
// computing the next value from the current one. A persistence failure is
// returned as a *WriteError after memory and subscribers have moved.
func (s *Store) Write(key string, v any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.registry.Write(key, v)
}

// Update is the explicit updater form of Write.
func (s *Store) Update(key string, fn UpdaterFunc) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.registry.Write(key, fn)
}

// Remove deletes the persisted value under key. Live binders keep their
// in-memory value until the next resolution; other processes sharing the
// medium observe the removal and fall back to their defaults.
func (s *Store) Remove(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.registry.Remove(key)
}

// Register adds a schema. Earlier registrations win; exact matchers are
// consulted before patterns regardless of order.
func (s *Store) Register(sch schema.Schema) {
	s.schemas.Register(sch)
}

// RegisterSchema is sugar for Register.
func (s *Store) RegisterSchema(m schema.Matcher, def any, assert AssertFunc) {
	s.schemas.Register(schema.Schema{Matcher: m, Default: def, Assert: assert})
}

// Watch returns a best-effort stream of every applied change, local and
// external. The stream ends when ctx is cancelled or the store closes.
func (s *Store) Watch(ctx context.Context) <-chan Change {
	return s.registry.Watch(ctx)
}

// Keys lists the keys present on the medium, prefix-stripped when the store
// has a key prefix. Backends that cannot enumerate return ErrNotListable.
func (s *Store) Keys() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	l, ok := s.backend.(backend.Lister)
	if !ok {
		return nil, backend.ErrNotListable
	}
	return l.Keys()
}

// Close stops the engine and closes the backend; the store owns its
// backend. Close is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.registry.Close()
	return s.backend.Close()
}
