package slot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/internal/cachemanager"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/internal/pubsub"
	"github.com/Aram1d/stored/schema"
)

// Config carries the collaborators a Registry works against.
type Config struct {
	Backend backend.Backend
	Schemas *schema.Registry
	Codec   codec.Codec
	Grace   time.Duration // delay before an unused slot is dropped
	ReadTTL time.Duration // slotless read cache TTL
	Tracer  trace.Tracer
}

// Registry owns all slots of one store and the goroutine that applies
// changes observed on the medium.
type Registry struct {
	backend backend.Backend
	schemas *schema.Registry
	codec   codec.Codec
	grace   time.Duration
	readTTL time.Duration
	tracer  trace.Tracer

	mu    sync.Mutex // guards slots and the cleanup timers hanging off them
	slots map[string]*slot

	reads  cachemanager.CacheManager[string, any]
	broker *pubsub.Broker[Change]

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRegistry builds the registry and starts consuming the backend's event
// stream, if it has one.
func NewRegistry(cfg Config) *Registry {
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/Aram1d/stored/internal/slot")
	}
	r := &Registry{
		backend: cfg.Backend,
		schemas: cfg.Schemas,
		codec:   cfg.Codec,
		grace:   cfg.Grace,
		readTTL: cfg.ReadTTL,
		tracer:  cfg.Tracer,
		slots:   make(map[string]*slot),
		reads:   cachemanager.NewInMemory[string, any]("slotless-read", cfg.ReadTTL, 2*cfg.ReadTTL),
		broker:  pubsub.NewBroker[Change](),
		done:    make(chan struct{}),
	}
	if events := cfg.Backend.Events(); events != nil {
		r.wg.Add(1)
		go r.consume(events)
	}
	return r
}

// Bind registers fn as a subscriber of key, creating the slot on first bind.
// It returns the slot's current value, the slot's shared write function, and
// an idempotent unbind function. Binding cancels a pending slot cleanup.
func (r *Registry) Bind(key string, fn Subscriber, localDefault any, hasDefault bool, localAssert schema.AssertFunc) (any, WriteFunc, UnbindFunc) {
	r.mu.Lock()
	sl, ok := r.slots[key]
	if !ok {
		// Resolution may touch the medium; run it outside the registry lock
		// and re-check for a racing binder afterwards.
		r.mu.Unlock()

		_, span := r.tracer.Start(context.Background(), "slot.create",
			trace.WithAttributes(attribute.String("stored.key", key)),
		)
		value, _ := r.resolve(key, localDefault, hasDefault, localAssert)
		span.End()

		r.mu.Lock()
		sl, ok = r.slots[key]
		if !ok {
			sl = r.newSlot(key, value, localDefault, hasDefault, localAssert)
			r.slots[key] = sl
			r.reads.Delete(context.Background(), key)
			log.Debug(log.CatSlot, "slot created", "key", key)
		}
	}
	if sl.cleanup != nil {
		sl.cleanup.Stop()
		sl.cleanup = nil
	}

	id := uuid.New()
	sl.mu.Lock()
	sl.subs[id] = fn
	current := sl.value
	sl.mu.Unlock()
	write := sl.write
	r.mu.Unlock()

	unbind := func() { r.unbind(key, sl, id) }
	return current, write, unbind
}

func (r *Registry) newSlot(key string, value any, localDefault any, hasDefault bool, localAssert schema.AssertFunc) *slot {
	sl := &slot{
		key:          key,
		value:        value,
		subs:         make(map[uuid.UUID]Subscriber),
		localDefault: localDefault,
		hasDefault:   hasDefault,
		localAssert:  localAssert,
	}
	// Bound to the key, not the slot, so it stays valid across rebinds.
	sl.write = func(v any) error { return r.Write(key, v) }
	return sl
}

// Read returns the current value for key without registering a subscriber.
// A live slot answers from memory; otherwise the value is resolved and, when
// it came from the medium, cached with the read TTL.
func (r *Registry) Read(key string, localDefault any, hasDefault bool, localAssert schema.AssertFunc) any {
	r.mu.Lock()
	sl := r.slots[key]
	r.mu.Unlock()
	if sl != nil {
		return sl.current()
	}

	ctx := context.Background()
	if r.readTTL <= 0 {
		v, _ := r.resolve(key, localDefault, hasDefault, localAssert)
		return v
	}
	if v, ok := r.reads.Get(ctx, key); ok {
		return v
	}
	v, fromStore := r.resolve(key, localDefault, hasDefault, localAssert)
	if fromStore && v != nil {
		// A persisted null is legal, but a nil any cannot round-trip
		// through the cache's type assertion.
		r.reads.Set(ctx, key, v, r.readTTL)
	}
	return v
}

// Write applies v (a plain value, or an updater computing the next value
// from the current one) to key: memory first, then the medium, then the
// synchronous subscriber fan-out. A persistence failure is reported only
// after fan-out completes.
//
// Subscriber callbacks must not write the same key; they would deadlock on
// the slot's operation lock. Reading, binding, and writing other keys from a
// callback is fine.
func (r *Registry) Write(key string, v any) error {
	ctx, span := r.tracer.Start(context.Background(), "slot.write",
		trace.WithAttributes(attribute.String("stored.key", key)),
	)
	defer span.End()

	for {
		r.mu.Lock()
		sl := r.slots[key]
		r.mu.Unlock()

		if sl == nil {
			return r.finishSpan(span, r.writeSlotless(ctx, key, v))
		}

		sl.opMu.Lock()
		r.mu.Lock()
		current := r.slots[key]
		r.mu.Unlock()
		if current == sl {
			defer sl.opMu.Unlock()
			return r.finishSpan(span, r.writeSlot(ctx, sl, v))
		}
		// The slot was swapped out while we queued; retry against the live one.
		sl.opMu.Unlock()
	}
}

func (r *Registry) finishSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// writeSlot runs with sl.opMu held.
func (r *Registry) writeSlot(ctx context.Context, sl *slot, v any) error {
	next := applyUpdater(v, sl.current())

	sl.setValue(next)
	r.reads.Delete(ctx, sl.key)

	perr := r.persist(sl.key, next)

	for _, fn := range sl.snapshotSubs() {
		fn(next)
	}
	r.broker.Publish(Change{Key: sl.key, Value: next, Origin: OriginWrite})

	if perr != nil {
		log.ErrorErr(log.CatSlot, "persist failed, memory ahead of medium", perr, "key", sl.key)
		return &WriteError{Key: sl.key, Err: perr}
	}
	return nil
}

// writeSlotless persists a value for a key nobody is bound to.
func (r *Registry) writeSlotless(ctx context.Context, key string, v any) error {
	next := v
	if isUpdater(v) {
		next = applyUpdater(v, r.Read(key, nil, false, nil))
	}

	if perr := r.persist(key, next); perr != nil {
		return &WriteError{Key: key, Err: perr}
	}
	r.reads.Delete(ctx, key)
	r.broker.Publish(Change{Key: key, Value: next, Origin: OriginWrite})
	return nil
}

// Remove deletes the persisted value under key. It is a medium-level
// operation: a live slot keeps its in-memory value until the next
// resolution, mirroring how the backend never echoes its own writes.
func (r *Registry) Remove(key string) error {
	ctx, span := r.tracer.Start(context.Background(), "slot.remove",
		trace.WithAttributes(attribute.String("stored.key", key)),
	)
	defer span.End()

	r.reads.Delete(ctx, key)

	if err := r.backend.Remove(key); err != nil {
		return r.finishSpan(span, &WriteError{Key: key, Err: err})
	}
	r.broker.Publish(Change{Key: key, Value: nil, Origin: OriginWrite})
	return nil
}

func (r *Registry) persist(key string, v any) error {
	enc, err := r.codec.Encode(v)
	if err != nil {
		return err
	}
	return r.backend.Set(key, enc)
}

func isUpdater(v any) bool {
	switch v.(type) {
	case UpdaterFunc, func(any) any:
		return true
	}
	return false
}

func applyUpdater(v, prev any) any {
	switch fn := v.(type) {
	case UpdaterFunc:
		return fn(prev)
	case func(any) any:
		return fn(prev)
	default:
		return v
	}
}

// resolve computes the value for key: the persisted value when it decodes
// and passes the governing validator, else the local default, else the first
// matching schema's default, else nil. An unusable persisted value is
// overwritten with the encoded fallback. The second result tells whether the
// value came from the medium.
func (r *Registry) resolve(key string, localDefault any, hasDefault bool, localAssert schema.AssertFunc) (any, bool) {
	sch, schOK := r.schemas.Resolve(key)

	assert := localAssert
	if assert == nil && schOK {
		assert = sch.Assert
	}
	fallback := localDefault
	if !hasDefault && schOK {
		fallback = sch.Default
	}

	raw, found, err := r.backend.Get(key)
	if err != nil {
		log.ErrorErr(log.CatSlot, "backend read failed, using fallback", err, "key", key)
		return fallback, false
	}
	if !found {
		return fallback, false
	}

	v, err := r.codec.Decode(raw)
	if err != nil {
		log.Debug(log.CatSlot, "persisted value undecodable, overwriting", "key", key, "error", err.Error())
		r.heal(key, fallback)
		return fallback, false
	}
	if assert != nil && !assert(v) {
		log.Debug(log.CatSlot, "persisted value rejected by validator, overwriting", "key", key)
		r.heal(key, fallback)
		return fallback, false
	}
	return v, true
}

// heal overwrites an unusable persisted value with the encoded fallback.
func (r *Registry) heal(key string, fallback any) {
	enc, err := r.codec.Encode(fallback)
	if err != nil {
		log.ErrorErr(log.CatSlot, "encode fallback failed, persisted value left in place", err, "key", key)
		return
	}
	if err := r.backend.Set(key, enc); err != nil {
		log.ErrorErr(log.CatSlot, "overwrite with fallback failed", err, "key", key)
	}
}

func (r *Registry) unbind(key string, sl *slot, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[key] != sl {
		return
	}

	sl.mu.Lock()
	delete(sl.subs, id)
	empty := len(sl.subs) == 0
	sl.mu.Unlock()

	if !empty {
		return
	}
	if r.grace <= 0 {
		delete(r.slots, key)
		log.Debug(log.CatSlot, "slot removed", "key", key)
		return
	}
	if sl.cleanup == nil {
		sl.cleanup = time.AfterFunc(r.grace, func() { r.removeIfEmpty(key, sl) })
	}
}

func (r *Registry) removeIfEmpty(key string, sl *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[key] != sl {
		return
	}
	sl.cleanup = nil

	sl.mu.RLock()
	empty := len(sl.subs) == 0
	sl.mu.RUnlock()
	if empty {
		delete(r.slots, key)
		log.Debug(log.CatSlot, "slot removed after grace", "key", key)
	}
}

// Watch returns a best-effort stream of applied changes. The subscription
// ends when ctx is cancelled or the registry closes.
func (r *Registry) Watch(ctx context.Context) <-chan Change {
	return r.broker.Subscribe(ctx)
}

func (r *Registry) consume(events <-chan backend.Event) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.applyExternal(ev)
		case <-r.done:
			return
		}
	}
}

// applyExternal folds one medium-side change into the store. Keys with a
// live slot re-resolve from the event and notify subscribers through the
// same per-key serialization as writes; keys without a slot invalidate the
// read cache and still feed the watch stream.
func (r *Registry) applyExternal(ev backend.Event) {
	ctx, span := r.tracer.Start(context.Background(), "slot.apply_external",
		trace.WithAttributes(
			attribute.String("stored.key", ev.Key),
			attribute.Bool("stored.removed", ev.Removed),
		),
	)
	defer span.End()

	r.reads.Delete(ctx, ev.Key)

	r.mu.Lock()
	sl := r.slots[ev.Key]
	r.mu.Unlock()

	if sl == nil {
		var v any
		if !ev.Removed {
			var err error
			v, err = r.codec.Decode(ev.Value)
			if err != nil {
				log.Debug(log.CatSlot, "external value undecodable, dropped", "key", ev.Key, "error", err.Error())
				return
			}
		}
		r.broker.Publish(Change{Key: ev.Key, Value: v, Origin: OriginExternal})
		return
	}

	sl.opMu.Lock()
	defer sl.opMu.Unlock()

	next := r.resolveExternal(sl, ev)

	sl.setValue(next)
	for _, fn := range sl.snapshotSubs() {
		fn(next)
	}
	r.broker.Publish(Change{Key: ev.Key, Value: next, Origin: OriginExternal})
}

// resolveExternal decides the slot's next value for a medium-side event.
// Removals fall back without healing; an undecodable or invalid value falls
// back and overwrites the medium.
func (r *Registry) resolveExternal(sl *slot, ev backend.Event) any {
	sch, schOK := r.schemas.Resolve(sl.key)

	assert := sl.localAssert
	if assert == nil && schOK {
		assert = sch.Assert
	}
	fallback := sl.localDefault
	if !sl.hasDefault && schOK {
		fallback = sch.Default
	}

	if ev.Removed {
		return fallback
	}
	v, err := r.codec.Decode(ev.Value)
	if err != nil {
		log.Debug(log.CatSlot, "external value undecodable, overwriting", "key", sl.key, "error", err.Error())
		r.heal(sl.key, fallback)
		return fallback
	}
	if assert != nil && !assert(v) {
		log.Debug(log.CatSlot, "external value rejected by validator, overwriting", "key", sl.key)
		r.heal(sl.key, fallback)
		return fallback
	}
	return v
}

// Close stops the event consumer, the watch stream, and pending cleanups.
// It does not close the backend; the owner does.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.broker.Close()

		r.mu.Lock()
		for _, sl := range r.slots {
			if sl.cleanup != nil {
				sl.cleanup.Stop()
				sl.cleanup = nil
			}
		}
		r.mu.Unlock()
	})
}
