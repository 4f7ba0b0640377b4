package slot

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/schema"
)

func newRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = backend.NewMemory()
	}
	if cfg.Schemas == nil {
		cfg.Schemas = schema.NewRegistry()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	if cfg.ReadTTL == 0 {
		cfg.ReadTTL = 30 * time.Second
	}
	r := NewRegistry(cfg)
	t.Cleanup(r.Close)
	return r
}

func recorder() (Subscriber, <-chan any) {
	ch := make(chan any, 16)
	return func(v any) { ch <- v }, ch
}

func waitValue(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscriber callback")
		return nil
	}
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "change stream closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func TestBind_DefaultWhenNothingPersisted(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	fn, _ := recorder()
	current, _, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	assert.Equal(t, "light", current)

	// Absence of a persisted value must not trigger a write.
	_, found, err := mem.Get("theme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBind_PersistedValueWins(t *testing.T) {
	mem := backend.NewMemory()
	require.NoError(t, mem.Set("theme", `"dark"`))
	r := newRegistry(t, Config{Backend: mem})

	fn, _ := recorder()
	current, _, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	assert.Equal(t, "dark", current)
}

func TestBind_SchemaDefaultWhenNoLocal(t *testing.T) {
	schemas := schema.NewRegistry(schema.Schema{
		Matcher: schema.Exact("theme"),
		Default: "sepia",
	})
	r := newRegistry(t, Config{Schemas: schemas})

	fn, _ := recorder()
	current, _, unbind := r.Bind("theme", fn, nil, false, nil)
	defer unbind()

	assert.Equal(t, "sepia", current)
}

func TestBind_LocalDefaultBeatsSchemaDefault(t *testing.T) {
	schemas := schema.NewRegistry(schema.Schema{
		Matcher: schema.Exact("theme"),
		Default: "sepia",
	})
	r := newRegistry(t, Config{Schemas: schemas})

	fn, _ := recorder()
	current, _, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	assert.Equal(t, "light", current)
}

func TestBind_NilWhenNothingApplies(t *testing.T) {
	r := newRegistry(t, Config{})

	fn, _ := recorder()
	current, _, unbind := r.Bind("unknown", fn, nil, false, nil)
	defer unbind()

	assert.Nil(t, current)
}

func TestBind_HealsUndecodablePersistedValue(t *testing.T) {
	mem := backend.NewMemory()
	require.NoError(t, mem.Set("cfg", "{not json"))
	r := newRegistry(t, Config{Backend: mem})

	fn, _ := recorder()
	current, _, unbind := r.Bind("cfg", fn, "fallback", true, nil)
	defer unbind()

	assert.Equal(t, "fallback", current)

	raw, found, err := mem.Get("cfg")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"fallback"`, raw)
}

func TestBind_HealsValueRejectedBySchema(t *testing.T) {
	mem := backend.NewMemory()
	require.NoError(t, mem.Set("count", "-5"))
	schemas := schema.NewRegistry(schema.Schema{
		Matcher: schema.Exact("count"),
		Default: float64(0),
		Assert: func(v any) bool {
			n, ok := v.(float64)
			return ok && n >= 0
		},
	})
	r := newRegistry(t, Config{Backend: mem, Schemas: schemas})

	fn, _ := recorder()
	current, _, unbind := r.Bind("count", fn, nil, false, nil)
	defer unbind()

	assert.Equal(t, float64(0), current)

	raw, found, err := mem.Get("count")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0", raw)
}

func TestBind_LocalAssertReplacesSchemaAssert(t *testing.T) {
	mem := backend.NewMemory()
	require.NoError(t, mem.Set("count", "-5"))
	schemas := schema.NewRegistry(schema.Schema{
		Matcher: schema.Exact("count"),
		Assert:  func(any) bool { return false },
	})
	r := newRegistry(t, Config{Backend: mem, Schemas: schemas})

	fn, _ := recorder()
	current, _, unbind := r.Bind("count", fn, nil, false, func(any) bool { return true })
	defer unbind()

	// The local validator accepted the persisted value the schema would
	// have rejected.
	assert.Equal(t, float64(-5), current)
}

func TestBind_WriteFuncSharedAcrossBinders(t *testing.T) {
	r := newRegistry(t, Config{Grace: time.Hour})

	first, _ := recorder()
	second, _ := recorder()

	_, w1, unbind1 := r.Bind("theme", first, nil, false, nil)
	_, w2, unbind2 := r.Bind("theme", second, nil, false, nil)
	defer unbind2()

	assert.Equal(t, reflect.ValueOf(w1).Pointer(), reflect.ValueOf(w2).Pointer())

	unbind1()

	third, _ := recorder()
	_, w3, unbind3 := r.Bind("theme", third, nil, false, nil)
	defer unbind3()

	assert.Equal(t, reflect.ValueOf(w1).Pointer(), reflect.ValueOf(w3).Pointer())
}

func TestWrite_FansOutToAllBindersBeforeReturn(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	var got []any
	first := func(v any) { got = append(got, v) }
	second := func(v any) { got = append(got, v) }

	_, write, unbind1 := r.Bind("theme", first, "light", true, nil)
	defer unbind1()
	_, _, unbind2 := r.Bind("theme", second, nil, false, nil)
	defer unbind2()

	require.NoError(t, write("dark"))

	assert.Equal(t, []any{"dark", "dark"}, got)

	raw, found, err := mem.Get("theme")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"dark"`, raw)
}

func TestWrite_UpdaterComputesFromCurrent(t *testing.T) {
	r := newRegistry(t, Config{})

	fn, ch := recorder()
	_, write, unbind := r.Bind("count", fn, float64(1), true, nil)
	defer unbind()

	require.NoError(t, write(func(prev any) any { return prev.(float64) + 1 }))
	assert.Equal(t, float64(2), waitValue(t, ch))

	require.NoError(t, write(UpdaterFunc(func(prev any) any { return prev.(float64) * 10 })))
	assert.Equal(t, float64(20), waitValue(t, ch))
}

type failingBackend struct {
	*backend.Memory
}

func (f *failingBackend) Set(key, value string) error {
	return errors.New("disk full")
}

func TestWrite_PersistFailureReportedAfterFanOut(t *testing.T) {
	r := newRegistry(t, Config{Backend: &failingBackend{Memory: backend.NewMemory()}})

	var got []any
	_, write, unbind := r.Bind("theme", func(v any) { got = append(got, v) }, "light", true, nil)
	defer unbind()

	err := write("dark")

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "theme", werr.Key)

	// Memory moved and subscribers heard about it despite the failure.
	assert.Equal(t, []any{"dark"}, got)
	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))
}

func TestWrite_SlotlessPersistsAndStreams(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	watch := r.Watch(context.Background())

	require.NoError(t, r.Write("lang", "fr"))

	raw, found, err := mem.Get("lang")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `"fr"`, raw)

	c := waitChange(t, watch)
	assert.Equal(t, "lang", c.Key)
	assert.Equal(t, "fr", c.Value)
	assert.Equal(t, OriginWrite, c.Origin)
}

func TestRead_PassiveDoesNotCreateSlot(t *testing.T) {
	r := newRegistry(t, Config{})

	got := r.Read("theme", "light", true, nil)
	assert.Equal(t, "light", got)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.slots)
}

type countingBackend struct {
	*backend.Memory
	gets atomic.Int32
}

func (c *countingBackend) Get(key string) (string, bool, error) {
	c.gets.Add(1)
	return c.Memory.Get(key)
}

func TestRead_SlotlessReadsAreCached(t *testing.T) {
	counting := &countingBackend{Memory: backend.NewMemory()}
	require.NoError(t, counting.Set("theme", `"dark"`))
	r := newRegistry(t, Config{Backend: counting})

	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))
	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))
	assert.Equal(t, int32(1), counting.gets.Load())

	// A medium-side change invalidates the cached entry.
	counting.SimulateExternal("theme", `"sepia"`, false)
	require.Eventually(t, func() bool {
		return r.Read("theme", nil, false, nil) == "sepia"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRead_FallbackIsNotCached(t *testing.T) {
	counting := &countingBackend{Memory: backend.NewMemory()}
	r := newRegistry(t, Config{Backend: counting})

	assert.Equal(t, "a", r.Read("theme", "a", true, nil))
	assert.Equal(t, "b", r.Read("theme", "b", true, nil))
	assert.Equal(t, int32(2), counting.gets.Load())
}

func TestRead_LiveSlotAnswersFromMemory(t *testing.T) {
	r := newRegistry(t, Config{})

	fn, ch := recorder()
	_, write, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	require.NoError(t, write("dark"))
	waitValue(t, ch)

	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))
}

func TestRemove_DeletesFromMedium(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	require.NoError(t, r.Write("theme", "dark"))
	require.NoError(t, r.Remove("theme"))

	_, found, err := mem.Get("theme")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "light", r.Read("theme", "light", true, nil))
}

func TestRemove_PublishesNilWriteChange(t *testing.T) {
	r := newRegistry(t, Config{})
	watch := r.Watch(context.Background())

	require.NoError(t, r.Write("theme", "dark"))
	waitChange(t, watch)

	require.NoError(t, r.Remove("theme"))

	c := waitChange(t, watch)
	assert.Equal(t, "theme", c.Key)
	assert.Nil(t, c.Value)
	assert.Equal(t, OriginWrite, c.Origin)
}

func TestRemove_LiveSlotKeepsValueUntilRebind(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	fn, ch := recorder()
	_, write, unbind := r.Bind("theme", fn, "light", true, nil)

	require.NoError(t, write("dark"))
	waitValue(t, ch)

	require.NoError(t, r.Remove("theme"))

	// The live slot still answers from memory.
	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))

	// Dropping the slot and rebinding resolves from scratch.
	unbind()
	fn2, _ := recorder()
	current, _, unbind2 := r.Bind("theme", fn2, "light", true, nil)
	defer unbind2()
	assert.Equal(t, "light", current)
}

func TestRemove_InvalidatesReadCache(t *testing.T) {
	counting := &countingBackend{Memory: backend.NewMemory()}
	require.NoError(t, counting.Set("theme", `"dark"`))
	r := newRegistry(t, Config{Backend: counting})

	assert.Equal(t, "dark", r.Read("theme", nil, false, nil))
	require.NoError(t, r.Remove("theme"))

	assert.Nil(t, r.Read("theme", nil, false, nil))
	assert.Equal(t, int32(2), counting.gets.Load())
}

type removeFailingBackend struct {
	*backend.Memory
}

func (f *removeFailingBackend) Remove(key string) error {
	return errors.New("read-only medium")
}

func TestRemove_BackendFailureReturnsWriteError(t *testing.T) {
	r := newRegistry(t, Config{Backend: &removeFailingBackend{Memory: backend.NewMemory()}})

	err := r.Remove("theme")

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "theme", werr.Key)
}

func TestUnbind_Idempotent(t *testing.T) {
	r := newRegistry(t, Config{Grace: time.Hour})

	first, firstCh := recorder()
	second, secondCh := recorder()

	_, write, unbind1 := r.Bind("theme", first, nil, false, nil)
	_, _, unbind2 := r.Bind("theme", second, nil, false, nil)

	unbind1()
	unbind1()

	require.NoError(t, write("dark"))
	assert.Equal(t, "dark", waitValue(t, secondCh))
	select {
	case v := <-firstCh:
		t.Fatalf("unbound subscriber notified with %v", v)
	default:
	}

	unbind2()
}

func TestUnbind_LastBinderSchedulesRemoval(t *testing.T) {
	r := newRegistry(t, Config{Grace: 20 * time.Millisecond})

	fn, _ := recorder()
	_, write, unbind := r.Bind("theme", fn, "light", true, nil)
	require.NoError(t, write("dark"))

	unbind()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.slots) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// The written value survived on the medium and seeds the next bind.
	fn2, _ := recorder()
	current, _, unbind2 := r.Bind("theme", fn2, "light", true, nil)
	defer unbind2()
	assert.Equal(t, "dark", current)
}

func TestUnbind_RebindWithinGraceKeepsSlot(t *testing.T) {
	r := newRegistry(t, Config{Grace: time.Hour})

	fn, _ := recorder()
	_, _, unbind := r.Bind("theme", fn, nil, false, nil)

	r.mu.Lock()
	before := r.slots["theme"]
	r.mu.Unlock()

	unbind()

	fn2, _ := recorder()
	_, _, unbind2 := r.Bind("theme", fn2, nil, false, nil)
	defer unbind2()

	r.mu.Lock()
	after := r.slots["theme"]
	assert.Nil(t, after.cleanup)
	r.mu.Unlock()

	assert.Same(t, before, after)
}

func TestUnbind_ZeroGraceRemovesImmediately(t *testing.T) {
	r := newRegistry(t, Config{Grace: 0})

	fn, _ := recorder()
	_, _, unbind := r.Bind("theme", fn, nil, false, nil)
	unbind()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.slots)
}

func TestExternalChange_AppliedToSlot(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	fn, ch := recorder()
	_, _, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	mem.SimulateExternal("theme", `"sepia"`, false)

	assert.Equal(t, "sepia", waitValue(t, ch))
	assert.Equal(t, "sepia", r.Read("theme", nil, false, nil))
}

func TestExternalChange_RemovalFallsBackWithoutHealing(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	fn, ch := recorder()
	_, write, unbind := r.Bind("theme", fn, "light", true, nil)
	defer unbind()

	require.NoError(t, write("dark"))
	waitValue(t, ch)

	require.NoError(t, mem.Remove("theme"))
	mem.SimulateExternal("theme", "", true)

	assert.Equal(t, "light", waitValue(t, ch))

	// Absence is not a failure; nothing was written back.
	_, found, err := mem.Get("theme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExternalChange_InvalidValueHealsTheMedium(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	fn, ch := recorder()
	_, _, unbind := r.Bind("count", fn, float64(7), true, func(v any) bool {
		n, ok := v.(float64)
		return ok && n >= 0
	})
	defer unbind()

	mem.SimulateExternal("count", "-3", false)

	assert.Equal(t, float64(7), waitValue(t, ch))
	require.Eventually(t, func() bool {
		raw, found, err := mem.Get("count")
		return err == nil && found && raw == "7"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExternalChange_QueuesBehindInFlightWrite(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	var (
		mu      sync.Mutex
		seen    []any
		started = make(chan struct{}, 1)
	)
	fn := func(v any) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
		select {
		case started <- struct{}{}:
			// First call: hold the write open while the external event lands.
			time.Sleep(100 * time.Millisecond)
		default:
		}
	}

	_, write, unbind := r.Bind("theme", fn, nil, false, nil)
	defer unbind()

	go func() {
		<-started
		mem.SimulateExternal("theme", `"external"`, false)
	}()

	require.NoError(t, write("local"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"local", "external"}, seen)
}

func TestWatch_StreamsExternalChangesWithoutSlot(t *testing.T) {
	mem := backend.NewMemory()
	r := newRegistry(t, Config{Backend: mem})

	watch := r.Watch(context.Background())

	mem.SimulateExternal("theme", `"sepia"`, false)

	c := waitChange(t, watch)
	assert.Equal(t, "theme", c.Key)
	assert.Equal(t, "sepia", c.Value)
	assert.Equal(t, OriginExternal, c.Origin)
}

func TestWatch_EndsWhenRegistryCloses(t *testing.T) {
	r := NewRegistry(Config{
		Backend: backend.NewMemory(),
		Schemas: schema.NewRegistry(),
		Codec:   codec.JSON{},
		ReadTTL: time.Second,
	})

	watch := r.Watch(context.Background())
	r.Close()

	select {
	case _, ok := <-watch:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed")
	}
}

func TestWrite_SubscribersSeeEveryWriteInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mem := backend.NewMemory()
		r := NewRegistry(Config{
			Backend: mem,
			Schemas: schema.NewRegistry(),
			Codec:   codec.JSON{},
			ReadTTL: time.Second,
		})
		defer r.Close()

		numSubs := rapid.IntRange(1, 4).Draw(rt, "subs")
		seen := make([][]any, numSubs)
		var write WriteFunc
		for i := 0; i < numSubs; i++ {
			i := i
			_, w, unbind := r.Bind("key", func(v any) { seen[i] = append(seen[i], v) }, nil, false, nil)
			defer unbind()
			write = w
		}

		var want []any
		numWrites := rapid.IntRange(1, 10).Draw(rt, "writes")
		for w := 0; w < numWrites; w++ {
			if rapid.Bool().Draw(rt, "updater") {
				delta := float64(rapid.IntRange(1, 5).Draw(rt, "delta"))
				if err := write(func(prev any) any {
					n, _ := prev.(float64)
					return n + delta
				}); err != nil {
					rt.Fatalf("write: %v", err)
				}
			} else {
				v := float64(rapid.IntRange(0, 100).Draw(rt, "value"))
				if err := write(v); err != nil {
					rt.Fatalf("write: %v", err)
				}
			}
			want = append(want, r.Read("key", nil, false, nil))
		}

		for i := 0; i < numSubs; i++ {
			if len(seen[i]) != len(want) {
				rt.Fatalf("subscriber %d saw %d writes, want %d", i, len(seen[i]), len(want))
			}
			for j := range want {
				if seen[i][j] != want[j] {
					rt.Fatalf("subscriber %d write %d: got %v, want %v", i, j, seen[i][j], want[j])
				}
			}
		}
	})
}
