// Package slot implements the reactive engine: one slot per key holding the
// authoritative in-memory value and its subscribers, plus the write and
// external-change paths that keep memory, medium, and subscribers in sync.
package slot

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Aram1d/stored/schema"
)

type slot struct {
	key string

	// opMu serializes the whole write path (mutate, persist, fan-out) and
	// external-change application for this key. Lock order: opMu before the
	// registry mutex, never the reverse.
	opMu sync.Mutex

	mu    sync.RWMutex // guards value and subs
	value any
	subs  map[uuid.UUID]Subscriber

	write WriteFunc // created once per slot, shared by every binder

	// Local default and validator as captured from the first binder.
	// Later binders of the same key do not re-seed these.
	localDefault any
	hasDefault   bool
	localAssert  schema.AssertFunc

	cleanup *time.Timer // pending removal, guarded by the registry mutex
}

func (s *slot) current() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *slot) setValue(v any) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// snapshotSubs copies the subscriber set so callbacks run without any slot
// lock held. Bind, Read, and Unbind never wait on an in-flight fan-out.
func (s *slot) snapshotSubs() []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}
