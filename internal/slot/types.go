package slot

import "fmt"

// Subscriber receives the new value of a key after every applied update.
type Subscriber func(value any)

// WriteFunc writes a value (or applies an updater) to the key it was bound
// for. One per slot; every binder of a key receives it.
type WriteFunc func(v any) error

// UnbindFunc removes the subscriber registration it was returned for.
// Calling it more than once is harmless.
type UnbindFunc func()

// UpdaterFunc derives the next value from the current one.
type UpdaterFunc func(prev any) any

// Origin tells whether a change came from a local write or the medium.
type Origin string

const (
	OriginWrite    Origin = "write"
	OriginExternal Origin = "external"
)

// Change describes one applied update. Delivery on the watch stream is
// best-effort; it is not the synchronous subscriber fan-out.
type Change struct {
	Key    string
	Value  any
	Origin Origin
}

// WriteError reports a persistence failure. The in-memory update and the
// subscriber fan-out have already completed when it is returned; memory is
// ahead of the medium until the next successful write.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("stored: write %q: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
