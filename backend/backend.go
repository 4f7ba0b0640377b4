// Package backend defines the storage contract the store persists through,
// plus an in-memory implementation and a key-prefixing decorator. Durable
// implementations live in the filestore and sqlitestore subpackages.
package backend

import "errors"

// ErrNotListable is returned by Keys on backends that cannot enumerate keys.
var ErrNotListable = errors.New("backend: keys not listable")

// Event is an externally observed change to a key. Value carries the
// post-change string so consumers need not re-read; Removed means the key no
// longer has a value.
type Event struct {
	Key     string
	Value   string
	Removed bool
}

// Backend is a key-value medium holding encoded values.
//
// Implementations never echo their own writes through Events: a Set or
// Remove performed on an instance produces no Event from that instance.
type Backend interface {
	// Get returns the stored string for key, if any.
	Get(key string) (string, bool, error)
	// Set stores value under key.
	Set(key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Events returns a fresh subscription to externally observed changes,
	// or nil when the medium cannot observe them. The channel closes when
	// the backend closes.
	Events() <-chan Event
	// Close releases watchers and underlying resources.
	Close() error
}

// Lister is an optional capability: backends that can enumerate their keys
// implement it.
type Lister interface {
	Keys() ([]string, error)
}
