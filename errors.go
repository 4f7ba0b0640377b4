package stored

import "errors"

var (
	// ErrConfigured is returned by Configure once the default store has
	// been configured or used; the existing store is left untouched.
	ErrConfigured = errors.New("stored: default store already configured")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("stored: store closed")
)
