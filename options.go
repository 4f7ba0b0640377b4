package stored

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/backend/filestore"
	"github.com/Aram1d/stored/codec"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/schema"
)

const (
	DefaultCleanupGrace = 5 * time.Second
	DefaultReadCacheTTL = 30 * time.Second
)

// Option configures a Store at construction time. Everything an option sets
// is immutable once New returns.
type Option func(*config) error

type config struct {
	backend backend.Backend
	prefix  string
	codec   codec.Codec
	schemas []schema.Schema
	grace   time.Duration
	readTTL time.Duration
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		codec:   codec.JSON{},
		grace:   DefaultCleanupGrace,
		readTTL: DefaultReadCacheTTL,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.backend == nil {
		b, err := defaultBackend()
		if err != nil {
			return nil, err
		}
		cfg.backend = b
	}
	return cfg, nil
}

// defaultBackend persists under the user config directory, falling back to
// memory when no config directory is available.
func defaultBackend() (backend.Backend, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		log.Warn(log.CatStore, "user config dir unavailable, falling back to memory backend", "error", err.Error())
		return backend.NewMemory(), nil
	}
	return filestore.New(filestore.DefaultConfig(filepath.Join(dir, "stored", "data")))
}

// WithBackend sets the persistence backend. The store takes ownership and
// closes it on Close.
func WithBackend(b backend.Backend) Option {
	return func(c *config) error {
		if b == nil {
			return fmt.Errorf("stored: nil backend")
		}
		c.backend = b
		return nil
	}
}

// WithKeyPrefix namespaces every key on the medium with p.
func WithKeyPrefix(p string) Option {
	return func(c *config) error {
		c.prefix = p
		return nil
	}
}

// WithCodec sets the value serializer. Default is codec.JSON.
func WithCodec(cd codec.Codec) Option {
	return func(c *config) error {
		if cd == nil {
			return fmt.Errorf("stored: nil codec")
		}
		c.codec = cd
		return nil
	}
}

// WithSchemas registers schemas in order, as if Register had been called
// for each before first use.
func WithSchemas(ss ...schema.Schema) Option {
	return func(c *config) error {
		c.schemas = append(c.schemas, ss...)
		return nil
	}
}

// WithCleanupGrace sets how long an unbound slot survives before removal.
// Zero removes immediately.
func WithCleanupGrace(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("stored: negative cleanup grace %v", d)
		}
		c.grace = d
		return nil
	}
}

// WithReadCacheTTL bounds how long a slotless read may be served from cache.
// Zero disables the read cache.
func WithReadCacheTTL(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("stored: negative read cache TTL %v", d)
		}
		c.readTTL = d
		return nil
	}
}

// BindOption carries an optional local default or validator into Bind and
// Read.
type BindOption func(*bindConfig)

type bindConfig struct {
	def    any
	hasDef bool
	assert schema.AssertFunc
}

// WithDefault supplies the local default used when nothing usable is
// persisted. It takes precedence over a matching schema's default.
func WithDefault(v any) BindOption {
	return func(c *bindConfig) {
		c.def = v
		c.hasDef = true
	}
}

// WithAssert supplies a local validator. It replaces the matching schema's
// validator for this binder's resolution; the two do not combine.
func WithAssert(fn AssertFunc) BindOption {
	return func(c *bindConfig) {
		c.assert = fn
	}
}
