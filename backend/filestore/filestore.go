// Package filestore persists one file per key under a root directory.
// Foreign writes to that directory surface as backend events, so separate
// processes sharing the directory converge on the same values.
package filestore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/internal/pubsub"
)

// dataSuffix marks the files this store owns. Temp files carry a leading dot
// and a .tmp suffix, so they never match.
const dataSuffix = ".dat"

// Config holds filestore options.
type Config struct {
	Dir      string
	Debounce time.Duration
}

// DefaultConfig returns sensible defaults for a store rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:      dir,
		Debounce: 100 * time.Millisecond,
	}
}

// Store is a file-per-key backend. Writes are atomic (temp file + rename);
// key names are path-escaped for the filesystem.
type Store struct {
	dir       string
	debounce  time.Duration
	fsWatcher *fsnotify.Watcher
	broker    *pubsub.Broker[backend.Event]
	done      chan struct{}

	mu        sync.Mutex
	lastKnown map[string]string    // key -> content last written or observed
	removed   map[string]struct{}  // keys this instance removed, pending the fs event
	timers    map[string]*time.Timer
}

// New creates the root directory if needed and starts the watcher.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("filestore: dir required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig(cfg.Dir).Debounce
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("filestore: watching directory %s: %w", cfg.Dir, err)
	}

	s := &Store{
		dir:       cfg.Dir,
		debounce:  cfg.Debounce,
		fsWatcher: fsw,
		broker:    pubsub.NewBroker[backend.Event](),
		done:      make(chan struct{}),
		lastKnown: make(map[string]string),
		removed:   make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}

	go s.loop()

	return s, nil
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+dataSuffix)
}

// Get reads the stored string for key, if any.
func (s *Store) Get(key string) (string, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("filestore: read %s: %w", key, err)
	}
	return string(data), true, nil
}

// Set writes value atomically: temp file in the same directory, then rename.
func (s *Store) Set(key, value string) error {
	tmp, err := os.CreateTemp(s.dir, ".stored-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: close temp file: %w", err)
	}

	// Record before the rename lands so the watcher sees it as ours
	s.mu.Lock()
	s.lastKnown[key] = value
	delete(s.removed, key)
	s.mu.Unlock()

	if err := os.Rename(tmpName, s.pathFor(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: rename temp file: %w", err)
	}
	return nil
}

// Remove deletes the key's file. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	delete(s.lastKnown, key)
	s.removed[key] = struct{}{}
	s.mu.Unlock()

	err := os.Remove(s.pathFor(key))
	if err != nil {
		s.mu.Lock()
		delete(s.removed, key)
		s.mu.Unlock()
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filestore: remove %s: %w", key, err)
	}
	return nil
}

// Keys lists all stored keys, sorted.
func (s *Store) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dataSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, dataSuffix))
		if err != nil {
			continue // foreign file
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Events returns a fresh subscription to foreign changes.
func (s *Store) Events() <-chan backend.Event {
	return s.broker.Subscribe(context.Background())
}

// Close stops the watcher and the event stream.
func (s *Store) Close() error {
	close(s.done)
	err := s.fsWatcher.Close()

	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	s.broker.Close()
	return err
}

// loop turns fsnotify events into per-key debounce timers.
func (s *Store) loop() {
	for {
		select {
		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			key, ok := s.keyFor(event)
			if !ok {
				continue
			}
			s.scheduleFlush(key)

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatBackend, "filestore watcher error", err)

		case <-s.done:
			return
		}
	}
}

// keyFor maps a relevant fs event back to the key it concerns.
func (s *Store) keyFor(event fsnotify.Event) (string, bool) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return "", false
	}
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, dataSuffix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, dataSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *Store) scheduleFlush(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(s.debounce, func() {
		s.flush(key)
	})
}

// flush reads the key's current on-disk state and publishes it unless it
// matches what this instance already knows (its own write, or a change it
// already reported).
func (s *Store) flush(key string) {
	s.mu.Lock()
	delete(s.timers, key)
	s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatBackend, "filestore flush read failed", err, "key", key)
			return
		}
		s.mu.Lock()
		_, ours := s.removed[key]
		delete(s.removed, key)
		delete(s.lastKnown, key)
		s.mu.Unlock()
		if ours {
			return
		}
		log.Debug(log.CatBackend, "foreign removal observed", "key", key)
		s.broker.Publish(backend.Event{Key: key, Removed: true})
		return
	}

	content := string(data)
	s.mu.Lock()
	last, known := s.lastKnown[key]
	s.lastKnown[key] = content
	delete(s.removed, key)
	s.mu.Unlock()

	if known && last == content {
		return
	}
	log.Debug(log.CatBackend, "foreign write observed", "key", key)
	s.broker.Publish(backend.Event{Key: key, Value: content})
}
