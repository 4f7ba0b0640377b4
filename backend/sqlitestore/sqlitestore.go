// Package sqlitestore persists keys in a single-table SQLite database.
// Changes committed by other processes are observed by watching the database
// and WAL files, then diffing a full read against an in-memory snapshot.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/internal/pubsub"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// Config holds sqlitestore options.
type Config struct {
	Path     string
	Debounce time.Duration
}

// DefaultConfig returns sensible defaults for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:     path,
		Debounce: 1 * time.Second,
	}
}

// Store is a SQLite-backed key-value backend.
type Store struct {
	db        *sql.DB
	path      string
	debounce  time.Duration
	fsWatcher *fsnotify.Watcher
	broker    *pubsub.Broker[backend.Event]
	done      chan struct{}

	// mu serializes writers with sync, so the snapshot always reflects
	// committed state and own writes never diff as foreign.
	mu       sync.Mutex
	snapshot map[string]string
}

// New opens (creating if needed) the database, bootstraps the kv table and
// starts the file watcher.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig(cfg.Path).Debounce
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create kv table: %w", err)
	}

	s := &Store{
		db:       db,
		path:     cfg.Path,
		debounce: cfg.Debounce,
		broker:   pubsub.NewBroker[backend.Event](),
		done:     make(chan struct{}),
	}

	snapshot, err := s.readAll()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.snapshot = snapshot

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(cfg.Path)); err != nil {
		fsw.Close()
		db.Close()
		return nil, fmt.Errorf("sqlitestore: watching directory: %w", err)
	}
	s.fsWatcher = fsw

	go s.loop()

	return s, nil
}

// Get returns the stored string for key, if any.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitestore: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: set %s: %w", key, err)
	}
	s.snapshot[key] = value
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlitestore: remove %s: %w", key, err)
	}
	delete(s.snapshot, key)
	return nil
}

// Keys lists all stored keys, sorted.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list keys: %w", err)
	}
	return keys, nil
}

// Events returns a fresh subscription to changes committed by other handles.
func (s *Store) Events() <-chan backend.Event {
	return s.broker.Subscribe(context.Background())
}

// Close stops the watcher and closes the database.
func (s *Store) Close() error {
	close(s.done)
	werr := s.fsWatcher.Close()
	s.broker.Close()
	derr := s.db.Close()
	if werr != nil {
		return werr
	}
	return derr
}

func (s *Store) readAll() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM kv")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read all: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: read all: %w", err)
	}
	return m, nil
}

// loop processes file system events with debouncing.
func (s *Store) loop() {
	var timer *time.Timer

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if !s.isRelevantEvent(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					// Drain if it fired before we could stop it
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}

		case <-timerC:
			timer = nil
			s.sync()

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatBackend, "sqlitestore watcher error", err)

		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event touches the database or its WAL.
func (s *Store) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	dbBase := filepath.Base(s.path)
	return base == dbBase || base == dbBase+"-wal"
}

// sync re-reads the table and publishes the delta against the snapshot.
// Rows this instance wrote are already in the snapshot and produce no delta.
func (s *Store) sync() {
	s.mu.Lock()
	current, err := s.readAll()
	if err != nil {
		s.mu.Unlock()
		log.ErrorErr(log.CatBackend, "sqlitestore sync read failed", err)
		return
	}
	old := s.snapshot
	s.snapshot = current

	var events []backend.Event
	for k, v := range current {
		if ov, ok := old[k]; !ok || ov != v {
			events = append(events, backend.Event{Key: k, Value: v})
		}
	}
	for k := range old {
		if _, ok := current[k]; !ok {
			events = append(events, backend.Event{Key: k, Removed: true})
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		log.Debug(log.CatBackend, "foreign change observed", "key", ev.Key, "removed", ev.Removed)
		s.broker.Publish(ev)
	}
}
