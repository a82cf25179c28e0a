package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// ErrUnknownProvider is returned by NewProvider for unsupported provider names.
var ErrUnknownProvider = errors.New("unknown cache provider")

const (
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves response bodies keyed by the forwarded URL.
// Entries never expire and are never evicted.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the stored body for the given key, if it exists.
	// The boolean is false if the key was never stored.
	Get(key string) ([]byte, bool, error)
	// Set stores the body under the given key, replacing any previous value.
	Set(key string, bytes []byte) error
	// Clear removes all entries.
	// It is meant for the one-shot clear mode and must not race with live traffic.
	Clear() error
}

// NewProvider creates the cache provider with the given name.
// An empty name selects the memory provider.
func NewProvider(name string) (CacheProvider, error) {
	switch name {
	case "", ProviderMemory:
		return NewMemCache(), nil
	case ProviderSQLite:
		return NewSQLiteCache()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.db[key]
	return bytes, ok, nil
}

func (m MemCache) Set(key string, bytes []byte) error {
	// stored slices are never handed out for writing, so keep our own copy
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = stored
	return nil
}

func (m MemCache) Clear() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	clear(m.db)
	return nil
}

// Len returns the number of stored entries.
func (m MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a cache backed by a private in-memory SQLite database.
// The database lives as long as the returned cache; nothing is written to disk.
func NewSQLiteCache() (SQLiteCache, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open sqlite: %w", err)
	}
	// every new connection to :memory: is a new, empty database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		bytes BLOB
	)`)
	if err != nil {
		db.Close()
		return SQLiteCache{}, fmt.Errorf("create cache table: %w", err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Get(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE key = ?", key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Set(key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, bytes) VALUES (?, ?)", key, bytes)
	return err
}

func (s SQLiteCache) Clear() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache")
	return err
}

// Close releases the database. The cache content is lost.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}
