package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Logical is one of the fixed cache categories.
type Logical string

const (
	Static  Logical = "static"
	Dynamic Logical = "dynamic"
	Mobile  Logical = "mobile"
)

// Logicals lists every logical store name.
var Logicals = []Logical{Static, Dynamic, Mobile}

// Name returns the physical store name for a logical store at a version.
func Name(prefix string, logical Logical, version string) string {
	return fmt.Sprintf("%s-%s-v%s", prefix, logical, version)
}

// Key prefixes inside the LevelDB keyspace.
var (
	prefixStore = []byte("n:")
	prefixEntry = []byte("e:")
	prefixMeta  = []byte("m:")
	prefixSize  = []byte("s:")
)

// Options tunes a Manager.
type Options struct {
	// Quota caps the body bytes a single store may hold. Zero disables it.
	Quota int64
	// Now is the clock used to stamp Cache-Time. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns every named cache store. All stores share one LevelDB
// database; each store is a key prefix.
type Manager struct {
	db     *leveldb.DB
	quota  int64
	now    func() time.Time
	closed atomic.Bool

	// sizeMu serializes updates of the per-store byte totals.
	sizeMu sync.Mutex
}

// Open opens (or creates) the cache database at path.
func Open(path string, opts Options) (*Manager, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database at %s: %w", path, err)
	}
	return newManager(db, opts), nil
}

// OpenMemory opens a manager backed by memory only. Used in tests and for
// the ephemeral mode of the server.
func OpenMemory(opts Options) (*Manager, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache database: %w", err)
	}
	return newManager(db, opts), nil
}

func newManager(db *leveldb.DB, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{db: db, quota: opts.Quota, now: now}
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	return m.db.Close()
}

func (m *Manager) check(ctx context.Context, op, store string) error {
	if m.closed.Load() {
		return storageErr(op, store, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return storageErr(op, store, err)
	}
	return nil
}

// Store opens the named store, creating it if needed.
func (m *Manager) Store(ctx context.Context, name string) (*Store, error) {
	if err := m.check(ctx, "open", name); err != nil {
		return nil, err
	}
	key := storeKey(name)
	ok, err := m.db.Has(key, nil)
	if err != nil {
		return nil, storageErr("open", name, err)
	}
	if !ok {
		stamp := strconv.FormatInt(m.now().UnixMilli(), 10)
		if err := m.db.Put(key, []byte(stamp), nil); err != nil {
			return nil, storageErr("open", name, err)
		}
		slog.Debug("Created cache store", "store", name)
	}
	return &Store{m: m, name: name}, nil
}

// HasStore reports whether the named store exists.
func (m *Manager) HasStore(ctx context.Context, name string) (bool, error) {
	if err := m.check(ctx, "has", name); err != nil {
		return false, err
	}
	ok, err := m.db.Has(storeKey(name), nil)
	if err != nil {
		return false, storageErr("has", name, err)
	}
	return ok, nil
}

// StoreNames lists every existing store, sorted.
func (m *Manager) StoreNames(ctx context.Context) ([]string, error) {
	if err := m.check(ctx, "keys", ""); err != nil {
		return nil, err
	}
	it := m.db.NewIterator(util.BytesPrefix(prefixStore), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), prefixStore)))
	}
	if err := it.Error(); err != nil {
		return nil, storageErr("keys", "", err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteStore removes a store and all of its entries. It reports whether the
// store existed.
func (m *Manager) DeleteStore(ctx context.Context, name string) (bool, error) {
	if err := m.check(ctx, "delete-store", name); err != nil {
		return false, err
	}
	m.sizeMu.Lock()
	defer m.sizeMu.Unlock()

	existed, err := m.db.Has(storeKey(name), nil)
	if err != nil {
		return false, storageErr("delete-store", name, err)
	}

	batch := new(leveldb.Batch)
	batch.Delete(storeKey(name))
	batch.Delete(sizeKey(name))

	it := m.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	n := 0
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		n++
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, storageErr("delete-store", name, err)
	}
	if err := m.db.Write(batch, nil); err != nil {
		return false, storageErr("delete-store", name, err)
	}
	if existed || n > 0 {
		slog.Info("Deleted cache store", "store", name, "entries", n)
	}
	return existed, nil
}

// Meta reads a value from the manager's metadata keyspace.
func (m *Manager) Meta(ctx context.Context, key string) (string, bool, error) {
	if err := m.check(ctx, "meta", ""); err != nil {
		return "", false, err
	}
	v, err := m.db.Get(append(append([]byte(nil), prefixMeta...), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("meta", "", err)
	}
	return string(v), true, nil
}

// SetMeta stores a value in the manager's metadata keyspace.
func (m *Manager) SetMeta(ctx context.Context, key, value string) error {
	if err := m.check(ctx, "set-meta", ""); err != nil {
		return err
	}
	k := append(append([]byte(nil), prefixMeta...), key...)
	return storageErr("set-meta", "", m.db.Put(k, []byte(value), nil))
}

func storeKey(name string) []byte {
	return append(append([]byte(nil), prefixStore...), name...)
}

func sizeKey(name string) []byte {
	return append(append([]byte(nil), prefixSize...), name...)
}

func entryPrefix(store string) []byte {
	b := append(append([]byte(nil), prefixEntry...), store...)
	return append(b, 0)
}

func entryKey(store string, key Key) []byte {
	return append(entryPrefix(store), key.String()...)
}
