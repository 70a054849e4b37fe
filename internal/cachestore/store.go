package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a handle on one named cache store.
type Store struct {
	m    *Manager
	name string
}

// Name returns the physical store name.
func (s *Store) Name() string {
	return s.name
}

// Put writes a snapshot of e under key, replacing any previous entry.
//
// It stamps Cache-Time (never earlier than the entry it replaces) and, when
// the snapshot carries no Content-Length, sets one from the body so the
// entry is visible to size-based eviction.
func (s *Store) Put(ctx context.Context, key Key, e *Entry) error {
	if err := s.m.check(ctx, "put", s.name); err != nil {
		return err
	}
	ok, err := s.m.db.Has(storeKey(s.name), nil)
	if err != nil {
		return storageErr("put", s.name, err)
	}
	if !ok {
		return storageErr("put", s.name, ErrNoStore)
	}

	s.m.sizeMu.Lock()
	defer s.m.sizeMu.Unlock()

	prev, havePrev, err := s.get(key)
	if err != nil {
		return err
	}

	used, err := s.usedBytes(ctx)
	if err != nil {
		return err
	}
	if havePrev {
		used -= int64(len(prev.Body))
	}
	if s.m.quota > 0 && used+int64(len(e.Body)) > s.m.quota {
		return storageErr("put", s.name, fmt.Errorf("%w: %d + %d > %d", ErrQuotaExceeded, used, len(e.Body), s.m.quota))
	}

	stamp := s.m.now().UnixMilli()
	if havePrev {
		if t, ok := prev.CacheTime(); ok && t.UnixMilli() > stamp {
			stamp = t.UnixMilli()
		}
	}

	snap := e.Clone()
	snap.Header.Set(HeaderCacheTime, strconv.FormatInt(stamp, 10))
	if snap.Header.Get("Content-Length") == "" {
		snap.Header.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	}

	b, err := encodeGob(snap)
	if err != nil {
		return storageErr("put", s.name, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(s.name, key), b)
	batch.Put(sizeKey(s.name), []byte(strconv.FormatInt(used+int64(len(snap.Body)), 10)))
	return storageErr("put", s.name, s.m.db.Write(batch, nil))
}

// Match returns the entry stored under key.
func (s *Store) Match(ctx context.Context, key Key) (*Entry, bool, error) {
	if err := s.m.check(ctx, "match", s.name); err != nil {
		return nil, false, err
	}
	return s.get(key)
}

func (s *Store) get(key Key) (*Entry, bool, error) {
	b, err := s.m.db.Get(entryKey(s.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("match", s.name, err)
	}
	var e Entry
	if err := decodeGob(b, &e); err != nil {
		return nil, false, storageErr("match", s.name, err)
	}
	return &e, true, nil
}

// Delete removes the entry under key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, key Key) (bool, error) {
	if err := s.m.check(ctx, "delete", s.name); err != nil {
		return false, err
	}
	s.m.sizeMu.Lock()
	defer s.m.sizeMu.Unlock()

	k := entryKey(s.name, key)
	raw, err := s.m.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("delete", s.name, err)
	}
	used, err := s.usedBytes(ctx)
	if err != nil {
		return false, err
	}
	// Undecodable entries were never counted.
	var prev Entry
	if decodeGob(raw, &prev) == nil {
		used -= int64(len(prev.Body))
	}
	batch := new(leveldb.Batch)
	batch.Delete(k)
	batch.Put(sizeKey(s.name), []byte(strconv.FormatInt(max(used, 0), 10)))
	return true, storageErr("delete", s.name, s.m.db.Write(batch, nil))
}

// Keys lists every key in the store in key order.
func (s *Store) Keys(ctx context.Context) ([]Key, error) {
	var keys []Key
	err := s.walk(ctx, "keys", false, func(k Key, _ *Entry) error {
		keys = append(keys, k)
		return nil
	})
	return keys, err
}

// Walk calls fn for every entry in key order. Returning an error from fn
// stops the walk and returns that error.
func (s *Store) Walk(ctx context.Context, fn func(Key, *Entry) error) error {
	return s.walk(ctx, "walk", true, fn)
}

func (s *Store) walk(ctx context.Context, op string, decode bool, fn func(Key, *Entry) error) error {
	if err := s.m.check(ctx, op, s.name); err != nil {
		return err
	}
	prefix := entryPrefix(s.name)
	it := s.m.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return storageErr(op, s.name, err)
		}
		k, ok := ParseKey(string(bytes.TrimPrefix(it.Key(), prefix)))
		if !ok {
			continue
		}
		var e *Entry
		if decode {
			e = new(Entry)
			if err := decodeGob(it.Value(), e); err != nil {
				continue
			}
		}
		if err := fn(k, e); err != nil {
			return err
		}
	}
	return storageErr(op, s.name, it.Error())
}

// usedBytes is the body bytes held by the store. The running total is
// kept under the store's size key; a store without one is counted once.
// Callers hold sizeMu.
func (s *Store) usedBytes(ctx context.Context) (int64, error) {
	v, err := s.m.db.Get(sizeKey(s.name), nil)
	if err == nil {
		if n, perr := strconv.ParseInt(string(v), 10, 64); perr == nil && n >= 0 {
			return n, nil
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return 0, storageErr("size", s.name, err)
	}

	var total int64
	err = s.walk(ctx, "size", true, func(_ Key, e *Entry) error {
		total += int64(len(e.Body))
		return nil
	})
	return total, err
}

// Used reports the body bytes held by the store.
func (s *Store) Used(ctx context.Context) (int64, error) {
	if err := s.m.check(ctx, "size", s.name); err != nil {
		return 0, err
	}
	s.m.sizeMu.Lock()
	defer s.m.sizeMu.Unlock()
	return s.usedBytes(ctx)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
