package cachestore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := OpenMemory(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func entry(body string) *Entry {
	return &Entry{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"relative", "/app.js?v=1", "GET /app.js?v=1"},
		{"absolute", "https://example.com/a/b", "GET https://example.com/a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			assert.Equal(t, tt.want, KeyFor(r).String())
		})
	}

	assert.Equal(t, "GET /index.html", KeyForURL("/index.html#top").String())

	k, ok := ParseKey("GET /app.js?v=1")
	require.True(t, ok)
	assert.Equal(t, Key{Method: "GET", URL: "/app.js?v=1"}, k)
	assert.Equal(t, KeyForURL("/index.html"), KeyFor(httptest.NewRequest(http.MethodGet, "/index.html", nil)))
}

func TestStorePutMatch(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.UnixMilli(1_000_000)}
	m := newTestManager(t, Options{Now: clock.Now})

	s, err := m.Store(ctx, "swcache-dynamic-v1")
	require.NoError(t, err)

	key := KeyForURL("/api/prices")
	require.NoError(t, s.Put(ctx, key, entry("hello")))

	got, ok, err := s.Match(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got.Body))
	assert.Equal(t, "5", got.Header.Get("Content-Length"))
	ct, ok := got.CacheTime()
	require.True(t, ok)
	assert.Equal(t, clock.t, ct)

	resp := got.Response(nil)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok, err = s.Match(ctx, KeyForURL("/missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCacheTimeNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.UnixMilli(5_000)}
	m := newTestManager(t, Options{Now: clock.Now})
	s, err := m.Store(ctx, "s")
	require.NoError(t, err)

	key := KeyForURL("/a")
	require.NoError(t, s.Put(ctx, key, entry("new")))

	clock.t = time.UnixMilli(1_000)
	require.NoError(t, s.Put(ctx, key, entry("late")))

	got, _, err := s.Match(ctx, key)
	require.NoError(t, err)
	ct, _ := got.CacheTime()
	assert.Equal(t, int64(5_000), ct.UnixMilli())
	assert.Equal(t, "late", string(got.Body))
}

func TestStoreKeysDeleteAndDeleteStore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{})

	a, err := m.Store(ctx, "a")
	require.NoError(t, err)
	b, err := m.Store(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, KeyForURL("/1"), entry("1")))
	require.NoError(t, a.Put(ctx, KeyForURL("/2"), entry("2")))
	require.NoError(t, b.Put(ctx, KeyForURL("/1"), entry("b1")))

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Key{KeyForURL("/1"), KeyForURL("/2")}, keys)

	deleted, err := a.Delete(ctx, KeyForURL("/1"))
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = a.Delete(ctx, KeyForURL("/1"))
	require.NoError(t, err)
	assert.False(t, deleted)

	names, err := m.StoreNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	existed, err := m.DeleteStore(ctx, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	names, err = m.StoreNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	// b is untouched and a's entries are gone.
	_, ok, err := b.Match(ctx, KeyForURL("/1"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = a.Match(ctx, KeyForURL("/2"))
	require.NoError(t, err)
	assert.False(t, ok)

	err = a.Put(ctx, KeyForURL("/3"), entry("3"))
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestStoreQuota(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{Quota: 8})
	s, err := m.Store(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, KeyForURL("/a"), entry("12345")))
	// Replacing an entry does not count its old body.
	require.NoError(t, s.Put(ctx, KeyForURL("/a"), entry("1234567")))

	err = s.Put(ctx, KeyForURL("/b"), entry("12"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "put", se.Op)
	assert.Equal(t, "q", se.Store)
}

func TestStoreUsedBytes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{Quota: 10})
	s, err := m.Store(ctx, "u")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, KeyForURL("/a"), entry("1234")))
	require.NoError(t, s.Put(ctx, KeyForURL("/b"), entry("12")))
	require.NoError(t, s.Put(ctx, KeyForURL("/a"), entry("123")))
	used, err := s.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)

	ok, err := s.Delete(ctx, KeyForURL("/b"))
	require.NoError(t, err)
	assert.True(t, ok)
	used, err = s.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)

	// A store without a running total is counted from its entries once.
	require.NoError(t, m.db.Delete(sizeKey("u"), nil))
	used, err = s.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), used)
	require.NoError(t, s.Put(ctx, KeyForURL("/c"), entry("1234567")))
	assert.ErrorIs(t, s.Put(ctx, KeyForURL("/d"), entry("1")), ErrQuotaExceeded)

	// Recreating a deleted store starts from zero.
	_, err = m.DeleteStore(ctx, "u")
	require.NoError(t, err)
	s, err = m.Store(ctx, "u")
	require.NoError(t, err)
	used, err = s.Used(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
}

func TestManagerMetaAndClose(t *testing.T) {
	ctx := context.Background()
	m, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	_, ok, err := m.Meta(ctx, "active-version")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetMeta(ctx, "active-version", "3"))
	v, ok, err := m.Meta(ctx, "active-version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	require.NoError(t, m.Close())
	_, err = m.Store(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
}
