package cachestore

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HeaderCacheTime records when an entry was written, in Unix milliseconds.
const HeaderCacheTime = "Cache-Time"

// Key identifies an entry inside a store: the request method plus the
// request URL without its fragment.
type Key struct {
	Method string
	URL    string
}

// KeyFor normalizes a request into a Key. Absolute URLs (proxy mode) keep
// scheme and host; relative ones (reverse mode) keep path and query.
func KeyFor(r *http.Request) Key {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: strings.ToUpper(method), URL: normalizeURL(r.URL)}
}

// KeyForURL builds a GET key for a raw URL or path.
func KeyForURL(raw string) Key {
	u, err := url.Parse(raw)
	if err != nil {
		return Key{Method: http.MethodGet, URL: raw}
	}
	return Key{Method: http.MethodGet, URL: normalizeURL(u)}
}

func normalizeURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.IsAbs() {
		return c.String()
	}
	return c.RequestURI()
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, bool) {
	method, u, ok := strings.Cut(s, " ")
	if !ok || method == "" || u == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: u}, true
}

// Entry is an immutable snapshot of a response. Stores never modify an
// entry in place; a refresh replaces it.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &Entry{Status: e.Status, Header: h, Body: body}
}

// CacheTime reports the write time stamped by Store.Put.
func (e *Entry) CacheTime() (time.Time, bool) {
	v := e.Header.Get(HeaderCacheTime)
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Size is the entry's Content-Length header, or 0 when it is absent or
// malformed.
func (e *Entry) Size() int64 {
	v := e.Header.Get("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Response materializes the entry as a fresh *http.Response for req.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
