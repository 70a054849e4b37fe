package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lucasew/swcache/internal/cachestore"
	"github.com/lucasew/swcache/internal/errutil"
)

// DefaultMaxBody caps every request or response body that gets buffered.
const DefaultMaxBody = 64 << 20

var (
	// ErrNoOrigin is returned for relative URLs when no origin is configured.
	ErrNoOrigin     = errors.New("relative url without origin")
	ErrBodyTooLarge = errors.New("body too large")
)

// NetworkError is a failed round trip: DNS, connect, TLS, timeout or a body
// that could not be read. HTTP error statuses are not network errors.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError reports a response whose status the caller did not accept.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// IsNetworkError reports whether err came from a failed round trip.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Request is a detached copy of an outgoing request, safe to replay.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ReadBody reads r whole, failing with ErrBodyTooLarge past limit bytes.
// A limit of zero or less means DefaultMaxBody.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}

// FromHTTP copies r, draining at most limit bytes of its body.
func FromHTTP(r *http.Request, limit int64) (Request, error) {
	req := Request{
		Method: r.Method,
		URL:    r.URL.String(),
		Header: r.Header.Clone(),
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := ReadBody(r.Body, limit)
		errutil.Close(r.Body, "Failed to close request body")
		if err != nil {
			return Request{}, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

// hopHeaders are connection-scoped and never forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher performs upstream requests against an origin.
type Fetcher struct {
	Client *http.Client
	// Origin resolves relative URLs. Absolute URLs (proxy mode) go where
	// they point.
	Origin *url.URL
	// MaxBody caps buffered bodies. Zero means DefaultMaxBody.
	MaxBody int64
}

func NewFetcher(client *http.Client, origin *url.URL) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Client: client,
		Origin: origin,
	}
}

// Resolve turns raw into the absolute URL that is actually requested.
func (f *Fetcher) Resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if f.Origin == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOrigin, raw)
	}
	return f.Origin.ResolveReference(u), nil
}

// Do sends req upstream and snapshots the whole response. Any status is a
// successful round trip; only transport failures return a *NetworkError.
func (f *Fetcher) Do(ctx context.Context, req Request) (*cachestore.Entry, error) {
	target, err := f.Resolve(req.URL)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	out, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	out.Header = upstreamHeader(req.Header)

	resp, err := f.Client.Do(out)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target.String(), Err: err}
	}
	respBody, err := ReadBody(resp.Body, f.MaxBody)
	errutil.Close(resp.Body, "Failed to close response body")
	if errors.Is(err, ErrBodyTooLarge) {
		return nil, fmt.Errorf("%s %s: %w", method, target.String(), err)
	}
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target.String(), Err: err}
	}
	entry := &cachestore.Entry{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}
	if entry.Header == nil {
		entry.Header = http.Header{}
	}
	// Fully buffered.
	entry.Header.Del("Transfer-Encoding")
	slog.Debug("Fetched upstream", "method", method, "url", target.String(), "status", entry.Status, "bytes", len(entry.Body))
	return entry, nil
}

// Fetch is Do for an intercepted request.
func (f *Fetcher) Fetch(ctx context.Context, r *http.Request) (*cachestore.Entry, error) {
	req, err := FromHTTP(r, f.MaxBody)
	if err != nil {
		return nil, err
	}
	return f.Do(ctx, req)
}

// Get fetches raw and requires a 200 response.
func (f *Fetcher) Get(ctx context.Context, raw string) (*cachestore.Entry, error) {
	entry, err := f.Do(ctx, Request{Method: http.MethodGet, URL: raw})
	if err != nil {
		return nil, err
	}
	if entry.Status != http.StatusOK {
		return nil, &HTTPStatusError{URL: raw, Status: entry.Status}
	}
	return entry, nil
}

// Probe reports whether the origin answers at all.
func (f *Fetcher) Probe(ctx context.Context) error {
	_, err := f.Do(ctx, Request{Method: http.MethodHead, URL: "/"})
	return err
}

func upstreamHeader(in http.Header) http.Header {
	h := in.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	h.Del("Host")
	h.Del("Content-Length")
	// Let the transport negotiate and transparently decode compression.
	h.Del("Accept-Encoding")
	return h
}
