// Package swcache is a client for the command channel of a running swcache
// server.
package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shogo82148/go-sfv"

	"github.com/lucasew/swcache/internal/errutil"
)

// DefaultServer is used when neither the caller nor SWCACHE_SERVER name one.
const DefaultServer = "http://localhost:8080"

const apiPrefix = "/_swcache/"

var (
	// ErrNotFound is returned when the server does not know the addressed item.
	ErrNotFound = errors.New("not found")

	// ErrAllServersFailed is returned when no configured server answered.
	ErrAllServersFailed = errors.New("all servers failed")
)

// HTTPStatusError is returned for any unexpected status code.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Message is the command envelope, both for requests and replies.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SyncReport summarizes one drain of the background sync queue.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Status is the server's lifecycle snapshot.
type Status struct {
	Version      string   `json:"version,omitempty"`
	Pending      string   `json:"pending,omitempty"`
	State        string   `json:"state"`
	Stores       []string `json:"stores"`
	MobileTier   bool     `json:"mobileTier"`
	BatterySaver bool     `json:"batterySaver"`
	QueueDepth   int      `json:"queueDepth"`
	Online       bool     `json:"online"`
}

// QueueItem is a request waiting in the background sync queue.
type QueueItem struct {
	ID            string      `json:"id"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Header        http.Header `json:"headers,omitempty"`
	BodySize      int         `json:"bodySize"`
	Attempts      int         `json:"attempts"`
	EnqueuedAt    time.Time   `json:"enqueuedAt"`
	LastAttemptAt *time.Time  `json:"lastAttemptAt,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

// Client talks to one or more swcache servers, trying them in order.
type Client struct {
	HTTP    *http.Client
	Servers []string
}

// ServersFromEnv parses SWCACHE_SERVER, a structured-field list of server
// URLs such as `"http://a:8080", "http://b:8080"`.
func ServersFromEnv() []string {
	env := os.Getenv("SWCACHE_SERVER")
	if env == "" {
		return nil
	}
	list, err := sfv.DecodeList([]string{env})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse SWCACHE_SERVER")
		return nil
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers
}

// NewClient creates a client. With no servers it falls back to
// SWCACHE_SERVER and then to DefaultServer.
func NewClient(client *http.Client, servers []string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if len(servers) == 0 {
		servers = ServersFromEnv()
	}
	if len(servers) == 0 {
		servers = []string{DefaultServer}
	}
	return &Client{HTTP: client, Servers: servers}
}

// PostMessage sends a command. Commands without a reply return nil.
func (c *Client) PostMessage(ctx context.Context, msgType string, data any) (*Message, error) {
	msg := Message{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message data: %w", err)
		}
		msg.Data = raw
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var reply Message
	ok, err := c.do(ctx, http.MethodPost, "message", body, &reply)
	if err != nil || !ok {
		return nil, err
	}
	return &reply, nil
}

// RequestSync fires a sync event. Tags other than "background-sync" are
// accepted by the server but do nothing, in which case the report is nil.
func (c *Client) RequestSync(ctx context.Context, tag string) (*SyncReport, error) {
	body, err := json.Marshal(map[string]string{"tag": tag})
	if err != nil {
		return nil, err
	}
	var rep SyncReport
	ok, err := c.do(ctx, http.MethodPost, "sync", body, &rep)
	if err != nil || !ok {
		return nil, err
	}
	return &rep, nil
}

// Push delivers a push payload; the server broadcasts the notification.
func (c *Client) Push(ctx context.Context, payload string) error {
	_, err := c.do(ctx, http.MethodPost, "push", []byte(payload), nil)
	return err
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if _, err := c.do(ctx, http.MethodGet, "status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Queue(ctx context.Context) ([]QueueItem, error) {
	var items []QueueItem
	if _, err := c.do(ctx, http.MethodGet, "queue", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// RemoveQueued drops a queued request without replaying it.
func (c *Client) RemoveQueued(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "queue/"+url.PathEscape(id), nil, nil)
	return err
}

// do tries every server in order until one answers. Transport errors and
// 5xx answers move on to the next server; anything else is final. It
// reports whether a body was decoded into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	var lastErr error
	for _, server := range c.Servers {
		decoded, err := c.doOne(ctx, server, method, path, body, out)
		if err == nil {
			return decoded, nil
		}
		var se *HTTPStatusError
		if ctx.Err() != nil || (errors.As(err, &se) && se.StatusCode < 500) || errors.Is(err, ErrNotFound) {
			return false, err
		}
		errutil.LogMsg(err, "Failed to reach server", "server", server)
		lastErr = err
	}
	if lastErr != nil {
		return false, fmt.Errorf("%w: %w", ErrAllServersFailed, lastErr)
	}
	return false, ErrAllServersFailed
}

func (c *Client) doOne(ctx context.Context, server, method, path string, body []byte, out any) (bool, error) {
	u := strings.TrimRight(server, "/") + apiPrefix + path
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		return false, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return true, nil
}
