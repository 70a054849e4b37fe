package swcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestClient(t *testing.T) {
	t.Run("Message Reply", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/_swcache/message" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			var msg Message
			if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
				t.Errorf("bad body: %v", err)
			}
			if msg.Type == "GET_VERSION" {
				_, _ = io.WriteString(w, `{"type":"VERSION","data":{"version":"3","state":"active"}}`)
				return
			}
			if string(msg.Data) != `{"level":"low-end"}` {
				t.Errorf("unexpected data %s", msg.Data)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer ts.Close()

		c := NewClient(nil, []string{ts.URL})
		reply, err := c.PostMessage(t.Context(), "GET_VERSION", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reply.Type != "VERSION" {
			t.Errorf("got type %q, want VERSION", reply.Type)
		}

		reply, err = c.PostMessage(t.Context(), "OPTIMIZE_PERFORMANCE", map[string]string{"level": "low-end"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if reply != nil {
			t.Errorf("expected no reply, got %+v", reply)
		}
	})

	t.Run("Failover To Next Server", func(t *testing.T) {
		var firstHits atomic.Int32
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			firstHits.Add(1)
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		}))
		defer broken.Close()
		good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"version":"3","state":"active","stores":[],"queueDepth":2}`)
		}))
		defer good.Close()

		c := NewClient(nil, []string{broken.URL, good.URL})
		st, err := c.Status(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if st.Version != "3" || st.QueueDepth != 2 {
			t.Errorf("unexpected status %+v", st)
		}
		if firstHits.Load() != 1 {
			t.Errorf("expected the first server to be tried once, got %d", firstHits.Load())
		}
	})

	t.Run("Client Errors Are Final", func(t *testing.T) {
		var secondHits atomic.Int32
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad command", http.StatusBadRequest)
		}))
		defer bad.Close()
		other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secondHits.Add(1)
		}))
		defer other.Close()

		c := NewClient(nil, []string{bad.URL, other.URL})
		_, err := c.PostMessage(t.Context(), "BATTERY_OPTIMIZATION", []int{1})
		var se *HTTPStatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 HTTPStatusError, got %v", err)
		}
		if se.Body != "bad command" {
			t.Errorf("got body %q", se.Body)
		}
		if secondHits.Load() != 0 {
			t.Error("should not fail over on a client error")
		}
	})

	t.Run("All Servers Failed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := ts.URL
		ts.Close()

		c := NewClient(nil, []string{url})
		if _, err := c.Queue(t.Context()); !errors.Is(err, ErrAllServersFailed) {
			t.Errorf("expected ErrAllServersFailed, got %v", err)
		}
	})

	t.Run("Queue And Remove", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodGet && r.URL.Path == "/_swcache/queue":
				_, _ = io.WriteString(w, `[{"id":"a","method":"POST","url":"/api/x","bodySize":3,"attempts":1,"enqueuedAt":"2026-01-02T03:04:05Z"}]`)
			case r.Method == http.MethodDelete && r.URL.Path == "/_swcache/queue/a":
				w.WriteHeader(http.StatusNoContent)
			default:
				http.NotFound(w, r)
			}
		}))
		defer ts.Close()

		c := NewClient(nil, []string{ts.URL})
		items, err := c.Queue(t.Context())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(items) != 1 || items[0].ID != "a" || items[0].Attempts != 1 {
			t.Errorf("unexpected items %+v", items)
		}
		if err := c.RemoveQueued(t.Context(), "a"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if err := c.RemoveQueued(t.Context(), "b"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Sync Report", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["tag"] != "background-sync" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, _ = io.WriteString(w, `{"attempted":2,"replayed":1,"failed":1,"remaining":1}`)
		}))
		defer ts.Close()

		c := NewClient(nil, []string{ts.URL})
		rep, err := c.RequestSync(t.Context(), "background-sync")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *rep != (SyncReport{Attempted: 2, Replayed: 1, Failed: 1, Remaining: 1}) {
			t.Errorf("unexpected report %+v", rep)
		}
		rep, err = c.RequestSync(t.Context(), "other")
		if err != nil || rep != nil {
			t.Errorf("expected nil report, got %+v, %v", rep, err)
		}
	})
}

func TestServersFromEnv(t *testing.T) {
	t.Setenv("SWCACHE_SERVER", `"http://a:8080", "http://b:8080"`)
	got := ServersFromEnv()
	if len(got) != 2 || got[0] != "http://a:8080" || got[1] != "http://b:8080" {
		t.Errorf("unexpected servers %v", got)
	}

	c := NewClient(nil, nil)
	if len(c.Servers) != 2 {
		t.Errorf("expected servers from env, got %v", c.Servers)
	}

	t.Setenv("SWCACHE_SERVER", "")
	c = NewClient(nil, nil)
	if len(c.Servers) != 1 || c.Servers[0] != DefaultServer {
		t.Errorf("expected default server, got %v", c.Servers)
	}
}
