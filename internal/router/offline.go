package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lucasew/swcache/internal/cachestore"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#f0f0f0"/>` +
	`<text x="100" y="100" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="14" fill="#999">Offline</text>` +
	`</svg>`

type offlineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Cached  bool   `json:"cached"`
}

func synthetic(status int, contentType string, body []byte) *cachestore.Entry {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	return &cachestore.Entry{Status: status, Header: h, Body: body}
}

func offlineAPI() *cachestore.Entry {
	body, _ := json.Marshal(offlineBody{
		Error:   "Offline",
		Message: "The network is unavailable and no cached response exists for this request.",
		Cached:  false,
	})
	return synthetic(http.StatusServiceUnavailable, "application/json", body)
}

func imagePlaceholder() *cachestore.Entry {
	return synthetic(http.StatusOK, "image/svg+xml", []byte(placeholderSVG))
}

func unavailable() *cachestore.Entry {
	return synthetic(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline: resource unavailable\n"))
}
