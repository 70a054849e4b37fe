package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"

	"github.com/elazarl/goproxy"

	"github.com/lucasew/swcache/internal/errutil"
	"github.com/lucasew/swcache/internal/eventbus"
)

type Server struct {
	Proxy  *goproxy.ProxyHttpServer
	Bus    *eventbus.Bus
	Bypass []Rule
}

// NewServer creates a forward proxy that turns every proxied request into a
// fetch event on bus. fallback serves requests addressed to the listener
// itself (the command channel and reverse mode).
func NewServer(bus *eventbus.Bus, bypass []Rule, fallback http.Handler, caCert *tls.Certificate) *Server {
	proxy := goproxy.NewProxyHttpServer()

	if caCert != nil {
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: goproxy.TLSConfigFromCA(caCert),
			}, host
		}))
	} else {
		proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}

	if fallback != nil {
		proxy.NonproxyHandler = fallback
	}

	s := &Server{
		Proxy:  proxy,
		Bus:    bus,
		Bypass: bypass,
	}

	proxy.OnRequest().DoFunc(s.handleRequest)
	return s
}

func (s *Server) bypassed(r *http.Request) bool {
	for _, rule := range s.Bypass {
		if rule(r.Context(), r.URL) {
			return true
		}
	}
	return false
}

func (s *Server) handleRequest(r *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if s.bypassed(r) {
		slog.Debug("Proxy bypass", "url", r.URL.String())
		return r, nil
	}

	f := s.Bus.Dispatch(r.Context(), eventbus.FetchIntercepted{Request: r})
	resp, err := eventbus.Await[*http.Response](r.Context(), f)
	if err != nil || resp == nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			errutil.LogMsg(err, "Fetch event failed, proxying directly", "url", r.URL.String())
		}
		// goproxy forwards the request itself when no response is returned.
		return r, nil
	}
	return r, resp
}
