package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/swcache/internal/app"
	"github.com/lucasew/swcache/internal/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the caching server",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := serveConfig()
		if err != nil {
			fatal(err, "Invalid configuration")
		}

		server, cleanup, err := app.NewServer(cfg)
		if err != nil {
			fatal(err, "Failed to initialize server")
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				cleanup()
				fatal(err, "Server failed")
			}
		case <-ctx.Done():
			slog.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("shutdown-timeout"))
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Graceful shutdown failed", "error", err)
			}
		}
	},
}

func serveConfig() (app.Config, error) {
	cfg := app.Config{
		Addr:             viper.GetString("listen"),
		Origin:           viper.GetString("origin"),
		Deployment:       viper.GetString("deployment"),
		CacheDir:         viper.GetString("cache-dir"),
		DBPath:           viper.GetString("db-path"),
		Prefix:           viper.GetString("prefix"),
		AppName:          viper.GetString("app-name"),
		FillRatio:        viper.GetFloat64("fill-ratio"),
		MaxAge:           viper.GetDuration("max-age"),
		EvictionInterval: viper.GetDuration("eviction-interval"),
		EvictionStrategy: viper.GetString("eviction-strategy"),
		UpstreamTimeout:  viper.GetDuration("upstream-timeout"),
		ReplayTimeout:    viper.GetDuration("replay-timeout"),
		ProbeInterval:    viper.GetDuration("probe-interval"),
		Proxy:            viper.GetBool("proxy"),
		ProxyBypass:      viper.GetStringSlice("proxy-bypass"),
		CaCertPath:       viper.GetString("ca-cert"),
		CaKeyPath:        viper.GetString("ca-key"),
		CaCertContent:    viper.GetString("ca-cert-content"),
		CaKeyContent:     viper.GetString("ca-key-content"),
	}
	if viper.GetBool("memory") {
		cfg.CacheDir = ""
	}

	sizes := []struct {
		key string
		dst *int64
	}{
		{"quota", &cfg.Quota},
		{"max-mobile-size", &cfg.MaxMobileSize},
		{"min-free-space", &cfg.MinFreeSpace},
		{"max-body", &cfg.MaxBody},
	}
	for _, s := range sizes {
		v, err := app.ParseBytes(viper.GetString(s.key))
		if err != nil {
			return cfg, fmt.Errorf("--%s: %w", s.key, err)
		}
		*s.dst = v
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.String("listen", ":8080", "Address to listen on")
	f.String("deployment", "deployment.yaml", "Deployment manifest (YAML)")
	f.Bool("memory", false, "Keep the cache in memory only")
	f.String("prefix", "swcache", "Cache store name prefix")
	f.String("app-name", "", "Title of push notifications (default the prefix)")
	f.String("quota", "0", "Max body bytes per cache store, e.g. 512mb (0 = unlimited)")
	f.String("max-mobile-size", "50mb", "Max size of the mobile store before eviction (0 = unlimited)")
	f.Float64("fill-ratio", 0.8, "Fraction of max-mobile-size a trim brings the store down to")
	f.String("min-free-space", "0", "Min free disk space to keep, e.g. 1g (0 = disabled)")
	f.Duration("max-age", 7*24*time.Hour, "Evict mobile entries older than this (0 = never)")
	f.Duration("eviction-interval", time.Minute, "Interval between eviction passes")
	f.String("eviction-strategy", "oldest", "Eviction victim ordering (oldest, largest)")
	f.String("max-body", "64mb", "Largest request or response body that gets buffered")
	f.Duration("upstream-timeout", httpclient.DefaultTimeout, "Timeout of a single upstream request")
	f.Duration("replay-timeout", 30*time.Second, "Timeout of a single queued request replay (0 = none)")
	f.Duration("probe-interval", 15*time.Second, "Interval between connectivity probes (0 = disabled)")
	f.Duration("shutdown-timeout", 15*time.Second, "Grace period for in-flight requests on shutdown")
	f.Bool("proxy", false, "Also accept forward-proxy requests")
	f.StringSlice("proxy-bypass", nil, "Proxied URLs forwarded without caching (regex, or host:<name>)")
	f.String("ca-cert", "", "CA certificate for HTTPS interception")
	f.String("ca-key", "", "CA private key for HTTPS interception")
	f.String("ca-cert-content", "", "CA certificate PEM content")
	f.String("ca-key-content", "", "CA private key PEM content")

	for _, name := range []string{
		"listen", "deployment", "memory", "prefix", "app-name",
		"quota", "max-mobile-size", "fill-ratio", "min-free-space", "max-age",
		"eviction-interval", "eviction-strategy",
		"max-body", "upstream-timeout", "replay-timeout", "probe-interval", "shutdown-timeout",
		"proxy", "proxy-bypass", "ca-cert", "ca-key", "ca-cert-content", "ca-key-content",
	} {
		mustBindPFlag(name, f.Lookup(name))
	}
}
