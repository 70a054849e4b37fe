package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucasew/swcache"
	"github.com/lucasew/swcache/internal/errutil"
)

var rootCmd = &cobra.Command{
	Use:   "swcache",
	Short: "An offline-first caching and sync engine",
	Long: `swcache sits in front of a web origin the way a service worker sits in
front of its page: it pre-caches a deployment, serves from cache when the
network fails and queues writes for replay once connectivity returns.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

var cfgFile string

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (YAML)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")
	pf.String("cache-dir", "./swcache-data", "Directory holding the cache and the sync queue")
	pf.String("db-path", "", "Sync queue database (default <cache-dir>/queue.sqlite)")
	pf.String("origin", "", "Origin server the cache sits in front of")
	pf.StringSlice("remote", nil, "swcache servers for remote commands (default $SWCACHE_SERVER or "+swcache.DefaultServer+")")

	for _, name := range []string{"log-level", "log-format", "cache-dir", "db-path", "origin", "remote"} {
		mustBindPFlag(name, pf.Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			errutil.ReportError(err, "Failed to read config file", "path", cfgFile)
			os.Exit(1)
		}
		slog.Debug("Loaded config file", "path", viper.ConfigFileUsed())
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
	}
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch format := viper.GetString("log-format"); format {
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func dbPath() string {
	if p := viper.GetString("db-path"); p != "" {
		return p
	}
	return filepath.Join(viper.GetString("cache-dir"), "queue.sqlite")
}

func newClient() *swcache.Client {
	return swcache.NewClient(nil, viper.GetStringSlice("remote"))
}

// fatal logs err and exits.
func fatal(err error, msg string, args ...any) {
	errutil.ReportError(err, msg, args...)
	os.Exit(1)
}
