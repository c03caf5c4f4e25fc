package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lucasew/convcache"
	"github.com/lucasew/convcache/internal/app"
	"github.com/lucasew/convcache/internal/errutil"
	"github.com/lucasew/convcache/internal/httpclient"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "convcache",
	Short: "A disk backed cache for file conversions",
	Long: `convcache converts files through a content addressed disk cache.
Results are keyed by converter, input hash and parameters, and a background
GC evicts the least recently used entries when the cache outgrows its limits.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"), viper.GetString("log-format"))
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	def := app.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json, logfmt)")
	flags.String("server", "", "Talk to a running convcache server instead of the local cache dir")
	flags.String("ca-cert", "", "PEM file with extra CAs to trust when talking to --server")
	flags.String("cache-dir", def.CacheDir, "Directory to store cached conversions")
	flags.Int64("max-cache-size", def.MaxCacheSizeKB, "Max cache size in KB (0 disables the limit)")
	flags.Int64("min-free-space", def.MinFreeSpaceKB, "Min free disk space in KB to keep under the cache dir (0 disables the check)")
	flags.String("eviction-strategy", def.EvictionStrategy, "Eviction strategy to use (lru)")
	flags.Bool("index", def.IndexEnabled, "Keep an entry index so the cache survives restarts (without it, artifacts of earlier runs stay on disk untracked by the size limit)")
	flags.Bool("cache", def.CacheEnabled, "Enable the conversion cache")

	for _, name := range []string{"log-level", "log-format", "server", "ca-cert", "cache-dir", "max-cache-size", "min-free-space", "eviction-strategy", "index", "cache"} {
		mustBindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONVCACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
	}
}

// setupLogging installs a charmbracelet logger as the slog default.
func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	}
	switch format {
	case "text":
		opts.Formatter = log.TextFormatter
	case "json":
		opts.Formatter = log.JSONFormatter
	case "logfmt":
		opts.Formatter = log.LogfmtFormatter
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	slog.SetDefault(slog.New(log.NewWithOptions(os.Stderr, opts)))
	return nil
}

// cacheConfig reads the cache settings shared by every command.
func cacheConfig() app.Config {
	cfg := app.DefaultConfig()
	cfg.CacheDir = viper.GetString("cache-dir")
	cfg.MaxCacheSizeKB = viper.GetInt64("max-cache-size")
	cfg.MinFreeSpaceKB = viper.GetInt64("min-free-space")
	cfg.EvictionStrategy = viper.GetString("eviction-strategy")
	cfg.IndexEnabled = viper.GetBool("index")
	cfg.CacheEnabled = viper.GetBool("cache")
	return cfg
}

// remoteClient returns a client for --server, or nil when the local cache should be used.
func remoteClient() (*convcache.Client, error) {
	server := viper.GetString("server")
	if server == "" {
		return nil, nil
	}
	hc, err := httpclient.New(viper.GetString("ca-cert"))
	if err != nil {
		return nil, err
	}
	return convcache.NewClient(hc, server), nil
}
