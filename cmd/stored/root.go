package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Aram1d/stored"
	"github.com/Aram1d/stored/backend"
	"github.com/Aram1d/stored/backend/filestore"
	"github.com/Aram1d/stored/backend/sqlitestore"
	"github.com/Aram1d/stored/internal/config"
	"github.com/Aram1d/stored/internal/log"
	"github.com/Aram1d/stored/internal/tracing"
)

func init() {
	// Force lipgloss/termenv to query the terminal background color BEFORE
	// any Bubble Tea program starts, so the terminal's OSC 11 response does
	// not race with Bubble Tea's input loop.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	cfgFile   string
	cfg       config.Config
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "stored",
	Short: "A keyed, persistent, reactive value store",
	Long: `stored manages small keyed values that persist across processes and stay
in sync: every process watching a key converges on the same value.

Values are stored as JSON on a shared medium (files, SQLite or memory) and
validated against schema rules before use.`,
	Version: "dev",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .stored/config.yaml, then user config dir)")
	rootCmd.PersistentFlags().String("dir", "",
		"data directory for the file and sqlite backends")
	rootCmd.PersistentFlags().String("backend", "",
		"persistence backend: file, sqlite or memory")
	rootCmd.PersistentFlags().String("prefix", "",
		"namespace prepended to every key on the medium")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	// Bind flags to viper
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("backend", defaults.Backend)
	viper.SetDefault("read_cache_ttl", defaults.ReadCacheTTL)
	viper.SetDefault("cleanup_grace", defaults.CleanupGrace)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .stored/config.yaml (current directory)
		// 2. <user config dir>/stored/config.yaml
		if _, err := os.Stat(".stored/config.yaml"); err == nil {
			viper.SetConfigFile(".stored/config.yaml")
		} else if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "stored"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// Running without a config file is fine; `stored init` creates one.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// buildStore assembles a store from the effective configuration. The returned
// cleanup flushes traces and the debug log; call it after the store closes.
func buildStore() (*stored.Store, func(), error) {
	if cfg.Dir == "" {
		cfg.Dir = config.DefaultDataDir()
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Initialize logging if debug mode enabled (via flag or env var)
	debug := os.Getenv("STORED_DEBUG") != "" || debugFlag
	if debug {
		logPath := os.Getenv("STORED_LOG")
		if logPath == "" {
			logPath = "stored-debug.log"
		}

		logCleanup, err := log.Init(logPath)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing logging: %w", err)
		}
		cleanups = append(cleanups, logCleanup)

		log.Info(log.CatConfig, "stored starting", "debug", true, "logPath", logPath)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("initializing tracing: %w", err)
	}
	cleanups = append(cleanups, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(ctx)
	})
	log.Debug(log.CatTrace, "tracing initialized", "enabled", cfg.Tracing.Enabled, "exporter", cfg.Tracing.Exporter)

	b, err := openBackend()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	schemas, err := config.LoadSchemas(cfg.Schemas)
	if err != nil {
		_ = b.Close()
		cleanup()
		return nil, nil, err
	}
	log.Debug(log.CatSchema, "schemas loaded", "count", len(schemas))

	opts := []stored.Option{
		stored.WithBackend(b),
		stored.WithSchemas(schemas...),
		stored.WithCleanupGrace(cfg.CleanupGrace),
		stored.WithReadCacheTTL(cfg.ReadCacheTTL),
	}
	if cfg.Prefix != "" {
		opts = append(opts, stored.WithKeyPrefix(cfg.Prefix))
	}

	s, err := stored.New(opts...)
	if err != nil {
		_ = b.Close()
		cleanup()
		return nil, nil, err
	}

	return s, cleanup, nil
}

// openBackend picks the persistence medium from the effective config.
func openBackend() (backend.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		c := sqlitestore.DefaultConfig(filepath.Join(cfg.Dir, "stored.db"))
		if cfg.Debounce > 0 {
			c.Debounce = cfg.Debounce
		}
		return sqlitestore.New(c)
	case "memory":
		return backend.NewMemory(), nil
	default: // "file"
		c := filestore.DefaultConfig(cfg.Dir)
		if cfg.Debounce > 0 {
			c.Debounce = cfg.Debounce
		}
		return filestore.New(c)
	}
}

// configFilePath returns the file schema edits apply to.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return ".stored/config.yaml"
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	rootCmd.Version = v
}
