package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/cache"
	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/journal"
	"github.com/schaermu/patchd/internal/ledger"
	"github.com/schaermu/patchd/internal/patch"
	"github.com/schaermu/patchd/internal/remote"
	"github.com/schaermu/patchd/internal/settings"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile    string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchd",
	Short: "Install sequential file patches from remote mirrors",
	Long: `patchd keeps a CMS installation up to date with patches published on one
or more mirrors.

Patches are identified by an hourly version (YYYYMMDDHH) and must be installed
in order. Every overwritten file is backed up first, and the applied-patch
ledger is only updated once all files of a patch are in place.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(w, "patchd %s\n", version)
		_, _ = fmt.Fprintf(w, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(w, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/patchd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
}

func setupLogger() *slog.Logger {
	return newLogger(os.Stderr)
}

// newLogger builds the logger selected by the global flags. Logs go to w so
// command output on stdout stays machine readable.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "patchd", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root_dir", cfg.Paths.RootDir,
		"mirrors", cfg.MirrorNames(),
		"ledger", cfg.Paths.LedgerFile,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	settings *settings.Store
	fetcher  *remote.Fetcher
	journal  *journal.Journal
	engine   *patch.Engine
}

// newApp loads the configuration, applies settings overrides and wires the
// patch engine.
func newApp(logger *slog.Logger) (*app, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := settings.Open(cfg.SettingsFile())
	if err != nil {
		return nil, err
	}
	cfg.OverrideMirrors(store.MirrorURL)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after settings overrides: %w", err)
	}

	fetcher := newFetcher(cfg, logger)

	j, err := journal.Open(cfg.Paths.JournalFile)
	if err != nil {
		// History is optional; installs proceed without it.
		logger.Warn("install journal unavailable", "path", cfg.Paths.JournalFile, "error", err)
	}

	opts := []patch.Option{}
	if j != nil {
		opts = append(opts, patch.WithJournal(j))
	}
	engine := patch.NewEngine(cfg,
		ledger.NewFileLedger(cfg.Paths.LedgerFile),
		fetcher,
		cache.NewDirInvalidator(logger, cfg.Paths.CacheDirs...),
		logger,
		opts...)

	return &app{
		cfg:      cfg,
		logger:   logger,
		settings: store,
		fetcher:  fetcher,
		journal:  j,
		engine:   engine,
	}, nil
}

func newFetcher(cfg *config.Config, logger *slog.Logger) *remote.Fetcher {
	mirrors := make([]remote.Mirror, len(cfg.Mirrors))
	for i, m := range cfg.Mirrors {
		mirrors[i] = remote.Mirror{Name: m.Name, URL: m.URL}
	}

	httpOpts := remote.HTTPOptions{
		UserAgent:          cfg.HTTP.UserAgent,
		ConnectTimeout:     cfg.HTTP.ConnectTimeout,
		Timeout:            cfg.HTTP.Timeout,
		InsecureSkipVerify: !cfg.HTTP.VerifyTLS,
		MaxRedirects:       *cfg.HTTP.MaxRedirects,
	}

	opts := []remote.Option{
		remote.WithHTTPOptions(httpOpts),
		remote.WithDownloadTimeout(cfg.HTTP.DownloadTimeout),
		remote.WithDiagnosticTimeouts(cfg.HTTP.DiagnoseConnectTimeout, cfg.HTTP.DiagnoseTimeout),
		remote.WithLogger(logger),
	}
	if cfg.Remote.LocalManifest != "" {
		opts = append(opts, remote.WithLocalManifest(cfg.Remote.LocalManifest))
	}
	return remote.New(mirrors, opts...)
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close install journal", "error", err)
		}
	}
}

// withApp runs fn with a wired app and a signal-aware context.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(setupLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
