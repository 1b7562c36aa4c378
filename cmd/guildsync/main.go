package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"guildsync/internal/attachment"
	"guildsync/internal/client"
	"guildsync/internal/config"
	"guildsync/internal/console"
	"guildsync/internal/domain"
	"guildsync/internal/metrics"
	"guildsync/internal/session"
	"guildsync/internal/store"
	"guildsync/internal/transport"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "guildsync",
		Short:        "guildsync: terminal client for guild chat servers",
		Long:         "guildsync keeps a local cache of guilds, channels and messages in sync with a chat server.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.guildsync/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(devserverCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it is
// missing. An invalid file is an error.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config not found, using defaults", "path", cfgPath)
			return config.Defaults(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// setupLogging replaces the global logger according to cfg. The returned
// function closes the log file, if any.
func setupLogging(cfg *config.Config) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		path := config.ExpandPath(cfg.General.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closeFn, nil
}

func backoffConfig(cfg *config.Config) session.BackoffConfig {
	return session.BackoffConfig{
		InitialInterval:     time.Duration(cfg.Reconnect.InitialIntervalMs) * time.Millisecond,
		MaxInterval:         time.Duration(cfg.Reconnect.MaxIntervalSeconds) * time.Second,
		Multiplier:          cfg.Reconnect.Multiplier,
		RandomizationFactor: cfg.Reconnect.Randomization,
	}
}

// openEngine opens the settings database and builds an engine speaking the
// configured codec over websockets. The caller closes the store.
func openEngine(cfg *config.Config) (*client.Engine, *store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(cfg.DBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	codec, err := transport.ParseCodec(cfg.Server.Codec)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	ws := transport.NewWebSocket(transport.WebSocketConfig{
		Codec:        codec,
		PingInterval: cfg.Server.PingInterval(),
		Logger:       logger.With("component", "transport"),
	})
	e := client.New(client.Config{
		Transport:       ws,
		Settings:        st,
		Snapshots:       st,
		Capacity:        cfg.Cache.WindowSize,
		AbandonAfter:    cfg.Outbox.AbandonAfter(),
		RPCTimeout:      cfg.Server.RPCTimeout(),
		MaxCallFailures: cfg.Server.MaxCallFailures,
		FlushEvery:      cfg.Cursor.FlushEvery,
		Backoff:         backoffConfig(cfg),
		CallsPerMinute:  cfg.Server.CallsPerMinute,
		CallBurst:       cfg.Server.CallBurst,
		Logger:          logger.With("component", "engine"),
	})
	return e, st, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", cfg.General.DataDir)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var noConsole bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and start the interactive console",
		Long:  "Restores the cache, connects with the stored credentials and opens the console. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(noConsole)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "headless", false, "sync without the interactive console")
	return cmd
}

func runClient(headless bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	engine, st, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	endpoint := cfg.Server.Endpoint
	if v, ok, _ := st.Get(ctx, domain.SettingEndpoint); ok && v != "" {
		endpoint = v
	}
	resolver, err := attachment.NewResolver(attachment.Config{
		Dir:          cfg.AttachmentDir(),
		Endpoint:     endpoint,
		MaxBytes:     cfg.Attachments.MaxBytes,
		FetchTimeout: cfg.Attachments.FetchTimeout(),
		Index:        st,
		Logger:       logger.With("component", "attachments"),
	})
	if err != nil {
		return err
	}
	defer resolver.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Listen) })
	}
	if !headless {
		con := console.New(console.Config{Engine: engine, Attachments: resolver, Logger: logger})
		g.Go(func() error {
			defer cancel()
			return con.Run(gctx)
		})
	}

	if err := engine.Resume(gctx, cfg.Server.Endpoint, cfg.Server.Token); err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyCredentials):
			logger.Warn("not logged in; run 'guildsync login <endpoint> <token>'")
		case domain.IsAuthError(err):
			logger.Error("server rejected the stored token; log in again", "err", err)
		default:
			logger.Warn("server unreachable, retrying in the background", "err", err)
		}
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// serveMetrics exposes the collector until ctx is cancelled.
func serveMetrics(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Collector.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server starting", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <endpoint> <token>",
		Short: "Verify credentials against a server and store them",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, st, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer engine.Disconnect()

			ctx, cancel := context.WithTimeout(ctx, cfg.Server.RPCTimeout())
			defer cancel()
			if err := engine.Login(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Printf("Logged in to %s\n", args[0])
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token (the cache is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			engine, st, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := engine.Logout(context.Background()); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := store.NewSQLiteStore(cfg.DBPath(), logger)
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := context.Background()

			settings, err := st.Settings(ctx)
			if err != nil {
				return err
			}
			endpoint := settings[domain.SettingEndpoint]
			if endpoint == "" {
				endpoint = cfg.Server.Endpoint + " (from config)"
			}
			loggedIn := settings[domain.SettingToken] != "" || cfg.Server.Token != ""
			fmt.Printf("Database:    %s\n", st.Path())
			fmt.Printf("Endpoint:    %s\n", endpoint)
			fmt.Printf("Logged in:   %t\n", loggedIn)
			fmt.Printf("Window size: %d\n", cfg.Cache.WindowSize)
			if c, err := session.LoadCursor(ctx, st); err != nil {
				fmt.Printf("Last cursor: unreadable (%v)\n", err)
			} else if c > 0 {
				fmt.Printf("Last cursor: %d\n", c)
			}

			cursor, data, ok, err := st.LoadSnapshot(ctx)
			switch {
			case err != nil:
				fmt.Printf("Snapshot:    unreadable (%v)\n", err)
			case !ok:
				fmt.Println("Snapshot:    none")
			default:
				dump, err := store.DecodeSnapshot(data)
				if err != nil {
					fmt.Printf("Snapshot:    undecodable (%v)\n", err)
					break
				}
				msgs := 0
				for _, w := range dump.Windows {
					msgs += len(w.Messages)
				}
				fmt.Printf("Snapshot:    cursor %d, %d guilds, %d channels, %d messages (%s)\n",
					cursor, len(dump.Guilds), len(dump.Channels), msgs, humanSize(int64(len(data))))
			}

			if recs, err := st.ListAttachments(ctx, 10000); err == nil {
				var total int64
				for _, r := range recs {
					total += r.Size
				}
				fmt.Printf("Attachments: %d cached (%s)\n", len(recs), humanSize(total))
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. cache.windowSize)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.codec cbor)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			for _, p := range config.SortedPaths(paths) {
				fmt.Printf("%s = %v\n", p, paths[p])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
