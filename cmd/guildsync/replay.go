package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guildsync/internal/cache"
	"guildsync/internal/client"
	"guildsync/internal/domain"
	"guildsync/internal/metrics"
	"guildsync/internal/session"
	"guildsync/internal/transport"

	"github.com/spf13/cobra"
)

const (
	replayToken    = "replay"
	replayEndpoint = "loop://replay"
	maxLogLine     = 4 << 20
)

func replayCmd() *cobra.Command {
	var (
		dropEvery int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "replay <log.jsonl>",
		Short: "Replay a recorded event log and print the resulting cache",
		Long: `Feeds a recorded event log (one wire event per line) through an in-process
server and a fresh engine, then prints the cache. connection.dropped lines,
and --drop-every, force the engine to reconnect and resume mid-log.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			events, err := readLog(f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := replay(ctx, events, replayOptions{
				Capacity:  cfg.Cache.WindowSize,
				DropEvery: dropEvery,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res.State.Export())
			}
			printState(os.Stdout, res)
			return nil
		},
	}
	cmd.Flags().IntVar(&dropEvery, "drop-every", 0, "drop the connection after every N events (0 = never)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cache as JSON")
	return cmd
}

// readLog parses one WireEvent per line. Blank lines and lines starting
// with # are skipped.
func readLog(r io.Reader) ([]domain.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	var events []domain.Event
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var w transport.WireEvent
		if err := json.Unmarshal([]byte(text), &w); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		ev, err := w.Normalize()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return events, nil
}

type replayOptions struct {
	Capacity  int
	DropEvery int
	Timeout   time.Duration
	Logger    *slog.Logger
}

type replayResult struct {
	State    *cache.State
	Events   int
	Drops    int
	Warnings int64
}

// replay streams events to an engine through a loopback server while the
// engine is connected, dropping the connection where asked, and returns
// once the engine has caught up with the last cursor.
func replay(ctx context.Context, events []domain.Event, opts replayOptions) (replayResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	server := transport.NewLoopback(transport.LoopbackConfig{Logger: opts.Logger.With("component", "loopback")})
	server.AddUser(replayToken, "replay")

	engine := client.New(client.Config{
		Transport: server,
		Capacity:  opts.Capacity,
		Backoff:   session.BackoffConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2},
		Logger:    opts.Logger.With("component", "engine"),
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := engine.Login(ctx, replayEndpoint, replayToken); err != nil {
		return replayResult{}, fmt.Errorf("connect to loopback: %w", err)
	}

	warningsBefore := metrics.ConsistencyWarnings.Value()
	res := replayResult{}
	for _, ev := range events {
		if _, ok := ev.Body.(domain.ConnectionDropped); ok {
			server.DropAll("recorded drop")
			res.Drops++
			continue
		}
		if err := server.Append(ev); err != nil {
			return replayResult{}, fmt.Errorf("event %s: %w", ev, err)
		}
		res.Events++
		if opts.DropEvery > 0 && res.Events%opts.DropEvery == 0 {
			server.DropAll("simulated drop")
			res.Drops++
		}
	}

	target := server.Cursor()
	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for engine.Snapshot().Cursor() < target {
		select {
		case <-ctx.Done():
			return replayResult{}, ctx.Err()
		case <-deadline.C:
			return replayResult{}, fmt.Errorf("engine stopped at cursor %d of %d", engine.Snapshot().Cursor(), target)
		case <-tick.C:
		}
	}

	res.State = engine.Snapshot()
	res.Warnings = metrics.ConsistencyWarnings.Value() - warningsBefore
	return res, nil
}

func printState(w io.Writer, res replayResult) {
	st := res.State
	fmt.Fprintf(w, "Replayed %d events (%d drops), cursor %d, version %d, %d warnings\n",
		res.Events, res.Drops, st.Cursor(), st.Version(), res.Warnings)
	for _, g := range st.Guilds() {
		fmt.Fprintf(w, "%s  %s  (%d members)\n", g.ID, g.Name, len(g.Members))
		for _, ch := range st.Channels(g.ID) {
			marker := "#"
			if ch.IsCategory {
				marker = "+"
			}
			page, _ := st.ChannelMessages(ch.ID, cache.Window{})
			more := ""
			if page.NeedsRefetch {
				more = " (older evicted)"
			}
			fmt.Fprintf(w, "  %s%s  %s  %d messages%s\n", marker, ch.Name, ch.ID, len(page.Messages), more)
		}
	}
}

func devserverCmd() *cobra.Command {
	var (
		listen    string
		codecName string
		seed      string
		users     []string
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory chat server for local development",
		Long: `Serves the wire protocol over websockets from an in-memory event log.
Users are given as token=userId pairs; --seed preloads a recorded log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := transport.NewLoopback(transport.LoopbackConfig{Logger: logger.With("component", "loopback")})
			if len(users) == 0 {
				users = []string{"dev=dev"}
			}
			for _, u := range users {
				token, id, ok := strings.Cut(u, "=")
				if !ok || token == "" || id == "" {
					return fmt.Errorf("invalid --user %q (want token=userId)", u)
				}
				server.AddUser(token, id)
			}
			if seed != "" {
				f, err := os.Open(seed)
				if err != nil {
					return err
				}
				events, err := readLog(f)
				f.Close()
				if err != nil {
					return err
				}
				for _, ev := range events {
					if _, ok := ev.Body.(domain.ConnectionDropped); ok {
						continue
					}
					if err := server.Append(ev); err != nil {
						return fmt.Errorf("seed %s: %w", ev, err)
					}
				}
				logger.Info("seeded event log", "events", len(events), "cursor", uint64(server.Cursor()))
			}
			codec, err := transport.ParseCodec(codecName)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := transport.NewServer(transport.ServerConfig{
				Addr:    listen,
				Codec:   codec,
				Backend: server,
				Logger:  logger.With("component", "devserver"),
			})
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8765", "listen address")
	cmd.Flags().StringVar(&codecName, "codec", "json", "wire codec (json or cbor)")
	cmd.Flags().StringVar(&seed, "seed", "", "recorded event log to preload")
	cmd.Flags().StringArrayVar(&users, "user", nil, "accepted credentials as token=userId (repeatable)")
	return cmd
}
