// Command earshot captures microphone audio, cuts it into utterances at
// pauses and streams them to a transcription service.
//
// Usage:
//
//	earshot run  -config earshot.yaml
//	earshot peer -listen :8765
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/refpeer"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/client"
	"github.com/MrWong99/earshot/pkg/transcribe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "run":
		return runClient(args)
	case "peer":
		return runPeer(args)
	case "version":
		fmt.Println("earshot", version)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "earshot: unknown command %q (want run, peer or version)\n", cmd)
		return 2
	}
}

// ── run ──────────────────────────────────────────────────────────────────────

func runClient(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "earshot.yaml", "path to the YAML configuration file")
	envFile := fs.String("env", "", "optional .env file loaded before the config (default ./.env)")
	watchInterval := fs.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables reloads")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"url", cfg.Transcription.URL,
		"source", cfg.Audio.Source,
		"sinks", len(cfg.Sinks),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	application, err := app.New(ctx, cfg,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
		app.WithLogger(logger),
		app.WithCallbacks(client.Callbacks{
			OnTranscription: printResult,
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := application.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if *watchInterval > 0 {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig,
			config.WithInterval(*watchInterval),
			config.WithWatcherLogger(logger),
		)
		if err != nil {
			slog.Warn("config reloads disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	if addr := cfg.Server.ListenAddr; addr != "" {
		srv := adminServer(addr, application, metrics, logger)
		g.Go(func() error {
			slog.Info("admin server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func adminServer(addr string, a *app.App, m *observe.Metrics, log *slog.Logger) *http.Server {
	hh := health.New(
		health.ConnectionCheck("transcription", a.Sessions().ConnectionStatus),
	).WithStatus(func() any { return newStatusView(a.Snapshot()) })

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m, log)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// statusView is the /status response body.
type statusView struct {
	Status    string       `json:"status"`
	ClientID  string       `json:"client_id,omitempty"`
	Recording bool         `json:"recording"`
	Results   []resultView `json:"results"`
	Error     string       `json:"error,omitempty"`
}

type resultView struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func newStatusView(s client.Snapshot) statusView {
	v := statusView{
		Status:    s.Status.String(),
		ClientID:  s.ClientID,
		Recording: s.Recording,
		Results:   make([]resultView, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		v.Results = append(v.Results, resultView{Text: r.Text, Timestamp: r.Timestamp})
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

func printResult(r transcribe.Result) {
	fmt.Printf("[%s] %s\n", r.Timestamp.Local().Format(time.TimeOnly), r.Text)
}

// ── peer ─────────────────────────────────────────────────────────────────────

// runPeer serves the reference transcription endpoint. Without -whisper it
// describes each segment instead of recognising speech, which is enough to
// exercise a client end to end.
func runPeer(args []string) int {
	fs := flag.NewFlagSet("peer", flag.ContinueOnError)
	listen := fs.String("listen", ":8765", "address to listen on")
	path := fs.String("path", "/", "WebSocket endpoint path")
	whisperURL := fs.String("whisper", "", "whisper-server base URL to transcribe with (e.g. http://localhost:8080)")
	language := fs.String("language", "", "language hint passed to whisper-server")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var transcriber refpeer.Transcriber
	if *whisperURL != "" {
		w, err := refpeer.NewWhisper(*whisperURL,
			refpeer.WithLanguage(*language),
			refpeer.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				Name:   "whisper",
				Logger: logger,
			})),
		)
		if err != nil {
			slog.Error("invalid whisper configuration", "err", err)
			return 2
		}
		transcriber = w
	}

	peer := refpeer.New(refpeer.Config{
		Transcriber: transcriber,
		OnAudio: func(clientID string, payload []byte) {
			logger.Debug("segment received", "client_id", clientID, "bytes", len(payload))
		},
		Logger: logger,
	})
	mux := http.NewServeMux()
	mux.Handle(*path, peer)
	srv := &http.Server{Addr: *listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("reference peer listening", "addr", *listen, "path", *path, "whisper", *whisperURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		peer.CloseAll(websocket.StatusGoingAway, "server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("peer error", "err", err)
		return 1
	}
	return 0
}
