// Package app wires all earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the transcript sinks and
// the session manager, Run connects and blocks, and Shutdown tears
// everything down in order. Config reloads arrive through [App.ApplyConfig].
//
// For testing, inject doubles via functional options (WithSource, WithSinks,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config through the component registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/client"
	"github.com/MrWong99/earshot/pkg/transcript"
)

// App owns all subsystem lifetimes.
type App struct {
	registry *config.Registry
	metrics  *observe.Metrics
	level    *slog.LevelVar
	log      *slog.Logger
	source   audio.Source
	sinks    []transcript.Named
	watchers []client.Callbacks

	mu  sync.Mutex
	cfg *config.Config
	ctx context.Context // set by Run; bounds reconnects triggered by reloads

	fanout   *transcript.Fanout
	sessions *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the component registry. Defaults to a registry with the
// built-in sources and sinks.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar sets the level variable that config reloads update.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithSource injects an audio source instead of building one from config.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithSinks injects transcript sinks instead of building them from config.
func WithSinks(sinks ...transcript.Named) Option {
	return func(a *App) { a.sinks = sinks }
}

// WithCallbacks subscribes cb to every transcription client the app builds,
// including the ones created by reconnects after a config change.
func WithCallbacks(cb client.Callbacks) Option {
	return func(a *App) { a.watchers = append(a.watchers, cb) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Sinks are opened
// here; the transcription connection is opened by Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(ParseLevel(cfg.Server.LogLevel))

	// ── 1. Transcript sinks ──────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	var sink transcript.Sink
	if a.fanout.Len() > 0 {
		sink = a.fanout
	}
	sm, err := NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Registry:  a.registry,
		Source:    a.source,
		Sink:      sink,
		Observers: a.watchers,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	if err != nil {
		_ = a.fanout.Close()
		return nil, err
	}
	a.sessions = sm
	a.closers = append(a.closers, sm.Stop, a.fanout.Close)

	return a, nil
}

// initSinks opens every configured sink, or adopts the injected ones.
func (a *App) initSinks(ctx context.Context) error {
	named := a.sinks
	if named == nil {
		for _, entry := range a.cfg.Sinks {
			s, err := a.registry.CreateSink(ctx, entry)
			if err != nil {
				for _, n := range named {
					_ = n.Sink.Close()
				}
				return fmt.Errorf("sink %q: %w", entry.DisplayName(), err)
			}
			named = append(named, transcript.Named{Name: entry.DisplayName(), Sink: s})
			a.log.Info("transcript sink opened", "name", entry.DisplayName(), "type", entry.Type)
		}
	}
	a.fanout = transcript.NewFanout(named,
		transcript.WithLogger(a.log),
		transcript.WithErrorHook(func(name string, _ error) {
			a.metrics.RecordSinkError(context.Background(), name)
		}),
	)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the transcription service and blocks until ctx is
// cancelled. A failed initial connect is returned immediately.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if err := a.sessions.Start(ctx); err != nil {
		return err
	}

	a.log.Info("app running", "session_id", a.sessions.Info().SessionID)
	<-ctx.Done()
	return ctx.Err()
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Snapshot returns the active client's state, or a disconnected snapshot when
// no session runs.
func (a *App) Snapshot() client.Snapshot {
	if c := a.sessions.Client(); c != nil {
		return c.Snapshot()
	}
	return client.Snapshot{Status: a.sessions.ConnectionStatus()}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded config. It matches [config.ChangeFunc] so it
// can be handed to a [config.Watcher] directly. Log level changes apply
// immediately; endpoint changes restart the session; everything else is
// logged as requiring a process restart.
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	a.cfg = next
	ctx := a.ctx
	a.mu.Unlock()

	if diff.LogLevelChanged {
		a.level.Set(ParseLevel(diff.NewLogLevel))
		a.log.Info("log level changed", "level", diff.NewLogLevel)
	}

	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart to take effect", "sections", diff.RestartRequired)
	}

	if !diff.ConnectionChanged {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		return
	}
	a.log.Info("transcription endpoint changed, reconnecting", "url", diff.NewURL)
	if err := a.sessions.Restart(ctx, next); err != nil {
		a.log.Error("failed to reconnect after config change", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and closes the sinks. It respects the deadline
// of ctx; closers still running when it expires are abandoned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			var errs []error
			for _, fn := range a.closers {
				if e := fn(); e != nil {
					errs = append(errs, e)
				}
			}
			done <- errors.Join(errs...)
		}()

		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

// ParseLevel maps a config log level to a [slog.Level]. Unknown values map
// to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
