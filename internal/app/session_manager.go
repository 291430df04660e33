package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/client"
	"github.com/MrWong99/earshot/pkg/codec"
	"github.com/MrWong99/earshot/pkg/dispatch"
	"github.com/MrWong99/earshot/pkg/transcribe"
	"github.com/MrWong99/earshot/pkg/transcript"
	"github.com/MrWong99/earshot/pkg/vad"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session runs.
var ErrSessionActive = errors.New("app: session already active")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID tags every transcript record of this session.
	SessionID string

	// URL is the transcription endpoint.
	URL string

	// StartedAt is when the session connected.
	StartedAt time.Time
}

// SessionManager owns the transcription client. Only one session can be
// active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	client *client.Client
	recon  *session.Reconnector
	unsub  func()
	cancel context.CancelFunc

	// abortStart cancels a Start that is still connecting.
	abortStart context.CancelFunc

	// Dependencies injected at construction.
	cfg       *config.Config
	registry  *config.Registry
	source    audio.Source
	sink      transcript.Sink
	observers []client.Callbacks
	metrics   *observe.Metrics
	log       *slog.Logger
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Config is the initial configuration. Required.
	Config *config.Config

	// Registry builds the audio source unless Source is set.
	Registry *config.Registry

	// Source overrides the registry-built audio source.
	Source audio.Source

	// Sink receives transcripts. It is shared across sessions and never
	// closed by the manager.
	Sink transcript.Sink

	// Observers are subscribed to every client the manager builds.
	Observers []client.Callbacks

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// NewSessionManager creates a [SessionManager] with no active session.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Config == nil {
		return nil, errors.New("app: session manager requires a config")
	}
	if cfg.Source == nil && cfg.Registry == nil {
		return nil, errors.New("app: session manager requires a source or a registry")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:       cfg.Config,
		registry:  cfg.Registry,
		source:    cfg.Source,
		sink:      cfg.Sink,
		observers: cfg.Observers,
		metrics:   m,
		log:       log,
	}, nil
}

// Start builds a client for the current config, connects it and, when
// transcription.auto_start is set, starts recording. The connect runs
// without holding the manager lock, so status queries stay responsive; a
// Stop during the connect aborts it.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active || sm.abortStart != nil {
		sm.mu.Unlock()
		return ErrSessionActive
	}
	cfg := sm.cfg
	startCtx, abort := context.WithCancel(ctx)
	sm.abortStart = abort
	sm.mu.Unlock()

	spanCtx, span := observe.StartSpan(startCtx, "session.start")
	c, recon, unsub, err := sm.open(spanCtx, cfg)
	observe.EndSpan(span, err)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	aborted := startCtx.Err() != nil && ctx.Err() == nil
	abort()
	sm.abortStart = nil
	if err != nil {
		return err
	}
	if aborted {
		_ = c.Close()
		unsub()
		return fmt.Errorf("app: start: %w", context.Canceled)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if recon != nil {
		recon.Monitor(runCtx)
	}

	sm.client = c
	sm.recon = recon
	sm.unsub = unsub
	sm.cancel = cancel
	sm.active = true
	sm.info = SessionInfo{
		SessionID: c.SessionID(),
		URL:       cfg.Transcription.URL,
		StartedAt: time.Now().UTC(),
	}

	observe.Logger(observe.WithSession(spanCtx, c.SessionID(), c.ClientID()), sm.log).Info("session started",
		"url", sm.info.URL,
		"auto_start", cfg.Transcription.AutoStart,
		"reconnect", recon != nil,
	)
	return nil
}

// open builds, connects and optionally starts a client for cfg. On error
// everything it built is released.
func (sm *SessionManager) open(ctx context.Context, cfg *config.Config) (*client.Client, *session.Reconnector, func(), error) {
	c, err := sm.buildClient(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var recon *session.Reconnector
	if rc := cfg.Transcription.Reconnect; rc.Enabled {
		recon, err = sm.buildReconnector(c, cfg)
		if err != nil {
			_ = c.Close()
			return nil, nil, nil, err
		}
	}

	unsubs := []func(){c.Subscribe(sm.callbacks(recon))}
	for _, cb := range sm.observers {
		unsubs = append(unsubs, c.Subscribe(cb))
	}
	unsub := func() {
		for _, u := range unsubs {
			u()
		}
	}
	cleanup := func() {
		_ = c.Close()
		unsub()
	}

	if recon != nil {
		err = recon.Connect(ctx)
	} else {
		err = c.Connect(ctx)
	}
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("app: connect: %w", err)
	}

	if cfg.Transcription.AutoStart {
		if err := c.StartRecording(ctx); err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("app: start recording: %w", err)
		}
	}
	return c, recon, unsub, nil
}

// Stop disconnects and closes the active client. It is a no-op when no
// session is active.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopLocked()
}

func (sm *SessionManager) stopLocked() error {
	if sm.abortStart != nil {
		sm.abortStart()
	}
	if !sm.active {
		return nil
	}

	var errs []error
	if sm.recon != nil {
		// Mark the connection unwanted before it drops.
		if err := sm.recon.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
		sm.recon.Stop()
	}
	sm.cancel()
	if err := sm.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close client: %w", err))
	}
	sm.unsub()

	observe.Logger(observe.WithSession(context.Background(), sm.info.SessionID, ""), sm.log).Info("session stopped",
		"duration", time.Since(sm.info.StartedAt).Round(time.Second),
	)

	sm.active = false
	sm.info = SessionInfo{}
	sm.client = nil
	sm.recon = nil
	sm.unsub = nil
	sm.cancel = nil
	return errors.Join(errs...)
}

// Restart replaces the config and, if a session is active, tears it down and
// starts a new one against the new endpoint.
func (sm *SessionManager) Restart(ctx context.Context, cfg *config.Config) error {
	sm.mu.Lock()
	wasActive := sm.active
	stopErr := sm.stopLocked()
	sm.cfg = cfg
	sm.mu.Unlock()

	if stopErr != nil {
		sm.log.Warn("errors while stopping session for restart", "err", stopErr)
	}
	if !wasActive {
		return nil
	}
	return sm.Start(ctx)
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the current session. The zero value is returned
// when no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Client returns the active client, or nil.
func (sm *SessionManager) Client() *client.Client {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.client
}

// ConnectionStatus returns the active client's channel status, or
// disconnected when no session is active.
func (sm *SessionManager) ConnectionStatus() transcribe.Status {
	if c := sm.Client(); c != nil {
		return c.Status()
	}
	return transcribe.Status{State: transcribe.StateDisconnected}
}

// ── client wiring ───────────────────────────────────────────────────────────

func (sm *SessionManager) buildClient(cfg *config.Config) (*client.Client, error) {
	src := sm.source
	if src == nil {
		var err error
		src, err = sm.registry.CreateSource(cfg.Audio, sm.log)
		if err != nil {
			return nil, fmt.Errorf("app: create source: %w", err)
		}
	}

	enc, err := codec.Negotiate(cfg.Segment.Encodings, sm.log)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	t := cfg.Transcription
	var header http.Header
	if len(t.Headers) > 0 {
		header = make(http.Header, len(t.Headers))
		for k, v := range t.Headers {
			header.Set(k, v)
		}
	}

	var sink transcript.Sink
	if sm.sink != nil {
		sink = sharedSink{sm.sink}
	}

	c, err := client.New(client.Config{
		Source: src,
		Channel: transcribe.Config{
			URL:               t.URL,
			HandshakeTimeout:  t.HandshakeTimeout,
			KeepaliveInterval: t.KeepaliveInterval,
			WriteTimeout:      t.WriteTimeout,
			HTTPHeader:        header,
		},
		Encoder: enc,
		VAD: vad.Config{
			Threshold:  cfg.VAD.Threshold,
			MinSilence: cfg.VAD.MinSilence,
		},
		FFTSize:            cfg.VAD.FFTSize,
		Smoothing:          cfg.VAD.Smoothing,
		RestartDelay:       cfg.Segment.RestartDelay,
		MaxSegmentDuration: cfg.Segment.MaxDuration,
		QueueSize:          cfg.Dispatch.QueueSize,
		MaxPayload:         cfg.Dispatch.MaxPayload,
		Sink:               sink,
		Hooks:              sm.hooks(),
		Logger:             sm.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return c, nil
}

func (sm *SessionManager) buildReconnector(c *client.Client, cfg *config.Config) (*session.Reconnector, error) {
	rc := cfg.Transcription.Reconnect
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "transcription",
		MaxFailures:  rc.BreakerFailures,
		ResetTimeout: rc.BreakerReset,
		Logger:       sm.log,
	})
	autoStart := cfg.Transcription.AutoStart
	return session.NewReconnector(session.ReconnectorConfig{
		Conn:       c,
		MaxRetries: rc.MaxAttempts,
		Backoff:    rc.InitialBackoff,
		MaxBackoff: rc.MaxBackoff,
		Breaker:    breaker,
		OnAttempt: func(_ int, err error) {
			sm.metrics.RecordReconnect(context.Background(), reconnectOutcome(err))
		},
		OnReconnect: func() {
			if !autoStart {
				return
			}
			if err := c.StartRecording(context.Background()); err != nil {
				sm.log.Warn("failed to resume recording after reconnect", "err", err)
			}
		},
		OnGiveUp: func(err error) {
			sm.log.Error("transcription connection lost", "err", err)
		},
		Logger: sm.log,
	})
}

func (sm *SessionManager) hooks() client.Hooks {
	ctx := context.Background()
	m := sm.metrics
	return client.Hooks{
		OnVAD: func(e vad.Event) {
			m.RecordVADEvent(ctx, e.Type.String())
		},
		OnSegment: func(seg audio.AudioSegment) {
			m.RecordSegment(ctx, seg.Encoding, seg.Duration.Seconds(), len(seg.Data))
		},
		OnSent: func(_ audio.AudioSegment, elapsed time.Duration) {
			m.SendDuration.Record(ctx, elapsed.Seconds())
		},
		OnDrop: func(_ audio.AudioSegment, reason dispatch.Reason) {
			m.RecordDrop(ctx, string(reason))
		},
	}
}

func (sm *SessionManager) callbacks(recon *session.Reconnector) client.Callbacks {
	ctx := context.Background()
	m := sm.metrics
	return client.Callbacks{
		OnStatus: func(s transcribe.Status) {
			m.SetConnectionState(ctx, int64(s.State))
			if recon != nil {
				recon.HandleStatus(s)
			}
		},
		OnTranscription: func(transcribe.Result) {
			m.Transcriptions.Add(ctx, 1)
		},
		OnRecording: func(recording bool) {
			if recording {
				m.ActiveRecordings.Add(ctx, 1)
			} else {
				m.ActiveRecordings.Add(ctx, -1)
			}
		},
		OnError: func(err error) {
			m.RecordError(ctx, errorKind(err))
		},
	}
}

// errorKind classifies client errors for metrics.
func errorKind(err error) string {
	var (
		connErr   *transcribe.ConnectionError
		serverErr *client.ServerError
		mediaErr  *audio.MediaError
	)
	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &serverErr):
		return "server"
	case errors.As(err, &mediaErr):
		return "media"
	default:
		return "other"
	}
}

func reconnectOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "rejected"
	default:
		return "failure"
	}
}

// sharedSink hands the app-owned sink to a client without letting the client
// close it.
type sharedSink struct{ transcript.Sink }

func (sharedSink) Close() error { return nil }
