package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/refpeer"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/audio"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/client"
	"github.com/MrWong99/earshot/pkg/transcribe"
	sinkmock "github.com/MrWong99/earshot/pkg/transcript/mock"
)

func newTestManager(t *testing.T, url string, mutate func(*config.Config)) (*SessionManager, *audiomock.Source) {
	t.Helper()
	cfg := &config.Config{
		Transcription: config.TranscriptionConfig{URL: url},
		Segment:       config.SegmentConfig{Encodings: []string{"pcm"}, RestartDelay: -1},
	}
	config.ApplyDefaults(cfg)
	if mutate != nil {
		mutate(cfg)
	}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	src := &audiomock.Source{}
	sm, err := NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Source:  src,
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	t.Cleanup(func() { _ = sm.Stop() })
	return sm, src
}

func servePeer(t *testing.T) (*refpeer.Server, string) {
	t.Helper()
	peer := refpeer.New(refpeer.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	srv := httptest.NewServer(peer)
	t.Cleanup(srv.Close)
	return peer, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewSessionManager_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewSessionManager(SessionManagerConfig{Source: &audiomock.Source{}}); err == nil {
		t.Error("expected error without config")
	}
	if _, err := NewSessionManager(SessionManagerConfig{Config: &config.Config{}}); err == nil {
		t.Error("expected error without source or registry")
	}
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	peer, url := servePeer(t)
	sm, _ := newTestManager(t, url, nil)

	if sm.ConnectionStatus().State != transcribe.StateDisconnected {
		t.Error("status should be disconnected before Start")
	}

	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sm.IsActive() {
		t.Fatal("expected active session")
	}
	info := sm.Info()
	if info.SessionID == "" || info.URL != url || info.StartedAt.IsZero() {
		t.Errorf("unexpected info %+v", info)
	}
	if sm.Client() == nil || !sm.ConnectionStatus().Connected() {
		t.Error("client should be connected")
	}

	if err := sm.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start = %v, want ErrSessionActive", err)
	}

	if err := sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sm.IsActive() || sm.Client() != nil {
		t.Error("session should be gone after Stop")
	}
	if (sm.Info() != SessionInfo{}) {
		t.Error("info should be reset after Stop")
	}
	if err := sm.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	eventually(t, "peer disconnect", func() bool { return peer.Active() == 0 })
}

func TestSessionManager_QueriesDuringConnectAndStopAborts(t *testing.T) {
	t.Parallel()
	// The server accepts the socket but never completes the handshake.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	sm, _ := newTestManager(t, url, func(cfg *config.Config) {
		cfg.Transcription.HandshakeTimeout = 10 * time.Second
	})
	started := make(chan error, 1)
	go func() { started <- sm.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	queried := make(chan struct{})
	go func() {
		_ = sm.ConnectionStatus()
		_ = sm.IsActive()
		_ = sm.Info()
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("status queries blocked behind a pending connect")
	}
	if err := sm.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("concurrent Start = %v, want ErrSessionActive", err)
	}

	if err := sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-started:
		if err == nil {
			t.Error("Start should fail once Stop aborted it")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not abort the pending connect")
	}
	if sm.IsActive() {
		t.Error("aborted Start must not leave an active session")
	}
}

func TestSessionManager_RestartWhileIdleOnlySwapsConfig(t *testing.T) {
	t.Parallel()
	_, url := servePeer(t)
	sm, _ := newTestManager(t, "ws://127.0.0.1:1/ws", nil)

	next := &config.Config{Transcription: config.TranscriptionConfig{URL: url}}
	config.ApplyDefaults(next)
	if err := sm.Restart(context.Background(), next); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if sm.IsActive() {
		t.Fatal("Restart must not start an idle manager")
	}
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start with swapped config: %v", err)
	}
	if sm.Info().URL != url {
		t.Errorf("url = %q, want %q", sm.Info().URL, url)
	}
}

func TestSessionManager_ReconnectsAfterServerClose(t *testing.T) {
	t.Parallel()
	peer, url := servePeer(t)
	sm, src := newTestManager(t, url, func(cfg *config.Config) {
		cfg.Transcription.AutoStart = true
		cfg.Transcription.Reconnect = config.ReconnectConfig{
			Enabled:         true,
			InitialBackoff:  5 * time.Millisecond,
			MaxBackoff:      20 * time.Millisecond,
			MaxAttempts:     5,
			BreakerFailures: 5,
			BreakerReset:    time.Second,
		}
	})

	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "recording", func() bool { return sm.Client().Snapshot().Recording })
	first := sm.Client().Snapshot().ClientID

	peer.CloseAll(websocket.StatusGoingAway, "restarting")

	eventually(t, "reconnect and resumed recording", func() bool {
		s := sm.Client().Snapshot()
		return s.Status.Connected() && s.Recording && len(src.Opened()) == 2
	})
	if got := sm.Client().Snapshot().ClientID; got == first {
		t.Errorf("client id %q should change after reconnect", got)
	}
	if !src.Opened()[0].Closed() {
		t.Error("capture from the dropped connection should be released")
	}
}

func TestSessionManager_NoReconnectWhenDisabled(t *testing.T) {
	t.Parallel()
	peer, url := servePeer(t)
	sm, _ := newTestManager(t, url, nil)

	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	peer.CloseAll(websocket.StatusGoingAway, "bye")

	eventually(t, "disconnect", func() bool { return !sm.ConnectionStatus().Connected() })
	time.Sleep(50 * time.Millisecond)
	if peer.Active() != 0 {
		t.Errorf("peer connections = %d, want 0", peer.Active())
	}
	if !sm.IsActive() {
		t.Error("session stays active until stopped")
	}
}

func TestSessionManager_SharedSinkSurvivesStop(t *testing.T) {
	t.Parallel()
	_, url := servePeer(t)
	sink := &sinkmock.Sink{}
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cfg := &config.Config{Transcription: config.TranscriptionConfig{URL: url}}
	config.ApplyDefaults(cfg)

	sm, err := NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Source:  &audiomock.Source{},
		Sink:    sink,
		Metrics: m,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sink.Closed() {
		t.Error("the manager must not close the shared sink")
	}
}

func TestErrorKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{&transcribe.ConnectionError{Op: "dial", Err: errors.New("refused")}, "connection"},
		{fmt.Errorf("wrapped: %w", &client.ServerError{Message: "bad audio"}), "server"},
		{&audio.MediaError{Kind: audio.MediaNotFound, Err: errors.New("no device")}, "media"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestReconnectOutcome(t *testing.T) {
	t.Parallel()
	if got := reconnectOutcome(nil); got != "success" {
		t.Errorf("nil = %q", got)
	}
	if got := reconnectOutcome(fmt.Errorf("x: %w", resilience.ErrCircuitOpen)); got != "rejected" {
		t.Errorf("circuit open = %q", got)
	}
	if got := reconnectOutcome(errors.New("refused")); got != "failure" {
		t.Errorf("other = %q", got)
	}
}

func TestSharedSink_CloseIsNoop(t *testing.T) {
	t.Parallel()
	inner := &sinkmock.Sink{}
	if err := (sharedSink{inner}).Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.Closed() {
		t.Error("inner sink should stay open")
	}
}
