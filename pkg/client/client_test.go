package client_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/refpeer"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/client"
	"github.com/MrWong99/earshot/pkg/codec"
	"github.com/MrWong99/earshot/pkg/transcribe"
	transcriptmock "github.com/MrWong99/earshot/pkg/transcript/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const frameDur = 100 * time.Millisecond

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// counting returns a transcriber that answers "segment N" and records the
// decoded PCM length of every WAV payload.
type counting struct {
	mu   sync.Mutex
	n    int
	pcm  []int
	text func(n int) string
}

func (c *counting) Transcribe(_ context.Context, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	pcm, _, err := codec.DecodeWAV(payload)
	if err != nil {
		return "", err
	}
	c.pcm = append(c.pcm, len(pcm))
	if c.text != nil {
		return c.text(c.n), nil
	}
	return fmt.Sprintf("segment %d", c.n), nil
}

func startPeer(t *testing.T, tr refpeer.Transcriber) (*refpeer.Server, string) {
	t.Helper()
	peer := refpeer.New(refpeer.Config{
		Transcriber: tr,
		NewClientID: func() string { return "client-under-test" },
		Logger:      discard(),
	})
	srv := httptest.NewServer(peer)
	t.Cleanup(srv.Close)
	return peer, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// feeder pushes synthetic 100ms frames with monotonic timestamps. Speech is
// broadband noise so it registers across the whole spectrum.
type feeder struct {
	t       *testing.T
	capture *mock.Capture
	rng     *rand.Rand
	ts      time.Duration
}

func (f *feeder) push(amp int, frames int) {
	f.t.Helper()
	if f.rng == nil {
		f.rng = rand.New(rand.NewPCG(1, 2))
	}
	n := audio.PipelineFormat.BytesFor(frameDur) / 2
	for range frames {
		data := make([]byte, n*2)
		if amp > 0 {
			for i := range n {
				v := int16(f.rng.IntN(2*amp+1) - amp)
				binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
			}
		}
		frame := audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1, Timestamp: f.ts}
		if !f.capture.Push(frame) {
			f.t.Fatalf("capture buffer full at %v", f.ts)
		}
		f.ts += frameDur
	}
}

func (f *feeder) speech(frames int)  { f.push(8000, frames) }
func (f *feeder) silence(frames int) { f.push(0, frames) }

type fixture struct {
	client  *client.Client
	source  *mock.Source
	capture *mock.Capture
	feed    *feeder
	peer    *refpeer.Server
}

func newFixture(t *testing.T, tr refpeer.Transcriber, mutate func(*client.Config)) *fixture {
	t.Helper()
	peer, url := startPeer(t, tr)
	capture := mock.NewCapture(audio.PipelineFormat, 256)
	src := &mock.Source{Capture: capture}
	cfg := client.Config{
		Source:       src,
		Channel:      transcribe.Config{URL: url},
		Encoder:      codec.WAV{},
		Smoothing:    0.01,
		RestartDelay: -1,
		Logger:       discard(),
	}
	cfg.VAD.MinSilence = 300 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return &fixture{client: c, source: src, capture: capture, feed: &feeder{t: t, capture: capture}, peer: peer}
}

func (fx *fixture) connectAndRecord(t *testing.T) {
	t.Helper()
	if err := fx.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := fx.client.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresSourceAndURL(t *testing.T) {
	if _, err := client.New(client.Config{Channel: transcribe.Config{URL: "ws://x"}}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := client.New(client.Config{Source: &mock.Source{}, Encoder: codec.WAV{}}); err == nil {
		t.Error("expected error without url")
	}
}

func TestStartRecording_RequiresConnection(t *testing.T) {
	fx := newFixture(t, nil, nil)
	err := fx.client.StartRecording(context.Background())
	if !errors.Is(err, transcribe.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if fx.source.CallCountOpen != 0 {
		t.Error("source opened while disconnected")
	}
}

func TestClient_SegmentsAtPausesAndOrdersResults(t *testing.T) {
	tr := &counting{}
	fx := newFixture(t, tr, nil)
	fx.connectAndRecord(t)

	if fx.client.ClientID() != "client-under-test" {
		t.Errorf("ClientID = %q", fx.client.ClientID())
	}
	if !fx.client.Recording() {
		t.Fatal("Recording = false after StartRecording")
	}

	fx.feed.speech(5)
	fx.feed.silence(6)
	waitUntil(t, "first result", func() bool { return len(fx.client.Results()) == 1 })

	fx.feed.speech(3)
	fx.feed.silence(6)
	waitUntil(t, "second result", func() bool { return len(fx.client.Results()) == 2 })

	got := fx.client.Results()
	if got[0].Text != "segment 2" || got[1].Text != "segment 1" {
		t.Errorf("results = %q, %q; want newest first", got[0].Text, got[1].Text)
	}
	if got[0].ClientID != "client-under-test" {
		t.Errorf("result client id = %q", got[0].ClientID)
	}

	// Segments are cut at confirmed pauses, not on every silent frame.
	tr.mu.Lock()
	first := tr.pcm[0]
	tr.mu.Unlock()
	if minBytes := audio.PipelineFormat.BytesFor(8 * frameDur); first < minBytes {
		t.Errorf("first segment holds %d bytes, want at least speech plus confirmed silence (%d)", first, minBytes)
	}
}

func TestClient_DefaultRestartDelaySplitsFastInput(t *testing.T) {
	// Frames are pushed far faster than real time, as a replayed file
	// delivers them. The restart delay must not swallow any pause.
	tr := &counting{}
	fx := newFixture(t, tr, func(cfg *client.Config) { cfg.RestartDelay = 0 })
	fx.connectAndRecord(t)

	for range 3 {
		fx.feed.speech(10)
		fx.feed.silence(6)
	}
	waitUntil(t, "three results", func() bool { return len(fx.client.Results()) == 3 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.n != 3 {
		t.Errorf("segments transcribed = %d, want 3", tr.n)
	}
}

func TestClient_StopRecordingFlushesAndReleasesDevice(t *testing.T) {
	tr := &counting{}
	fx := newFixture(t, tr, nil)
	fx.connectAndRecord(t)

	fx.feed.speech(4)
	if err := fx.client.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if fx.client.Recording() {
		t.Error("Recording = true after StopRecording")
	}
	if !fx.capture.Closed() {
		t.Error("capture not closed")
	}
	waitUntil(t, "flushed segment", func() bool { return len(fx.client.Results()) == 1 })

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if want := audio.PipelineFormat.BytesFor(4 * frameDur); tr.pcm[0] != want {
		t.Errorf("flushed %d bytes, want %d", tr.pcm[0], want)
	}

	if err := fx.client.StopRecording(); err != nil {
		t.Errorf("second StopRecording: %v", err)
	}
}

func TestClient_IgnoresEmptyTranscriptions(t *testing.T) {
	tr := &counting{text: func(n int) string {
		if n == 1 {
			return "   "
		}
		return "  real words \n"
	}}
	var mu sync.Mutex
	var delivered []string
	fx := newFixture(t, tr, nil)
	fx.client.Subscribe(client.Callbacks{OnTranscription: func(r transcribe.Result) {
		mu.Lock()
		delivered = append(delivered, r.Text)
		mu.Unlock()
	}})
	fx.connectAndRecord(t)

	fx.feed.speech(3)
	fx.feed.silence(6)
	fx.feed.speech(3)
	fx.feed.silence(6)
	waitUntil(t, "non-empty result", func() bool { return len(fx.client.Results()) == 1 })

	if got := fx.client.Results()[0].Text; got != "real words" {
		t.Errorf("result = %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "real words" {
		t.Errorf("callbacks = %q, want only the trimmed non-empty result", delivered)
	}
}

func TestClient_ServerErrorIsSurfaced(t *testing.T) {
	tr := refpeer.TranscriberFunc(func(context.Context, []byte) (string, error) {
		return "", errors.New("model offline")
	})
	errs := make(chan error, 4)
	fx := newFixture(t, tr, nil)
	fx.client.Subscribe(client.Callbacks{OnError: func(err error) { errs <- err }})
	fx.connectAndRecord(t)

	fx.feed.speech(3)
	fx.feed.silence(6)

	select {
	case err := <-errs:
		var serr *client.ServerError
		if !errors.As(err, &serr) || !strings.Contains(serr.Message, "model offline") {
			t.Fatalf("err = %v, want ServerError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error callback")
	}
	var serr *client.ServerError
	if !errors.As(fx.client.LastError(), &serr) {
		t.Errorf("LastError = %v", fx.client.LastError())
	}
	if fx.client.Status().State != transcribe.StateConnected {
		t.Error("server error frames must not close the connection")
	}
}

func TestClient_MediaErrorOnStart(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.source.OpenErr = &audio.MediaError{Kind: audio.MediaPermissionDenied, Input: "default"}
	if err := fx.client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := fx.client.StartRecording(context.Background())
	if !audio.IsMediaError(err, audio.MediaPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if fx.client.Recording() {
		t.Error("Recording = true after failed open")
	}
	if !audio.IsMediaError(fx.client.LastError(), audio.MediaPermissionDenied) {
		t.Errorf("LastError = %v", fx.client.LastError())
	}
}

func TestClient_PeerCloseStopsRecording(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.connectAndRecord(t)

	fx.peer.CloseAll(websocket.StatusGoingAway, "restart")
	waitUntil(t, "recording stop", func() bool { return !fx.client.Recording() })

	if st := fx.client.Status(); st.State != transcribe.StateDisconnected {
		t.Errorf("status = %v, want disconnected", st)
	}
	if !fx.capture.Closed() {
		t.Error("capture not released after peer close")
	}
	if fx.client.ClientID() != "" {
		t.Errorf("ClientID = %q after close", fx.client.ClientID())
	}
}

func TestClient_DisconnectStopsRecordingFirst(t *testing.T) {
	fx := newFixture(t, nil, nil)
	var mu sync.Mutex
	var events []string
	fx.client.Subscribe(client.Callbacks{
		OnRecording: func(r bool) {
			mu.Lock()
			events = append(events, fmt.Sprintf("recording=%v", r))
			mu.Unlock()
		},
		OnStatus: func(s transcribe.Status) {
			mu.Lock()
			events = append(events, s.State.String())
			mu.Unlock()
		},
	})
	fx.connectAndRecord(t)

	if err := fx.client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if fx.client.Recording() || !fx.capture.Closed() {
		t.Error("recording still active after disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	stop, disc := -1, -1
	for i, e := range events {
		switch {
		case e == "recording=false" && stop < 0:
			stop = i
		case e == transcribe.StateDisconnected.String() && disc < 0:
			disc = i
		}
	}
	if stop < 0 || disc < 0 || stop > disc {
		t.Errorf("events = %v, want recording stop before disconnect", events)
	}
}

func TestClient_SourceEndStopsRecording(t *testing.T) {
	fx := newFixture(t, &counting{}, nil)
	fx.connectAndRecord(t)

	fx.feed.speech(2)
	fx.capture.End()
	waitUntil(t, "recording stop", func() bool { return !fx.client.Recording() })
	waitUntil(t, "flushed result", func() bool { return len(fx.client.Results()) == 1 })

	// A new recording opens a new capture.
	fx.source.Capture = nil
	if err := fx.client.StartRecording(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if n := len(fx.source.Opened()); n != 2 {
		t.Errorf("opened %d captures, want 2", n)
	}
}

func TestClient_SinkReceivesRecordsInOrder(t *testing.T) {
	sink := &transcriptmock.Sink{}
	fx := newFixture(t, &counting{}, func(cfg *client.Config) {
		cfg.Sink = sink
		cfg.SessionID = "session-7"
	})
	fx.connectAndRecord(t)

	for range 3 {
		fx.feed.speech(2)
		fx.feed.silence(6)
	}
	waitUntil(t, "three results", func() bool { return len(fx.client.Results()) == 3 })

	if err := fx.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	recs := sink.Records()
	if len(recs) < 3 {
		t.Fatalf("sink records = %d, want at least 3", len(recs))
	}
	for i, r := range recs[:3] {
		if r.Seq != uint64(i+1) || r.Text != fmt.Sprintf("segment %d", i+1) || r.SessionID != "session-7" {
			t.Errorf("record %d = %+v", i, r)
		}
	}
	if !sink.Closed() {
		t.Error("sink not closed")
	}
}

func TestClient_ClearResults(t *testing.T) {
	fx := newFixture(t, &counting{}, nil)
	fx.connectAndRecord(t)
	fx.feed.speech(2)
	fx.feed.silence(6)
	waitUntil(t, "result", func() bool { return len(fx.client.Results()) == 1 })

	fx.client.ClearResults()
	if n := len(fx.client.Results()); n != 0 {
		t.Errorf("results after clear = %d", n)
	}
}

func TestClient_CloseOnce(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.connectAndRecord(t)

	if err := fx.client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fx.client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if fx.capture.CallCountClose != 1 {
		t.Errorf("capture closed %d times, want 1", fx.capture.CallCountClose)
	}
	if st := fx.client.Status(); st.State != transcribe.StateDisconnected {
		t.Errorf("status = %v", st)
	}
	if err := fx.client.Connect(context.Background()); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Connect after Close err = %v, want ErrClosed", err)
	}
	if err := fx.client.StartRecording(context.Background()); !errors.Is(err, client.ErrClosed) {
		t.Errorf("StartRecording after Close err = %v, want ErrClosed", err)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	fx := newFixture(t, nil, func(cfg *client.Config) {
		cfg.Channel.URL = "ws://127.0.0.1:1/unreachable"
	})
	var mu sync.Mutex
	var reported []error
	fx.client.Subscribe(client.Callbacks{OnError: func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}})
	err := fx.client.Connect(context.Background())

	mu.Lock()
	for _, rerr := range reported {
		var cerr *transcribe.ConnectionError
		if !errors.As(rerr, &cerr) {
			t.Errorf("reported error %v is not a ConnectionError", rerr)
		}
	}
	if len(reported) == 0 {
		t.Error("error status was not reported")
	}
	mu.Unlock()

	var cerr *transcribe.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	if !errors.As(fx.client.LastError(), &cerr) {
		t.Errorf("LastError = %v", fx.client.LastError())
	}
	if fx.client.Status().State != transcribe.StateError {
		t.Errorf("status = %v", fx.client.Status())
	}
}

func TestStream_DeliversSnapshots(t *testing.T) {
	fx := newFixture(t, nil, nil)
	stream := client.NewStream(fx.client, 8)
	defer stream.Close()

	first := <-stream.C()
	if first.Status.State != transcribe.StateDisconnected || first.Recording {
		t.Errorf("initial snapshot = %+v", first)
	}

	fx.connectAndRecord(t)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-stream.C():
			if snap.Recording && snap.Status.Connected() && snap.ClientID == "client-under-test" {
				stream.Close()
				stream.Close()
				for range stream.C() {
				}
				return
			}
		case <-deadline:
			t.Fatal("no recording snapshot")
		}
	}
}

func TestStream_SlowReaderKeepsLatest(t *testing.T) {
	fx := newFixture(t, nil, nil)
	stream := client.NewStream(fx.client, 1)
	defer stream.Close()

	fx.connectAndRecord(t)

	snap := <-stream.C()
	if !snap.Recording {
		t.Errorf("buffered snapshot = %+v, want the latest state", snap)
	}
}

func TestStream_LastSnapshotIsNewest(t *testing.T) {
	fx := newFixture(t, nil, nil)
	stream := client.NewStream(fx.client, 1)
	defer stream.Close()

	fx.connectAndRecord(t)
	if err := fx.client.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	snap := <-stream.C()
	if snap.Recording || !snap.Status.Connected() {
		t.Errorf("snapshot = %+v, want connected and not recording", snap)
	}
}
