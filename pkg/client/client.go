// Package client is the earshot orchestrator. A [Client] wires an audio
// source, the voice-activity detector, the segment recorder, the dispatcher
// and the transcription channel into one pipeline and exposes the connection
// status and the ordered transcription results.
//
// The capture path runs on one pipeline goroutine per recording session:
//
//	Capture.Frames → format conversion → Analyser → Detector → Recorder → Dispatcher → Channel
//
// Results travel the other way, from the channel's read loop to the result
// list, the subscribers and the configured [transcript.Sink].
//
// Callers observe the client either through [Client.Subscribe] callbacks or
// through a [Stream] of [Snapshot] values.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/codec"
	"github.com/MrWong99/earshot/pkg/dispatch"
	"github.com/MrWong99/earshot/pkg/segment"
	"github.com/MrWong99/earshot/pkg/transcribe"
	"github.com/MrWong99/earshot/pkg/transcript"
	"github.com/MrWong99/earshot/pkg/vad"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// sinkBuffer is the number of records queued for the sink before new ones are
// dropped.
const sinkBuffer = 256

// ServerError is an application error reported by the transcription
// service. It does not close the connection.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "client: server error: " + e.Message }

// Hooks observe pipeline internals. All hooks are optional and run on
// pipeline or dispatcher goroutines; they must return quickly.
type Hooks struct {
	// OnVAD is called for every detector transition.
	OnVAD func(vad.Event)

	// OnSegment is called for every finalized segment before dispatch.
	OnSegment func(audio.AudioSegment)

	// OnSent is called after a segment was written to the channel.
	OnSent func(seg audio.AudioSegment, elapsed time.Duration)

	// OnDrop is called for every segment the dispatcher dropped.
	OnDrop func(seg audio.AudioSegment, reason dispatch.Reason)
}

// Config configures a [Client].
type Config struct {
	// Source provides the audio input. Required.
	Source audio.Source

	// Channel configures the transcription connection. Channel.URL is
	// required. A nil Channel.Logger inherits Logger.
	Channel transcribe.Config

	// Encoder encodes segments. Nil negotiates from
	// [codec.DefaultPreference].
	Encoder codec.Encoder

	// VAD configures the voice-activity detector.
	VAD vad.Config

	// FFTSize and Smoothing configure the energy analyser. Zero values use
	// [audio.DefaultFFTSize] and [audio.DefaultSmoothing].
	FFTSize   int
	Smoothing float64

	// RestartDelay and MaxSegmentDuration configure the segment recorder;
	// see [segment.Config].
	RestartDelay       time.Duration
	MaxSegmentDuration time.Duration

	// QueueSize and MaxPayload configure the dispatcher; see
	// [dispatch.Config].
	QueueSize  int
	MaxPayload int

	// SessionID tags sink records. Defaults to a random UUID.
	SessionID string

	// Sink receives every delivered transcription. Optional.
	Sink transcript.Sink

	// SinkTimeout bounds each sink write. Defaults to 5s.
	SinkTimeout time.Duration

	Hooks Hooks

	Logger *slog.Logger
}

// Client is the transcription orchestrator. All methods are safe for
// concurrent use.
type Client struct {
	src        audio.Source
	channel    *transcribe.Channel
	recorder   *segment.Recorder
	dispatcher *dispatch.Dispatcher
	cfg        Config
	log        *slog.Logger

	// lifecycle serialises starting and stopping recording sessions.
	lifecycle sync.Mutex

	mu        sync.Mutex
	results   []transcribe.Result
	delivered uint64
	lastErr   error
	rec       *session
	closed    bool
	subs      map[int]Callbacks
	nextSub   int

	sinkCh   chan transcript.Record
	sinkDone chan struct{}

	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// session is one recording run.
type session struct {
	capture audio.Capture
	frames  <-chan audio.AudioFrame
	done    chan struct{}
}

// New builds a disconnected, idle client.
func New(cfg Config) (*Client, error) {
	if cfg.Source == nil {
		return nil, errors.New("client: source is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = audio.DefaultFFTSize
	}
	if cfg.Smoothing <= 0 {
		cfg.Smoothing = audio.DefaultSmoothing
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	base := log
	log = observe.Logger(observe.WithSession(context.Background(), cfg.SessionID, ""), log)

	enc := cfg.Encoder
	if enc == nil {
		var err error
		if enc, err = codec.Negotiate(codec.DefaultPreference, log); err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	c := &Client{
		src:  cfg.Source,
		cfg:  cfg,
		log:  log,
		subs: make(map[int]Callbacks),
	}

	chCfg := cfg.Channel
	if chCfg.Logger == nil {
		chCfg.Logger = log
	}
	ch, err := transcribe.New(chCfg, transcribe.Listener{
		OnStatus:        c.handleStatus,
		OnTranscription: c.handleTranscription,
		OnServerError:   c.handleServerError,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c.channel = ch

	c.dispatcher, err = dispatch.New(dispatch.Config{
		Sender:     ch,
		MaxPayload: cfg.MaxPayload,
		QueueSize:  cfg.QueueSize,
		OnDrop:     cfg.Hooks.OnDrop,
		OnSent:     cfg.Hooks.OnSent,
		SessionID:  cfg.SessionID,
		Logger:     base,
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	c.recorder, err = segment.New(segment.Config{
		Encoder:            enc,
		Format:             audio.PipelineFormat,
		RestartDelay:       cfg.RestartDelay,
		MaxSegmentDuration: cfg.MaxSegmentDuration,
		OnSegment:          c.handleSegment,
		Logger:             log,
	})
	if err != nil {
		_ = c.dispatcher.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	if cfg.Sink != nil {
		c.sinkCh = make(chan transcript.Record, sinkBuffer)
		c.sinkDone = make(chan struct{})
		go c.runSink()
	}

	log.Info("client: ready", "server", chCfg.URL, "encoding", enc.Name())
	return c, nil
}

// SessionID returns the session identifier used for sink records.
func (c *Client) SessionID() string { return c.cfg.SessionID }

// Connect opens the transcription channel and waits for the handshake.
// Failures are also recorded as [Client.LastError]; there is no automatic
// retry.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.channel.Connect(ctx); err != nil {
		// Subscribers already saw the Error status; keep the typed error.
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect stops recording and closes the channel.
func (c *Client) Disconnect() error {
	recErr := c.StopRecording()
	return errors.Join(recErr, c.channel.Disconnect())
}

// StartRecording opens the audio source and starts the capture pipeline. It
// returns [transcribe.ErrNotConnected] unless the channel is connected and
// the handshake completed. Starting an active recording is a no-op.
func (c *Client) StartRecording(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.rec != nil:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !c.channel.Ready() {
		return transcribe.ErrNotConnected
	}

	capture, err := c.src.Open(ctx)
	if err != nil {
		err = fmt.Errorf("client: open source: %w", err)
		c.reportErr(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = capture.Close()
		return ErrClosed
	}
	s := &session{
		capture: capture,
		frames:  audio.ConvertStream(capture.Frames(), audio.PipelineFormat, c.log),
		done:    make(chan struct{}),
	}
	c.rec = s
	c.recorder.Start()
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pipeline(s)

	c.log.Info("client: recording started", "input_format", capture.Format().String())
	c.notifyRecording(true)
	return nil
}

// StopRecording ends the capture pipeline, releases the audio device and
// dispatches whatever was buffered. Safe to call at any time.
func (c *Client) StopRecording() error {
	c.mu.Lock()
	s := c.rec
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.stopSession(s)
}

// stopSession tears s down exactly once. The capture is closed first, which
// ends the frame stream; the pipeline processes what is already buffered,
// then the recorder flushes the final segment.
func (c *Client) stopSession(s *session) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.rec != s {
		c.mu.Unlock()
		return nil
	}
	c.rec = nil
	c.mu.Unlock()

	var err error
	if cerr := s.capture.Close(); cerr != nil {
		err = fmt.Errorf("client: close source: %w", cerr)
		c.log.Warn("client: close source", "err", cerr)
	}
	<-s.done
	c.recorder.Stop()

	c.log.Info("client: recording stopped")
	c.notifyRecording(false)
	return err
}

// pipeline consumes frames until the capture ends.
func (c *Client) pipeline(s *session) {
	defer c.wg.Done()
	defer close(s.done)

	analyser := audio.NewAnalyser(c.cfg.FFTSize, c.cfg.Smoothing)
	detector := vad.New(c.cfg.VAD)

	for frame := range s.frames {
		frame = analyser.Analyse(frame)
		c.recorder.Append(frame)

		ev, ok := detector.Observe(frame.Energy, frame.Timestamp)
		if !ok {
			continue
		}
		c.log.Debug("client: vad", "event", ev.Type.String(), "at", ev.At, "energy", ev.Energy)
		if c.cfg.Hooks.OnVAD != nil {
			c.cfg.Hooks.OnVAD(ev)
		}
		if ev.Type == vad.EventSilenceConfirmed {
			c.recorder.OnSilenceConfirmed()
		}
	}

	// The input ended on its own, e.g. a replayed file ran out or the device
	// failed. StopRecording already in progress makes this a no-op.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.stopSession(s)
	}()
}

func (c *Client) handleSegment(seg audio.AudioSegment) {
	if c.cfg.Hooks.OnSegment != nil {
		c.cfg.Hooks.OnSegment(seg)
	}
	c.dispatcher.Dispatch(seg)
}

func (c *Client) handleStatus(s transcribe.Status) {
	if s.State == transcribe.StateError {
		c.reportErr(&transcribe.ConnectionError{Op: "read", URL: c.channel.URL(), Err: errors.New(s.Reason)})
	}
	if s.State != transcribe.StateConnected {
		if err := c.StopRecording(); err != nil {
			c.log.Warn("client: stop recording on status change", "status", s.String(), "err", err)
		}
	}
	for _, cb := range c.subscribers() {
		if cb.OnStatus != nil {
			cb.OnStatus(s)
		}
	}
}

func (c *Client) handleTranscription(r transcribe.Result) {
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		c.log.Debug("client: ignoring empty transcription")
		return
	}
	c.mu.Lock()
	c.results = append(c.results, r)
	c.delivered++
	rec := transcript.Record{
		SessionID:  c.cfg.SessionID,
		Seq:        c.delivered,
		ClientID:   r.ClientID,
		Text:       r.Text,
		Timestamp:  r.Timestamp,
		ReceivedAt: time.Now(),
	}
	c.mu.Unlock()

	c.log.Info("client: transcription", "seq", rec.Seq, "chars", len(r.Text))
	if c.sinkCh != nil {
		select {
		case c.sinkCh <- rec:
		default:
			c.log.Warn("client: sink queue full, dropping record", "seq", rec.Seq)
		}
	}
	for _, cb := range c.subscribers() {
		if cb.OnTranscription != nil {
			cb.OnTranscription(r)
		}
	}
}

func (c *Client) handleServerError(msg string) {
	c.reportErr(&ServerError{Message: msg})
}

// runSink writes records to the sink in delivery order.
func (c *Client) runSink() {
	defer close(c.sinkDone)
	for rec := range c.sinkCh {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SinkTimeout)
		if err := c.cfg.Sink.Write(ctx, rec); err != nil {
			c.log.Warn("client: sink write failed", "seq", rec.Seq, "err", err)
		}
		cancel()
	}
}

// Results returns a copy of the received transcriptions, newest first.
func (c *Client) Results() []transcribe.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transcribe.Result, len(c.results))
	for i, r := range c.results {
		out[len(c.results)-1-i] = r
	}
	return out
}

// ClearResults empties the result list. Sink records are unaffected.
func (c *Client) ClearResults() {
	c.mu.Lock()
	c.results = nil
	c.mu.Unlock()
}

// Status returns the channel status.
func (c *Client) Status() transcribe.Status { return c.channel.Status() }

// ClientID returns the identity assigned by the server, or "".
func (c *Client) ClientID() string { return c.channel.ClientID() }

// Recording reports whether a capture session is active.
func (c *Client) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

// LastError returns the most recent connection, media or server error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot returns the current client state.
func (c *Client) Snapshot() Snapshot {
	return Snapshot{
		Status:    c.Status(),
		ClientID:  c.ClientID(),
		Recording: c.Recording(),
		Results:   c.Results(),
		Err:       c.LastError(),
	}
}

// Close stops recording, releases the audio device and closes the
// connection, in that order. Later calls return the first call's result.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		recErr := c.StopRecording()
		errs := []error{recErr, c.dispatcher.Close(), c.channel.Close()}
		c.wg.Wait()
		if c.sinkCh != nil {
			close(c.sinkCh)
			<-c.sinkDone
			errs = append(errs, c.cfg.Sink.Close())
		}
		c.closeErr = errors.Join(errs...)
		c.log.Info("client: closed")
	})
	return c.closeErr
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reportErr records err as the last error and notifies subscribers.
func (c *Client) reportErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	for _, cb := range c.subscribers() {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
}
