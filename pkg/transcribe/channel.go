// Package transcribe implements the client side of the transcription wire
// protocol: a persistent, full-duplex WebSocket to the recognition service.
//
// A [Channel] dials the service, waits for the connection_established
// handshake that carries the client identity, keeps the connection alive
// with periodic pings and delivers transcription and error messages to a
// [Listener]. The channel never reconnects on its own; see
// internal/session for opt-in reconnection.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
)

// Defaults for [Config].
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadLimit         = 1 << 20
)

// Config configures a [Channel].
type Config struct {
	// URL of the service, ws:// or wss://. Required.
	URL string

	// HandshakeTimeout bounds the wait for connection_established after the
	// socket opens. Defaults to 10s.
	HandshakeTimeout time.Duration

	// KeepaliveInterval is the ping period while connected. Defaults to 30s.
	KeepaliveInterval time.Duration

	// WriteTimeout bounds each outgoing frame. Defaults to 10s.
	WriteTimeout time.Duration

	// ReadLimit caps incoming frame size. Defaults to 1 MiB.
	ReadLimit int64

	// HTTPHeader is sent with the opening handshake.
	HTTPHeader http.Header

	// HTTPClient is used for the opening handshake. Nil uses the default.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Listener receives channel events. Callbacks run on channel goroutines and
// must return quickly; OnStatus must not call Connect or Disconnect
// synchronously. Nil callbacks are skipped.
type Listener struct {
	// OnStatus is called on every status change, in order.
	OnStatus func(Status)

	// OnTranscription is called for each transcription message, in arrival
	// order.
	OnTranscription func(Result)

	// OnServerError is called with the message of each server error frame.
	OnServerError func(message string)
}

// Channel is a client connection to the transcription service. All methods
// are safe for concurrent use.
type Channel struct {
	cfg      Config
	listener Listener
	log      *slog.Logger

	// notifyMu orders OnStatus calls to match the order of status changes.
	notifyMu sync.Mutex

	mu       sync.Mutex
	status   Status
	clientID string
	conn     *websocket.Conn
	cancel   context.CancelFunc
	gen      uint64

	wg sync.WaitGroup
}

// New validates cfg and returns a disconnected channel.
func New(cfg Config, l Listener) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transcribe: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transcribe: url %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		listener: l,
		log:      log.With("server", cfg.URL),
	}, nil
}

// URL returns the configured service URL.
func (c *Channel) URL() string { return c.cfg.URL }

// Status returns the current status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientID returns the identity assigned by the server, or "" before the
// handshake and after a disconnect.
func (c *Channel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Ready reports whether segments may be sent: the channel is connected and
// the server has assigned an identity.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.State == StateConnected && c.clientID != ""
}

// Connect dials the service and blocks until connection_established arrives,
// the handshake timeout expires or ctx is done. A connected channel returns
// nil immediately. Failures leave the channel in [StateError] and are
// returned as *[ConnectionError]; there is no automatic retry.
func (c *Channel) Connect(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "transcribe.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observe.AttrServerURL.String(c.cfg.URL)),
	)
	defer func() { observe.EndSpan(span, err) }()

	c.mu.Lock()
	switch c.status.State {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return errors.New("transcribe: connect already in progress")
	}
	c.gen++
	gen := c.gen
	c.clientID = ""
	c.publishLocked(Status{State: StateConnecting})

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: c.cfg.HTTPHeader,
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		cerr := &ConnectionError{Op: "dial", URL: c.cfg.URL, Err: err}
		c.fail(gen, cerr)
		return cerr
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return &ConnectionError{Op: "dial", URL: c.cfg.URL, Err: ErrAborted}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	established := make(chan struct{})
	readDone := make(chan struct{})
	c.conn = conn
	c.cancel = cancel
	c.wg.Add(2)
	go c.readLoop(loopCtx, conn, gen, established, readDone)
	go c.keepalive(loopCtx, conn, gen)
	c.publishLocked(Status{State: StateConnected})

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-established:
		id := c.ClientID()
		span.SetAttributes(observe.AttrClientID.String(id))
		observe.Logger(observe.WithSession(ctx, "", id), c.log).Info("transcribe: handshake complete")
		return nil
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-readDone:
		select {
		case <-established:
			// Established, then dropped; the read loop reported the close.
			return nil
		default:
		}
		err = ErrClosedBeforeHandshake
	}
	cerr := &ConnectionError{Op: "handshake", URL: c.cfg.URL, Err: err}
	c.fail(gen, cerr)
	return cerr
}

// Disconnect closes the connection with a normal-closure code. The status is
// Disconnected and the client identity cleared before the close handshake
// starts. Safe to call at any time and more than once.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.status.State == StateDisconnected && c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn, cancel := c.teardownLocked()
	c.publishLocked(Status{State: StateDisconnected})

	if conn != nil {
		// The peer may close first; a failed close handshake still releases
		// the socket.
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.log.Debug("transcribe: close handshake", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.log.Info("transcribe: disconnected")
	return nil
}

// Close disconnects and waits for the channel goroutines to exit. It must
// not be called from a [Listener] callback.
func (c *Channel) Close() error {
	err := c.Disconnect()
	c.wg.Wait()
	return err
}

// Send writes one message. It returns [ErrNotConnected] unless the channel
// is connected.
func (c *Channel) Send(ctx context.Context, msg ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.status.State == StateConnected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, msg)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transcribe: marshal %s: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transcribe: write %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop decodes server frames until the connection fails or closes.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, established, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	handshaken := false
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Before the handshake Connect owns the failure and reports it
			// as StateError.
			if handshaken {
				c.handleReadError(gen, err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.log.Warn("transcribe: discarding binary frame", "bytes", len(data))
			continue
		}
		msg, err := DecodeServerMessage(data)
		if err != nil {
			c.log.Warn("transcribe: discarding frame", "err", err)
			continue
		}

		switch msg.Type {
		case TypeConnectionEstablished:
			c.mu.Lock()
			if c.gen == gen {
				c.clientID = msg.ClientID
			}
			c.mu.Unlock()
			if !handshaken {
				handshaken = true
				close(established)
			}
		case TypeTranscription:
			if c.listener.OnTranscription != nil {
				c.listener.OnTranscription(msg.Result(time.Now()))
			}
		case TypeError:
			c.log.Warn("transcribe: server error", "message", msg.Message)
			if c.listener.OnServerError != nil {
				c.listener.OnServerError(msg.Message)
			}
		case TypePong:
			c.log.Debug("transcribe: pong")
		}
	}
}

// handleReadError maps a terminal read error onto a status change. Errors
// from connections that were already torn down are ignored.
func (c *Channel) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.teardownLocked()

	next := Status{State: StateError, Reason: err.Error()}
	if code := websocket.CloseStatus(err); code != -1 {
		next = Status{State: StateDisconnected}
		c.log.Info("transcribe: server closed connection", "code", code)
	} else {
		c.log.Error("transcribe: connection lost", "err", err)
	}
	c.publishLocked(next)

	cancel()
	_ = conn.CloseNow()
}

// keepalive sends a ping every KeepaliveInterval. There is no pong timeout;
// a dead connection surfaces as a read or write failure.
func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, conn, PingMessage()); err != nil && ctx.Err() == nil {
				c.log.Warn("transcribe: keepalive ping failed", "gen", gen, "err", err)
			}
		}
	}
}

// fail moves the current connection attempt to StateError.
func (c *Channel) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.teardownLocked()
	c.log.Error("transcribe: connect failed", "err", err)
	c.publishLocked(Status{State: StateError, Reason: err.Error()})
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}
}

// teardownLocked detaches the current connection and invalidates its
// goroutines. Must be called with c.mu held.
func (c *Channel) teardownLocked() (*websocket.Conn, context.CancelFunc) {
	c.gen++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.clientID = ""
	return conn, cancel
}

// publishLocked records s and notifies the listener. It must be called with
// c.mu held and releases it.
func (c *Channel) publishLocked(s Status) {
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.log.Debug("transcribe: status", "status", s.String())
	if c.listener.OnStatus != nil {
		c.listener.OnStatus(s)
	}
}
