// Package refpeer is a reference implementation of the server side of the
// transcription wire protocol. It assigns each connection a client ID,
// answers pings and hands every decoded audio payload to a [Transcriber].
//
// It backs `earshot peer` for local runs and the end-to-end tests.
package refpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/codec"
	"github.com/MrWong99/earshot/pkg/transcribe"
)

// Transcriber turns one audio payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, payload []byte) (string, error)
}

// TranscriberFunc adapts a function to [Transcriber].
type TranscriberFunc func(ctx context.Context, payload []byte) (string, error)

// Transcribe implements [Transcriber].
func (f TranscriberFunc) Transcribe(ctx context.Context, payload []byte) (string, error) {
	return f(ctx, payload)
}

// Describe is a [Transcriber] that reports the size and, for WAV payloads,
// the duration of each segment instead of recognising speech.
var Describe = TranscriberFunc(func(_ context.Context, payload []byte) (string, error) {
	pcm, format, err := codec.DecodeWAV(payload)
	if err != nil {
		return fmt.Sprintf("received %d bytes", len(payload)), nil
	}
	return fmt.Sprintf("received %s of %s audio", format.DurationOf(len(pcm)).Round(time.Millisecond), format), nil
})

// Config configures a [Server].
type Config struct {
	// Transcriber handles audio payloads. Defaults to [Describe].
	Transcriber Transcriber

	// NewClientID returns the identity for a new connection. Defaults to a
	// random UUID.
	NewClientID func() string

	// OnAudio, if set, observes every decoded payload before transcription.
	OnAudio func(clientID string, payload []byte)

	// ReadLimit caps incoming frame size. Defaults to 16 MiB, enough for a
	// base64-encoded 10 MiB segment.
	ReadLimit int64

	Logger *slog.Logger
}

// Server is an http.Handler speaking the transcription protocol.
type Server struct {
	cfg    Config
	log    *slog.Logger
	active atomic.Int64

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

var _ http.Handler = (*Server)(nil)

// New returns a server for cfg.
func New(cfg Config) *Server {
	if cfg.Transcriber == nil {
		cfg.Transcriber = Describe
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = uuid.NewString
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 16 << 20
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log, conns: make(map[string]*websocket.Conn)}
}

// Active returns the number of open connections.
func (s *Server) Active() int { return int(s.active.Load()) }

// CloseAll closes every open connection with code and reason.
func (s *Server) CloseAll(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

// ServeHTTP upgrades the request and serves one client until it goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("refpeer: accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.ReadLimit)

	id := s.cfg.NewClientID()
	log := s.log.With("client_id", id)
	s.track(id, conn)
	defer s.untrack(id)

	ctx := r.Context()
	if err := s.send(ctx, conn, transcribe.ServerMessage{Type: transcribe.TypeConnectionEstablished, ClientID: id}); err != nil {
		log.Warn("refpeer: handshake", "err", err)
		return
	}
	log.Info("refpeer: client connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				log.Info("refpeer: client disconnected", "code", code)
			} else if !errors.Is(err, context.Canceled) {
				log.Warn("refpeer: read", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := s.handle(ctx, conn, id, data); err != nil {
			log.Warn("refpeer: write", "err", err)
			return
		}
	}
}

// handle answers one client frame. Only write failures are returned.
func (s *Server) handle(ctx context.Context, conn *websocket.Conn, id string, data []byte) error {
	var msg transcribe.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return s.sendError(ctx, conn, "malformed message")
	}
	switch msg.Type {
	case transcribe.TypePing:
		return s.send(ctx, conn, transcribe.ServerMessage{Type: transcribe.TypePong})
	case transcribe.TypeAudio:
		payload, err := msg.Audio()
		if err != nil || len(payload) == 0 {
			return s.sendError(ctx, conn, "invalid audio payload")
		}
		if s.cfg.OnAudio != nil {
			s.cfg.OnAudio(id, payload)
		}
		text, err := s.cfg.Transcriber.Transcribe(ctx, payload)
		if err != nil {
			s.log.Warn("refpeer: transcribe", "client_id", id, "err", err)
			return s.sendError(ctx, conn, "transcription failed: "+err.Error())
		}
		return s.send(ctx, conn, transcribe.ServerMessage{
			Type:      transcribe.TypeTranscription,
			ClientID:  id,
			Text:      text,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	default:
		return s.sendError(ctx, conn, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, message string) error {
	return s.send(ctx, conn, transcribe.ServerMessage{Type: transcribe.TypeError, Message: message})
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, msg transcribe.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) track(id string, conn *websocket.Conn) {
	s.active.Add(1)
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
	s.active.Add(-1)
}
