// Package session keeps a transcription connection alive across peer
// failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/pkg/transcribe"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is passed to OnGiveUp when every attempt of a cycle failed.
var ErrGaveUp = errors.New("session: reconnection failed after max retries")

// Connector is the connection the [Reconnector] manages.
// *client.Client satisfies it.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() transcribe.Status
}

// Reconnector re-establishes a transcription connection after it drops.
//
// Callers connect through [Reconnector.Connect], start [Reconnector.Monitor]
// and feed channel status changes into [Reconnector.HandleStatus]. A drop
// while the connection is wanted triggers a retry cycle with exponential
// backoff. [Reconnector.Disconnect] marks the connection unwanted so a
// deliberate disconnect is never undone.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	conn        Connector
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	breaker     *resilience.CircuitBreaker
	onAttempt   func(attempt int, err error)
	onReconnect func()
	onGiveUp    func(error)
	log         *slog.Logger

	wanted       atomic.Bool
	reconnecting atomic.Bool

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a drop is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Conn is the managed connection. Required.
	Conn Connector

	// MaxRetries is the maximum number of attempts per cycle.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Breaker, if set, guards every attempt. While it is open attempts fail
	// fast with [resilience.ErrCircuitOpen] and the wait stretches to the
	// breaker's remaining reset time.
	Breaker *resilience.CircuitBreaker

	// OnAttempt is called after every attempt with its 1-based number and
	// outcome. May be nil.
	OnAttempt func(attempt int, err error)

	// OnReconnect is called after a successful reconnection. May be nil. A
	// drop while it runs starts a new cycle.
	OnReconnect func()

	// OnGiveUp is called when a cycle ends without success. May be nil.
	OnGiveUp func(err error)

	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) (*Reconnector, error) {
	if cfg.Conn == nil {
		return nil, errors.New("session: reconnector requires a connector")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		conn:         cfg.Conn,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		breaker:      cfg.Breaker,
		onAttempt:    cfg.OnAttempt,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		log:          log,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}, nil
}

// Connect performs the initial connection and marks it wanted. A failed
// initial connect is returned to the caller and not retried.
func (r *Reconnector) Connect(ctx context.Context) error {
	r.wanted.Store(true)
	if err := r.conn.Connect(ctx); err != nil {
		r.wanted.Store(false)
		return fmt.Errorf("session: initial connect: %w", err)
	}
	return nil
}

// Disconnect marks the connection unwanted and closes it.
func (r *Reconnector) Disconnect() error {
	r.wanted.Store(false)
	return r.conn.Disconnect()
}

// Wanted reports whether the connection should currently be kept alive.
func (r *Reconnector) Wanted() bool { return r.wanted.Load() }

// HandleStatus inspects a channel status change and schedules a retry cycle
// when a wanted connection dropped. Status changes caused by the cycle's own
// attempts are ignored.
func (r *Reconnector) HandleStatus(s transcribe.Status) {
	if !r.wanted.Load() || r.reconnecting.Load() {
		return
	}
	switch s.State {
	case transcribe.StateDisconnected, transcribe.StateError:
		r.log.Info("transcription connection dropped", "status", s.String())
		r.NotifyDisconnect()
	}
}

// Monitor starts the retry loop in a background goroutine. It exits when ctx
// is done or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost.
// Safe to call multiple times; only the first call per cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. It does not close the connection. Safe to call
// multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			if !r.wanted.Load() {
				continue
			}
			r.reconnecting.Store(true)
			if !r.attemptReconnect(ctx) {
				r.endCycle()
			}
		}
	}
}

// endCycle discards drop signals raised by the cycle's own attempts and
// lets HandleStatus report drops again.
func (r *Reconnector) endCycle() {
	select {
	case <-r.disconnected:
	default:
	}
	r.reconnecting.Store(false)
}

// attemptReconnect tries to reconnect with exponential backoff. On success it
// ends the cycle itself, before OnReconnect runs, and reports true.
func (r *Reconnector) attemptReconnect(ctx context.Context) bool {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if r.stopped(ctx) || !r.wanted.Load() {
			return false
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		err := r.try(ctx)
		if r.onAttempt != nil {
			r.onAttempt(attempt, err)
		}
		if err == nil {
			r.log.Info("reconnection successful", "attempt", attempt)
			r.endCycle()
			if r.onReconnect != nil {
				r.onReconnect()
			}
			// A drop between the successful attempt and endCycle was
			// ignored by HandleStatus.
			if r.wanted.Load() && !r.conn.Status().Connected() {
				r.log.Info("transcription connection dropped after reconnect")
				r.NotifyDisconnect()
			}
			return true
		}
		lastErr = err

		r.log.Warn("reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		wait := currentBackoff
		if errors.Is(err, resilience.ErrCircuitOpen) {
			if d := r.breaker.RetryAfter(); d > wait {
				wait = d
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case <-time.After(wait):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.log.Error("reconnection failed after max retries",
		"max_retries", r.maxRetries,
		"err", lastErr,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(errors.Join(ErrGaveUp, lastErr))
	}
	return false
}

func (r *Reconnector) try(ctx context.Context) error {
	if r.breaker == nil {
		return r.conn.Connect(ctx)
	}
	return r.breaker.Execute(func() error {
		return r.conn.Connect(ctx)
	})
}

func (r *Reconnector) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.done:
		return true
	default:
		return false
	}
}
