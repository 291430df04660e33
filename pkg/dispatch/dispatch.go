// Package dispatch hands finalized audio segments to the transcription
// channel one at a time, in the order they were produced.
//
// A [Dispatcher] owns a single worker goroutine. Segments that cannot be sent
// (empty, oversized, channel not ready, dispatcher closed, queue overflow,
// send failure) are dropped with a log record and reported through
// [Config.OnDrop]; they never surface as errors to the producer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/transcribe"
)

// Defaults for [Config].
const (
	DefaultMaxPayload = 10 << 20
	DefaultQueueSize  = 4
)

// Reason names why a segment was dropped.
type Reason string

const (
	ReasonEmpty      Reason = "empty"
	ReasonTooLarge   Reason = "too_large"
	ReasonNotReady   Reason = "not_ready"
	ReasonClosed     Reason = "closed"
	ReasonOverflow   Reason = "overflow"
	ReasonSendFailed Reason = "send_failed"
)

// PayloadError reports a segment rejected for its size.
type PayloadError struct {
	Size  int
	Limit int
}

func (e *PayloadError) Error() string {
	if e.Size == 0 {
		return "dispatch: empty payload"
	}
	return fmt.Sprintf("dispatch: payload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// Sender is the part of the transcription channel the dispatcher needs.
// [*transcribe.Channel] satisfies it.
type Sender interface {
	Ready() bool
	Send(ctx context.Context, msg transcribe.ClientMessage) error
}

var _ Sender = (*transcribe.Channel)(nil)

// Config configures a [Dispatcher].
type Config struct {
	// Sender receives the encoded segments. Required.
	Sender Sender

	// MaxPayload is the largest segment accepted, in bytes. Defaults to 10 MiB.
	MaxPayload int

	// QueueSize bounds the segments waiting behind the one in flight.
	// Defaults to 4. On overflow the oldest waiting segment is dropped.
	QueueSize int

	// OnDrop is called for every dropped segment.
	OnDrop func(seg audio.AudioSegment, reason Reason)

	// OnSent is called after a segment was written to the channel.
	OnSent func(seg audio.AudioSegment, elapsed time.Duration)

	// SessionID tags send spans and log records.
	SessionID string

	Logger *slog.Logger
}

// Dispatcher serialises segment sends. All methods are safe for concurrent
// use.
type Dispatcher struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	queue  []audio.AudioSegment
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// New starts a dispatcher worker.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Sender == nil {
		return nil, errors.New("dispatch: sender is required")
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.SessionID != "" {
		log = observe.Logger(observe.WithSession(context.Background(), cfg.SessionID, ""), log)
	}
	d := &Dispatcher{
		cfg:  cfg,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Dispatch queues seg for sending. It never blocks on the network.
func (d *Dispatcher) Dispatch(seg audio.AudioSegment) {
	if n := len(seg.Data); n == 0 || n > d.cfg.MaxPayload {
		d.drop(seg, sizeReason(n), &PayloadError{Size: n, Limit: d.cfg.MaxPayload})
		return
	}
	if !d.cfg.Sender.Ready() {
		d.drop(seg, ReasonNotReady, transcribe.ErrNotConnected)
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.drop(seg, ReasonClosed, nil)
		return
	}
	var evicted *audio.AudioSegment
	if len(d.queue) >= d.cfg.QueueSize {
		old := d.queue[0]
		evicted = &old
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, seg)
	// wake is closed by Close under mu.
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()

	if evicted != nil {
		d.drop(*evicted, ReasonOverflow, nil)
	}
}

// Pending returns the number of segments waiting behind the one in flight.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops accepting segments, drops those still queued and waits for the
// segment in flight, if any. Safe to call more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	close(d.wake)
	d.mu.Unlock()

	for _, seg := range pending {
		d.drop(seg, ReasonClosed, nil)
	}
	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			seg, ok := d.next()
			if !ok {
				break
			}
			d.send(seg)
		}
	}
}

func (d *Dispatcher) next() (audio.AudioSegment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || len(d.queue) == 0 {
		return audio.AudioSegment{}, false
	}
	seg := d.queue[0]
	d.queue = d.queue[1:]
	return seg, true
}

// send encodes and writes one segment. The channel applies its own write
// timeout; the context is never cancelled since that would tear down the
// connection.
func (d *Dispatcher) send(seg audio.AudioSegment) {
	ctx := observe.WithSession(context.Background(), d.cfg.SessionID, "")
	ctx, span := observe.StartSpan(ctx, "dispatch.send",
		trace.WithAttributes(
			attribute.String("segment.id", seg.ID),
			attribute.Int64("segment.seq", int64(seg.Seq)),
			attribute.Int("segment.bytes", len(seg.Data)),
			attribute.String("segment.encoding", seg.Encoding),
		),
	)

	// Status may have changed while the segment was queued.
	if !d.cfg.Sender.Ready() {
		observe.EndSpan(span, transcribe.ErrNotConnected)
		d.drop(seg, ReasonNotReady, transcribe.ErrNotConnected)
		return
	}

	start := time.Now()
	msg := transcribe.AudioMessage(seg.Data)
	if err := d.cfg.Sender.Send(ctx, msg); err != nil {
		observe.EndSpan(span, err)
		d.drop(seg, ReasonSendFailed, err)
		return
	}
	elapsed := time.Since(start)
	observe.EndSpan(span, nil)
	d.log.Debug("dispatch: segment sent",
		"trace_id", observe.CorrelationID(ctx),
		"seq", seg.Seq,
		"bytes", len(seg.Data),
		"encoded_bytes", len(msg.AudioData),
		"elapsed", elapsed,
	)
	if d.cfg.OnSent != nil {
		d.cfg.OnSent(seg, elapsed)
	}
}

func (d *Dispatcher) drop(seg audio.AudioSegment, reason Reason, err error) {
	attrs := []any{"seq", seg.Seq, "bytes", len(seg.Data), "reason", string(reason)}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	d.log.Warn("dispatch: segment dropped", attrs...)
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop(seg, reason)
	}
}

func sizeReason(n int) Reason {
	if n == 0 {
		return ReasonEmpty
	}
	return ReasonTooLarge
}
