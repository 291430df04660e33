// Package transcript defines the record-keeping side of earshot: every
// transcription the client delivers can be forwarded to one or more [Sink]
// implementations (PostgreSQL, Kafka, a JSON lines log).
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Record is one delivered transcription.
type Record struct {
	// SessionID identifies the client run that produced the record.
	SessionID string `json:"session_id"`

	// Seq is the delivery position within the session, starting at 1.
	Seq uint64 `json:"seq"`

	// ClientID is the identity the server assigned to the connection.
	ClientID string `json:"client_id"`

	Text string `json:"text"`

	// Timestamp is the server-side time of the transcription.
	Timestamp time.Time `json:"timestamp"`

	// ReceivedAt is when the client received the message.
	ReceivedAt time.Time `json:"received_at"`
}

// Sink persists or forwards records. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Write stores one record.
	Write(ctx context.Context, r Record) error

	// Close flushes and releases the sink.
	Close() error
}

// Named pairs a sink with the name used in logs and metrics.
type Named struct {
	Name string
	Sink Sink
}

// Fanout writes every record to all of its sinks. A failing sink does not
// prevent the others from receiving the record.
type Fanout struct {
	sinks   []Named
	onError func(name string, err error)
	log     *slog.Logger
}

var _ Sink = (*Fanout)(nil)

// FanoutOption configures a [Fanout].
type FanoutOption func(*Fanout)

// WithErrorHook registers fn to be called for every failed sink write.
func WithErrorHook(fn func(name string, err error)) FanoutOption {
	return func(f *Fanout) { f.onError = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) FanoutOption {
	return func(f *Fanout) { f.log = l }
}

// NewFanout returns a fanout over sinks.
func NewFanout(sinks []Named, opts ...FanoutOption) *Fanout {
	f := &Fanout{sinks: sinks, log: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

// Write implements [Sink]. The returned error joins every sink failure.
func (f *Fanout) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Write(ctx, r); err != nil {
			f.log.Warn("transcript: sink write failed", "sink", s.Name, "seq", r.Seq, "err", err)
			if f.onError != nil {
				f.onError(s.Name, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements [Sink]. Every sink is closed even when some fail.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
