// Package mock provides an in-memory [transcript.Sink] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/transcript"
)

var _ transcript.Sink = (*Sink)(nil)

// Sink records every written record. Safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	// WriteErr is returned by Write. Records are still stored.
	WriteErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	records []transcript.Record
}

// Write implements [transcript.Sink].
func (s *Sink) Write(_ context.Context, r transcript.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.WriteErr
}

// Close implements [transcript.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseErr
}

// Records returns a copy of the stored records in write order.
func (s *Sink) Records() []transcript.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Record(nil), s.records...)
}

// Closed reports whether Close was called at least once.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}
