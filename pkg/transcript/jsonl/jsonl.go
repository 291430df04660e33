// Package jsonl appends transcript records to a file, one JSON object per
// line.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/earshot/pkg/transcript"
)

var _ transcript.Sink = (*Sink)(nil)

// Sink is an append-only JSON lines transcript log.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	closed bool
}

// Open opens path for appending, creating it and its parent directory when
// missing.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jsonl: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open: %w", err)
	}
	return &Sink{f: f, enc: json.NewEncoder(f)}, nil
}

// Write implements [transcript.Sink]. Each record is written with a single
// write call.
func (s *Sink) Write(_ context.Context, r transcript.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	return nil
}

// Close implements [transcript.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.f.Sync(), s.f.Close())
}

// Read decodes every record from r. Blank lines are skipped.
func Read(r io.Reader) ([]transcript.Record, error) {
	var out []transcript.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec transcript.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return out, fmt.Errorf("jsonl: line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("jsonl: read: %w", err)
	}
	return out, nil
}
