package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/transcript"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// SourceFactory builds an audio source from the audio configuration.
type SourceFactory func(cfg AudioConfig, log *slog.Logger) (audio.Source, error)

// SinkFactory builds a transcript sink. ctx bounds any connection setup.
type SinkFactory func(ctx context.Context, entry SinkEntry) (transcript.Sink, error)

// Registry maps component names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

// RegisterSource registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink registers a sink factory under the sink type name.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// CreateSource instantiates the source selected by cfg.Source.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSource(cfg AudioConfig, log *slog.Logger) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrNotRegistered, cfg.Source)
	}
	return factory(cfg, log)
}

// CreateSink instantiates the sink selected by entry.Type.
func (r *Registry) CreateSink(ctx context.Context, entry SinkEntry) (transcript.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sinks[entry.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, entry.Type)
	}
	return factory(ctx, entry)
}

// Sources returns the registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sources)
}

// Sinks returns the registered sink type names, sorted.
func (r *Registry) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sinks)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StringOption returns Options[key] as a string, or "" when missing or not a
// string.
func (s SinkEntry) StringOption(key string) string {
	v, _ := s.Options[key].(string)
	return v
}

// StringsOption returns Options[key] as a string list. A single string is
// returned as a one-element list.
func (s SinkEntry) StringsOption(key string) []string {
	switch v := s.Options[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
