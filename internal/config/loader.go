package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/earshot/pkg/codec"
)

// ValidNames lists known component names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidNames = map[string][]string{
	"source": {"device", "wav"},
	"sink":   {"jsonl", "postgres", "kafka"},
}

// LoadDotEnv loads environment variables from the given .env files, or from
// ./.env when none are given. Missing files are ignored; variables already
// set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// against the environment, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values that have a non-zero default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = "device"
	}
	if len(cfg.Segment.Encodings) == 0 {
		cfg.Segment.Encodings = slices.Clone(codec.DefaultPreference)
	}
	rc := &cfg.Transcription.Reconnect
	if rc.InitialBackoff == 0 {
		rc.InitialBackoff = DefaultInitialBackoff
	}
	if rc.MaxBackoff == 0 {
		rc.MaxBackoff = DefaultMaxBackoff
	}
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = DefaultMaxAttempts
	}
	if rc.BreakerFailures == 0 {
		rc.BreakerFailures = DefaultBreakerFailures
	}
	if rc.BreakerReset == 0 {
		rc.BreakerReset = DefaultBreakerReset
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transcription
	t := cfg.Transcription
	if t.URL == "" {
		errs = append(errs, errors.New("transcription.url is required"))
	} else if u, err := url.Parse(t.URL); err != nil {
		errs = append(errs, fmt.Errorf("transcription.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transcription.url %q must use ws or wss", t.URL))
	}
	if t.HandshakeTimeout < 0 || t.KeepaliveInterval < 0 || t.WriteTimeout < 0 {
		errs = append(errs, errors.New("transcription timeouts must not be negative"))
	}
	if rc := t.Reconnect; rc.Enabled {
		if rc.InitialBackoff <= 0 || rc.MaxBackoff < rc.InitialBackoff {
			errs = append(errs, fmt.Errorf("transcription.reconnect: backoff range [%s, %s] is invalid", rc.InitialBackoff, rc.MaxBackoff))
		}
		if rc.MaxAttempts < 0 {
			errs = append(errs, errors.New("transcription.reconnect.max_attempts must not be negative"))
		}
	}

	// Audio
	validateName("source", cfg.Audio.Source)
	if cfg.Audio.Source == "wav" && cfg.Audio.WAV.Path == "" {
		errs = append(errs, errors.New("audio.wav.path is required when audio.source is wav"))
	}
	if d := cfg.Audio.Device; d.Channels < 0 || d.SampleRate < 0 || d.Buffer < 0 {
		errs = append(errs, errors.New("audio.device values must not be negative"))
	}

	// VAD
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 255 {
		errs = append(errs, fmt.Errorf("vad.threshold %.1f is out of range [0, 255]", cfg.VAD.Threshold))
	}
	if cfg.VAD.Smoothing < 0 || cfg.VAD.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("vad.smoothing %.2f is out of range [0, 1)", cfg.VAD.Smoothing))
	}
	if n := cfg.VAD.FFTSize; n != 0 && (n < 32 || n&(n-1) != 0) {
		errs = append(errs, fmt.Errorf("vad.fft_size %d must be a power of two of at least 32", n))
	}
	if cfg.VAD.MinSilence < 0 {
		errs = append(errs, errors.New("vad.min_silence must not be negative"))
	}

	// Segment
	for i, name := range cfg.Segment.Encodings {
		if _, ok := codec.Canonical(name); !ok {
			errs = append(errs, fmt.Errorf("segment.encodings[%d] %q is not a known encoding", i, name))
		}
	}

	// Dispatch
	if cfg.Dispatch.QueueSize < 0 || cfg.Dispatch.MaxPayload < 0 {
		errs = append(errs, errors.New("dispatch values must not be negative"))
	}

	// Sinks
	seen := make(map[string]int, len(cfg.Sinks))
	for i, s := range cfg.Sinks {
		prefix := fmt.Sprintf("sinks[%d]", i)
		if s.Type == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", prefix))
			continue
		}
		validateName("sink", s.Type)
		name := s.DisplayName()
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of sinks[%d]", prefix, name, prev))
		}
		seen[name] = i
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown component name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
