// Package config provides the configuration schema, loader, file watcher and
// component registry for earshot.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for earshot.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Segment       SegmentConfig       `yaml:"segment"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Sinks         []SinkEntry         `yaml:"sinks"`
}

// ServerConfig holds the admin endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the admin HTTP address serving /healthz, /readyz and
	// /metrics (e.g., ":9090"). Empty disables the admin server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TranscriptionConfig describes the connection to the transcription service.
type TranscriptionConfig struct {
	// URL is the ws:// or wss:// endpoint. Required.
	URL string `yaml:"url"`

	// Headers are sent with the opening handshake, e.g. an Authorization
	// header built from an environment variable.
	Headers map[string]string `yaml:"headers"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`

	// AutoStart starts recording as soon as the connection is ready.
	AutoStart bool `yaml:"auto_start"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// Reconnect defaults.
const (
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = 30 * time.Second
	DefaultMaxAttempts     = 10
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = time.Minute
)

// ReconnectConfig enables automatic reconnection after the connection is
// lost. Disabled by default: a lost connection stays down until the operator
// reconnects.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// BreakerFailures and BreakerReset configure the circuit breaker that
	// stops reconnect storms against a service that keeps failing.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// AudioConfig selects and configures the audio source.
type AudioConfig struct {
	// Source names the registered source implementation ("device" or "wav").
	Source string `yaml:"source"`

	Device DeviceConfig `yaml:"device"`
	WAV    WAVConfig    `yaml:"wav"`
}

// DeviceConfig configures microphone capture.
type DeviceConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Channels   int           `yaml:"channels"`
	Period     time.Duration `yaml:"period"`
	Buffer     int           `yaml:"buffer"`
}

// WAVConfig configures replay of a recorded file.
type WAVConfig struct {
	Path          string        `yaml:"path"`
	Realtime      bool          `yaml:"realtime"`
	FrameDuration time.Duration `yaml:"frame_duration"`
}

// VADConfig tunes the voice-activity detector and its energy analyser.
type VADConfig struct {
	Threshold  float64       `yaml:"threshold"`
	MinSilence time.Duration `yaml:"min_silence"`
	FFTSize    int           `yaml:"fft_size"`
	Smoothing  float64       `yaml:"smoothing"`
}

// SegmentConfig tunes segment production.
type SegmentConfig struct {
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxDuration  time.Duration `yaml:"max_duration"`

	// Encodings lists the preferred segment encodings in order. The first one
	// available is used.
	Encodings []string `yaml:"encodings"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	QueueSize  int `yaml:"queue_size"`
	MaxPayload int `yaml:"max_payload"`
}

// SinkEntry configures one transcript sink. Type selects the registered
// sink factory.
type SinkEntry struct {
	// Name identifies the sink in logs and metrics. Defaults to Type.
	Name string `yaml:"name"`

	// Type is "jsonl", "postgres" or "kafka".
	Type string `yaml:"type"`

	// Options holds sink-specific configuration values. Values may be
	// strings, numbers, booleans, lists or nested maps.
	Options map[string]any `yaml:"options"`
}

// DisplayName returns Name, or Type when Name is empty.
func (s SinkEntry) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}
