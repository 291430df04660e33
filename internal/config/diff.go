package config

import "maps"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// ConnectionChanged is true when the transcription endpoint or its
	// handshake headers changed. Applying it requires a full
	// disconnect/reconnect.
	ConnectionChanged bool
	NewURL            string

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists sections that changed but only take effect after
	// a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Transcription.URL != new.Transcription.URL ||
		!maps.Equal(old.Transcription.Headers, new.Transcription.Headers) {
		d.ConnectionChanged = true
		d.NewURL = new.Transcription.URL
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD != new.VAD {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !sinksEqual(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	return d
}

// sinksEqual compares sink lists by name and type. Option changes are not
// detected.
func sinksEqual(a, b []SinkEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].DisplayName() != b[i].DisplayName() || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}
