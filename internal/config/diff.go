package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields safe to
// apply without restarting the daemon are tracked individually; anything
// else that differs is reported in RestartRequired for the operator's
// benefit.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     VoiceConfig

	SessionTimeoutChanged bool
	NewSessionTimeoutSeconds int

	// RestartRequired names top-level sections that changed but cannot be
	// hot-applied (the listen address, pool sizing, queue/ring capacities,
	// and provider selection all size or bind a resource at startup).
	RestartRequired []string
}

// Diff compares old and new configs and reports what changed. Only
// LogLevel, Voice thresholds, and the session timeout are treated as safe
// to hot-apply; every other section that differs is named in
// RestartRequired rather than silently ignored.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Voice
	}
	if old.Session.TimeoutSeconds != new.Session.TimeoutSeconds {
		d.SessionTimeoutChanged = true
		d.NewSessionTimeoutSeconds = new.Session.TimeoutSeconds
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Session.TokenTableSize != new.Session.TokenTableSize || old.Session.MaxConcurrent != new.Session.MaxConcurrent {
		d.RestartRequired = append(d.RestartRequired, "session.token_table_size/max_concurrent")
	}
	if old.Worker != new.Worker {
		d.RestartRequired = append(d.RestartRequired, "worker")
	}
	if old.Queue != new.Queue {
		d.RestartRequired = append(d.RestartRequired, "queue")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}

	return d
}
