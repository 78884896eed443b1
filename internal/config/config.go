// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for a DAWN daemon.
package config

// Config is the root configuration structure for a DAWN daemon. It is
// typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Audio     AudioConfig     `yaml:"audio"`
	Voice     VoiceConfig     `yaml:"voice"`
	Providers ProvidersConfig `yaml:"providers"`
	Memory    MemoryConfig    `yaml:"memory"`
}

// ServerConfig holds network and logging settings for the daemon.
type ServerConfig struct {
	// ListenAddr is the TCP address the WebSocket dispatcher listens on
	// (e.g., ":8787").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig controls the session registry (internal/session).
type SessionConfig struct {
	// TimeoutSeconds is how long a disconnected session is retained before
	// it becomes eligible for reaping. Default 1800 (30 minutes).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// TokenTableSize bounds the reconnect-token mapping table; the oldest
	// mapping is evicted once it is exceeded. Default 16.
	TokenTableSize int `yaml:"token_table_size"`

	// MaxConcurrent bounds how many sessions may be live at once before the
	// dispatcher refuses new connections with a SESSION_LIMIT error.
	// Default 8.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// WorkerConfig controls the worker pool (internal/worker).
type WorkerConfig struct {
	// PoolSize is the number of concurrent pipeline executions the
	// semaphore-gated worker pool admits at once.
	PoolSize int64 `yaml:"pool_size"`

	// LLMTimeoutSeconds bounds a single LLM call before it is aborted and
	// reported as LLM_TIMEOUT. Default 30.
	LLMTimeoutSeconds int `yaml:"llm_timeout_seconds"`
}

// QueueConfig controls the response queue (internal/respqueue).
type QueueConfig struct {
	// Capacity is the maximum number of buffered entries before the oldest
	// is dropped. Default 64.
	Capacity int `yaml:"capacity"`
}

// AudioConfig controls the ring buffer and decoder pump (pkg/ring,
// pkg/audiopipe).
type AudioConfig struct {
	// RingCapacitySamples must be a power of two; [pkg/ring.New] panics
	// otherwise. Default 16384.
	RingCapacitySamples int `yaml:"ring_capacity_samples"`

	// PreBufferThresholdMs is how much audio the decoder pump accumulates
	// in the ring before the playback consumer is allowed to start reading,
	// smoothing over initial decode jitter. Default 200.
	PreBufferThresholdMs int `yaml:"pre_buffer_threshold_ms"`
}

// VoiceConfig controls the voice state machine (internal/voice) and the
// wake-word matcher (pkg/wakeword).
type VoiceConfig struct {
	// SpeechProbabilityThreshold is the VAD probability above which a frame
	// counts toward SpeechStartFrames. Range [0, 1]. Default 0.5.
	SpeechProbabilityThreshold float64 `yaml:"speech_probability_threshold"`

	// SpeechStartFrames is the number of consecutive speech frames required
	// to leave silence. Default 3.
	SpeechStartFrames int `yaml:"speech_start_frames"`

	// SilenceEndFrames is the number of consecutive silence frames required
	// to end an utterance. Default 25 (~800ms at 32ms frames).
	SilenceEndFrames int `yaml:"silence_end_frames"`

	// FrameDurationMs is the duration of one VAD frame in milliseconds.
	// Default 32.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// PreRollMs is how much audio before speech onset is retained and
	// replayed into the recording, so the wake word itself is not clipped.
	// Default 500.
	PreRollMs int `yaml:"pre_roll_ms"`

	// WakeWord is the phrase the matcher listens for (e.g., "hey friday").
	WakeWord string `yaml:"wake_word"`
}

// ProvidersConfig declares which provider implementation to use for each
// collaborator the worker pool and voice pipeline call out to. Each field
// selects a named provider constructor registered in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	ASR        ProviderEntry `yaml:"asr"`
	TTS        ProviderEntry `yaml:"tts"`
	VAD        ProviderEntry `yaml:"vad"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name selects the constructor registered in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty
	// to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig holds settings for the optional durable session-history
// sink (internal/session.HistoryStore, pkg/memory/postgres).
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector
	// history store. Leave empty to keep history in-memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension used for the embeddings
	// column, when semantic recall over history is enabled. Must match
	// Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// Default returns a [Config] populated with the reference values from
// spec.md §6. [LoadFromReader] decodes YAML on top of this, so a config
// file only needs to set the fields it wants to override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8787",
			LogLevel:   LogLevelInfo,
		},
		Session: SessionConfig{
			TimeoutSeconds: 1800,
			TokenTableSize: 16,
			MaxConcurrent:  8,
		},
		Worker: WorkerConfig{
			PoolSize:          4,
			LLMTimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			Capacity: 64,
		},
		Audio: AudioConfig{
			RingCapacitySamples:  16384,
			PreBufferThresholdMs: 200,
		},
		Voice: VoiceConfig{
			SpeechProbabilityThreshold: 0.5,
			SpeechStartFrames:          3,
			SilenceEndFrames:           25,
			FrameDurationMs:            32,
			PreRollMs:                  500,
			WakeWord:                   "hey friday",
		},
	}
}
