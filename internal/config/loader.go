package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per collaborator kind. Used
// by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm", "mock"},
	"asr":        {"deepgram", "whisper", "mock"},
	"tts":        {"elevenlabs", "coqui", "mock"},
	"vad":        {"mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path, decodes it on top of
// [Default], and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; non-fatal concerns are
// logged as warnings rather than failing the load.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Session.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("session.timeout_seconds must be positive, got %d", cfg.Session.TimeoutSeconds))
	}
	if cfg.Session.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("session.max_concurrent must be positive, got %d", cfg.Session.MaxConcurrent))
	}
	if cfg.Session.TokenTableSize <= 0 {
		errs = append(errs, fmt.Errorf("session.token_table_size must be positive, got %d", cfg.Session.TokenTableSize))
	}

	if cfg.Worker.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.pool_size must be positive, got %d", cfg.Worker.PoolSize))
	}
	if cfg.Worker.LLMTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("worker.llm_timeout_seconds must be positive, got %d", cfg.Worker.LLMTimeoutSeconds))
	}

	if cfg.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", cfg.Queue.Capacity))
	}

	if cfg.Audio.RingCapacitySamples <= 0 || cfg.Audio.RingCapacitySamples&(cfg.Audio.RingCapacitySamples-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.ring_capacity_samples must be a power of two, got %d", cfg.Audio.RingCapacitySamples))
	}
	if cfg.Audio.PreBufferThresholdMs < 0 {
		errs = append(errs, fmt.Errorf("audio.pre_buffer_threshold_ms must not be negative, got %d", cfg.Audio.PreBufferThresholdMs))
	}

	if cfg.Voice.SpeechProbabilityThreshold < 0 || cfg.Voice.SpeechProbabilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.speech_probability_threshold %.2f is out of range [0, 1]", cfg.Voice.SpeechProbabilityThreshold))
	}
	if cfg.Voice.SpeechStartFrames <= 0 {
		errs = append(errs, fmt.Errorf("voice.speech_start_frames must be positive, got %d", cfg.Voice.SpeechStartFrames))
	}
	if cfg.Voice.SilenceEndFrames <= 0 {
		errs = append(errs, fmt.Errorf("voice.silence_end_frames must be positive, got %d", cfg.Voice.SilenceEndFrames))
	}
	if cfg.Voice.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("voice.frame_duration_ms must be positive, got %d", cfg.Voice.FrameDurationMs))
	}
	if cfg.Voice.WakeWord == "" {
		errs = append(errs, errors.New("voice.wake_word is required"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the worker pool will not be able to generate responses")
	}

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; session history will not survive a daemon restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
