package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/malcolmhoward/dawn/internal/config"
	"github.com/malcolmhoward/dawn/pkg/provider/asr"
	asrdeepgram "github.com/malcolmhoward/dawn/pkg/provider/asr/deepgram"
	asrmock "github.com/malcolmhoward/dawn/pkg/provider/asr/mock"
	asrwhisper "github.com/malcolmhoward/dawn/pkg/provider/asr/whisper"
	"github.com/malcolmhoward/dawn/pkg/provider/embeddings"
	embedollama "github.com/malcolmhoward/dawn/pkg/provider/embeddings/ollama"
	embedmock "github.com/malcolmhoward/dawn/pkg/provider/embeddings/mock"
	embedopenai "github.com/malcolmhoward/dawn/pkg/provider/embeddings/openai"
	"github.com/malcolmhoward/dawn/pkg/provider/llm"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	llmanyllm "github.com/malcolmhoward/dawn/pkg/provider/llm/anyllm"
	llmmock "github.com/malcolmhoward/dawn/pkg/provider/llm/mock"
	llmopenai "github.com/malcolmhoward/dawn/pkg/provider/llm/openai"
	"github.com/malcolmhoward/dawn/pkg/provider/tts"
	ttscoqui "github.com/malcolmhoward/dawn/pkg/provider/tts/coqui"
	ttselevenlabs "github.com/malcolmhoward/dawn/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/malcolmhoward/dawn/pkg/provider/tts/mock"
	"github.com/malcolmhoward/dawn/pkg/provider/vad"
	vadmock "github.com/malcolmhoward/dawn/pkg/provider/vad/mock"
)

// builtinProviders maps provider category names to the implementations that
// ship with this daemon, for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anyllm", "mock"},
	"asr":        {"deepgram", "whisper", "mock"},
	"tts":        {"elevenlabs", "coqui", "mock"},
	"vad":        {"mock"},
	"embeddings": {"openai", "ollama", "mock"},
}

// RegisterBuiltinProviders wires every shipped provider constructor into
// reg's per-kind factory tables, keyed by the name operators put in
// config.yaml's providers.<kind>.name field.
func RegisterBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return llmanyllm.New(backend, e.Model, opts...)
	})
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})

	reg.RegisterASR("deepgram", func(e config.ProviderEntry) (asr.Provider, error) {
		return asrdeepgram.New(e.APIKey)
	})
	reg.RegisterASR("whisper", func(e config.ProviderEntry) (asr.Provider, error) {
		return asrwhisper.New(e.BaseURL)
	})
	reg.RegisterASR("mock", func(e config.ProviderEntry) (asr.Provider, error) {
		return &asrmock.Provider{}, nil
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		return ttselevenlabs.New(e.APIKey)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return ttscoqui.New(e.BaseURL)
	})
	reg.RegisterTTS("mock", func(e config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	reg.RegisterVAD("mock", func(e config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embedopenai.New(e.APIKey, e.Model)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return embedollama.New(e.BaseURL, e.Model)
	})
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embedmock.Provider{}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// Providers holds the constructed provider instances the daemon will drive.
// Any field may be nil when its config entry's Name was left empty.
type Providers struct {
	LLM        llm.Provider
	ASR        asr.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
}

// BuildProviders instantiates every provider named in cfg.Providers using
// reg, skipping entries left blank. ErrProviderNotRegistered is treated as a
// skip (logged as a warning) rather than a hard failure, so a daemon can run
// with partial provider coverage during incremental setup.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err := skipOrFail(err, "llm", name); err != nil {
			return nil, err
		} else if p != nil {
			ps.LLM = p
		}
	}
	if name := cfg.Providers.ASR.Name; name != "" {
		p, err := reg.CreateASR(cfg.Providers.ASR)
		if err := skipOrFail(err, "asr", name); err != nil {
			return nil, err
		} else if p != nil {
			ps.ASR = p
		}
	}
	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err := skipOrFail(err, "tts", name); err != nil {
			return nil, err
		} else if p != nil {
			ps.TTS = p
		}
	}
	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err := skipOrFail(err, "vad", name); err != nil {
			return nil, err
		} else if p != nil {
			ps.VAD = p
		}
	}
	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err := skipOrFail(err, "embeddings", name); err != nil {
			return nil, err
		} else if p != nil {
			ps.Embeddings = p
		}
	}

	return ps, nil
}

// skipOrFail interprets a Create* error: ErrProviderNotRegistered logs and
// is swallowed (returns nil, nil effectively handled by the caller checking
// p != nil); any other error is fatal to daemon startup.
func skipOrFail(err error, kind, name string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not registered, skipping", "kind", kind, "name", name)
		return nil
	}
	return fmt.Errorf("create %s provider %q: %w", kind, name, err)
}
