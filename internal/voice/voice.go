// Package voice implements the satellite's voice state machine (C4): it
// orchestrates wake-word detection, voice-activity boundary finding, speech
// recognition, and query dispatch, and drives the sentence pipeliner for
// streaming TTS.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/malcolmhoward/dawn/pkg/wakeword"
)

// State is one of the six voice states (spec.md §3/§4.4).
type State int

const (
	StateSilence State = iota
	StateWakewordListen
	StateCommandRecording
	StateProcessing
	StateWaiting
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateWakewordListen:
		return "wakeword-listen"
	case StateCommandRecording:
		return "command-recording"
	case StateProcessing:
		return "processing"
	case StateWaiting:
		return "waiting"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// VADResult is the per-frame outcome fed into the machine.
type VADResult struct {
	IsSpeech    bool
	Probability float64
}

// ASREngine is the narrow collaborator contract for speech recognition; the
// machine drives either a streaming or batch engine through this interface
// without caring which.
type ASREngine interface {
	// FeedFrame is called once per captured frame when the engine is
	// streaming-capable; batch engines may no-op here and rely solely on
	// Finalize.
	FeedFrame(frame []byte)
	// Finalize ends the current utterance and returns its transcript.
	Finalize(ctx context.Context) (string, error)
	// Reset discards any in-progress recognition state.
	Reset()
	// Streaming reports whether FeedFrame should be called per-frame (true)
	// or whether the whole buffer should be finalized at end-of-speech
	// (false).
	Streaming() bool
}

// QueryDispatcher sends a satellite_query and is handed the streaming
// response; it is the machine's hook into C11/C9 for the satellite side.
type QueryDispatcher interface {
	DispatchQuery(ctx context.Context, text string) error
}

// Config holds the thresholds spec.md §4.4 calls out as configurable.
type Config struct {
	SpeechProbabilityThreshold float64
	SpeechStartFrames          int
	SilenceEndFrames           int
	MaxAudioSeconds            int
	PreRollDuration            time.Duration
	FrameDuration              time.Duration
	WakeWordName               string
}

// DefaultConfig returns the reference thresholds from spec.md §4.4.
func DefaultConfig() Config {
	return Config{
		SpeechProbabilityThreshold: 0.5,
		SpeechStartFrames:          3,
		SilenceEndFrames:           25, // ~800ms at 32ms frames, tunable
		MaxAudioSeconds:            30,
		PreRollDuration:            500 * time.Millisecond,
		FrameDuration:              32 * time.Millisecond,
		WakeWordName:               "friday",
	}
}

// Machine is one satellite's voice state machine. It is not safe for
// concurrent use across goroutines; frames are expected to arrive serially
// from one capture loop.
type Machine struct {
	cfg     Config
	asr     ASREngine
	matcher *wakeword.Matcher
	dispatch QueryDispatcher
	logger  *slog.Logger

	state State

	speechFrames  int
	silenceFrames int

	preRoll     [][]byte
	preRollCap  int
	recording   [][]byte
	commandOnly bool // true once we've entered command-recording (wake-only path)

	disconnected func() bool
}

// Option configures a Machine at construction.
type Option func(*Machine)

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithDisconnectedFunc lets the caller report satellite connectivity; on a
// disconnect observed while waiting for a response, the machine resets to
// silence per spec.md §4.4 failure semantics.
func WithDisconnectedFunc(f func() bool) Option { return func(m *Machine) { m.disconnected = f } }

// New constructs a Machine in the silence state.
func New(cfg Config, asr ASREngine, dispatch QueryDispatcher, opts ...Option) *Machine {
	preRollFrames := int(cfg.PreRollDuration / cfg.FrameDuration)
	if preRollFrames < 1 {
		preRollFrames = 1
	}
	m := &Machine{
		cfg:        cfg,
		asr:        asr,
		matcher:    wakeword.New(cfg.WakeWordName),
		dispatch:   dispatch,
		logger:     slog.Default(),
		state:      StateSilence,
		preRollCap: preRollFrames,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// FeedVAD processes one frame's VAD result together with the raw frame
// bytes (needed for pre-roll and recording accumulation), advancing the
// state machine per the transition table in spec.md §4.4.
func (m *Machine) FeedVAD(ctx context.Context, frame []byte, vad VADResult) {
	switch m.state {
	case StateSilence:
		m.pushPreRoll(frame)
		if vad.IsSpeech && vad.Probability >= m.cfg.SpeechProbabilityThreshold {
			m.speechFrames++
			if m.speechFrames >= m.cfg.SpeechStartFrames {
				m.enterWakewordListen()
			}
		} else {
			m.speechFrames = 0
		}

	case StateWakewordListen, StateCommandRecording:
		m.recording = append(m.recording, frame)
		if m.asr.Streaming() {
			m.asr.FeedFrame(frame)
		}
		if !vad.IsSpeech {
			m.silenceFrames++
			if m.silenceFrames >= m.cfg.SilenceEndFrames {
				m.enterProcessing(ctx)
			}
		} else {
			m.silenceFrames = 0
		}

	case StateProcessing, StateWaiting, StateSpeaking:
		// Not fed VAD directly while busy; frames are dropped on the floor.
		// (ASR/TTS orchestration owns the machine's attention here.)
		if m.state == StateWaiting && m.disconnected != nil && m.disconnected() {
			m.Disconnected()
		}
	}
}

func (m *Machine) pushPreRoll(frame []byte) {
	m.preRoll = append(m.preRoll, frame)
	if len(m.preRoll) > m.preRollCap {
		m.preRoll = m.preRoll[len(m.preRoll)-m.preRollCap:]
	}
}

// enterWakewordListen prepends a freshly-copied pre-roll to the recording
// buffer so the wake-phrase onset is never clipped (spec.md §4.4, and
// Open Question (c): pre-roll is always recopied fresh, never reused).
func (m *Machine) enterWakewordListen() {
	m.state = StateWakewordListen
	m.silenceFrames = 0
	m.recording = make([][]byte, len(m.preRoll))
	copy(m.recording, m.preRoll)
	if m.asr.Streaming() {
		for _, f := range m.recording {
			m.asr.FeedFrame(f)
		}
	}
}

// enterProcessing finalizes ASR and transitions per the result: wake+command
// dispatches immediately, wake-only moves to command-recording, and a miss
// returns to silence.
func (m *Machine) enterProcessing(ctx context.Context) {
	m.state = StateProcessing
	wasCommandOnly := m.commandOnly

	text, err := m.asr.Finalize(ctx)
	m.asr.Reset()
	m.recording = nil
	m.speechFrames = 0
	m.silenceFrames = 0

	if err != nil || strings.TrimSpace(text) == "" {
		if wasCommandOnly {
			m.logger.Info("voice: empty command transcript, returning to silence")
		} else {
			m.logger.Info("voice: no wake phrase detected, returning to silence")
		}
		m.commandOnly = false
		m.state = StateSilence
		return
	}

	if wasCommandOnly {
		m.dispatchQuery(ctx, text)
		return
	}

	result := m.matcher.Match(text)
	if !result.Matched {
		m.state = StateSilence
		return
	}
	if result.Command == "" {
		m.commandOnly = true
		m.state = StateCommandRecording
		return
	}
	m.dispatchQuery(ctx, result.Command)
}

func (m *Machine) dispatchQuery(ctx context.Context, text string) {
	m.commandOnly = false
	if err := m.dispatch.DispatchQuery(ctx, text); err != nil {
		m.logger.Error("voice: dispatch query failed", "error", err)
		m.state = StateSilence
		return
	}
	m.state = StateWaiting
}

// ResponseComplete signals the streaming response (and any TTS it drove)
// has finished; the machine returns to silence.
func (m *Machine) ResponseComplete() {
	if m.state == StateWaiting {
		m.state = StateSilence
	}
}

// Disconnected notifies the machine that the network link dropped while
// waiting for a response; it resets to silence so the local offline
// greeting can play (spec.md §4.4 failure semantics, §7).
func (m *Machine) Disconnected() {
	if m.state == StateWaiting {
		m.logger.Warn("voice: disconnected while waiting for response")
		m.state = StateSilence
	}
}
