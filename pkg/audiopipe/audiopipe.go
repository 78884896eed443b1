// Package audiopipe implements the satellite-side music-streaming audio
// pipeline: a decoder pump that feeds compressed frames into a ring buffer,
// and a real-time playback consumer that drains it to an audio sink. Both
// halves share one ring.Buffer as strict SPSC partners.
package audiopipe

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/malcolmhoward/dawn/pkg/ring"
)

// State is the playback state machine (spec.md §3/§4.3).
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Decoder decodes one compressed audio frame into interleaved int16 PCM
// samples. Implementations are expected to be stateful (e.g. an Opus
// decoder carries inter-frame state); Reset recovers from corruption.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
	Reset()
}

// Sink is the audio output device. Implementations own the OS-level
// device handle; Write blocks for real-time cadence like a real sound
// card would.
type Sink interface {
	Write(samples []int16) error
	// Prepare is called when transitioning out of paused/idle into
	// playing, so the sink can reopen or warm up the device.
	Prepare() error
}

var (
	// ErrBackpressure is returned by PushFrame when the ring stayed full
	// for the whole slow-path wait; the caller should drop the frame.
	ErrBackpressure = errors.New("audiopipe: ring buffer full, dropping frame")
)

const (
	// DefaultPeriodFrames is the number of interleaved stereo frames the
	// consumer delivers to the sink per iteration.
	DefaultPeriodFrames = 480 // 10ms at 48kHz
	// DefaultPrebufferThreshold is ~500ms at 48kHz stereo.
	DefaultPrebufferThreshold = 48000 / 2 * 2
	backpressureWait          = 100 * time.Millisecond
	pauseAckWait              = 200 * time.Millisecond
)

// Pipe couples one ring.Buffer with the decoder pump (producer side) and
// playback consumer (consumer side) that operate on it. The two sides run
// on separate goroutines; Pipe's mutex protects the condition variable
// predicates (state, pausedAck, volume). PushFrame also holds it while
// writing to the ring; the consumer reads the ring without it.
type Pipe struct {
	ring *ring.Buffer

	decoder       Decoder
	sink          Sink
	periodFrames  int
	prebufferAt   int
	sampleRate    int

	logger *slog.Logger

	mu        sync.Mutex
	state     State
	volume    int // 0-100
	pausedAck bool
	loggedPlay bool

	dataCond  *sync.Cond
	spaceCond *sync.Cond
	ackCond   *sync.Cond

	stop chan struct{}
}

// Option configures a Pipe at construction.
type Option func(*Pipe)

func WithPeriodFrames(n int) Option       { return func(p *Pipe) { p.periodFrames = n } }
func WithPrebufferThreshold(n int) Option { return func(p *Pipe) { p.prebufferAt = n } }
func WithSampleRate(hz int) Option        { return func(p *Pipe) { p.sampleRate = hz } }
func WithLogger(l *slog.Logger) Option    { return func(p *Pipe) { p.logger = l } }

// New constructs a Pipe over a ring buffer of the given capacity (samples,
// must be a power of two), draining to sink with decoder decoding incoming
// frames.
func New(capacity int, decoder Decoder, sink Sink, opts ...Option) *Pipe {
	p := &Pipe{
		ring:         ring.New(capacity),
		decoder:      decoder,
		sink:         sink,
		periodFrames: DefaultPeriodFrames,
		prebufferAt:  DefaultPrebufferThreshold,
		sampleRate:   48000,
		volume:       100,
		logger:       slog.Default(),
		stop:         make(chan struct{}),
	}
	p.dataCond = sync.NewCond(&p.mu)
	p.spaceCond = sync.NewCond(&p.mu)
	p.ackCond = sync.NewCond(&p.mu)
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns the current playback state.
func (p *Pipe) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetVolume sets integer volume 0-100, clamped.
func (p *Pipe) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Close stops any goroutines waiting on this pipe's condition variables.
func (p *Pipe) Close() {
	close(p.stop)
	p.mu.Lock()
	p.dataCond.Broadcast()
	p.spaceCond.Broadcast()
	p.ackCond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}
