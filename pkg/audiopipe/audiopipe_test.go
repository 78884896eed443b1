package audiopipe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// passthroughDecoder treats each input byte pair as one little-endian int16
// PCM sample; used so tests don't need a real codec.
type passthroughDecoder struct {
	failNext bool
	resets   int
}

func (d *passthroughDecoder) Decode(frame []byte) ([]int16, error) {
	if d.failNext {
		d.failNext = false
		return nil, errors.New("forced decode failure")
	}
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(frame[2*i]) | int16(frame[2*i+1])<<8
	}
	return out, nil
}

func (d *passthroughDecoder) Reset() { d.resets++ }

type recordingSink struct {
	writes   [][]int16
	prepares int
}

func (s *recordingSink) Write(samples []int16) error {
	cp := make([]int16, len(samples))
	copy(cp, samples)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *recordingSink) Prepare() error {
	s.prepares++
	return nil
}

func frameOf(n int) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		b[2*i] = byte(i)
	}
	return b
}

func TestPushFrameFastPath(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink, WithPeriodFrames(8), WithPrebufferThreshold(16))

	n, err := p.PushFrame(frameOf(16))
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, StateBuffering, p.State())
}

func TestPushFrameDiscardedWhilePaused(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink)

	p.mu.Lock()
	p.state = StatePaused
	p.mu.Unlock()

	for i := 0; i < 10; i++ {
		n, err := p.PushFrame(frameOf(16))
		require.NoError(t, err)
		require.Equal(t, 0, n)
	}
	require.Equal(t, 0, p.ring.Count())
}

func TestPushFrameDecodeErrorResetsDecoder(t *testing.T) {
	dec := &passthroughDecoder{failNext: true}
	sink := &recordingSink{}
	p := New(1024, dec, sink)

	n, err := p.PushFrame(frameOf(4))
	require.Error(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, dec.resets)
}

func TestBackpressureReturnsErrorWhenRingStaysFull(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(4, dec, sink) // capacity 3 usable samples

	// Fill the ring completely; nothing drains it in this test.
	_, err := p.PushFrame(frameOf(3))
	require.NoError(t, err)

	start := time.Now()
	_, err = p.PushFrame(frameOf(2))
	require.ErrorIs(t, err, ErrBackpressure)
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPlaybackRunDeliversFramesAndReachesPlaying(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink, WithPeriodFrames(4), WithPrebufferThreshold(8))
	go p.Run()
	defer p.Close()

	_, err := p.PushFrame(frameOf(16))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.State() == StatePlaying
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sink.writes) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestPauseQuiescenceThenResume(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink, WithPeriodFrames(4), WithPrebufferThreshold(4))
	go p.Run()
	defer p.Close()

	_, err := p.PushFrame(frameOf(16))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.State() == StatePlaying }, time.Second, 5*time.Millisecond)

	p.Pause()
	require.Equal(t, StatePaused, p.State())

	writesAtPause := len(sink.writes)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, writesAtPause, len(sink.writes), "sink must not be touched while paused")

	require.NoError(t, p.Resume())
	require.Equal(t, 1, sink.prepares)
}

func TestVolumeScaling(t *testing.T) {
	samples := []int16{100, -100, 32767, -32768}
	applyVolume(samples, 50)
	require.Equal(t, []int16{50, -50, 16383, -16384}, samples)

	full := []int16{1234}
	applyVolume(full, 100)
	require.Equal(t, []int16{1234}, full)
}

func TestStopResetsRingAndDecoder(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink)
	_, err := p.PushFrame(frameOf(8))
	require.NoError(t, err)
	require.Equal(t, 8, p.ring.Count())

	p.Stop()
	require.Equal(t, 0, p.ring.Count())
	require.Equal(t, StateIdle, p.State())
	require.Equal(t, 1, dec.resets)
}

func TestBufferedLatencyMs(t *testing.T) {
	dec := &passthroughDecoder{}
	sink := &recordingSink{}
	p := New(1024, dec, sink, WithSampleRate(48000))
	_, err := p.PushFrame(frameOf(960)) // 480 stereo frames
	require.NoError(t, err)

	ms := p.BufferedLatencyMs(0)
	require.Equal(t, 10, ms) // 480 frames / 48000 Hz * 1000
}
