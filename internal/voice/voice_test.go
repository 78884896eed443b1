package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeASR struct {
	transcript string
	err        error
	streaming  bool
	fedFrames  int
	resets     int
}

func (f *fakeASR) FeedFrame(frame []byte)                         { f.fedFrames++ }
func (f *fakeASR) Finalize(ctx context.Context) (string, error)   { return f.transcript, f.err }
func (f *fakeASR) Reset()                                         { f.resets++ }
func (f *fakeASR) Streaming() bool                                { return f.streaming }

type fakeDispatcher struct {
	queries []string
	err     error
}

func (f *fakeDispatcher) DispatchQuery(ctx context.Context, text string) error {
	f.queries = append(f.queries, text)
	return f.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SpeechStartFrames = 2
	cfg.SilenceEndFrames = 2
	cfg.FrameDuration = 10 * time.Millisecond
	cfg.PreRollDuration = 30 * time.Millisecond
	return cfg
}

func speak(m *Machine, frames int) {
	for i := 0; i < frames; i++ {
		m.FeedVAD(context.Background(), []byte{byte(i)}, VADResult{IsSpeech: true, Probability: 0.9})
	}
}

func silence(m *Machine, frames int) {
	for i := 0; i < frames; i++ {
		m.FeedVAD(context.Background(), []byte{byte(i)}, VADResult{IsSpeech: false})
	}
}

func TestWakePlusCommand(t *testing.T) {
	asr := &fakeASR{transcript: "hey friday what time is it"}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	require.Equal(t, StateSilence, m.State())
	speak(m, 2)
	require.Equal(t, StateWakewordListen, m.State())
	silence(m, 2)

	require.Equal(t, StateWaiting, m.State())
	require.Equal(t, []string{"what time is it"}, disp.queries)
}

func TestWakeOnlyThenCommand(t *testing.T) {
	asr := &fakeASR{transcript: "hey friday"}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	speak(m, 2)
	silence(m, 2)
	require.Equal(t, StateCommandRecording, m.State())
	require.Empty(t, disp.queries)

	asr.transcript = "turn on the lights"
	speak(m, 2)
	silence(m, 2)

	require.Equal(t, StateWaiting, m.State())
	require.Equal(t, []string{"turn on the lights"}, disp.queries)
}

func TestNoWakePhraseReturnsToSilence(t *testing.T) {
	asr := &fakeASR{transcript: "what a nice day"}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	speak(m, 2)
	silence(m, 2)

	require.Equal(t, StateSilence, m.State())
	require.Empty(t, disp.queries)
}

func TestEmptyTranscriptReturnsToSilence(t *testing.T) {
	asr := &fakeASR{transcript: ""}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	speak(m, 2)
	silence(m, 2)

	require.Equal(t, StateSilence, m.State())
}

func TestResponseCompleteReturnsToSilence(t *testing.T) {
	asr := &fakeASR{transcript: "hey friday what time is it"}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	speak(m, 2)
	silence(m, 2)
	require.Equal(t, StateWaiting, m.State())

	m.ResponseComplete()
	require.Equal(t, StateSilence, m.State())
}

func TestDisconnectedWhileWaitingResetsToSilence(t *testing.T) {
	asr := &fakeASR{transcript: "hey friday what time is it"}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	speak(m, 2)
	silence(m, 2)
	require.Equal(t, StateWaiting, m.State())

	m.Disconnected()
	require.Equal(t, StateSilence, m.State())
}

func TestPreRollPrependedOnWakewordListen(t *testing.T) {
	asr := &fakeASR{transcript: "hey friday hi", streaming: true}
	disp := &fakeDispatcher{}
	m := New(testConfig(), asr, disp)

	// Feed some silence first so pre-roll accumulates frames.
	silence(m, 1)
	speak(m, 2)

	require.NotEmpty(t, m.recording)
	require.Greater(t, asr.fedFrames, 0)
}
