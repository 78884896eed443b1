package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malcolmhoward/dawn/internal/observe"
	"github.com/malcolmhoward/dawn/internal/resilience"
	"github.com/malcolmhoward/dawn/internal/respqueue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/transcript"
	"github.com/malcolmhoward/dawn/internal/transcript/llmcorrect"
	"github.com/malcolmhoward/dawn/internal/transcript/phonetic"
	"github.com/malcolmhoward/dawn/internal/protocol"
	"github.com/malcolmhoward/dawn/internal/worker"
	"github.com/malcolmhoward/dawn/pkg/provider/asr"
	"github.com/malcolmhoward/dawn/pkg/provider/llm"
	"github.com/malcolmhoward/dawn/pkg/provider/tts"
	"github.com/malcolmhoward/dawn/pkg/sentence"
	"github.com/malcolmhoward/dawn/pkg/types"
)

// satelliteAudioSampleRate is the PCM rate satellites capture and stream
// inbound audio at.
const satelliteAudioSampleRate = 16000

// audioSink is the narrow surface pipeline needs of the dispatcher to push
// synthesized audio back to a session's connection.
type audioSink interface {
	SendAudio(id session.ID, frameType byte, payload []byte) error
}

// sinkRef is a late-bound audioSink: the dispatcher that implements it isn't
// constructed until after the pipeline (and the pool it's submitted through)
// already exist, so pipelineDeps holds a sinkRef instead of the sink itself
// and app.New calls Set once the dispatcher is built.
type sinkRef struct {
	mu   sync.Mutex
	sink audioSink
}

func (r *sinkRef) Set(s audioSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

func (r *sinkRef) SendAudio(id session.ID, frameType byte, payload []byte) error {
	r.mu.Lock()
	s := r.sink
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.SendAudio(id, frameType, payload)
}

// pipelineDeps bundles the collaborators buildPipeline closes over. A
// pipeline with no LLM configured reports errNoLLMConfigured immediately
// rather than attempting a call that can only fail.
type pipelineDeps struct {
	llm       llm.Provider
	asrProv   asr.Provider
	ttsProv   tts.Provider
	queue     *respqueue.Queue
	sink      *sinkRef
	corrector *transcript.CorrectionPipeline
	metrics   *observe.Metrics
	logger    *slog.Logger
}

// buildPipeline assembles the worker.Pipeline the pool runs for every item:
// audio items are transcribed and corrected first, then both audio and text
// items share the LLM-and-stream-TTS tail.
func buildPipeline(d pipelineDeps, llmTimeout time.Duration) worker.Pipeline {
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.corrector == nil {
		d.corrector = transcript.NewPipeline()
	}

	return worker.Pipeline{
		LLMTimeout: llmTimeout,
		Call: func(ctx context.Context, item worker.Item) (string, []worker.ToolInvocation, error) {
			sess := item.Session

			userText := item.Text
			if item.Kind == worker.PayloadAudio {
				text, err := d.transcribeAndCorrect(ctx, item.Audio)
				if err != nil {
					return "", nil, fmt.Errorf("%w: %v", errASRFailed, err)
				}
				userText = text
				if userText == "" {
					return "", nil, nil
				}
				sess.AppendHistory(session.RoleUser, userText)
			}

			if d.llm == nil {
				return "", nil, errNoLLMConfigured
			}

			return d.runTurn(ctx, sess)
		},
	}
}

func (d pipelineDeps) transcribeAndCorrect(ctx context.Context, audio []byte) (string, error) {
	start := time.Now()
	raw, err := transcribeBatch(ctx, d.asrProv, audio)
	if d.metrics != nil {
		d.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			d.metrics.RecordProviderError(ctx, "asr", "transcribe")
		}
		d.metrics.RecordProviderRequest(ctx, "asr", "transcribe", status)
	}
	if err != nil {
		return "", err
	}
	if raw.Text == "" {
		return "", nil
	}
	corrected, err := d.corrector.Correct(ctx, raw, nil)
	if err != nil {
		d.logger.Warn("app: transcript correction failed, using raw text", "error", err)
		return raw.Text, nil
	}
	return corrected.Text, nil
}

// transcribeBatch opens one streaming session for the whole buffered
// utterance, matching the batch-provider usage pattern documented on
// pkg/provider/asr/whisper: send everything, read the first Final, close.
func transcribeBatch(ctx context.Context, prov asr.Provider, audio []byte) (asr.Transcript, error) {
	if prov == nil {
		return asr.Transcript{}, fmt.Errorf("app: no ASR provider configured")
	}
	handle, err := prov.StartStream(ctx, asr.StreamConfig{SampleRate: satelliteAudioSampleRate, Channels: 1})
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("app: start ASR stream: %w", err)
	}
	defer handle.Close()

	if err := handle.SendAudio(audio); err != nil {
		return asr.Transcript{}, fmt.Errorf("app: send audio to ASR: %w", err)
	}

	select {
	case t, ok := <-handle.Finals():
		if !ok {
			return asr.Transcript{}, fmt.Errorf("app: ASR session closed with no final transcript")
		}
		return t, nil
	case <-ctx.Done():
		return asr.Transcript{}, ctx.Err()
	}
}

// runTurn streams the LLM's reply, pipelining completed sentences into TTS
// and the response queue as it goes, and returns the full text plus any
// tool calls once the stream ends.
func (d pipelineDeps) runTurn(ctx context.Context, sess *session.Session) (string, []worker.ToolInvocation, error) {
	req := llm.CompletionRequest{Messages: historyToMessages(sess.History())}
	turnStart := time.Now()

	chunks, err := d.llm.StreamCompletion(ctx, req)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordProviderError(ctx, "llm", "stream_completion")
			d.metrics.RecordProviderRequest(ctx, "llm", "stream_completion", "error")
		}
		return "", nil, fmt.Errorf("%w: %v", errLLMFailed, err)
	}

	streamID := uuid.NewString()
	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStreamStart, SessionID: sess.ID, StreamID: streamID})

	var full strings.Builder
	var toolCalls []worker.ToolInvocation

	pipeliner := sentence.New(func(s string) {
		d.speakSentence(ctx, sess, streamID, s)
	})

	var streamErr error
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("%w: stream aborted mid-response", errLLMFailed)
			break
		}
		if chunk.Text != "" {
			full.WriteString(chunk.Text)
			d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStreamDelta, SessionID: sess.ID, StreamID: streamID, Delta: chunk.Text})
			pipeliner.Feed(chunk.Text)
		}
		for _, tc := range chunk.ToolCalls {
			toolCalls = append(toolCalls, worker.ToolInvocation{Name: tc.Name, Args: tc.Arguments})
		}
	}
	pipeliner.Flush()

	if d.metrics != nil {
		d.metrics.LLMDuration.Record(ctx, time.Since(turnStart).Seconds())
		status := "ok"
		if streamErr != nil {
			status = "error"
			d.metrics.RecordProviderError(ctx, "llm", "stream_completion")
		}
		d.metrics.RecordProviderRequest(ctx, "llm", "stream_completion", status)
	}

	if streamErr != nil {
		d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStreamEnd, SessionID: sess.ID, StreamID: streamID})
		return "", nil, streamErr
	}

	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStreamEnd, SessionID: sess.ID, StreamID: streamID})

	text := full.String()
	if text != "" {
		sess.AppendHistory(session.RoleAssistant, text)
	}
	return text, toolCalls, nil
}

// speakSentence synthesizes one completed sentence and streams the PCM
// output to the session's connection as outbound audio frames. Failures are
// logged, not propagated: a dropped TTS sentence should not abort the
// textual reply already streamed.
func (d pipelineDeps) speakSentence(ctx context.Context, sess *session.Session, streamID, sentenceText string) {
	if d.ttsProv == nil || d.sink == nil {
		return
	}

	text := make(chan string, 1)
	text <- sentenceText
	close(text)

	ttsStart := time.Now()
	audio, err := d.ttsProv.SynthesizeStream(ctx, text, types.VoiceProfile{})
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordProviderError(ctx, "tts", "synthesize_stream")
			d.metrics.RecordProviderRequest(ctx, "tts", "synthesize_stream", "error")
		}
		d.logger.Warn("app: synthesize sentence failed", "stream", streamID, "error", err)
		return
	}
	for pcm := range audio {
		if err := d.sink.SendAudio(sess.ID, protocol.BinaryAudioOutChunk, pcm); err != nil {
			d.logger.Warn("app: send audio frame failed", "stream", streamID, "error", err)
			return
		}
	}
	if d.metrics != nil {
		d.metrics.TTSDuration.Record(ctx, time.Since(ttsStart).Seconds())
		d.metrics.RecordProviderRequest(ctx, "tts", "synthesize_stream", "ok")
		d.metrics.RecordAssistantUtterance(ctx, strconv.FormatUint(uint64(sess.ID), 10))
	}
	if err := d.sink.SendAudio(sess.ID, protocol.BinaryEndOfResponseAudio, nil); err != nil {
		d.logger.Warn("app: send end-of-response-audio failed", "stream", streamID, "error", err)
	}
}

func historyToMessages(history []session.HistoryEntry) []types.Message {
	msgs := make([]types.Message, 0, len(history))
	for _, h := range history {
		msgs = append(msgs, types.Message{Role: string(h.Role), Content: h.Content})
	}
	return msgs
}

// newCorrectionPipeline wires the ASR correction stages (phonetic matching,
// then LLM-assisted cleanup on low-confidence spans) when an LLM provider is
// available to drive the second stage.
func newCorrectionPipeline(llmProv llm.Provider) *transcript.CorrectionPipeline {
	opts := []transcript.PipelineOption{transcript.WithPhoneticMatcher(phonetic.New())}
	if llmProv != nil {
		opts = append(opts, transcript.WithLLMCorrector(llmcorrect.New(llmProv)))
	}
	return transcript.NewPipeline(opts...)
}

// newLLMBreaker returns a circuit breaker named for the configured LLM
// provider, so a string of provider failures opens the breaker and the pool
// fails fast instead of piling up timeouts.
func newLLMBreaker(name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm:" + name})
}
