package worker

import (
	"context"
	"time"

	"github.com/malcolmhoward/dawn/internal/session"
)

// CancelToken is the minimal view of a context a collaborator call needs to
// notice cancellation mid-request: a done channel plus the reason it closed.
// A *context.Context satisfies it directly; the LLM/ASR/TTS HTTP clients
// take this (or the full context.Context carrying it) rather than polling a
// flag between calls.
type CancelToken interface {
	Done() <-chan struct{}
	Err() error
}

// disconnectPollInterval is how often withCancelToken checks a session's
// disconnected flag between the coarser checkpoints already scattered
// through Pool.run.
const disconnectPollInterval = 50 * time.Millisecond

// withCancelToken derives a context that is actively cancelled the moment
// sess disconnects, rather than left for the next explicit
// Session.Disconnected() check to notice. Collaborator calls (the LLM/ASR/TTS
// HTTP clients behind Pipeline.Call and Tool.Invoke) select on ctx.Done()
// mid-request, so a disconnect aborts an in-flight call immediately instead
// of waiting for it to finish naturally before the pipeline's own polling
// catches up.
func withCancelToken(ctx context.Context, sess *session.Session) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	if sess.Disconnected() {
		cancel()
		return cctx, cancel
	}

	go func() {
		ticker := time.NewTicker(disconnectPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				if sess.Disconnected() {
					cancel()
					return
				}
			}
		}
	}()

	return cctx, cancel
}
