// Package worker implements the bounded pool that runs per-session
// pipelines (ASR-LLM-TTS on the daemon, per-text response processing on the
// WebUI path) off the I/O thread, with cooperative cancellation on
// disconnect.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/malcolmhoward/dawn/internal/resilience"
	"github.com/malcolmhoward/dawn/internal/session"
)

// DefaultLLMTimeout is the reference per-call ceiling from spec.md §4.7.
const DefaultLLMTimeout = 30 * time.Second

// ErrCancelled is returned (not emitted as a response) when a work item is
// abandoned because its session disconnected; callers must treat this as
// silent per spec.md §7 propagation policy.
var ErrCancelled = errors.New("worker: session disconnected, work cancelled")

// PayloadKind discriminates the two work item shapes.
type PayloadKind int

const (
	PayloadAudio PayloadKind = iota
	PayloadText
)

// Item is one unit of work: an owning session reference plus a payload.
// The worker owns Audio/Text until it finishes or is cancelled.
type Item struct {
	Session *session.Session
	Kind    PayloadKind
	Audio   []byte
	Text    string
}

// Tool is one callable the LLM may invoke mid-pipeline.
type Tool struct {
	Name         string
	ParallelSafe bool
	Invoke       func(ctx context.Context, args string) (string, error)
}

// LLMCall is the collaborator hook a Pipeline uses to run the model; it's
// handed a CancelToken-backed context so the HTTP client can abort
// mid-request on disconnect, per spec.md §9 design note.
type LLMCall func(ctx context.Context, item Item) (text string, tools []ToolInvocation, err error)

// ToolInvocation names a tool the model asked to run, resolved against the
// Pipeline's tool table at dispatch time.
type ToolInvocation struct {
	Name string
	Args string
}

// Pipeline is the full per-item pipeline the pool runs: an LLM call,
// followed by tool dispatch (parallel-safe tools fanned out concurrently,
// unsafe tools run sequentially after), followed by emitting the result via
// onResult. Cancellation is checked between every stage.
type Pipeline struct {
	Call       LLMCall
	Tools      map[string]Tool
	LLMTimeout time.Duration
	OnResult   func(item Item, text string, err error)

	// Breaker, if set, wraps every Call invocation. A tripped breaker fails
	// the item immediately with resilience.ErrCircuitOpen instead of
	// dispatching to a collaborator that recent calls show is unhealthy.
	Breaker *resilience.CircuitBreaker
}

// Pool is a bounded worker pool built on a weighted semaphore so Submit
// blocks the caller (the I/O thread, briefly, before handing off) rather
// than spawning unbounded goroutines.
type Pool struct {
	sem      *semaphore.Weighted
	pipeline Pipeline
	logger   *slog.Logger
	release  func(*session.Session)
}

// New constructs a Pool with the given concurrency bound. release is
// invoked once per completed or cancelled item to drop the session
// reference Submit implicitly holds (typically registry.Registry.Release).
func New(size int64, pipeline Pipeline, release func(*session.Session), logger *slog.Logger) *Pool {
	if pipeline.LLMTimeout <= 0 {
		pipeline.LLMTimeout = DefaultLLMTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:      semaphore.NewWeighted(size),
		pipeline: pipeline,
		logger:   logger,
		release:  release,
	}
}

// Submit acquires a pool slot and runs item's pipeline in a new goroutine.
// It returns once the slot is acquired (or ctx is cancelled while
// waiting); the pipeline itself runs asynchronously and reports through
// Pipeline.OnResult.
func (p *Pool) Submit(ctx context.Context, item Item) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("worker: acquire pool slot: %w", err)
	}
	item.Session.Touch()
	go func() {
		defer p.sem.Release(1)
		p.run(ctx, item)
	}()
	return nil
}

// run executes one item's pipeline, polling session.Disconnected() at every
// natural breakpoint: before the LLM call, between tool invocations, and
// before reporting the result.
func (p *Pool) run(ctx context.Context, item Item) {
	sess := item.Session
	if p.release != nil {
		defer p.release(sess)
	}

	if sess.Disconnected() {
		return
	}

	ctx, cancelToken := withCancelToken(ctx, sess)
	defer cancelToken()

	callCtx, cancel := context.WithTimeout(ctx, p.pipeline.LLMTimeout)
	defer cancel()

	var text string
	var toolCalls []ToolInvocation
	var err error
	call := func() error {
		text, toolCalls, err = p.pipeline.Call(callCtx, item)
		return err
	}
	if p.pipeline.Breaker != nil {
		if breakerErr := p.pipeline.Breaker.Execute(call); breakerErr != nil && errors.Is(breakerErr, resilience.ErrCircuitOpen) {
			p.pipeline.OnResult(item, "", breakerErr)
			return
		}
	} else {
		call()
	}
	if sess.Disconnected() {
		return
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		p.pipeline.OnResult(item, "", fmt.Errorf("%w", ErrLLMTimeout))
		return
	}
	if err != nil {
		p.pipeline.OnResult(item, "", err)
		return
	}

	if len(toolCalls) > 0 {
		result, err := p.runTools(ctx, sess, toolCalls)
		if sess.Disconnected() {
			return
		}
		if err != nil {
			p.pipeline.OnResult(item, "", err)
			return
		}
		if result != "" {
			text = result
		}
	}

	if sess.Disconnected() {
		return
	}
	p.pipeline.OnResult(item, text, nil)
}

// runTools fans out parallel_safe tools concurrently via errgroup, then
// runs unsafe tools sequentially after all parallel tools finish, per
// spec.md §4.7.
func (p *Pool) runTools(ctx context.Context, sess *session.Session, calls []ToolInvocation) (string, error) {
	var parallelCalls, sequentialCalls []ToolInvocation
	for _, c := range calls {
		tool, ok := p.pipeline.Tools[c.Name]
		if !ok {
			return "", fmt.Errorf("worker: unknown tool %q", c.Name)
		}
		if tool.ParallelSafe {
			parallelCalls = append(parallelCalls, c)
		} else {
			sequentialCalls = append(sequentialCalls, c)
		}
	}

	results := make([]string, len(parallelCalls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range parallelCalls {
		i, c := i, c
		g.Go(func() error {
			if sess.Disconnected() {
				return ErrCancelled
			}
			out, err := p.pipeline.Tools[c.Name].Invoke(gctx, c.Args)
			if err != nil {
				return fmt.Errorf("worker: tool %q: %w", c.Name, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var last string
	for _, c := range sequentialCalls {
		if sess.Disconnected() {
			return "", ErrCancelled
		}
		out, err := p.pipeline.Tools[c.Name].Invoke(ctx, c.Args)
		if err != nil {
			return "", fmt.Errorf("worker: tool %q: %w", c.Name, err)
		}
		last = out
	}
	if last != "" {
		return last, nil
	}
	if len(results) > 0 {
		return results[len(results)-1], nil
	}
	return "", nil
}
