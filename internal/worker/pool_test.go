package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malcolmhoward/dawn/internal/resilience"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*session.Registry, *session.Session) {
	r := session.NewRegistry()
	t.Cleanup(r.Close)
	s, err := r.Create(session.KindWebSocket)
	require.NoError(t, err)
	return r, s
}

func TestSuccessfulPipelineReportsResult(t *testing.T) {
	r, s := newTestSession(t)

	var mu sync.Mutex
	var gotText string
	var gotErr error
	done := make(chan struct{})

	pipeline := Pipeline{
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			return "hi there", nil, nil
		},
		OnResult: func(item Item, text string, err error) {
			mu.Lock()
			gotText, gotErr = text, err
			mu.Unlock()
			close(done)
		},
	}
	p := New(4, pipeline, r.Release, nil)

	require.NoError(t, p.Submit(context.Background(), Item{Session: s, Kind: PayloadText, Text: "hello"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "hi there", gotText)
	require.NoError(t, gotErr)
}

func TestLLMTimeoutReportsErrLLMTimeout(t *testing.T) {
	r, s := newTestSession(t)

	done := make(chan error, 1)
	pipeline := Pipeline{
		LLMTimeout: 20 * time.Millisecond,
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			<-ctx.Done()
			return "", nil, ctx.Err()
		},
		OnResult: func(item Item, text string, err error) {
			done <- err
		},
	}
	p := New(4, pipeline, r.Release, nil)
	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLLMTimeout)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestCancellationSuppressesResultWhenDisconnected(t *testing.T) {
	r, s := newTestSession(t)
	s.MarkDisconnected()

	called := make(chan struct{}, 1)
	pipeline := Pipeline{
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			called <- struct{}{}
			return "should not be reported", nil, nil
		},
		OnResult: func(item Item, text string, err error) {
			t.Fatal("OnResult must not be called for a disconnected session")
		},
	}
	p := New(4, pipeline, r.Release, nil)
	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))

	time.Sleep(50 * time.Millisecond)
	select {
	case <-called:
		t.Fatal("LLM call must not run once disconnected is observed before the call")
	default:
	}
}

func TestParallelAndSequentialToolDispatchOrder(t *testing.T) {
	r, s := newTestSession(t)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	pipeline := Pipeline{
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			return "", []ToolInvocation{{Name: "readonly"}, {Name: "mutate"}}, nil
		},
		Tools: map[string]Tool{
			"readonly": {
				Name:         "readonly",
				ParallelSafe: true,
				Invoke: func(ctx context.Context, args string) (string, error) {
					mu.Lock()
					order = append(order, "readonly")
					mu.Unlock()
					return "ro-result", nil
				},
			},
			"mutate": {
				Name:         "mutate",
				ParallelSafe: false,
				Invoke: func(ctx context.Context, args string) (string, error) {
					mu.Lock()
					order = append(order, "mutate")
					mu.Unlock()
					return "mutate-result", nil
				},
			},
		},
		OnResult: func(item Item, text string, err error) {
			close(done)
		},
	}
	p := New(4, pipeline, r.Release, nil)
	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"readonly", "mutate"}, order)
}

func TestDisconnectDuringCallAbortsContext(t *testing.T) {
	r, s := newTestSession(t)

	callStarted := make(chan struct{})
	callCtxDone := make(chan struct{})
	done := make(chan struct{})

	pipeline := Pipeline{
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			close(callStarted)
			<-ctx.Done()
			close(callCtxDone)
			return "", nil, ctx.Err()
		},
		OnResult: func(item Item, text string, err error) {
			close(done)
		},
	}
	p := New(4, pipeline, r.Release, nil)
	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))

	select {
	case <-callStarted:
	case <-time.After(time.Second):
		t.Fatal("call never started")
	}

	s.MarkDisconnected()

	select {
	case <-callCtxDone:
	case <-time.After(time.Second):
		t.Fatal("call context was not cancelled after session disconnect")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pipeline to finish")
	}
}

func TestCircuitBreakerOpenSkipsCall(t *testing.T) {
	r, s := newTestSession(t)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "test-llm",
		MaxFailures: 1,
	})

	var calls int32
	failErr := errors.New("collaborator unavailable")
	pipeline := Pipeline{
		Call: func(ctx context.Context, item Item) (string, []ToolInvocation, error) {
			atomic.AddInt32(&calls, 1)
			return "", nil, failErr
		},
		Breaker: breaker,
	}

	// First call trips the breaker (MaxFailures=1).
	var mu sync.Mutex
	var results []error
	done := make(chan struct{}, 2)
	pipeline.OnResult = func(item Item, text string, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
		done <- struct{}{}
	}

	p := New(4, pipeline, r.Release, nil)
	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))
	<-done

	require.NoError(t, p.Submit(context.Background(), Item{Session: s}))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	require.ErrorIs(t, results[0], failErr)
	require.ErrorIs(t, results[1], resilience.ErrCircuitOpen)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
