// Package respqueue implements the cross-thread bounded response queue:
// worker threads enqueue typed entries; the single connection-dispatcher
// event loop drains them. Full queues drop the oldest entry rather than
// blocking the producer.
package respqueue

import (
	"log/slog"
	"sync"

	"github.com/malcolmhoward/dawn/internal/session"
)

// EntryKind discriminates the response-queue entry variant.
type EntryKind int

const (
	KindStateUpdate EntryKind = iota
	KindTranscriptLine
	KindError
	KindSessionToken
	KindStreamStart
	KindStreamDelta
	KindStreamEnd
)

// Entry is a tagged variant carrying one message destined for a session's
// connection. Only the field matching Kind is meaningful.
type Entry struct {
	Kind      EntryKind
	SessionID session.ID

	State  string // KindStateUpdate
	Detail string // KindStateUpdate, optional

	Role string // KindTranscriptLine
	Text string // KindTranscriptLine

	ErrorCode        string // KindError
	ErrorMessage     string // KindError
	ErrorRecoverable bool   // KindError

	Token string // KindSessionToken

	StreamID string // KindStreamStart, KindStreamDelta, KindStreamEnd
	Delta    string // KindStreamDelta
}

// DefaultCapacity is the reference queue capacity from spec.md §6.
const DefaultCapacity = 64

// Queue is a bounded MPSC FIFO. Multiple worker goroutines may call Enqueue
// concurrently; exactly one goroutine (the dispatcher event loop) calls
// Drain/TryDequeue.
type Queue struct {
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	entries []Entry

	// wake is signalled (non-blocking) on every enqueue so the dispatcher's
	// event loop can observe a dedicated wake-up event instead of polling.
	wake chan struct{}
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New constructs an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Wake returns the channel the dispatcher's event loop selects on to learn
// a new entry is available. Receiving from it never blocks producers: the
// channel has capacity 1 and Enqueue sends non-blockingly.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Enqueue adds an entry, thread-safe and non-blocking. If the queue is at
// capacity, the oldest entry is dropped and a warning logged.
func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.logger.Warn("respqueue: queue full, dropping oldest entry",
			"dropped_session", dropped.SessionID, "dropped_kind", dropped.Kind)
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryDequeue removes and returns the oldest entry, or ok=false if empty.
// Called only by the dispatcher event loop.
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// Len reports the current queue depth, for metrics/tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain removes every currently queued entry in FIFO order, skipping any
// entry whose session is disconnected per spec.md §4.8 ("freed without
// sending"). isDisconnected is typically session.Session.Disconnected.
func (q *Queue) Drain(isDisconnected func(session.ID) bool, send func(Entry)) {
	for {
		e, ok := q.TryDequeue()
		if !ok {
			return
		}
		if isDisconnected != nil && isDisconnected(e.SessionID) {
			continue
		}
		send(e)
	}
}
