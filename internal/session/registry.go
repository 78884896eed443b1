package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is how long a disconnected session is retained before it
// becomes eligible for reaping (spec.md §3/§4.6).
const DefaultTimeout = 30 * time.Minute

// DefaultTokenTableSize is the bounded token-mapping table size; beyond
// this, the oldest mapping is evicted to make room (spec.md §3 "Token
// mapping").
const DefaultTokenTableSize = 16

// tokenEntry records one reconnect-token mapping.
type tokenEntry struct {
	token     string
	sessionID ID
	createdAt time.Time
}

// HistoryStore is an optional durable sink for session conversation
// history. The in-memory Session.History path above is always authoritative
// for a live session. The registry keeps a configured HistoryStore but does
// not call Append or Load itself, so history is not written to it or
// replayed from it across daemon restarts.
type HistoryStore interface {
	Append(id ID, entry HistoryEntry) error
	Load(id ID) ([]HistoryEntry, error)
}

// Registry is the process-wide session table. All methods are safe for
// concurrent use.
type Registry struct {
	timeout        time.Duration
	tokenTableSize int
	history        HistoryStore
	logger         *slog.Logger

	mu       sync.Mutex
	sessions map[ID]*Session
	tokens   []tokenEntry // ordered oldest-first; bounded at tokenTableSize
	nextID   ID

	stopReap chan struct{}
	reapOnce sync.Once
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithTokenTableSize overrides DefaultTokenTableSize.
func WithTokenTableSize(n int) Option {
	return func(r *Registry) { r.tokenTableSize = n }
}

// WithHistoryStore attaches an optional durable history sink.
func WithHistoryStore(store HistoryStore) Option {
	return func(r *Registry) { r.history = store }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry constructs an empty Registry and starts its background
// reaper goroutine. Call Close to stop it.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout:        DefaultTimeout,
		tokenTableSize: DefaultTokenTableSize,
		logger:         slog.Default(),
		sessions:       make(map[ID]*Session),
		stopReap:       make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.reapLoop()
	return r
}

// Close stops the background reaper. Safe to call more than once.
func (r *Registry) Close() {
	r.reapOnce.Do(func() { close(r.stopReap) })
}

// Create allocates a new session of the given kind with a fresh reconnect
// token, inserts it, and returns it with reference count 1.
func (r *Registry) Create(kind Kind) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("session: generate reconnect token: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	s := newSession(id, kind, token)
	r.sessions[id] = s
	r.insertToken(token, id)
	return s, nil
}

// Get returns an active (non-disconnected) session by id, incrementing its
// reference count. Returns nil if not found or disconnected.
func (r *Registry) Get(id ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Disconnected() {
		return nil
	}
	s.refCount.Add(1)
	return s
}

// GetForReconnect returns a session by id even if it is currently marked
// disconnected, so the caller can clear the flag. Increments reference
// count.
func (r *Registry) GetForReconnect(id ID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.refCount.Add(1)
	return s
}

// Release decrements a session's reference count.
func (r *Registry) Release(s *Session) {
	if s == nil {
		return
	}
	s.refCount.Add(-1)
}

// Destroy removes a session from the registry immediately. Per spec.md §3,
// callers must ensure the session is disconnected and ref count is zero
// before calling this for the "idle timeout" path; Destroy itself performs
// the removal unconditionally so it can also be used for the "abandoned
// ephemeral session" path where destruction is immediate by design.
func (r *Registry) Destroy(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.removeTokensFor(id)
}

// LookupByToken resolves a reconnect token to a session, or nil if the
// token does not map to a live entry. The table is small (bounded at
// tokenTableSize) so a linear scan is acceptable, per spec.md §4.6.
func (r *Registry) LookupByToken(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, te := range r.tokens {
		if te.token == token {
			return r.sessions[te.sessionID]
		}
	}
	return nil
}

// insertToken records a new token mapping, evicting the oldest entry if the
// table is already at capacity. Caller must hold r.mu.
func (r *Registry) insertToken(token string, id ID) {
	if len(r.tokens) >= r.tokenTableSize {
		evicted := r.tokens[0]
		r.tokens = r.tokens[1:]
		r.logger.Warn("session: token table full, evicting oldest", "evicted_session", evicted.sessionID)
	}
	r.tokens = append(r.tokens, tokenEntry{token: token, sessionID: id, createdAt: time.Now()})
}

// removeTokensFor deletes every token mapping pointing at id. Caller must
// hold r.mu.
func (r *Registry) removeTokensFor(id ID) {
	kept := r.tokens[:0]
	for _, te := range r.tokens {
		if te.sessionID != id {
			kept = append(kept, te)
		}
	}
	r.tokens = kept
}

// reapLoop periodically destroys sessions that are disconnected, have a
// zero reference count, and have been idle past the configured timeout.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.timeout / 10)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopReap:
			return
		case <-ticker.C:
			r.reapOnePass()
		}
	}
}

func (r *Registry) reapOnePass() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if !s.Disconnected() {
			continue
		}
		if s.RefCount() > 0 {
			continue
		}
		if s.IdleFor() < r.timeout {
			continue
		}
		delete(r.sessions, id)
		r.removeTokensFor(id)
		r.logger.Info("session: reaped idle session", "session_id", id)
	}
}

// newToken generates a 128-bit random reconnect token rendered as 32
// lowercase hex characters.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
