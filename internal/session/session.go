// Package session implements the process-wide session registry: the
// authoritative mapping from session ids and reconnect tokens to session
// state, with reference counting and timed reaping of abandoned sessions.
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what sort of endpoint a session represents.
type Kind string

const (
	KindLocalMic  Kind = "local-mic"
	KindWebSocket Kind = "websocket"
	KindSatellite Kind = "satellite"
)

// Role identifies the speaker of one history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// HistoryEntry is one turn of conversation.
type HistoryEntry struct {
	Role    Role
	Content string
}

// ID is a monotonic, process-unique session identifier.
type ID uint32

// Session is one logical conversation endpoint. Its lifecycle is owned by
// the Registry; callers never construct one directly.
//
// disconnected, refCount and lastTouch are mutated under the registry's
// lock or via atomics as documented per-field; history is append-only and
// is only ever appended to by a worker holding a live reference, per the
// concurrency model this type implements.
type Session struct {
	ID              ID
	ReconnectToken  string
	Kind            Kind
	LLMRoute        string // per-session routing decision, opaque to this package

	mu           sync.Mutex
	history      []HistoryEntry
	disconnected atomic.Bool
	refCount     atomic.Int32
	lastTouch    atomic.Int64 // unix nanos

	// connID is a nullable back-pointer to the dispatcher-owned connection
	// table, modelled as an opaque id rather than a pointer so the session
	// can never keep a connection alive past its owner.
	connID atomic.Value // holds string; empty means unbound
}

func newSession(id ID, kind Kind, token string) *Session {
	s := &Session{ID: id, Kind: kind, ReconnectToken: token}
	s.refCount.Store(1)
	s.lastTouch.Store(time.Now().UnixNano())
	s.connID.Store("")
	return s
}

// Disconnected reports whether the owning connection has gone away. Workers
// poll this at natural breakpoints to cancel cooperatively.
func (s *Session) Disconnected() bool { return s.disconnected.Load() }

// MarkDisconnected sets the disconnected flag. Only the connection
// dispatcher (the I/O thread) calls this, per the concurrency model.
func (s *Session) MarkDisconnected() { s.disconnected.Store(true) }

// ClearDisconnected clears the flag on a successful reconnect.
func (s *Session) ClearDisconnected() { s.disconnected.Store(false) }

// RefCount returns the current reference count.
func (s *Session) RefCount() int32 { return s.refCount.Load() }

// Touch updates the last-activity timestamp used by the reaper.
func (s *Session) Touch() { s.lastTouch.Store(time.Now().UnixNano()) }

// IdleFor returns how long it has been since the last Touch.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastTouch.Load()))
}

// ConnectionID returns the bound connection id, or "" if unbound.
func (s *Session) ConnectionID() string {
	return s.connID.Load().(string)
}

// BindConnection rebinds the session's connection back-pointer. Passing ""
// unbinds it (the client has vanished).
func (s *Session) BindConnection(id string) {
	s.connID.Store(id)
}

// AppendHistory appends one turn. Called only by a worker holding a live
// reference, preserving the append-only, monotonic-order invariant.
func (s *Session) AppendHistory(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, HistoryEntry{Role: role, Content: content})
}

// History returns a copy of the full conversation history in order.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// NonSystemHistory returns History filtered to exclude system-role turns,
// used when replaying transcript messages on reconnect.
func (s *Session) NonSystemHistory() []HistoryEntry {
	full := s.History()
	out := make([]HistoryEntry, 0, len(full))
	for _, h := range full {
		if h.Role == RoleSystem {
			continue
		}
		out = append(out, h)
	}
	return out
}
