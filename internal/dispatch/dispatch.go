// Package dispatch implements the connection dispatcher (C9): the event
// loop that accepts WebSocket connections, binds them to sessions, parses
// inbound frames, drains the process-wide response queue, and performs
// every outbound socket write. Exactly one goroutine per connection ever
// calls Conn.Write; routing decisions (which connection an enqueued
// response belongs to) are centralised in a single drain loop per
// Dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/malcolmhoward/dawn/internal/observe"
	"github.com/malcolmhoward/dawn/internal/protocol"
	"github.com/malcolmhoward/dawn/internal/respqueue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

const (
	// KeepAliveInterval is how often an idle connection is pinged.
	KeepAliveInterval = 10 * time.Second
	// NoDataStallTimeout forces a return-to-idle if a stream produces no
	// data for this long.
	NoDataStallTimeout = 30 * time.Second
	// TotalStallTimeout forces a return-to-idle this long after a stream
	// starts, regardless of activity.
	TotalStallTimeout = 120 * time.Second
	// writeTimeout bounds any single socket write.
	writeTimeout = 5 * time.Second

	outboxCapacity = 32
)

// WorkSubmitter is the worker pool's narrow contract as seen by the
// dispatcher: hand off a parsed item for pipeline processing.
type WorkSubmitter interface {
	Submit(ctx context.Context, item worker.Item) error
}

// outboundFrame is one unit of work for a connection's writer goroutine.
type outboundFrame struct {
	ping bool
	kind websocket.MessageType
	data []byte
}

// conn is one accepted WebSocket connection bound to a session.
type conn struct {
	id        string
	ws        *websocket.Conn
	sessionID session.ID

	outbox chan outboundFrame
	done   chan struct{}
	closeOnce sync.Once

	pendingOutbound atomic.Bool
	streamActive    atomic.Bool
	lastDataAt      atomic.Int64
	streamStartAt   atomic.Int64

	audioMu  sync.Mutex
	audioBuf []byte
}

func newConn(id string, ws *websocket.Conn, sessionID session.ID) *conn {
	c := &conn{
		id:        id,
		ws:        ws,
		sessionID: sessionID,
		outbox:    make(chan outboundFrame, outboxCapacity),
		done:      make(chan struct{}),
	}
	now := time.Now().UnixNano()
	c.lastDataAt.Store(now)
	return c
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueueText marshals and schedules a text frame; never blocks the caller
// longer than it takes to push onto the bounded outbox.
func (c *conn) enqueueText(msgType string, payload any) error {
	data, err := protocol.EncodeText(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- outboundFrame{kind: websocket.MessageText, data: data}:
		return nil
	case <-c.done:
		return fmt.Errorf("dispatch: connection %s closed", c.id)
	default:
		return fmt.Errorf("dispatch: connection %s outbox full", c.id)
	}
}

func (c *conn) enqueueBinary(data []byte) error {
	select {
	case c.outbox <- outboundFrame{kind: websocket.MessageBinary, data: data}:
		return nil
	case <-c.done:
		return fmt.Errorf("dispatch: connection %s closed", c.id)
	default:
		return fmt.Errorf("dispatch: connection %s outbox full", c.id)
	}
}

func (c *conn) enqueuePing() {
	select {
	case c.outbox <- outboundFrame{ping: true}:
	default:
	}
}

// Dispatcher owns one bound port's accept loop, the connection table, and
// the single goroutine that drains the response queue and times out
// stalled streams.
type Dispatcher struct {
	registry *session.Registry
	queue    *respqueue.Queue
	submit   WorkSubmitter
	logger   *slog.Logger
	metrics  *observe.Metrics

	mu        sync.Mutex
	conns     map[string]*conn
	bySession map[session.ID]*conn

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithWorkSubmitter wires the worker pool that processes text/query items.
func WithWorkSubmitter(s WorkSubmitter) Option {
	return func(d *Dispatcher) { d.submit = s }
}

// WithMetrics records connection-lifecycle gauges (ActiveSatellites,
// ActiveSessions) against m as connections are accepted and torn down.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher bound to the given registry and response
// queue, and starts its background loops. Call Close to stop them.
func New(registry *session.Registry, queue *respqueue.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		queue:     queue,
		logger:    slog.Default(),
		conns:     make(map[string]*conn),
		bySession: make(map[session.ID]*conn),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.wg.Add(2)
	go d.drainLoop()
	go d.stallLoop()
	return d
}

// Close stops the dispatcher's background loops and closes every live
// connection.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.wg.Wait()

	d.mu.Lock()
	conns := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Handler returns the http.Handler that upgrades incoming requests to
// WebSocket connections and runs their accept sequence.
func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(d.serveHTTP)
}

func (d *Dispatcher) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"dawn.v1"},
	})
	if err != nil {
		d.logger.Warn("dispatch: accept failed", "error", err)
		return
	}

	sess, err := d.registry.Create(session.KindWebSocket)
	if err != nil {
		d.logger.Error("dispatch: create session failed", "error", err)
		ws.Close(websocket.StatusInternalError, "session allocation failed")
		return
	}

	c := newConn(uuid.NewString(), ws, sess.ID)
	sess.BindConnection(c.id)

	d.mu.Lock()
	d.conns[c.id] = c
	d.bySession[sess.ID] = c
	d.mu.Unlock()

	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindSessionToken, SessionID: sess.ID, Token: sess.ReconnectToken})
	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStateUpdate, SessionID: sess.ID, State: "idle"})

	if d.metrics != nil {
		d.metrics.ActiveSatellites.Add(r.Context(), 1)
		d.metrics.ActiveSessions.Add(r.Context(), 1)
	}

	d.runConn(c, sess)
}

// runConn blocks for the connection's lifetime, running its writer
// goroutine alongside the blocking read loop on the calling goroutine.
func (d *Dispatcher) runConn(c *conn, sess *session.Session) {
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		d.writerLoop(c)
	}()

	d.readLoop(c, sess)

	c.close()
	writerWG.Wait()

	d.mu.Lock()
	delete(d.conns, c.id)
	if d.bySession[sess.ID] == c {
		delete(d.bySession, sess.ID)
	}
	d.mu.Unlock()

	sess.MarkDisconnected()
	sess.BindConnection("")
	c.audioMu.Lock()
	c.audioBuf = nil
	c.audioMu.Unlock()
	d.registry.Release(sess)

	if d.metrics != nil {
		d.metrics.ActiveSatellites.Add(context.Background(), -1)
		d.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (d *Dispatcher) writerLoop(c *conn) {
	for {
		select {
		case f, ok := <-c.outbox:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			var err error
			if f.ping {
				err = c.ws.Ping(ctx)
			} else {
				c.pendingOutbound.Store(true)
				err = c.ws.Write(ctx, f.kind, f.data)
				c.pendingOutbound.Store(false)
			}
			cancel()
			if err != nil {
				d.logger.Warn("dispatch: write failed, closing connection", "conn", c.id, "error", err)
				c.ws.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (d *Dispatcher) readLoop(c *conn, sess *session.Session) {
	ctx := context.Background()
	for {
		msgType, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		sess.Touch()
		switch msgType {
		case websocket.MessageText:
			d.handleText(c, sess, data)
		case websocket.MessageBinary:
			d.handleBinary(c, sess, data)
		}
	}
}

// routeEntry delivers one drained response-queue entry to its connection,
// translating it to the wire envelope shape. Invoked only from drainLoop.
func (d *Dispatcher) routeEntry(e respqueue.Entry) {
	d.mu.Lock()
	c := d.bySession[e.SessionID]
	d.mu.Unlock()
	if c == nil {
		return
	}

	c.lastDataAt.Store(time.Now().UnixNano())

	var err error
	switch e.Kind {
	case respqueue.KindSessionToken:
		err = c.enqueueText(protocol.TypeSession, protocol.SessionPayload{Token: e.Token})
	case respqueue.KindStateUpdate:
		err = c.enqueueText(protocol.TypeState, protocol.StatePayload{State: e.State, Detail: e.Detail})
	case respqueue.KindTranscriptLine:
		err = c.enqueueText(protocol.TypeTranscript, protocol.TranscriptPayload{Role: e.Role, Text: e.Text})
	case respqueue.KindError:
		err = c.enqueueText(protocol.TypeError, protocol.ErrorPayload{Code: e.ErrorCode, Message: e.ErrorMessage, Recoverable: e.ErrorRecoverable})
	case respqueue.KindStreamStart:
		c.streamActive.Store(true)
		c.streamStartAt.Store(time.Now().UnixNano())
		err = c.enqueueText(protocol.TypeStreamStart, protocol.StreamStartPayload{StreamID: e.StreamID})
	case respqueue.KindStreamDelta:
		err = c.enqueueText(protocol.TypeStreamDelta, protocol.StreamDeltaPayload{StreamID: e.StreamID, Delta: e.Delta})
	case respqueue.KindStreamEnd:
		c.streamActive.Store(false)
		err = c.enqueueText(protocol.TypeStreamEnd, protocol.StreamEndPayload{StreamID: e.StreamID})
	}
	if err != nil {
		d.logger.Warn("dispatch: route entry failed", "conn", c.id, "kind", e.Kind, "error", err)
	}
}

// ResolveByToken looks up a session by its reconnect token, for callers
// (tests, satellite-side bootstrapping) that need the session id before
// addressing SendAudio.
func (d *Dispatcher) ResolveByToken(token string) *session.Session {
	return d.registry.LookupByToken(token)
}

// SendAudio pushes a server-to-client binary audio frame (discriminator
// 0x11 or 0x12) directly to the connection bound to sessionID, bypassing
// the text response queue since audio frames carry no JSON payload.
func (d *Dispatcher) SendAudio(sessionID session.ID, frameType byte, payload []byte) error {
	d.mu.Lock()
	c := d.bySession[sessionID]
	d.mu.Unlock()
	if c == nil {
		return fmt.Errorf("dispatch: no connection bound to session %d", sessionID)
	}
	return c.enqueueBinary(protocol.EncodeBinary(frameType, payload))
}

// isDisconnected reports whether the session owning id currently has no
// live connection, used by respqueue.Drain to free entries for vanished
// peers without sending them.
func (d *Dispatcher) isDisconnected(id session.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.bySession[id]
	return !ok
}

func (d *Dispatcher) drainLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-d.queue.Wake():
			d.queue.Drain(d.isDisconnected, d.routeEntry)
		}
	}
}

// stallLoop ticks once a second, pinging idle connections and forcing
// stalled streams back to idle.
func (d *Dispatcher) stallLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastPing := make(map[string]time.Time)

	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			conns := make([]*conn, 0, len(d.conns))
			for _, c := range d.conns {
				conns = append(conns, c)
			}
			d.mu.Unlock()

			for _, c := range conns {
				if !c.pendingOutbound.Load() && now.Sub(lastPing[c.id]) >= KeepAliveInterval {
					c.enqueuePing()
					lastPing[c.id] = now
				}
				if c.streamActive.Load() {
					last := time.Unix(0, c.lastDataAt.Load())
					started := time.Unix(0, c.streamStartAt.Load())
					if now.Sub(last) >= NoDataStallTimeout || now.Sub(started) >= TotalStallTimeout {
						c.streamActive.Store(false)
						d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStateUpdate, SessionID: c.sessionID, State: "idle", Detail: "response stalled"})
					}
				}
			}
		}
	}
}
