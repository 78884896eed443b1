package dispatch

import (
	"context"

	"github.com/malcolmhoward/dawn/internal/protocol"
	"github.com/malcolmhoward/dawn/internal/respqueue"
	"github.com/malcolmhoward/dawn/internal/session"
	"github.com/malcolmhoward/dawn/internal/worker"
)

// handleText decodes a text frame's envelope and dispatches to the typed
// handler for its message type (spec.md §4.9).
func (d *Dispatcher) handleText(c *conn, sess *session.Session, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		d.sendError(sess.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}

	switch env.Type {
	case protocol.TypeText:
		d.handleTextMessage(c, sess, env)
	case protocol.TypeCancel:
		d.handleCancel(sess)
	case protocol.TypeReconnect:
		d.handleReconnect(c, sess, env)
	case protocol.TypeConfig:
		// Config messages are accepted and ignored: the dispatcher neither
		// decodes nor applies them.
	case protocol.TypeSatelliteRegister:
		d.handleSatelliteRegister(c, sess, env)
	case protocol.TypeSatelliteQuery:
		d.handleSatelliteQuery(c, sess, env)
	case protocol.TypeSatellitePing:
		d.sendSatellitePong(sess.ID)
	default:
		d.sendError(sess.ID, protocol.ErrInvalidMessage, "unknown message type: "+env.Type, true)
	}
}

func (d *Dispatcher) handleTextMessage(c *conn, sess *session.Session, env protocol.Envelope) {
	var p protocol.TextPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		d.sendError(sess.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}
	sess.AppendHistory(session.RoleUser, p.Text)
	if d.submit == nil {
		d.sendError(sess.ID, protocol.ErrLLMError, "no worker pool configured", false)
		return
	}
	if err := d.submit.Submit(context.Background(), worker.Item{Session: sess, Kind: worker.PayloadText, Text: p.Text}); err != nil {
		d.sendError(sess.ID, protocol.ErrLLMError, err.Error(), true)
	}
}

// handleCancel marks the session's in-flight work cancelled by setting
// disconnected; the worker pool's cooperative polling picks this up. The
// connection itself stays open — cancel is narrower than a dropped link.
func (d *Dispatcher) handleCancel(sess *session.Session) {
	sess.MarkDisconnected()
	sess.ClearDisconnected()
	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStateUpdate, SessionID: sess.ID, State: "idle", Detail: "cancelled"})
}

// handleReconnect resolves the presented token. On a hit, ownership
// transfers from the ephemeral on-accept session to the resolved one:
// history replays and current state is sent. On a miss, the ephemeral
// session is kept and its own token is (re-)sent.
func (d *Dispatcher) handleReconnect(c *conn, ephemeral *session.Session, env protocol.Envelope) {
	var p protocol.ReconnectPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		d.sendError(ephemeral.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}

	resolved := d.registry.LookupByToken(p.Token)
	if resolved == nil || resolved.ID == ephemeral.ID {
		d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindSessionToken, SessionID: ephemeral.ID, Token: ephemeral.ReconnectToken})
		return
	}

	target := d.registry.GetForReconnect(resolved.ID)
	if target == nil {
		d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindSessionToken, SessionID: ephemeral.ID, Token: ephemeral.ReconnectToken})
		return
	}

	d.mu.Lock()
	delete(d.bySession, ephemeral.ID)
	d.bySession[target.ID] = c
	d.mu.Unlock()

	c.sessionID = target.ID
	target.ClearDisconnected()
	target.BindConnection(c.id)
	target.Touch()

	d.registry.Release(ephemeral)
	d.registry.Destroy(ephemeral.ID)

	for _, h := range target.NonSystemHistory() {
		d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindTranscriptLine, SessionID: target.ID, Role: string(h.Role), Text: h.Content})
	}
	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStateUpdate, SessionID: target.ID, State: "idle"})
}

func (d *Dispatcher) handleSatelliteRegister(c *conn, sess *session.Session, env protocol.Envelope) {
	var p protocol.SatelliteRegisterPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		d.sendError(sess.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}
	sess.LLMRoute = p.Tier
	d.queue.Enqueue(respqueue.Entry{Kind: respqueue.KindStateUpdate, SessionID: sess.ID, State: "idle"})

	_ = c.enqueueText(protocol.TypeSatelliteRegisterAck, protocol.SatelliteRegisterAckPayload{
		Success:         true,
		SessionID:       uint32(sess.ID),
		ReconnectSecret: sess.ReconnectToken,
	})
}

func (d *Dispatcher) handleSatelliteQuery(c *conn, sess *session.Session, env protocol.Envelope) {
	var p protocol.SatelliteQueryPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		d.sendError(sess.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}
	sess.AppendHistory(session.RoleUser, p.Text)
	if d.submit == nil {
		d.sendError(sess.ID, protocol.ErrLLMError, "no worker pool configured", false)
		return
	}
	if err := d.submit.Submit(context.Background(), worker.Item{Session: sess, Kind: worker.PayloadText, Text: p.Text}); err != nil {
		d.sendError(sess.ID, protocol.ErrLLMError, err.Error(), true)
	}
}

func (d *Dispatcher) sendSatellitePong(id session.ID) {
	d.mu.Lock()
	c := d.bySession[id]
	d.mu.Unlock()
	if c == nil {
		return
	}
	_ = c.enqueueText(protocol.TypeSatellitePong, struct{}{})
}

func (d *Dispatcher) sendError(id session.ID, code, message string, recoverable bool) {
	d.queue.Enqueue(respqueue.Entry{
		Kind:             respqueue.KindError,
		SessionID:        id,
		ErrorCode:        code,
		ErrorMessage:     message,
		ErrorRecoverable: recoverable,
	})
}

// handleBinary routes an inbound binary frame by its one-octet discriminator
// to the audio-accumulation path keyed to the session.
func (d *Dispatcher) handleBinary(c *conn, sess *session.Session, data []byte) {
	frame, err := protocol.DecodeBinary(data)
	if err != nil {
		d.sendError(sess.ID, protocol.ErrInvalidMessage, err.Error(), true)
		return
	}

	switch frame.Type {
	case protocol.BinaryAudioInChunk:
		c.audioMu.Lock()
		c.audioBuf = append(c.audioBuf, frame.Payload...)
		c.audioMu.Unlock()
	case protocol.BinaryEndOfUtterance:
		c.audioMu.Lock()
		buf := c.audioBuf
		c.audioBuf = nil
		c.audioMu.Unlock()
		if len(buf) == 0 || d.submit == nil {
			return
		}
		if err := d.submit.Submit(context.Background(), worker.Item{Session: sess, Kind: worker.PayloadAudio, Audio: buf}); err != nil {
			d.sendError(sess.ID, protocol.ErrASRFailed, err.Error(), true)
		}
	default:
		d.sendError(sess.ID, protocol.ErrInvalidMessage, "unknown binary frame type", true)
	}
}
