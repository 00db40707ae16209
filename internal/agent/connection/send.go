package connection

import (
	"context"
	"encoding/json"
	"time"

	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/ratchet"
)

// SendMessage stages an application payload on the connection's current
// send queue and returns the assigned internal id, echoed later by SENT.
func (m *Manager) SendMessage(ctx context.Context, connId domain.ConnId, body []byte) (int64, error) {
	if err := m.checkActive(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return 0, err
	}
	switch conn.Variant {
	case domain.ConnDuplex:
	case domain.ConnRcv, domain.ConnSnd:
		return 0, agenterr.Conn(agenterr.ConnSimplex)
	default:
		return 0, agenterr.CmdProhibited
	}
	if conn.Status != domain.ConnReady || conn.SndQueue == nil {
		return 0, agenterr.CmdProhibited
	}

	msg, err := m.enqueue(conn, conn.SndQueue, domain.MsgA, body)
	if err != nil {
		return 0, err
	}
	return msg.InternalId, nil
}

// AckMessage acknowledges a delivered message back to the relay.
// Idempotent: repeating an id returns without network effect.
func (m *Manager) AckMessage(ctx context.Context, connId domain.ConnId, msgId int64) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	return m.dispatcher.Ack(ctx, connId, msgId)
}

// enqueue stores one outbound record (assigning internal id, external id
// and hash chain in the same store transaction) and hands it to the send
// pipeline's worker for the queue's (server, senderId) key. Callers hold
// m.mu.
func (m *Manager) enqueue(conn domain.Connection, sq *domain.SendQueue, kind domain.AgentMsgKind, body []byte) (domain.Message, error) {
	msg := domain.Message{
		ConnId:    conn.ConnId,
		Server:    sq.Server,
		SenderId:  sq.SndId,
		Kind:      kind,
		Body:      body,
		Status:    domain.OutboxPending,
		CreatedAt: time.Now().Unix(),
	}
	stored, err := m.outbox.Enqueue(msg)
	if err != nil {
		return domain.Message{}, agenterr.Internal("enqueue message", err)
	}
	m.pipeline.Enqueue(m.runCtx, sq.Server, sq.SndId, domain.OutboxKey{ConnId: conn.ConnId, InternalId: stored.InternalId})
	return stored, nil
}

// EncodeMessage builds the wire envelope for one outbox record: the inner
// agent message is padded to the kind's fixed envelope length, encrypted
// under the connection's ratchet, and the advanced ratchet state is
// persisted before the envelope leaves (send-pipeline callback).
func (m *Manager) EncodeMessage(ctx context.Context, msg domain.Message) (domain.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(msg.ConnId)
	if err != nil {
		return domain.Envelope{}, err
	}
	st, found, err := m.ratchets.LoadRatchet(msg.ConnId)
	if err != nil || !found {
		return domain.Envelope{}, agenterr.Internal("load ratchet", err)
	}

	am := domain.AgentMessage{
		Kind:   msg.Kind,
		Header: domain.PrivHeader{SndMsgId: msg.ExternalSndId, PrevMsgHash: msg.PrevHash},
		Body:   msg.Body,
	}
	pt, err := json.Marshal(am)
	if err != nil {
		return domain.Envelope{}, agenterr.Internal("encode agent message", err)
	}
	length := m.cfg.UserMsgLength
	if msg.Kind.IsConnInfo() {
		length = m.cfg.ConnInfoLength
	}
	hdr, ct, err := ratchet.Encrypt(&st, length, nil, pt)
	if err != nil {
		return domain.Envelope{}, agenterr.Internal("encrypt message", err)
	}
	if err := m.ratchets.SaveRatchet(msg.ConnId, st); err != nil {
		return domain.Envelope{}, agenterr.Internal("save ratchet", err)
	}

	env := domain.Envelope{Header: hdr, Cipher: ct, Timestamp: time.Now().Unix()}
	if msg.Kind == domain.MsgConnInfo {
		env.PreKey = conn.PendingPreKey
	}
	return env, nil
}

// Delivered runs the kind-specific post-processing once a record left the
// relay successfully (send-pipeline callback).
func (m *Manager) Delivered(ctx context.Context, msg domain.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(msg.ConnId)
	if err != nil {
		return // connection deleted mid-flight
	}

	switch msg.Kind {
	case domain.MsgConnInfo:
		if conn.SndQueue != nil {
			conn.SndQueue.Status = domain.SndConfirmed
		}
		conn.PendingPreKey = nil
		if conn.DuplexHandshake != nil && !*conn.DuplexHandshake && !conn.HelloSent && conn.SndQueue != nil {
			if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgHello, nil); err != nil {
				m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
			} else {
				conn.HelloSent = true
			}
		}
		m.save(&conn)

	case domain.MsgHello:
		if conn.SndQueue != nil {
			conn.SndQueue.Status = domain.SndActive
		}
		m.maybeReady(&conn)
		// Legacy handshake: the responder creates its reply queue only after
		// its HELLO went through, then offers it with REPLY.
		if conn.DuplexHandshake != nil && !*conn.DuplexHandshake && conn.Variant == domain.ConnSnd && conn.RcvQueue == nil {
			rq, req, err := m.replyQueue(ctx, conn.ConnId, conn.SndQueue.SndDHPub)
			if err != nil {
				m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
			} else {
				conn.RcvQueue = rq
				body, _ := json.Marshal([]domain.ConnRequest{*req})
				if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgReply, body); err != nil {
					m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
				}
			}
		}
		m.save(&conn)

	case domain.MsgA:
		m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvSENT, MsgId: msg.InternalId})

	case domain.MsgQHello:
		// Sender-side rotation epilogue: the new send queue is confirmed
		// in use.
		if conn.SndQueue != nil {
			conn.SndQueue.Status = domain.SndActive
		}
		m.save(&conn)
		m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvSWITCH, Phase: domain.SwitchCompleted})
	}
}

// SendProfile reports whether msg's connection negotiated the duplex
// handshake and whether this side created it (send-pipeline callback). The
// joining side records the negotiation on DuplexHandshake; on the creating
// side the field stays nil and the agent version decides.
func (m *Manager) SendProfile(ctx context.Context, connId domain.ConnId) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok, err := m.conns.LoadConnection(connId)
	if err != nil || !ok {
		return true, true
	}
	if conn.DuplexHandshake != nil {
		return *conn.DuplexHandshake, false
	}
	return conn.AgentVersion != 1, true
}

// Failed surfaces a permanent send failure: MERR for application payloads,
// ERR for everything else (send-pipeline callback).
func (m *Manager) Failed(ctx context.Context, msg domain.Message, err error) {
	if msg.Kind == domain.MsgA {
		m.emit(domain.AEvent{ConnId: msg.ConnId, Tag: domain.EvMERR, MsgId: msg.InternalId, Err: err})
		return
	}
	m.emit(domain.AEvent{ConnId: msg.ConnId, Tag: domain.EvERR, Err: err})
}

// save persists conn, logging rather than failing callers that cannot
// usefully surface a store error. Callers hold m.mu.
func (m *Manager) save(conn *domain.Connection) {
	if err := m.conns.SaveConnection(*conn); err != nil {
		m.logger.Error("save connection failed", "conn", conn.ConnId.String(), "err", err)
	}
}
