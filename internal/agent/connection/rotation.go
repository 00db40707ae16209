package connection

import (
	"context"
	"encoding/json"
	"time"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

// After suspending the old receive queue, completeSwitch polls its backlog
// until the stream has drained it before deleting the queue; an undrained
// queue is left suspended rather than deleted, so no in-flight message is
// lost.
const (
	drainPollInterval = 50 * time.Millisecond
	drainPollAttempts = 20
)

// SwitchConnection starts rotating the connection's receive queue to a
// freshly created one, without losing messages in flight. Only an established duplex with no rotation in progress may
// switch.
func (m *Manager) SwitchConnection(ctx context.Context, connId domain.ConnId) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if conn.Variant != domain.ConnDuplex || conn.Status != domain.ConnReady || conn.Rotation != domain.RotationNone {
		return agenterr.CmdProhibited
	}

	server, err := m.pickServer()
	if err != nil {
		return err
	}
	nextRq, _, err := m.newRcvQueue(ctx, server, domain.ConnReqInvitation)
	if err != nil {
		return err
	}
	nextRq.Primary = false
	conn.NextRcv = nextRq
	conn.Rotation = domain.RotationStarted

	// QTEST and QHELLO arrive on the next queue before the swap, so its
	// stream starts now.
	m.dispatcher.Register(server, nextRq.RcvId, connId)
	if err := m.relays.StreamQueue(m.runCtx, server, nextRq.RcvId); err != nil {
		return err
	}

	body, err := json.Marshal(domain.QNewBody{Server: server, SndId: nextRq.SndId})
	if err != nil {
		return agenterr.Internal("encode qnew", err)
	}
	if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgQNew, body); err != nil {
		return err
	}
	if err := m.conns.SaveConnection(conn); err != nil {
		return agenterr.Internal("save connection", err)
	}
	m.emit(domain.AEvent{ConnId: connId, Tag: domain.EvSWITCH, Phase: domain.SwitchStarted})
	return nil
}

// RotationMsg advances the rotation state machine on receipt of one of the
// Q* control messages (dispatcher callback). onNextQueue reports arrival on
// the connection's next (pre-swap) receive queue, which only QTEST and
// QHELLO legitimately use.
func (m *Manager) RotationMsg(ctx context.Context, connId domain.ConnId, kind domain.AgentMsgKind, body []byte, onNextQueue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}

	switch kind {
	case domain.MsgQNew:
		var b domain.QNewBody
		if err := json.Unmarshal(body, &b); err != nil {
			return agenterr.Agent(agenterr.AMessage)
		}
		conn.NextSnd = &domain.SendQueue{Server: b.Server, SndId: b.SndId, Status: domain.SndNew}
		keys, err := json.Marshal(domain.QKeysBody{SenderKey: m.id.XPub})
		if err != nil {
			return agenterr.Internal("encode qkeys", err)
		}
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgQKeys, keys); err != nil {
			return err
		}
		m.save(&conn)
		m.emit(domain.AEvent{ConnId: connId, Tag: domain.EvSWITCH, Phase: domain.SwitchStarted})

	case domain.MsgQKeys:
		if conn.Rotation != domain.RotationStarted || conn.NextRcv == nil {
			return agenterr.Agent(agenterr.AProhibited)
		}
		var b domain.QKeysBody
		if err := json.Unmarshal(body, &b); err != nil {
			return agenterr.Agent(agenterr.AMessage)
		}
		key := b.SenderKey
		conn.NextRcv.SndPubKey = &key
		if err := m.secureRcvQueue(ctx, conn.NextRcv); err != nil {
			return err
		}
		conn.Rotation = domain.RotationSecured
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgQReady, nil); err != nil {
			return err
		}
		m.save(&conn)

	case domain.MsgQReady:
		if conn.NextSnd == nil {
			return agenterr.Agent(agenterr.AProhibited)
		}
		conn.NextSnd.Status = domain.SndSecured
		if _, err := m.enqueue(conn, conn.NextSnd, domain.MsgQTest, nil); err != nil {
			return err
		}
		m.save(&conn)

	case domain.MsgQTest:
		if !onNextQueue || conn.Rotation != domain.RotationSecured {
			return agenterr.Agent(agenterr.AProhibited)
		}
		conn.Rotation = domain.RotationTested
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgQSwitch, nil); err != nil {
			return err
		}
		m.save(&conn)

	case domain.MsgQSwitch:
		if conn.NextSnd == nil {
			return agenterr.Agent(agenterr.AProhibited)
		}
		conn.SndQueue = conn.NextSnd
		conn.SndQueue.Primary = true
		conn.NextSnd = nil
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgQHello, nil); err != nil {
			return err
		}
		m.save(&conn)

	case domain.MsgQHello:
		if !onNextQueue || conn.NextRcv == nil {
			return agenterr.Agent(agenterr.AProhibited)
		}
		m.completeSwitch(ctx, &conn)

	default:
		return agenterr.Agent(agenterr.AMessage)
	}
	return nil
}

// completeSwitch retires the old receive queue, promotes the next one to
// current, releases messages buffered during the rotation, and reports
// completion. Callers hold m.mu.
func (m *Manager) completeSwitch(ctx context.Context, conn *domain.Connection) {
	if old := conn.RcvQueue; old != nil {
		m.retireQueue(ctx, conn.ConnId, old)
	}

	conn.RcvQueue = conn.NextRcv
	conn.RcvQueue.Primary = true
	conn.RcvQueue.Status = domain.RcvActive
	conn.NextRcv = nil
	conn.Rotation = domain.RotationNone
	m.save(conn)

	if m.supervisor != nil && conn.NtfsEnabled {
		m.supervisor.EnqueueCreate(conn.RcvQueue.Server, conn.RcvQueue.RcvId)
	}

	m.dispatcher.ReleaseBuffered(ctx, conn.ConnId)
	m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvSWITCH, Phase: domain.SwitchCompleted})
}

// retireQueue suspends the old receive queue, waits (bounded) for the relay
// to report its backlog drained, and only then deletes it. A queue that
// will not drain within the bound stays suspended, subscribed and routable,
// so its stragglers are still delivered instead of destroyed with the
// queue. Callers hold m.mu.
func (m *Manager) retireQueue(ctx context.Context, connId domain.ConnId, old *domain.ReceiveQueue) {
	release, err := m.gate.Begin(gate.RcvNetwork)
	if err != nil {
		return
	}
	defer release()

	client, err := m.relays.Client(ctx, old.Server)
	if err != nil {
		return
	}

	remaining, err := client.SuspendQueue(ctx, old.RcvId)
	if err != nil {
		m.logger.Warn("suspend old queue failed", "conn", connId.String(), "err", err)
		return
	}
	// The relay keeps serving a suspended queue's backlog to its stream; it
	// only stops accepting new sends. Poll until that backlog is gone.
	for attempt := 0; remaining > 0 && attempt < drainPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainPollInterval):
		}
		if remaining, err = client.SuspendQueue(ctx, old.RcvId); err != nil {
			m.logger.Warn("drain poll failed", "conn", connId.String(), "err", err)
			return
		}
	}
	if remaining > 0 {
		m.logger.Warn("old queue not drained, left suspended", "conn", connId.String(), "remaining", remaining)
		return
	}

	if err := client.DeleteQueue(ctx, old.RcvId); err != nil {
		m.logger.Warn("delete old queue failed", "conn", connId.String(), "err", err)
	}
	m.relays.StopStream(old.Server, old.RcvId)
	m.dispatcher.Unregister(old.Server, old.RcvId)
	if m.supervisor != nil {
		m.supervisor.FlushThenEnqueueDelete(old.Server, old.RcvId)
	}
}

// CancelRotation aborts the peer side of a rotation after QTEST or QHELLO
// exhausted the next queue's quota (send-pipeline callback).
func (m *Manager) CancelRotation(ctx context.Context, connId domain.ConnId, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return
	}
	conn.NextSnd = nil
	conn.Rotation = domain.RotationNone
	m.save(&conn)
	m.emit(domain.AEvent{ConnId: connId, Tag: domain.EvERR, Err: cause})
}
