package connection

import (
	"context"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

// SubscribeConnection attaches the connection's receive queues to their
// relay streams, re-secures a queue left in Confirmed by a failed secure
// attempt, resumes the outbox for its send queues, and mirrors the
// subscription to the notification supervisor. Idempotent.
func (m *Manager) SubscribeConnection(ctx context.Context, connId domain.ConnId) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribe(ctx, connId)
}

func (m *Manager) subscribe(ctx context.Context, connId domain.ConnId) error {
	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if m.subscribed[connId] {
		return nil
	}

	changed := false
	for _, rq := range []*domain.ReceiveQueue{conn.RcvQueue, conn.NextRcv} {
		if rq == nil {
			continue
		}
		// Open question (a): a secure that failed during confirmation
		// processing left the queue Confirmed with the sender key recorded;
		// retry it here.
		if rq.Status == domain.RcvConfirmed && rq.SndPubKey != nil {
			if err := m.secureRcvQueue(ctx, rq); err != nil {
				m.logger.Warn("re-secure on subscribe failed", "conn", connId.String(), "err", err)
			} else {
				changed = true
			}
		}
		m.dispatcher.Register(rq.Server, rq.RcvId, connId)
		if err := m.relays.StreamQueue(m.runCtx, rq.Server, rq.RcvId); err != nil {
			return err
		}
	}
	if changed {
		m.save(&conn)
	}

	for _, sq := range []*domain.SendQueue{conn.SndQueue, conn.NextSnd} {
		if sq == nil {
			continue
		}
		if err := m.pipeline.Resume(m.runCtx, sq.Server, sq.SndId); err != nil {
			m.logger.Warn("outbox resume failed", "conn", connId.String(), "err", err)
		}
	}

	if m.supervisor != nil && conn.NtfsEnabled && conn.RcvQueue != nil {
		m.supervisor.EnqueueCreate(conn.RcvQueue.Server, conn.RcvQueue.RcvId)
	}
	m.subscribed[connId] = true
	return nil
}

// SubscribeConnections subscribes many connections, reporting a result per
// id. A missing result for a requested id is an internal error on the
// caller's side of the contract.
func (m *Manager) SubscribeConnections(ctx context.Context, connIds []domain.ConnId) map[domain.ConnId]error {
	results := make(map[domain.ConnId]error, len(connIds))
	if err := m.checkActive(); err != nil {
		for _, id := range connIds {
			results[id] = err
		}
		return results
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range connIds {
		results[id] = m.subscribe(ctx, id)
	}
	return results
}

// ResubscribeConnection re-attaches a connection after an END event. It
// always re-runs the subscription, restarting the relay stream even when
// the subscription is still active.
func (m *Manager) ResubscribeConnection(ctx context.Context, connId domain.ConnId) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, connId)
	return m.subscribe(ctx, connId)
}

// ResubscribeConnections re-attaches many connections, reporting a result
// per id.
func (m *Manager) ResubscribeConnections(ctx context.Context, connIds []domain.ConnId) map[domain.ConnId]error {
	results := make(map[domain.ConnId]error, len(connIds))
	if err := m.checkActive(); err != nil {
		for _, id := range connIds {
			results[id] = err
		}
		return results
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range connIds {
		delete(m.subscribed, id)
		results[id] = m.subscribe(ctx, id)
	}
	return results
}

// SuspendConnection stops the connection's receive queue from accepting
// new messages at the relay without deleting anything; messages already
// queued there are still delivered.
func (m *Manager) SuspendConnection(ctx context.Context, connId domain.ConnId) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if conn.RcvQueue == nil {
		return agenterr.CmdProhibited
	}
	release, err := m.gate.Begin(gate.RcvNetwork)
	if err != nil {
		return err
	}
	defer release()
	client, err := m.relays.Client(ctx, conn.RcvQueue.Server)
	if err != nil {
		return err
	}
	if _, err := client.SuspendQueue(ctx, conn.RcvQueue.RcvId); err != nil {
		return err
	}
	conn.RcvQueue.Status = domain.RcvSuspended
	m.save(&conn)
	return nil
}

// DeleteConnection removes the connection's queues at their relays, drops
// all local state, and cancels pending outbox work. Idempotent: deleting an
// absent connection returns without error.
func (m *Manager) DeleteConnection(ctx context.Context, connId domain.ConnId) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok, err := m.conns.LoadConnection(connId)
	if err != nil {
		return agenterr.Internal("load connection", err)
	}
	if !ok {
		return nil
	}

	for _, rq := range []*domain.ReceiveQueue{conn.RcvQueue, conn.NextRcv} {
		if rq == nil {
			continue
		}
		if release, gerr := m.gate.Begin(gate.RcvNetwork); gerr == nil {
			if client, cerr := m.relays.Client(ctx, rq.Server); cerr == nil {
				if derr := client.DeleteQueue(ctx, rq.RcvId); derr != nil {
					m.logger.Warn("delete queue failed", "conn", connId.String(), "err", derr)
				}
			}
			release()
		}
		m.relays.StopStream(rq.Server, rq.RcvId)
		m.dispatcher.Unregister(rq.Server, rq.RcvId)
		if m.supervisor != nil {
			m.supervisor.FlushThenEnqueueDelete(rq.Server, rq.RcvId)
		}
	}

	// Drop pending outbox records; in-flight workers find nothing on their
	// next persistent read and move on.
	for _, sq := range []*domain.SendQueue{conn.SndQueue, conn.NextSnd} {
		if sq == nil {
			continue
		}
		keys, kerr := m.outbox.PendingKeys(sq.Server, sq.SndId)
		if kerr != nil {
			continue
		}
		for _, k := range keys {
			if k.ConnId == connId {
				_ = m.outbox.Delete(k)
			}
		}
	}

	if err := m.ratchets.DeleteRatchet(connId); err != nil {
		m.logger.Warn("delete ratchet failed", "conn", connId.String(), "err", err)
	}
	if err := m.conns.DeleteConnection(connId); err != nil {
		return agenterr.Internal("delete connection", err)
	}
	m.dispatcher.DropConnection(connId)
	delete(m.subscribed, connId)
	m.emit(domain.AEvent{ConnId: connId, Tag: domain.EvOK})
	return nil
}

// GetConnectionServers lists the relay servers the connection currently
// holds queues on.
func (m *Manager) GetConnectionServers(connId domain.ConnId) ([]domain.ServerRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return nil, err
	}
	var servers []domain.ServerRef
	for _, rq := range []*domain.ReceiveQueue{conn.RcvQueue, conn.NextRcv} {
		if rq != nil {
			servers = append(servers, rq.Server)
		}
	}
	for _, sq := range []*domain.SendQueue{conn.SndQueue, conn.NextSnd} {
		if sq != nil {
			servers = append(servers, sq.Server)
		}
	}
	return servers, nil
}

// ToggleConnectionNtfs flips notification mirroring for one connection,
// enqueueing the matching create or flush-then-delete on the supervisor.
func (m *Manager) ToggleConnectionNtfs(ctx context.Context, connId domain.ConnId, enable bool) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if conn.NtfsEnabled == enable {
		return nil
	}
	conn.NtfsEnabled = enable
	m.save(&conn)

	if m.supervisor == nil || conn.RcvQueue == nil {
		return nil
	}
	if enable {
		m.supervisor.EnqueueCreate(conn.RcvQueue.Server, conn.RcvQueue.RcvId)
	} else {
		m.supervisor.FlushThenEnqueueDelete(conn.RcvQueue.Server, conn.RcvQueue.RcvId)
	}
	return nil
}

// ntfServer picks the notification server token commands go to.
func (m *Manager) ntfServer() (domain.ServerRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ntfServers) == 0 {
		return domain.ServerRef{}, agenterr.NTF("NO_SERVER")
	}
	return m.ntfServers[0], nil
}

// RegisterNtfToken registers a device token with the notification server.
func (m *Manager) RegisterNtfToken(ctx context.Context, deviceToken string, mode domain.NtfMode) (domain.NtfToken, error) {
	if err := m.checkActive(); err != nil {
		return domain.NtfToken{}, err
	}
	if m.supervisor == nil {
		return domain.NtfToken{}, agenterr.NTF("NO_SERVER")
	}
	server, err := m.ntfServer()
	if err != nil {
		return domain.NtfToken{}, err
	}
	release, err := m.gate.Begin(gate.NtfNetwork)
	if err != nil {
		return domain.NtfToken{}, err
	}
	defer release()
	return m.supervisor.RegisterToken(ctx, server, deviceToken, mode)
}

// VerifyNtfToken confirms a registered token with its out-of-band code.
func (m *Manager) VerifyNtfToken(ctx context.Context, code string) (domain.NtfToken, error) {
	if err := m.checkActive(); err != nil {
		return domain.NtfToken{}, err
	}
	if m.supervisor == nil {
		return domain.NtfToken{}, agenterr.NTF("NO_SERVER")
	}
	server, err := m.ntfServer()
	if err != nil {
		return domain.NtfToken{}, err
	}
	release, err := m.gate.Begin(gate.NtfNetwork)
	if err != nil {
		return domain.NtfToken{}, err
	}
	defer release()
	return m.supervisor.VerifyToken(ctx, server, code)
}

// CheckNtfToken polls the token's server-side status.
func (m *Manager) CheckNtfToken(ctx context.Context) (domain.NtfToken, error) {
	if err := m.checkActive(); err != nil {
		return domain.NtfToken{}, err
	}
	if m.supervisor == nil {
		return domain.NtfToken{}, agenterr.NTF("NO_SERVER")
	}
	server, err := m.ntfServer()
	if err != nil {
		return domain.NtfToken{}, err
	}
	release, err := m.gate.Begin(gate.NtfNetwork)
	if err != nil {
		return domain.NtfToken{}, err
	}
	defer release()
	return m.supervisor.CheckToken(ctx, server)
}

// DeleteNtfToken expires the token and tears down its subscriptions.
func (m *Manager) DeleteNtfToken(ctx context.Context) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	if m.supervisor == nil {
		return agenterr.NTF("NO_SERVER")
	}
	server, err := m.ntfServer()
	if err != nil {
		return err
	}
	release, err := m.gate.Begin(gate.NtfNetwork)
	if err != nil {
		return err
	}
	defer release()
	return m.supervisor.DeleteToken(ctx, server)
}
