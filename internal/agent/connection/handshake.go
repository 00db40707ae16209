package connection

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/protocol/x3dh"
)

// CreateConnection allocates a new receive queue and returns the opaque
// connection id plus the URI a peer joins with. Invitation mode yields a
// one-shot connection; Contact mode a reusable address.
func (m *Manager) CreateConnection(ctx context.Context, mode domain.ConnReqMode) (domain.ConnId, string, error) {
	if err := m.checkActive(); err != nil {
		return "", "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	connId, uri, err := m.createConn(ctx, mode)
	if err != nil {
		return "", "", err
	}
	m.emit(domain.AEvent{ConnId: connId, Tag: domain.EvINV, Info: uri})
	return connId, uri, nil
}

// createConn is CreateConnection without the INV event, shared with the
// contact-join path. Callers hold m.mu.
func (m *Manager) createConn(ctx context.Context, mode domain.ConnReqMode) (domain.ConnId, string, error) {
	server, err := m.pickServer()
	if err != nil {
		return "", "", err
	}
	rq, req, err := m.newRcvQueue(ctx, server, mode)
	if err != nil {
		return "", "", err
	}
	rq.Primary = true

	variant := domain.ConnRcv
	if mode == domain.ConnReqContact {
		variant = domain.ConnContact
	}
	connId := domain.ConnId(uuid.NewString())
	conn := domain.Connection{
		ConnId:       connId,
		Variant:      variant,
		Status:       domain.ConnNew,
		AgentVersion: currentAgentVersion,
		RcvQueue:     rq,
		CreatedAt:    time.Now().Unix(),
	}
	if err := m.conns.SaveConnection(conn); err != nil {
		return "", "", agenterr.Internal("save connection", err)
	}

	m.dispatcher.Register(server, rq.RcvId, connId)
	if err := m.relays.StreamQueue(m.runCtx, server, rq.RcvId); err != nil {
		return "", "", err
	}
	m.subscribed[connId] = true

	uri, err := EncodeConnURI(*req)
	if err != nil {
		return "", "", agenterr.Internal("encode connection uri", err)
	}
	return connId, uri, nil
}

// JoinConnection accepts a peer's connection request URI. For an invitation
// it creates the send side, initializes the ratchet and ships the
// confirmation; for a contact address it creates a fresh invitation
// connection and posts it to the contact's queue.
func (m *Manager) JoinConnection(ctx context.Context, uri, info string) (domain.ConnId, error) {
	if err := m.checkActive(); err != nil {
		return "", err
	}
	req, err := DecodeConnURI(uri)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Mode == domain.ConnReqContact {
		return m.joinContact(ctx, req, info)
	}
	return m.joinRequest(ctx, req, info)
}

// joinRequest is the invitation responder path. Callers hold m.mu.
func (m *Manager) joinRequest(ctx context.Context, req domain.ConnRequest, info string) (domain.ConnId, error) {
	if req.AgentVersion < minAgentVersion {
		return "", agenterr.Agent(agenterr.AVersion)
	}
	negotiated := req.AgentVersion
	if negotiated > currentAgentVersion {
		negotiated = currentAgentVersion
	}
	dup := negotiated != 1

	st, pm, err := m.initiatorRatchet(req.E2ERatchet)
	if err != nil {
		return "", err
	}

	connId := domain.ConnId(uuid.NewString())
	if err := m.ratchets.SaveRatchet(connId, st); err != nil {
		return "", agenterr.Internal("save ratchet", err)
	}

	sq := &domain.SendQueue{
		Server:   req.Server,
		SndId:    req.SndId,
		SndDHPub: req.E2ERatchet.IdentityKey,
		Status:   domain.SndNew,
		Primary:  true,
	}

	var rq *domain.ReceiveQueue
	var replyReq *domain.ConnRequest
	if dup {
		rq, replyReq, err = m.replyQueue(ctx, connId, req.E2ERatchet.IdentityKey)
		if err != nil {
			return "", err
		}
	}

	conn := domain.Connection{
		ConnId:          connId,
		Variant:         domain.ConnSnd,
		Status:          domain.ConnJoined,
		AgentVersion:    negotiated,
		DuplexHandshake: &dup,
		RcvQueue:        rq,
		SndQueue:        sq,
		PendingPreKey:   pm,
		CreatedAt:       time.Now().Unix(),
	}
	if err := m.conns.SaveConnection(conn); err != nil {
		return "", agenterr.Internal("save connection", err)
	}
	m.subscribed[connId] = true

	body, err := json.Marshal(domain.ConnInfoBody{Info: info, SignKey: m.id.EdPub, ReplyQueue: replyReq})
	if err != nil {
		return "", agenterr.Internal("encode conn info", err)
	}
	if _, err := m.enqueue(conn, sq, domain.MsgConnInfo, body); err != nil {
		return "", err
	}
	return connId, nil
}

// initiatorRatchet runs X3DH against the peer's published parameters and
// returns the initialized send ratchet plus the prekey message the first
// envelope must carry.
func (m *Manager) initiatorRatchet(pars domain.RatchetEPars) (domain.RatchetState, *domain.PrekeyMessage, error) {
	bundle := domain.PrekeyBundle{
		IdentityKey:     pars.IdentityKey,
		SignKey:         pars.SignKey,
		SPKID:           pars.SPKID,
		SignedPrekey:    pars.SignedPreKey,
		SignedPrekeySig: pars.SignedPreKeySig,
	}
	root, spkID, opkID, ephPub, err := x3dh.InitiatorRoot(m.id, bundle)
	if err != nil {
		return domain.RatchetState{}, nil, agenterr.Agent(agenterr.AMessage)
	}
	st, err := ratchet.InitAsInitiator(root, m.id.XPriv, m.id.XPub, pars.IdentityKey)
	if err != nil {
		return domain.RatchetState{}, nil, agenterr.Internal("init ratchet", err)
	}
	pm := &domain.PrekeyMessage{InitiatorIK: m.id.XPub, Ephemeral: ephPub, SPKID: spkID, OPKID: opkID}
	return st, pm, nil
}

// replyQueue creates and secures the responder's own receive queue for the
// duplex handshake, and starts its inbound stream. Callers hold m.mu.
func (m *Manager) replyQueue(ctx context.Context, connId domain.ConnId, peerKey domain.X25519Public) (*domain.ReceiveQueue, *domain.ConnRequest, error) {
	server, err := m.pickServer()
	if err != nil {
		return nil, nil, err
	}
	rq, req, err := m.newRcvQueue(ctx, server, domain.ConnReqInvitation)
	if err != nil {
		return nil, nil, err
	}
	rq.Primary = true

	client, err := m.relays.Client(ctx, server)
	if err != nil {
		return nil, nil, err
	}
	if err := client.SecureQueue(ctx, rq.RcvId, peerKey); err != nil {
		return nil, nil, err
	}
	pub := peerKey
	rq.SndPubKey = &pub
	rq.Status = domain.RcvSecured

	m.dispatcher.Register(server, rq.RcvId, connId)
	if err := m.relays.StreamQueue(m.runCtx, server, rq.RcvId); err != nil {
		return nil, nil, err
	}
	return rq, req, nil
}

// joinContact creates a new invitation connection and posts its request to
// the contact address's queue as an INVITATION envelope. Callers hold m.mu.
func (m *Manager) joinContact(ctx context.Context, contact domain.ConnRequest, info string) (domain.ConnId, error) {
	connId, myURI, err := m.createConn(ctx, domain.ConnReqInvitation)
	if err != nil {
		return "", err
	}
	myReq, err := DecodeConnURI(myURI)
	if err != nil {
		return "", agenterr.Internal("decode own uri", err)
	}

	// The invitation is encrypted under a one-shot ratchet against the
	// contact's published parameters; the contact owner decrypts it with the
	// same X3DH bootstrap as a confirmation and never uses the state again.
	st, pm, err := m.initiatorRatchet(contact.E2ERatchet)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(domain.InvitationBody{ConnReq: myReq, Info: info})
	if err != nil {
		return "", agenterr.Internal("encode invitation", err)
	}
	am, err := json.Marshal(domain.AgentMessage{Kind: domain.MsgInvitation, Body: body})
	if err != nil {
		return "", agenterr.Internal("encode agent message", err)
	}
	hdr, ct, err := ratchet.Encrypt(&st, m.cfg.ConnInfoLength, nil, am)
	if err != nil {
		return "", agenterr.Internal("encrypt invitation", err)
	}
	env := domain.Envelope{Header: hdr, Cipher: ct, PreKey: pm, Timestamp: time.Now().Unix()}

	release, err := m.gate.Begin(gate.SndNetwork)
	if err != nil {
		return "", err
	}
	defer release()
	client, err := m.relays.Client(ctx, contact.Server)
	if err != nil {
		return "", err
	}
	if err := client.SendInvitation(ctx, contact.SndId, env); err != nil {
		return "", err
	}
	return connId, nil
}

// AllowConnection accepts a staged confirmation: it secures the receive
// queue with the sender's key, installs the peer's reply queue, and starts
// the HELLO exchange.
func (m *Manager) AllowConnection(ctx context.Context, confId, info string) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conf, ok, err := m.staging.LoadConfirmation(confId)
	if err != nil {
		return agenterr.Internal("load confirmation", err)
	}
	if !ok {
		return agenterr.CmdProhibited
	}
	conn, err := m.loadConn(conf.ConnId)
	if err != nil {
		return err
	}
	if conn.Variant != domain.ConnRcv || conn.RcvQueue == nil {
		return agenterr.CmdProhibited
	}

	// Remember the sender key on the queue first: if securing fails the
	// queue stays Confirmed and the next subscribe cycle retries.
	senderKey := conf.E2EIdentity
	conn.RcvQueue.SndPubKey = &senderKey
	if err := m.secureRcvQueue(ctx, conn.RcvQueue); err != nil {
		m.logger.Warn("secure queue failed, will retry on subscribe", "conn", conn.ConnId.String(), "err", err)
	}

	if len(conf.ReplyQueues) > 0 {
		reply := conf.ReplyQueues[0]
		conn.SndQueue = &domain.SendQueue{
			Server:   reply.Server,
			SndId:    reply.SndId,
			SndDHPub: reply.E2ERatchet.IdentityKey,
			Status:   domain.SndNew,
			Primary:  true,
		}
		conn.Variant = domain.ConnDuplex
	}
	conn.Status = domain.ConnAccepted
	if err := m.conns.SaveConnection(conn); err != nil {
		return agenterr.Internal("save connection", err)
	}
	if err := m.staging.DeleteConfirmation(confId); err != nil {
		return agenterr.Internal("delete confirmation", err)
	}

	if conn.SndQueue != nil {
		body, err := json.Marshal(domain.ConnInfoBody{Info: info, SignKey: m.id.EdPub})
		if err != nil {
			return agenterr.Internal("encode conn info reply", err)
		}
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgConnInfoReply, body); err != nil {
			return err
		}
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgHello, nil); err != nil {
			return err
		}
		conn.HelloSent = true
		if err := m.conns.SaveConnection(conn); err != nil {
			return agenterr.Internal("save connection", err)
		}
	}
	return nil
}

// secureRcvQueue binds the stored sender key at the relay and advances the
// queue to Secured. Callers hold m.mu.
func (m *Manager) secureRcvQueue(ctx context.Context, rq *domain.ReceiveQueue) error {
	if rq.SndPubKey == nil {
		return nil
	}
	release, err := m.gate.Begin(gate.RcvNetwork)
	if err != nil {
		return err
	}
	defer release()
	client, err := m.relays.Client(ctx, rq.Server)
	if err != nil {
		return err
	}
	if err := client.SecureQueue(ctx, rq.RcvId, *rq.SndPubKey); err != nil {
		return err
	}
	rq.Status = domain.RcvSecured
	return nil
}

// AcceptContact marks a staged contact request accepted and joins the
// embedded connection request, producing the new connection's id.
func (m *Manager) AcceptContact(ctx context.Context, invitationId, info string) (domain.ConnId, error) {
	if err := m.checkActive(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok, err := m.staging.LoadInvitation(invitationId)
	if err != nil {
		return "", agenterr.Internal("load invitation", err)
	}
	if !ok {
		return "", agenterr.CmdProhibited
	}
	inv.Accepted = true
	if err := m.staging.SaveInvitation(inv); err != nil {
		return "", agenterr.Internal("save invitation", err)
	}
	connId, err := m.joinRequest(ctx, inv.ConnRequest, info)
	if err != nil {
		return "", err
	}
	if err := m.staging.DeleteInvitation(invitationId); err != nil {
		return "", agenterr.Internal("delete invitation", err)
	}
	return connId, nil
}

// RejectContact discards a staged contact request; the requester's queue is
// never joined, so its sends keep failing with AUTH at the relay.
func (m *Manager) RejectContact(ctx context.Context, invitationId string) error {
	if err := m.checkActive(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staging.DeleteInvitation(invitationId)
}

// HelloReceived is the dispatcher's callback for an inbound HELLO: the
// receive side is live; a responder that has not yet sent its own HELLO
// does so now.
func (m *Manager) HelloReceived(ctx context.Context, connId domain.ConnId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if conn.RcvQueue != nil {
		conn.RcvQueue.Status = domain.RcvActive
	}
	if !conn.HelloSent && conn.SndQueue != nil {
		if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgHello, nil); err != nil {
			return err
		}
		conn.HelloSent = true
	}
	m.maybeReady(&conn)
	if err := m.conns.SaveConnection(conn); err != nil {
		return agenterr.Internal("save connection", err)
	}
	return nil
}

// ReplyReceived installs the legacy-handshake reply queue as the send side
// and answers with HELLO.
func (m *Manager) ReplyReceived(ctx context.Context, connId domain.ConnId, req domain.ConnRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.loadConn(connId)
	if err != nil {
		return err
	}
	if conn.SndQueue != nil {
		return agenterr.Agent(agenterr.AProhibited)
	}
	conn.SndQueue = &domain.SendQueue{
		Server:   req.Server,
		SndId:    req.SndId,
		SndDHPub: req.E2ERatchet.IdentityKey,
		Status:   domain.SndNew,
		Primary:  true,
	}
	conn.Variant = domain.ConnDuplex
	if _, err := m.enqueue(conn, conn.SndQueue, domain.MsgHello, nil); err != nil {
		return err
	}
	conn.HelloSent = true
	if err := m.conns.SaveConnection(conn); err != nil {
		return agenterr.Internal("save connection", err)
	}
	return nil
}

// maybeReady promotes the connection to a ready duplex and emits CON once
// both directions are active. Callers hold m.mu.
func (m *Manager) maybeReady(conn *domain.Connection) {
	if conn.Status == domain.ConnReady {
		return
	}
	rqActive := conn.RcvQueue != nil && conn.RcvQueue.Status == domain.RcvActive
	sqActive := conn.SndQueue != nil && conn.SndQueue.Status == domain.SndActive
	if rqActive && sqActive {
		conn.Variant = domain.ConnDuplex
		conn.Status = domain.ConnReady
		m.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvCON})
	}
}
