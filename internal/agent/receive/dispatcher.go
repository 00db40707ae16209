package receive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciphera/internal/agent/gate"
	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/ratchet"
	"ciphera/internal/protocol/x3dh"
)

// StateMachine is the slice of the connection manager the dispatcher routes
// control messages into.
type StateMachine interface {
	// HelloReceived marks the connection's receive side active and may
	// trigger the responder's own HELLO (duplex handshake).
	HelloReceived(ctx context.Context, connId domain.ConnId) error
	// ReplyReceived installs the legacy-handshake reply queue as the
	// connection's send queue.
	ReplyReceived(ctx context.Context, connId domain.ConnId, req domain.ConnRequest) error
	// RotationMsg advances the queue-rotation state machine; onNextQueue
	// reports whether the message arrived on the connection's next (not yet
	// current) receive queue.
	RotationMsg(ctx context.Context, connId domain.ConnId, kind domain.AgentMsgKind, body []byte, onNextQueue bool) error
}

type ackEntry struct {
	server      domain.ServerRef
	rcvId       domain.QueueId
	serverMsgId string
	acked       bool
}

type buffered struct {
	msg   domain.DecryptedMessage
	extId int64
	hash  []byte
	entry ackEntry
}

// Dispatcher is the single consumer of the relay pool's inbound channel.
type Dispatcher struct {
	id       domain.Identity
	conns    domain.ConnectionStore
	ratchets domain.RatchetStore
	prekeys  domain.PreKeyStore
	staging  domain.HandshakeStore
	relays   domain.RelayPool
	gate     *gate.Gate
	emit     func(domain.AEvent)
	logger   *slog.Logger

	mu        sync.Mutex
	sm        StateMachine
	locker    sync.Locker // agent-wide lock shared with the manager
	index     map[string]domain.ConnId // server/rcvId -> connection
	buffers   map[domain.ConnId][]buffered
	delivered map[domain.ConnId]map[int64]*ackEntry
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// New constructs a Dispatcher; SetStateMachine must be called before Run.
func New(
	id domain.Identity,
	conns domain.ConnectionStore,
	ratchets domain.RatchetStore,
	prekeys domain.PreKeyStore,
	staging domain.HandshakeStore,
	relays domain.RelayPool,
	g *gate.Gate,
	emit func(domain.AEvent),
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		id:        id,
		conns:     conns,
		ratchets:  ratchets,
		prekeys:   prekeys,
		staging:   staging,
		relays:    relays,
		gate:      g,
		emit:      emit,
		logger:    logger,
		locker:    nopLocker{},
		index:     make(map[string]domain.ConnId),
		buffers:   make(map[domain.ConnId][]buffered),
		delivered: make(map[domain.ConnId]map[int64]*ackEntry),
	}
}

// SetLocker installs the agent-wide lock so ratchet advances and connection
// updates on the receive path serialize against the manager's command path.
// It is held only for crypto and store sections, never across a
// StateMachine callback.
func (d *Dispatcher) SetLocker(l sync.Locker) {
	d.mu.Lock()
	d.locker = l
	d.mu.Unlock()
}

// SetStateMachine attaches the connection manager; the manager and the
// dispatcher reference each other, so one side is wired late.
func (d *Dispatcher) SetStateMachine(sm StateMachine) {
	d.mu.Lock()
	d.sm = sm
	d.mu.Unlock()
}

func queueKey(server domain.ServerRef, rcvId domain.QueueId) string {
	return server.String() + "/" + rcvId.String()
}

// Register binds (server, rcvId) to connId so inbound envelopes on that
// queue route to the right connection. Called on subscribe and when a
// rotation's next queue starts streaming.
func (d *Dispatcher) Register(server domain.ServerRef, rcvId domain.QueueId, connId domain.ConnId) {
	d.mu.Lock()
	d.index[queueKey(server, rcvId)] = connId
	d.mu.Unlock()
}

// Unregister drops the binding for (server, rcvId).
func (d *Dispatcher) Unregister(server domain.ServerRef, rcvId domain.QueueId) {
	d.mu.Lock()
	delete(d.index, queueKey(server, rcvId))
	d.mu.Unlock()
}

// Run consumes the inbound channel until ctx is cancelled. Each event takes
// a MsgDelivery lease; while the agent is suspending the loop parks at this
// checkpoint instead of processing further.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.relays.Inbound():
			if !ok {
				return
			}
			for {
				release, err := d.gate.Begin(gate.MsgDelivery)
				if err == nil {
					d.handle(ctx, ev)
					release()
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev domain.InboundEvent) {
	d.mu.Lock()
	connId, known := d.index[queueKey(ev.Server, ev.RcvId)]
	d.mu.Unlock()

	if ev.End {
		if known {
			d.Unregister(ev.Server, ev.RcvId)
			d.emit(domain.AEvent{ConnId: connId, Tag: domain.EvEND})
		}
		return
	}
	if ev.Envelope == nil {
		return // empty poll round, nothing delivered
	}
	if !known {
		// Late traffic for a deleted connection: ack so the relay stops
		// redelivering, then drop.
		d.ack(ctx, ackEntry{server: ev.Server, rcvId: ev.RcvId, serverMsgId: ev.ServerMsgId})
		return
	}

	conn, ok, err := d.conns.LoadConnection(connId)
	if err != nil || !ok {
		d.ack(ctx, ackEntry{server: ev.Server, rcvId: ev.RcvId, serverMsgId: ev.ServerMsgId})
		return
	}

	if ev.Envelope.PreKey != nil {
		d.handleHandshake(ctx, conn, ev)
		return
	}
	d.handleRatchet(ctx, conn, ev)
}

// handleHandshake processes the one envelope kind that arrives before a
// shared ratchet exists: the X3DH-bootstrapped first message, carrying
// either a confirmation (invitation flow) or an invitation (contact flow).
func (d *Dispatcher) handleHandshake(ctx context.Context, conn domain.Connection, ev domain.InboundEvent) {
	env := ev.Envelope
	entry := ackEntry{server: ev.Server, rcvId: ev.RcvId, serverMsgId: ev.ServerMsgId}

	d.locker.Lock()
	defer d.locker.Unlock()

	st, err := d.bootstrapRatchet(env)
	if err != nil {
		d.logger.Warn("handshake bootstrap failed", "conn", conn.ConnId.String(), "err", err)
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
		d.ack(ctx, entry)
		return
	}
	am, _, err := d.openEnvelope(&st, nil, env)
	if err != nil {
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
		d.ack(ctx, entry)
		return
	}

	switch {
	case conn.Variant == domain.ConnContact && am.Kind == domain.MsgInvitation:
		var body domain.InvitationBody
		if err := json.Unmarshal(am.Body, &body); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
			break
		}
		inv := domain.Invitation{
			InvitationId: uuid.NewString(),
			ContactConn:  conn.ConnId,
			ConnRequest:  body.ConnReq,
			Info:         body.Info,
			ReceivedAt:   time.Now().Unix(),
		}
		if err := d.staging.SaveInvitation(inv); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Internal("save invitation", err)})
			break
		}
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvREQ, Info: inv.InvitationId,
			Message: &domain.DecryptedMessage{ConnId: conn.ConnId, Plaintext: []byte(body.Info)}})

	case conn.Variant == domain.ConnRcv && am.Kind == domain.MsgConnInfo:
		var body domain.ConnInfoBody
		if err := json.Unmarshal(am.Body, &body); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
			break
		}
		// The ratchet that decrypted the confirmation is the connection's
		// ratchet from here on; persist it before staging so allowConnection
		// finds it.
		if err := d.ratchets.SaveRatchet(conn.ConnId, st); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Internal("save ratchet", err)})
			break
		}
		conf := domain.Confirmation{
			ConfId:       uuid.NewString(),
			ConnId:       conn.ConnId,
			SenderKey:    body.SignKey,
			E2EIdentity:  env.PreKey.InitiatorIK,
			E2EEphemeral: env.PreKey.Ephemeral,
			SPKID:        env.PreKey.SPKID,
			OPKID:        env.PreKey.OPKID,
			Info:         body.Info,
			ReceivedAt:   time.Now().Unix(),
		}
		if body.ReplyQueue != nil {
			conf.ReplyQueues = []domain.ConnRequest{*body.ReplyQueue}
		}
		if err := d.staging.SaveConfirmation(conf); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Internal("save confirmation", err)})
			break
		}
		if conn.RcvQueue != nil && conn.RcvQueue.Status == domain.RcvNew {
			conn.RcvQueue.Status = domain.RcvConfirmed
			_ = d.conns.SaveConnection(conn)
		}
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvCONF, Info: conf.ConfId,
			Message: &domain.DecryptedMessage{ConnId: conn.ConnId, Plaintext: []byte(body.Info)}})

	default:
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
	}
	d.ack(ctx, entry)
}

// bootstrapRatchet derives the responder side of a first-contact envelope:
// X3DH over our signed (and optional one-time) prekey against the sender's
// identity and ephemeral keys.
func (d *Dispatcher) bootstrapRatchet(env *domain.Envelope) (domain.RatchetState, error) {
	pm := env.PreKey
	spkPriv, _, _, found, err := d.prekeys.LoadSignedPrekey(pm.SPKID)
	if err != nil {
		return domain.RatchetState{}, err
	}
	if !found {
		return domain.RatchetState{}, fmt.Errorf("signed prekey %q not found", pm.SPKID)
	}
	var opkPriv *domain.X25519Private
	if pm.OPKID != "" {
		priv, _, ok, err := d.prekeys.ConsumeOneTimePrekey(pm.OPKID)
		if err != nil {
			return domain.RatchetState{}, err
		}
		if ok {
			opkPriv = &priv
		}
	}
	root, err := x3dh.ResponderRoot(d.id, spkPriv, opkPriv, *pm)
	if err != nil {
		return domain.RatchetState{}, err
	}
	var senderDH domain.X25519Public
	copy(senderDH[:], env.Header.DHPub)
	return ratchet.InitAsResponder(root, d.id.XPriv, d.id.XPub, senderDH)
}

// openEnvelope ratchet-decrypts env against the given skipped-key map and
// decodes the inner message; the returned diff must be persisted alongside
// the advanced state.
func (d *Dispatcher) openEnvelope(st *domain.RatchetState, skipped map[string][]byte, env *domain.Envelope) (domain.AgentMessage, domain.SkippedKeysDiff, error) {
	pt, diff, err := ratchet.Decrypt(st, skipped, env.AssociatedData, env.Header, env.Cipher)
	if err != nil {
		return domain.AgentMessage{}, diff, err
	}
	var am domain.AgentMessage
	if err := json.Unmarshal(pt, &am); err != nil {
		return domain.AgentMessage{}, diff, err
	}
	return am, diff, nil
}

func (d *Dispatcher) handleRatchet(ctx context.Context, conn domain.Connection, ev domain.InboundEvent) {
	entry := ackEntry{server: ev.Server, rcvId: ev.RcvId, serverMsgId: ev.ServerMsgId}

	// Ratchet advance and persist happen under the agent-wide lock so an
	// outbox worker's encrypt cannot interleave with this decrypt.
	d.locker.Lock()
	st, found, err := d.ratchets.LoadRatchet(conn.ConnId)
	if err != nil || !found {
		d.locker.Unlock()
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
		d.ack(ctx, entry)
		return
	}
	am, diff, err := d.openEnvelope(&st, st.Skipped, ev.Envelope)
	if err != nil {
		d.locker.Unlock()
		// Protocol violation: surface and ack so the relay does not loop the
		// same undecryptable envelope at us.
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
		d.ack(ctx, entry)
		return
	}
	if err := d.ratchets.UpdateRatchet(conn.ConnId, st, diff); err != nil {
		d.locker.Unlock()
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Internal("save ratchet", err)})
		d.ack(ctx, entry)
		return
	}
	d.locker.Unlock()

	onNext := conn.NextRcv != nil && conn.NextRcv.RcvId == ev.RcvId

	d.mu.Lock()
	sm := d.sm
	d.mu.Unlock()

	switch am.Kind {
	case domain.MsgA:
		d.deliver(ctx, conn, am, ev.Envelope.Timestamp, entry, onNext)
		return // deliver handles the ack itself
	case domain.MsgHello:
		if err := sm.HelloReceived(ctx, conn.ConnId); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
		}
	case domain.MsgReply:
		var reqs []domain.ConnRequest
		if err := json.Unmarshal(am.Body, &reqs); err != nil || len(reqs) == 0 {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
			break
		}
		if err := sm.ReplyReceived(ctx, conn.ConnId, reqs[0]); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
		}
	case domain.MsgConnInfoReply:
		var body domain.ConnInfoBody
		if err := json.Unmarshal(am.Body, &body); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
			break
		}
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvINFO,
			Message: &domain.DecryptedMessage{ConnId: conn.ConnId, Plaintext: []byte(body.Info)}})
	case domain.MsgQNew, domain.MsgQKeys, domain.MsgQReady, domain.MsgQTest, domain.MsgQSwitch, domain.MsgQHello:
		if err := sm.RotationMsg(ctx, conn.ConnId, am.Kind, am.Body, onNext); err != nil {
			d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: err})
		}
	default:
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Agent(agenterr.AMessage)})
	}
	d.ack(ctx, entry)
}

// deliver routes an A_MSG: duplicates are re-acked or re-emitted, traffic
// on the rotation's next queue is buffered until swap, and everything else
// goes to the application with its integrity verdict.
func (d *Dispatcher) deliver(ctx context.Context, conn domain.Connection, am domain.AgentMessage, ts int64, entry ackEntry, onNext bool) {
	d.locker.Lock()
	defer d.locker.Unlock()

	// Reload under the lock: the manager may have swapped queues or advanced
	// the receive chain since this envelope was picked off the stream.
	if fresh, ok, err := d.conns.LoadConnection(conn.ConnId); err == nil && ok {
		conn = fresh
		onNext = conn.NextRcv != nil && conn.NextRcv.RcvId == entry.rcvId
	}

	extId := am.Header.SndMsgId
	hash := bodyHash(am.Kind, am.Body)

	if extId <= conn.LastRcvExtId {
		// Relay redelivery. If the application already acked the first copy,
		// quietly re-ack; otherwise re-emit the same payload once more.
		d.mu.Lock()
		prev := d.delivered[conn.ConnId][extId]
		d.mu.Unlock()
		if prev != nil && prev.acked {
			d.ack(ctx, entry)
			return
		}
		msg := domain.DecryptedMessage{ConnId: conn.ConnId, Plaintext: am.Body, Integrity: domain.MsgDuplicate, Timestamp: ts}
		d.record(conn.ConnId, extId, entry)
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvMSG, MsgId: extId, Message: &msg})
		return
	}

	verdict, skippedFrom, skippedTo := integrity(conn, am.Header)
	msg := domain.DecryptedMessage{
		ConnId:      conn.ConnId,
		Plaintext:   am.Body,
		Integrity:   verdict,
		SkippedFrom: skippedFrom,
		SkippedTo:   skippedTo,
		Timestamp:   ts,
	}

	if onNext {
		d.mu.Lock()
		d.buffers[conn.ConnId] = append(d.buffers[conn.ConnId], buffered{msg: msg, extId: extId, hash: hash, entry: entry})
		d.mu.Unlock()
		return
	}

	conn.LastRcvExtId = extId
	conn.LastRcvHash = hash
	if err := d.conns.SaveConnection(conn); err != nil {
		d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvERR, Err: agenterr.Internal("save connection", err)})
	}
	d.record(conn.ConnId, extId, entry)
	d.emit(domain.AEvent{ConnId: conn.ConnId, Tag: domain.EvMSG, MsgId: extId, Message: &msg})
}

// ReleaseBuffered flushes messages buffered on the (now current) next queue
// in arrival order. Called by the manager at swap time, before it emits
// SWITCH completed.
func (d *Dispatcher) ReleaseBuffered(ctx context.Context, connId domain.ConnId) {
	d.mu.Lock()
	pending := d.buffers[connId]
	delete(d.buffers, connId)
	d.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	conn, ok, err := d.conns.LoadConnection(connId)
	if err != nil || !ok {
		return
	}
	for _, b := range pending {
		conn.LastRcvExtId = b.extId
		conn.LastRcvHash = b.hash
		d.record(connId, b.extId, b.entry)
		d.emit(domain.AEvent{ConnId: connId, Tag: domain.EvMSG, MsgId: b.extId, Message: &b.msg})
	}
	if err := d.conns.SaveConnection(conn); err != nil {
		d.emit(domain.AEvent{ConnId: connId, Tag: domain.EvERR, Err: agenterr.Internal("save connection", err)})
	}
}

// Ack acknowledges a delivered message back to its relay on behalf of the
// application. Idempotent: a second call for the same id returns without
// network effect.
func (d *Dispatcher) Ack(ctx context.Context, connId domain.ConnId, msgId int64) error {
	d.mu.Lock()
	entry := d.delivered[connId][msgId]
	d.mu.Unlock()
	if entry == nil {
		return agenterr.CmdProhibited
	}
	if entry.acked {
		return nil
	}
	if err := d.ack(ctx, *entry); err != nil {
		return err
	}
	d.mu.Lock()
	entry.acked = true
	d.mu.Unlock()
	return nil
}

// DropConnection forgets all dispatcher-side state for connId.
func (d *Dispatcher) DropConnection(connId domain.ConnId) {
	d.mu.Lock()
	delete(d.buffers, connId)
	delete(d.delivered, connId)
	for k, id := range d.index {
		if id == connId {
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) record(connId domain.ConnId, extId int64, entry ackEntry) {
	d.mu.Lock()
	m := d.delivered[connId]
	if m == nil {
		m = make(map[int64]*ackEntry)
		d.delivered[connId] = m
	}
	e := entry
	m[extId] = &e
	d.mu.Unlock()
}

func (d *Dispatcher) ack(ctx context.Context, entry ackEntry) error {
	if entry.serverMsgId == "" {
		return nil
	}
	client, err := d.relays.Client(ctx, entry.server)
	if err != nil {
		return err
	}
	if err := client.SendAck(ctx, entry.rcvId, entry.serverMsgId); err != nil {
		var e *agenterr.Err
		if errors.As(err, &e) && e.Kind == "SMP" && e.Code == "NO_MSG" {
			return nil
		}
		d.logger.Warn("relay ack failed", "rcv_id", entry.rcvId.String(), "err", err)
		return err
	}
	return nil
}

// integrity computes the ordering verdict for a new (non-duplicate) A_MSG.
// For a skipped verdict, lo and hi bound the external send-ids that never
// arrived; both are zero for every other verdict.
func integrity(conn domain.Connection, hdr domain.PrivHeader) (verdict domain.MsgIntegrity, lo, hi int64) {
	expected := conn.LastRcvExtId + 1
	switch {
	case hdr.SndMsgId <= 0:
		return domain.MsgBadId, 0, 0
	case hdr.SndMsgId > expected:
		return domain.MsgSkipped, expected, hdr.SndMsgId - 1
	case !bytes.Equal(hdr.PrevMsgHash, conn.LastRcvHash):
		return domain.MsgBadHash, 0, 0
	default:
		return domain.MsgOK, 0, 0
	}
}

// bodyHash mirrors the outbox's hash computation so both ends of the chain
// agree on each link's value.
func bodyHash(kind domain.AgentMsgKind, body []byte) []byte {
	b, err := json.Marshal(struct {
		Kind domain.AgentMsgKind
		Body []byte
	}{kind, body})
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(b)
	return sum[:]
}

