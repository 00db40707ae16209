// Package relay provides an HTTP RelayClient implementation for ciphera.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"ciphera/internal/agenterr"
	"ciphera/internal/crypto"
	"ciphera/internal/domain"
)

// Client is a domain.RelayClient over HTTP against one SMP relay server,
// speaking the queue-oriented wire protocol exposed by cmd/relay (create /
// secure / send / ack / suspend / delete / events), generalized from the
// shared post/getJSON helper style.
type Client struct {
	Server domain.ServerRef
	Base   string
	client *http.Client
}

// NewClient constructs a relay Client for server at base. If hc is nil,
// http.DefaultClient is used.
func NewClient(server domain.ServerRef, base string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{Server: server, Base: base, client: hc}
}

type createQueueReq struct {
	RcvAuthPub domain.X25519Public `json:"rcv_auth_pub"`
}

type createQueueResp struct {
	RcvId domain.QueueId `json:"rcv_id"`
	SndId domain.QueueId `json:"snd_id"`
}

// CreateRcvQueue generates the queue's auth and E2E DH keypairs locally and
// asks the relay to allocate addressing for the auth public key, matching
// the SMP invariant that the relay never sees a queue's private material.
func (c *Client) CreateRcvQueue(ctx context.Context) (domain.ReceiveQueue, error) {
	authPriv, authPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.ReceiveQueue{}, fmt.Errorf("relay: generate auth key: %w", err)
	}
	dhPriv, _, err := crypto.GenerateX25519()
	if err != nil {
		return domain.ReceiveQueue{}, fmt.Errorf("relay: generate dh key: %w", err)
	}

	var resp createQueueResp
	if err := c.post(ctx, "/queue", createQueueReq{RcvAuthPub: authPub}, &resp); err != nil {
		return domain.ReceiveQueue{}, err
	}

	return domain.ReceiveQueue{
		Server:     c.Server,
		RcvId:      resp.RcvId,
		RcvPrivKey: authPriv,
		RcvDHPriv:  dhPriv,
		SndId:      resp.SndId,
		Status:     domain.RcvNew,
	}, nil
}

type secureQueueReq struct {
	SndPubKey domain.X25519Public `json:"snd_pub_key"`
}

// SecureQueue binds the peer's E2E DH public key to rcvId, transitioning the
// queue from new to secured on the relay side.
func (c *Client) SecureQueue(ctx context.Context, rcvId domain.QueueId, sndPubKey domain.X25519Public) error {
	path := "/queue/" + url.PathEscape(rcvId.String()) + "/secure"
	return c.post(ctx, path, secureQueueReq{SndPubKey: sndPubKey}, nil)
}

type suspendQueueResp struct {
	Remaining int `json:"remaining"`
}

// SuspendQueue stops rcvId from accepting new messages (its backlog is
// still delivered) and returns the count of messages still queued for it,
// so the caller can decide whether it is safe to delete.
func (c *Client) SuspendQueue(ctx context.Context, rcvId domain.QueueId) (int, error) {
	path := "/queue/" + url.PathEscape(rcvId.String()) + "/suspend"
	var resp suspendQueueResp
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Remaining, nil
}

// DeleteQueue removes rcvId from the relay; deleting an absent queue is not
// an error.
func (c *Client) DeleteQueue(ctx context.Context, rcvId domain.QueueId) error {
	path := "/queue/" + url.PathEscape(rcvId.String())
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// SendAgentMessage posts env to sndId's send address; this is the hot path
// used by the send pipeline for ordinary traffic and rotation control alike
// (they all travel as opaque Envelopes once ratchet-encrypted).
func (c *Client) SendAgentMessage(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.post(ctx, "/queue/"+url.PathEscape(sndId.String())+"/send", env, nil)
}

// SendConfirmation posts the handshake CONF envelope to sndId. The relay
// treats it identically to an ordinary send; the distinction is meaningful
// only to the agent on the receiving side.
func (c *Client) SendConfirmation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.post(ctx, "/queue/"+url.PathEscape(sndId.String())+"/send", env, nil)
}

// SendInvitation posts an out-of-band invitation envelope to sndId.
func (c *Client) SendInvitation(ctx context.Context, sndId domain.QueueId, env domain.Envelope) error {
	return c.post(ctx, "/queue/"+url.PathEscape(sndId.String())+"/send", env, nil)
}

type ackReq struct {
	ServerMsgId string `json:"server_msg_id"`
}

// SendAck acknowledges delivery of serverMsgId on rcvId, permitting the
// relay to drop it.
func (c *Client) SendAck(ctx context.Context, rcvId domain.QueueId, serverMsgId string) error {
	path := "/queue/" + url.PathEscape(rcvId.String()) + "/ack"
	return c.post(ctx, path, ackReq{ServerMsgId: serverMsgId}, nil)
}

type eventsResp struct {
	ServerMsgId string           `json:"server_msg_id,omitempty"`
	Envelope    *domain.Envelope `json:"envelope,omitempty"`
	End         bool             `json:"end,omitempty"`
}

// SubscribeQueue performs one long-poll round against rcvId's event stream
// and reports success once the relay has registered the subscription; the
// actual events are delivered asynchronously by the stream loop in pool.go.
func (c *Client) SubscribeQueue(ctx context.Context, rcvId domain.QueueId) error {
	path := "/queue/" + url.PathEscape(rcvId.String()) + "/events?ack=1"
	return c.do(ctx, http.MethodGet, path, nil, nil)
}

// SubscribeQueues fans a SubscribeQueue call out across every id in rcvIds
// concurrently and joins the per-queue results, so a caller can detect a
// size mismatch between rcvIds and the returned slice.
func (c *Client) SubscribeQueues(ctx context.Context, rcvIds []domain.QueueId) ([]domain.SubscribeResult, error) {
	results := make([]domain.SubscribeResult, len(rcvIds))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range rcvIds {
		i, id := i, id
		g.Go(func() error {
			results[i] = domain.SubscribeResult{RcvId: id, Err: c.SubscribeQueue(gctx, id)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// pollEvents performs one long-poll GET against rcvId's event stream and
// returns the next delivered envelope, if any, along with the relay's
// message id for acking and whether the relay signalled end-of-queue. Used
// by the pool's per-queue stream loop.
func (c *Client) pollEvents(ctx context.Context, rcvId domain.QueueId) (*domain.Envelope, string, bool, error) {
	path := "/queue/" + url.PathEscape(rcvId.String()) + "/events"
	var resp eventsResp
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", false, err
	}
	return resp.Envelope, resp.ServerMsgId, resp.End, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		body = new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return fmt.Errorf("relay: encode request: %w", err)
		}
	} else {
		body = new(bytes.Buffer)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transportErr(method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusErr(method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// transportErr maps a failed round-trip onto the BROKER error taxonomy:
// deadline/cancellation becomes TIMEOUT, anything else (refused connection,
// DNS failure) becomes HOST, both of which the send pipeline treats as
// transient.
func transportErr(method, path string, err error) error {
	code := agenterr.BrokerHost
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = agenterr.BrokerTimeout
	}
	e := agenterr.Broker(code)
	e.Err = fmt.Errorf("relay: %s %s: %w", method, path, err)
	return e
}

// statusErr maps relay HTTP status codes onto the SMP/BROKER taxonomy the
// send pipeline's classification table keys on: an unknown or unsecured
// queue is AUTH, rate limiting is QUOTA, and relay-side failures are
// BROKER UNEXPECTED.
func statusErr(method, path string, status int) error {
	var e *agenterr.Err
	switch {
	case status == http.StatusNotFound,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusConflict:
		e = agenterr.SMP("AUTH")
	case status == http.StatusTooManyRequests:
		e = agenterr.SMP("QUOTA")
	case status/100 == 5:
		e = agenterr.Broker(agenterr.BrokerUnexpected)
	default:
		e = agenterr.SMP(http.StatusText(status))
	}
	e.Err = fmt.Errorf("relay: %s %s: status %d", method, path, status)
	return e
}

// Compile-time assertion that Client implements domain.RelayClient.
var _ domain.RelayClient = (*Client)(nil)
