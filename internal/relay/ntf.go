package relay

import (
	"context"
	"net/http"
	"net/url"

	"ciphera/internal/domain"
)

// NtfClient talks to a notification relay server's token and subscription
// endpoints, following the same post/do helper idiom as Client.
type NtfClient struct {
	Base   string
	client *http.Client
}

// NewNtfClient constructs an NtfClient for base. If hc is nil,
// http.DefaultClient is used.
func NewNtfClient(base string, hc *http.Client) *NtfClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &NtfClient{Base: base, client: hc}
}

type registerReq struct {
	DeviceToken string `json:"device_token"`
}

type registerResp struct {
	TknId string `json:"tkn_id"`
}

// Register publishes deviceToken to the notification server, returning the
// server-assigned token id to verify next.
func (c *NtfClient) Register(ctx context.Context, deviceToken string) (string, error) {
	var resp registerResp
	if err := c.do(ctx, http.MethodPost, "/ntf/token", registerReq{DeviceToken: deviceToken}, &resp); err != nil {
		return "", err
	}
	return resp.TknId, nil
}

type verifyReq struct {
	Code string `json:"code"`
}

// Verify confirms tknId with the code delivered out of band.
func (c *NtfClient) Verify(ctx context.Context, tknId, code string) error {
	path := "/ntf/token/" + url.PathEscape(tknId) + "/verify"
	return c.do(ctx, http.MethodPost, path, verifyReq{Code: code}, nil)
}

type checkResp struct {
	Status domain.NtfTokenStatus `json:"status"`
}

// Check returns the server-side status of tknId.
func (c *NtfClient) Check(ctx context.Context, tknId string) (domain.NtfTokenStatus, error) {
	path := "/ntf/token/" + url.PathEscape(tknId)
	var resp checkResp
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Delete removes tknId from the notification server.
func (c *NtfClient) Delete(ctx context.Context, tknId string) error {
	path := "/ntf/token/" + url.PathEscape(tknId)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type subscriptionReq struct {
	TknId string         `json:"tkn_id"`
	RcvId domain.QueueId `json:"rcv_id"`
}

// CreateSubscription asks the notification server to alert tknId's device
// when rcvId receives traffic.
func (c *NtfClient) CreateSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error {
	return c.do(ctx, http.MethodPost, "/ntf/subscription", subscriptionReq{TknId: tknId, RcvId: rcvId}, nil)
}

// DeleteSubscription cancels a previously created subscription.
func (c *NtfClient) DeleteSubscription(ctx context.Context, tknId string, rcvId domain.QueueId) error {
	path := "/ntf/subscription/" + url.PathEscape(rcvId.String())
	return c.do(ctx, http.MethodDelete, path, subscriptionReq{TknId: tknId, RcvId: rcvId}, nil)
}

func (c *NtfClient) do(ctx context.Context, method, path string, in, out any) error {
	cl := &Client{Base: c.Base, client: c.client}
	return cl.do(ctx, method, path, in, out)
}
