package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ciphera/internal/domain"
)

// Pool is a domain.RelayPool that lazily creates and caches one Client per
// server, turning a single relay base URL into
// a multi-server pool, and runs one inbound long-poll stream goroutine per
// subscribed queue, fanning every server's events into one channel.
type Pool struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	clients  map[domain.ServerRef]*Client
	streams  map[string]context.CancelFunc // keyed by server/rcvId, one loop per subscribed queue
	inbound  chan domain.InboundEvent
	sf       singleflight.Group
	closed   bool
	pollIval time.Duration
}

// NewPool constructs an empty Pool. If hc is nil, http.DefaultClient is
// used for every server's Client. pollInterval controls the delay between
// long-poll rounds once a stream sees an empty response.
func NewPool(hc *http.Client, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Pool{
		httpClient: hc,
		logger:     logger,
		clients:    make(map[domain.ServerRef]*Client),
		streams:    make(map[string]context.CancelFunc),
		inbound:    make(chan domain.InboundEvent, 256),
		pollIval:   pollInterval,
	}
}

// Client returns the cached Client for server, creating it on first use.
// Concurrent callers racing to create the same server's client collapse
// onto a single construction via singleflight.
func (p *Pool) Client(ctx context.Context, server domain.ServerRef) (domain.RelayClient, error) {
	p.mu.Lock()
	if c, ok := p.clients[server]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	v, err, _ := p.sf.Do(server.String(), func() (any, error) {
		p.mu.Lock()
		if c, ok := p.clients[server]; ok {
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		base := "http://" + server.String()
		c := NewClient(server, base, p.httpClient)

		p.mu.Lock()
		p.clients[server] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Inbound returns the process-wide channel every server's stream loop
// publishes InboundEvents to.
func (p *Pool) Inbound() <-chan domain.InboundEvent {
	return p.inbound
}

// StreamQueue starts a background long-poll loop over rcvId on server,
// publishing each delivered envelope, or an END signal, to Inbound(). A
// loop already running for the same (server, rcvId) pair is cancelled and
// replaced by the new one.
func (p *Pool) StreamQueue(ctx context.Context, server domain.ServerRef, rcvId domain.QueueId) error {
	c, err := p.Client(ctx, server)
	if err != nil {
		return err
	}
	hc := c.(*Client)

	key := server.String() + "/" + rcvId.String()
	streamCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if prev, ok := p.streams[key]; ok {
		prev()
	}
	p.streams[key] = cancel
	p.mu.Unlock()

	go p.runStream(streamCtx, hc, server, rcvId, newSessionID())
	return nil
}

// StopStream cancels the stream loop for (server, rcvId), if one is
// running; used when a queue is deleted or rotated away.
func (p *Pool) StopStream(server domain.ServerRef, rcvId domain.QueueId) {
	key := server.String() + "/" + rcvId.String()
	p.mu.Lock()
	if cancel, ok := p.streams[key]; ok {
		cancel()
		delete(p.streams, key)
	}
	p.mu.Unlock()
}

// newSessionID labels one stream goroutine's lifetime and is carried on
// every event it publishes. The receive dispatcher does not compare it: an
// END is acted on whichever stream delivered it.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func (p *Pool) runStream(ctx context.Context, c *Client, server domain.ServerRef, rcvId domain.QueueId, sessionID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, serverMsgId, end, err := c.pollEvents(ctx, rcvId)
		if err != nil {
			p.logger.Warn("relay stream poll failed", "server", server.String(), "rcv_id", rcvId.String(), "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollIval):
			}
			continue
		}

		if env == nil && !end {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollIval):
			}
			continue
		}

		evt := domain.InboundEvent{Server: server, RcvId: rcvId, SessionID: sessionID, ServerMsgId: serverMsgId, Envelope: env, End: end}
		select {
		case p.inbound <- evt:
		case <-ctx.Done():
			return
		}
		if end {
			return
		}
	}
}

// Close stops every running stream loop and closes the inbound channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, cancel := range p.streams {
		cancel()
	}
	close(p.inbound)
	return nil
}

var _ domain.RelayPool = (*Pool)(nil)
