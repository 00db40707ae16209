package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ciphera/internal/domain"
)

// --- Flags ---

var (
	port          int  // listen port
	enableLogging bool // logging toggle
)

// --- Constants ---

const (
	defaultPort  = 8080
	minPort      = 0
	maxPort      = 65535
	readHeaderTO = 5 * time.Second
	readTO       = 10 * time.Second
	writeTO      = 70 * time.Second // above longPollTimeout so a parked GET isn't cut off
	idleTO       = 60 * time.Second

	maxRequestBody  = 1 << 20       // 1 MiB cap for incoming JSON bodies
	maxCipherBytes  = 64 << 10      // 64 KiB max cipher payload
	maxQueueBacklog = 1000          // cap envelopes retained per queue
	longPollTimeout = 60 * time.Second
)

// Context key for request ID.
type ctxKey string

const ctxKeyReqID ctxKey = "reqid"

// --- Queue model ---

// queuedEnvelope is one envelope awaiting delivery, tagged with a
// relay-assigned id so the owner can ack it by name.
type queuedEnvelope struct {
	ServerMsgId string
	Envelope    domain.Envelope
}

// relayQueue is one (recipientId, senderId) pair and its pending backlog.
// Secure/suspend/delete act on rcvId; send acts on sndId; this mirrors the
// asymmetric addressing an SMP queue has in the real protocol.
type relayQueue struct {
	mu         sync.Mutex
	rcvId      domain.QueueId
	sndId      domain.QueueId
	rcvAuthPub domain.X25519Public
	sndPubKey  *domain.X25519Public
	status     domain.RcvQueueStatus
	msgs       []queuedEnvelope
	waiters    []chan struct{}
}

func (q *relayQueue) notify() {
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// state holds every queue the relay currently serves, indexed both by
// recipientId (management operations) and senderId (writes from a peer).
type state struct {
	mu    sync.RWMutex
	byRcv map[domain.QueueId]*relayQueue
	bySnd map[domain.QueueId]*relayQueue
}

func newState() *state {
	return &state{
		byRcv: make(map[domain.QueueId]*relayQueue),
		bySnd: make(map[domain.QueueId]*relayQueue),
	}
}

// loggingResponseWriter captures status code and byte count for access logs.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(p []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(p)
	lrw.bytes += n
	return n, err
}

// --- Middleware ---

func withRecover(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeErr(w, http.StatusInternalServerError, "internal error")
				if enableLogging {
					slog.Error("panic", "err", rec)
				}
			}
		}()
		h(w, r)
	}
}

func withReqID(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = genID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyReqID, id)
		h(w, r.WithContext(ctx))
	}
}

func withLogging(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enableLogging {
			h(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		h(lrw, r)
		slog.Info("access",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", clientIP(r),
			"status", lrw.status,
			"bytes", lrw.bytes,
			"dur", time.Since(start),
			"reqid", requestIDFromCtx(r.Context()),
		)
	}
}

func chain(h http.HandlerFunc, mws ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// --- Utilities ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := indexByte(xff, ','); i >= 0 {
			return trimSpace(xff[:i])
		}
		return trimSpace(xff)
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyReqID).(string); ok {
		return v
	}
	return ""
}

func genID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("id-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// --- Handlers ---

type createQueueReq struct {
	RcvAuthPub domain.X25519Public `json:"rcv_auth_pub"`
}

type createQueueResp struct {
	RcvId domain.QueueId `json:"rcv_id"`
	SndId domain.QueueId `json:"snd_id"`
}

// handleCreateQueue allocates a fresh (recipientId, senderId) pair bound to
// the caller's auth public key (POST /queue).
func (s *state) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req createQueueReq
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}

	q := &relayQueue{
		rcvId:      domain.QueueId(genID()),
		sndId:      domain.QueueId(genID()),
		rcvAuthPub: req.RcvAuthPub,
		status:     domain.RcvNew,
	}

	s.mu.Lock()
	s.byRcv[q.rcvId] = q
	s.bySnd[q.sndId] = q
	s.mu.Unlock()

	if enableLogging {
		slog.Info("queue_created", "rcv_id", q.rcvId.String(), "snd_id", q.sndId.String(), "reqid", requestIDFromCtx(r.Context()))
	}
	writeJSON(w, createQueueResp{RcvId: q.rcvId, SndId: q.sndId})
}

func (s *state) lookupRcv(id domain.QueueId) (*relayQueue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.byRcv[id]
	return q, ok
}

func (s *state) lookupSnd(id domain.QueueId) (*relayQueue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.bySnd[id]
	return q, ok
}

type secureQueueReq struct {
	SndPubKey domain.X25519Public `json:"snd_pub_key"`
}

// handleSecureQueue binds the peer's DH public key to a receive queue
// (POST /queue/{id}/secure), transitioning it from new to secured.
func (s *state) handleSecureQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	q, ok := s.lookupRcv(domain.QueueId(r.PathValue("id")))
	if !ok {
		http.NotFound(w, r)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req secureQueueReq
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}

	q.mu.Lock()
	pub := req.SndPubKey
	q.sndPubKey = &pub
	q.status = domain.RcvSecured
	q.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// handleSendQueue appends an envelope to the queue addressed by its
// senderId (POST /queue/{id}/send); an unsecured queue accepts only the
// single handshake confirmation, and a suspended queue accepts nothing.
func (s *state) handleSendQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	q, ok := s.lookupSnd(domain.QueueId(r.PathValue("id")))
	if !ok {
		http.NotFound(w, r)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var env domain.Envelope
	if err := dec.Decode(&env); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	if len(env.Cipher) > maxCipherBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, "cipher too large")
		return
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}

	q.mu.Lock()
	// A suspended queue still serves its backlog to the owner but takes no
	// new traffic.
	if q.status == domain.RcvSuspended {
		q.mu.Unlock()
		writeErr(w, http.StatusConflict, "queue suspended")
		return
	}
	// A queue in New accepts the single handshake confirmation before it is
	// secured; any further traffic requires the sender key to be bound.
	if q.sndPubKey == nil && !(q.status == domain.RcvNew && len(q.msgs) == 0) {
		q.mu.Unlock()
		writeErr(w, http.StatusConflict, "queue not secured")
		return
	}
	item := queuedEnvelope{ServerMsgId: genID(), Envelope: env}
	q.msgs = append(q.msgs, item)
	if len(q.msgs) > maxQueueBacklog {
		q.msgs = q.msgs[len(q.msgs)-maxQueueBacklog:]
	}
	if q.sndPubKey != nil {
		q.status = domain.RcvActive
	}
	q.notify()
	backlog := len(q.msgs)
	q.mu.Unlock()

	if enableLogging {
		slog.Info("enqueue", "snd_id", q.sndId.String(), "backlog", backlog, "reqid", requestIDFromCtx(r.Context()))
	}
	w.WriteHeader(http.StatusNoContent)
}

type ackReq struct {
	ServerMsgId string `json:"server_msg_id"`
}

// handleAckQueue drops every queued envelope up to and including
// ServerMsgId (POST /queue/{id}/ack).
func (s *state) handleAckQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	q, ok := s.lookupRcv(domain.QueueId(r.PathValue("id")))
	if !ok {
		http.NotFound(w, r)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req ackReq
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}

	q.mu.Lock()
	for i, item := range q.msgs {
		if item.ServerMsgId == req.ServerMsgId {
			q.msgs = q.msgs[i+1:]
			break
		}
	}
	q.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

type suspendQueueResp struct {
	Remaining int `json:"remaining"`
}

// handleSuspendQueue stops a receive queue from accepting new envelopes and
// reports how much backlog is still outstanding (POST /queue/{id}/suspend);
// the backlog is still delivered to the owner.
func (s *state) handleSuspendQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupRcv(domain.QueueId(r.PathValue("id")))
	if !ok {
		http.NotFound(w, r)
		return
	}

	q.mu.Lock()
	q.status = domain.RcvSuspended
	remaining := len(q.msgs)
	q.notify()
	q.mu.Unlock()

	writeJSON(w, suspendQueueResp{Remaining: remaining})
}

// handleDeleteQueue removes a queue and its senderId alias (DELETE
// /queue/{id}); deleting an absent queue is not an error.
func (s *state) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	id := domain.QueueId(r.PathValue("id"))

	s.mu.Lock()
	if q, ok := s.byRcv[id]; ok {
		delete(s.byRcv, q.rcvId)
		delete(s.bySnd, q.sndId)
		q.mu.Lock()
		q.status = domain.RcvDeleted
		q.notify()
		q.mu.Unlock()
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

type eventsResp struct {
	ServerMsgId string           `json:"server_msg_id,omitempty"`
	Envelope    *domain.Envelope `json:"envelope,omitempty"`
	End         bool             `json:"end,omitempty"`
}

// handleEventsQueue long-polls for the next envelope on a receive queue
// (GET /queue/{id}/events). A bare subscription ping (?ack=1) returns
// immediately once the queue is known, without waiting for traffic —
// SubscribeQueue uses this form just to confirm registration.
func (s *state) handleEventsQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookupRcv(domain.QueueId(r.PathValue("id")))
	if !ok {
		http.NotFound(w, r)
		return
	}

	if r.URL.Query().Get("ack") == "1" {
		writeJSON(w, eventsResp{})
		return
	}

	q.mu.Lock()
	if len(q.msgs) > 0 {
		item := q.msgs[0]
		q.msgs = q.msgs[1:]
		q.mu.Unlock()
		writeJSON(w, eventsResp{ServerMsgId: item.ServerMsgId, Envelope: &item.Envelope})
		return
	}
	if q.status == domain.RcvDeleted {
		q.mu.Unlock()
		writeJSON(w, eventsResp{End: true})
		return
	}
	waiter := make(chan struct{})
	q.waiters = append(q.waiters, waiter)
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), longPollTimeout)
	defer cancel()

	select {
	case <-waiter:
	case <-ctx.Done():
		writeJSON(w, eventsResp{})
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == domain.RcvDeleted {
		writeJSON(w, eventsResp{End: true})
		return
	}
	if len(q.msgs) > 0 {
		item := q.msgs[0]
		q.msgs = q.msgs[1:]
		writeJSON(w, eventsResp{ServerMsgId: item.ServerMsgId, Envelope: &item.Envelope})
		return
	}
	writeJSON(w, eventsResp{})
}

// --- Main ---

func main() {
	pflag.IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	pflag.BoolVar(&enableLogging, "log", false, "enable access logging")
	pflag.Parse()

	if port <= minPort || port > maxPort {
		port = defaultPort
	}

	logger := slog.New(
		slog.NewTextHandler(log.Writer(), &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	slog.SetDefault(logger)

	s := newState()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /queue", chain(s.handleCreateQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("POST /queue/{id}/secure", chain(s.handleSecureQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("POST /queue/{id}/send", chain(s.handleSendQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("POST /queue/{id}/ack", chain(s.handleAckQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("POST /queue/{id}/suspend", chain(s.handleSuspendQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("DELETE /queue/{id}", chain(s.handleDeleteQueue, withRecover, withReqID, withLogging))
	mux.HandleFunc("GET /queue/{id}/events", chain(s.handleEventsQueue, withRecover, withReqID, withLogging))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTO,
		ReadTimeout:       readTO,
		WriteTimeout:      writeTO,
		IdleTimeout:       idleTO,
	}

	go func() {
		slog.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Relay failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}
