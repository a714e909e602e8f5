// Package transport implements the broker's side of the relay socket: it
// accepts connector sockets, runs the admission handshake, and exposes a
// request/response API the HTTP edge uses to relay traffic through a
// registered connector.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/protocol"
	"github.com/ctrlai/remotellm/internal/router"
)

// Sentinel errors surfaced to the HTTP edge.
var (
	ErrConnectorUnavailable = errors.New("connector unavailable")
	ErrTimeout              = errors.New("timed out waiting for connector")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config carries the broker's transport-layer tunables (spec.md §6.4).
type Config struct {
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 300 * time.Second
	}
	return c
}

// Server is the broker's transport endpoint. One instance serves all
// connector sockets for the process.
type Server struct {
	cfg    Config
	store  *connectorstore.Store            // non-nil: approval-workflow mode
	tokens *connectorstore.StaticTokenTable  // non-nil: legacy static-token mode
	router *router.Router

	mu                sync.RWMutex
	registrations     map[string]*registration
	pendingAdmissions map[string]*pendingAdmission

	accepting bool
	drainWG   sync.WaitGroup
}

// registration is a socket that completed admission and is relaying
// traffic (ACCEPTED in spec.md terms).
type registration struct {
	connectorID string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// pendingAdmission is a socket awaiting admin approval (PENDING).
type pendingAdmission struct {
	connectorID string
	conn        *websocket.Conn
	writeMu     sync.Mutex
}

type pendingEntry struct {
	stream chan protocol.Envelope // non-nil only for streaming exchanges; closed when the exchange terminates
	future chan futureResult      // non-nil only for single-slot (non-streaming) exchanges
}

type futureResult struct {
	env protocol.Envelope
	err error
}

// New creates a Server. A non-nil store selects approval-workflow mode,
// and tokens may then be nil; with a nil store, connectors are admitted
// through tokens (legacy static-token mode), which must be non-nil.
func New(cfg Config, store *connectorstore.Store, tokens *connectorstore.StaticTokenTable, r *router.Router) *Server {
	return &Server{
		cfg:               cfg.withDefaults(),
		store:             store,
		tokens:            tokens,
		router:            r,
		registrations:     make(map[string]*registration),
		pendingAdmissions: make(map[string]*pendingAdmission),
		accepting:         true,
	}
}

// StopAccepting makes future upgrade attempts fail with 503, the first
// step of graceful shutdown (spec.md §4.7).
func (s *Server) StopAccepting() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
}

// CloseAll force-closes every live socket (registered or pending).
func (s *Server) CloseAll() {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.registrations))
	for _, r := range s.registrations {
		regs = append(regs, r)
	}
	admissions := make([]*pendingAdmission, 0, len(s.pendingAdmissions))
	for _, p := range s.pendingAdmissions {
		admissions = append(admissions, p)
	}
	s.mu.Unlock()

	for _, r := range regs {
		_ = r.conn.Close()
	}
	for _, p := range admissions {
		_ = p.conn.Close()
	}
}

// InFlightCount reports how many request exchanges are currently
// in-flight across every registered connector, for the graceful-drain
// wait in C7.
func (s *Server) InFlightCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.registrations {
		r.mu.Lock()
		total += len(r.pending)
		r.mu.Unlock()
	}
	return total
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ServeHTTP upgrades the request to a WebSocket and runs the connector
// lifecycle (admission, registration, message loop, cleanup) until the
// socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	accepting := s.accepting
	s.mu.RUnlock()
	if !accepting {
		http.Error(w, "broker is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	outcome, err := s.authenticate(conn)
	if err != nil {
		slog.Warn("connector authentication failed", "error", err)
		_ = conn.Close()
		return
	}

	if outcome.pending {
		s.runPending(conn, outcome)
		return
	}
	s.runAccepted(conn, outcome)
}

type authOutcome struct {
	connectorID    string
	models         []string
	upstreamAPIKey string
	pending        bool
}

// authenticate runs step 1-2 of spec.md §4.5: read the first frame under
// T_auth, then decide admission.
func (s *Server) authenticate(conn *websocket.Conn) (authOutcome, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return authOutcome{}, fmt.Errorf("reading auth frame: %w", err)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		s.sendAuthFail(conn, "", "malformed auth frame")
		return authOutcome{}, fmt.Errorf("decoding auth frame: %w", err)
	}
	if env.Type != protocol.Auth {
		s.sendAuthFail(conn, env.ID, "expected AUTH message")
		return authOutcome{}, fmt.Errorf("expected AUTH, got %s", env.Type)
	}
	payload, err := protocol.DecodeAuth(env)
	if err != nil {
		s.sendAuthFail(conn, env.ID, "malformed auth payload")
		return authOutcome{}, fmt.Errorf("decoding auth payload: %w", err)
	}

	if s.store != nil {
		return s.admitViaStore(conn, env.ID, payload)
	}
	return s.admitViaStaticTokens(conn, env.ID, payload)
}

func (s *Server) admitViaStore(conn *websocket.Conn, authID string, payload protocol.AuthPayload) (authOutcome, error) {
	if payload.Token != "" {
		if rec := s.store.Validate(payload.Token); rec != nil {
			s.store.UpdateModels(rec.ConnectorID, payload.Models)
			s.store.TouchConnected(rec.ConnectorID)
			if err := s.sendAuthOK(conn, authID); err != nil {
				return authOutcome{}, err
			}
			return authOutcome{connectorID: rec.ConnectorID, models: payload.Models}, nil
		}
		if rec := s.store.Lookup(payload.Token); rec != nil && rec.Status == connectorstore.StatusRevoked {
			s.sendAuthFail(conn, authID, "connector has been revoked")
			return authOutcome{}, fmt.Errorf("revoked connector attempted to authenticate")
		}
	}

	rec := s.store.CreatePending(payload.Models, payload.Name)
	if err := s.sendPending(conn, authID, rec.ConnectorID); err != nil {
		return authOutcome{}, err
	}
	return authOutcome{connectorID: rec.ConnectorID, models: payload.Models, pending: true}, nil
}

func (s *Server) admitViaStaticTokens(conn *websocket.Conn, authID string, payload protocol.AuthPayload) (authOutcome, error) {
	if !s.tokens.Empty() {
		if _, ok := s.tokens.Lookup(payload.Token); !ok {
			s.sendAuthFail(conn, authID, "invalid token")
			return authOutcome{}, fmt.Errorf("invalid static token")
		}
	}
	upstreamKey, _ := s.tokens.Lookup(payload.Token)
	connectorID := "conn-" + randomHex(4)
	if err := s.sendAuthOK(conn, authID); err != nil {
		return authOutcome{}, err
	}
	return authOutcome{connectorID: connectorID, models: payload.Models, upstreamAPIKey: upstreamKey}, nil
}

func (s *Server) sendAuthOK(conn *websocket.Conn, authID string) error {
	env, err := protocol.NewAuthOK(authID, "sess-"+randomHex(8))
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, mustEncode(env))
}

func (s *Server) sendPending(conn *websocket.Conn, authID, connectorID string) error {
	env, err := protocol.NewPending(authID, connectorID, "awaiting admin approval")
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, mustEncode(env))
}

func (s *Server) sendAuthFail(conn *websocket.Conn, authID, reason string) {
	env, err := protocol.NewAuthFail(authID, reason)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, mustEncode(env))
}

func mustEncode(env protocol.Envelope) []byte {
	data, err := env.Encode()
	if err != nil {
		return nil
	}
	return data
}

// runPending handles a PENDING socket: register it so admin notifications
// can reach it, ignore everything but PONG, until it closes.
func (s *Server) runPending(conn *websocket.Conn, outcome authOutcome) {
	p := &pendingAdmission{connectorID: outcome.connectorID, conn: conn}
	s.mu.Lock()
	s.pendingAdmissions[outcome.connectorID] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingAdmissions, outcome.connectorID)
		s.mu.Unlock()
		_ = conn.Close()
		slog.Info("pending connector disconnected", "connector_id", outcome.connectorID)
	}()

	slog.Info("connector pending approval", "connector_id", outcome.connectorID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if env.Type == protocol.Pong {
			continue
		}
		// any other frame type is ignored while pending, per spec.md §4.5 step 4.
	}
}

// runAccepted registers the connector with the router, starts its ping
// loop, and runs its message loop until the socket closes.
func (s *Server) runAccepted(conn *websocket.Conn, outcome authOutcome) {
	reg := &registration{
		connectorID: outcome.connectorID,
		conn:        conn,
		connectedAt: time.Now(),
		pending:     make(map[string]*pendingEntry),
	}

	s.mu.Lock()
	s.registrations[outcome.connectorID] = reg
	s.mu.Unlock()
	s.router.OnRegistered(outcome.connectorID, outcome.models, outcome.upstreamAPIKey)
	slog.Info("connector registered", "connector_id", outcome.connectorID, "models", outcome.models)

	stopPing := make(chan struct{})
	go s.pingLoop(reg, stopPing)

	s.messageLoop(reg)

	close(stopPing)
	s.cleanupRegistration(reg)
}

func (s *Server) pingLoop(reg *registration, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env, err := protocol.NewPing("ping-" + randomHex(4))
			if err != nil {
				continue
			}
			if err := reg.write(env); err != nil {
				slog.Warn("ping failed", "connector_id", reg.connectorID, "error", err)
				return
			}
		case <-stop:
			return
		}
	}
}

func (reg *registration) write(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()
	return reg.conn.WriteMessage(websocket.TextMessage, data)
}

// messageLoop implements spec.md §4.5's ACCEPTED message loop.
func (s *Server) messageLoop(reg *registration) {
	for {
		_, data, err := reg.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Error("decoding frame from connector", "connector_id", reg.connectorID, "error", err)
			continue
		}

		switch env.Type {
		case protocol.Pong:
			// healthy; nothing to do.
		case protocol.Response:
			s.completeFuture(reg, env)
		case protocol.StreamChunk, protocol.StreamEnd:
			s.pushStream(reg, env)
		case protocol.Error:
			// ERROR is a legal terminator for EITHER exchange shape (spec.md
			// §4.1, §4.4): a non-streaming REQUEST fails outright, or a
			// streaming one fails before/mid-body. Route by the pending
			// entry's own kind rather than by frame type, mirroring the
			// original's by-slot dispatch (tunnel_server.py), so a
			// streaming ERROR reaches the queue instead of being dropped
			// as "no pending exchange" against a future that was never
			// allocated.
			s.routeError(reg, env)
		default:
			slog.Warn("unexpected frame from connector", "connector_id", reg.connectorID, "type", env.Type)
		}
	}
}

func (s *Server) routeError(reg *registration, env protocol.Envelope) {
	reg.mu.Lock()
	entry, ok := reg.pending[env.ID]
	reg.mu.Unlock()
	if !ok {
		slog.Warn("no pending exchange for error", "connector_id", reg.connectorID, "id", env.ID)
		return
	}
	if entry.stream != nil {
		s.pushStream(reg, env)
		return
	}
	s.completeFuture(reg, env)
}

func (s *Server) completeFuture(reg *registration, env protocol.Envelope) {
	reg.mu.Lock()
	entry, ok := reg.pending[env.ID]
	if ok {
		delete(reg.pending, env.ID)
	}
	reg.mu.Unlock()

	if !ok || entry.future == nil {
		slog.Warn("no pending exchange for response", "connector_id", reg.connectorID, "id", env.ID)
		return
	}
	entry.future <- futureResult{env: env}
	close(entry.future)
}

// pushStream pushes env onto the stream queue. STREAM_END and ERROR are
// both terminal (spec.md §3 "exactly one terminator"): either deletes
// the pending entry and closes the channel after delivering the
// terminating envelope, so a consumer that reads until the channel
// closes sees it and stops.
func (s *Server) pushStream(reg *registration, env protocol.Envelope) {
	terminal := env.Type == protocol.StreamEnd || env.Type == protocol.Error

	reg.mu.Lock()
	entry, ok := reg.pending[env.ID]
	if ok && terminal {
		delete(reg.pending, env.ID)
	}
	reg.mu.Unlock()

	if !ok || entry.stream == nil {
		slog.Warn("no pending stream for chunk", "connector_id", reg.connectorID, "id", env.ID)
		return
	}
	entry.stream <- env
	if terminal {
		close(entry.stream)
	}
}

// cleanupRegistration drains every pending exchange (spec.md §4.5
// "Disconnect cleanup"), unregisters from the router, and removes the
// registration.
func (s *Server) cleanupRegistration(reg *registration) {
	s.mu.Lock()
	delete(s.registrations, reg.connectorID)
	s.mu.Unlock()

	reg.mu.Lock()
	pending := reg.pending
	reg.pending = make(map[string]*pendingEntry)
	reg.mu.Unlock()

	for _, entry := range pending {
		if entry.future != nil {
			entry.future <- futureResult{err: ErrConnectorUnavailable}
			close(entry.future)
		}
		if entry.stream != nil {
			close(entry.stream)
		}
	}

	s.router.OnDisconnected(reg.connectorID)
	_ = reg.conn.Close()
	slog.Info("connector disconnected", "connector_id", reg.connectorID)
}

// IsRegistered reports whether connectorID currently has a live ACCEPTED
// registration. The HTTP edge uses this as the pre-flight "connector not
// currently ACCEPTED" check (spec.md §4.6 step 3) before attempting to
// send a request; a disconnect discovered only after that check is
// already in flight surfaces instead as SendRequest/SendRequestStream
// returning ErrConnectorUnavailable.
func (s *Server) IsRegistered(connectorID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registrations[connectorID]
	return ok
}

// SendRequest allocates a single-slot future, writes the REQUEST
// envelope, and blocks until a RESPONSE/ERROR arrives, the timeout
// elapses, or the connector disconnects.
func (s *Server) SendRequest(ctx context.Context, connectorID string, env protocol.Envelope) (protocol.Envelope, error) {
	s.mu.RLock()
	reg, ok := s.registrations[connectorID]
	s.mu.RUnlock()
	if !ok {
		return protocol.Envelope{}, ErrConnectorUnavailable
	}

	entry := &pendingEntry{future: make(chan futureResult, 1)}
	reg.mu.Lock()
	reg.pending[env.ID] = entry
	reg.mu.Unlock()

	if err := reg.write(env); err != nil {
		reg.mu.Lock()
		delete(reg.pending, env.ID)
		reg.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrConnectorUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	select {
	case result := <-entry.future:
		if result.err != nil {
			return protocol.Envelope{}, result.err
		}
		return result.env, nil
	case <-ctx.Done():
		reg.mu.Lock()
		delete(reg.pending, env.ID)
		reg.mu.Unlock()
		return protocol.Envelope{}, ErrTimeout
	}
}

// SendRequestStream allocates a queue, writes the REQUEST envelope, and
// returns a channel the caller ranges over until it closes (normal
// STREAM_END, a terminal ERROR, or disconnect drain).
func (s *Server) SendRequestStream(ctx context.Context, connectorID string, env protocol.Envelope) (<-chan protocol.Envelope, error) {
	s.mu.RLock()
	reg, ok := s.registrations[connectorID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConnectorUnavailable
	}

	entry := &pendingEntry{stream: make(chan protocol.Envelope, 64)}
	reg.mu.Lock()
	reg.pending[env.ID] = entry
	reg.mu.Unlock()

	if err := reg.write(env); err != nil {
		reg.mu.Lock()
		delete(reg.pending, env.ID)
		reg.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrConnectorUnavailable, err)
	}

	return entry.stream, nil
}

// NotifyApproval finds the pending admission socket for connectorID,
// sends APPROVED, and closes the socket so the connector reconnects with
// its new key.
func (s *Server) NotifyApproval(connectorID, apiKey string) bool {
	s.mu.Lock()
	p, ok := s.pendingAdmissions[connectorID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	env, err := protocol.NewApproved("approved-"+randomHex(4), apiKey)
	if err != nil {
		return false
	}
	p.writeMu.Lock()
	_ = p.conn.WriteMessage(websocket.TextMessage, mustEncode(env))
	p.writeMu.Unlock()
	_ = p.conn.Close()
	return true
}

// NotifyRevoke finds the ACCEPTED registration or pending admission for
// connectorID and closes it, sending REVOKED first if it was ACCEPTED.
func (s *Server) NotifyRevoke(connectorID, reason string) bool {
	s.mu.Lock()
	reg, regOK := s.registrations[connectorID]
	p, pendingOK := s.pendingAdmissions[connectorID]
	s.mu.Unlock()

	if regOK {
		env, err := protocol.NewRevoked("revoked-"+randomHex(4), reason)
		if err == nil {
			_ = reg.write(env)
		}
		_ = reg.conn.Close()
		return true
	}
	if pendingOK {
		_ = p.conn.Close()
		return true
	}
	return false
}
