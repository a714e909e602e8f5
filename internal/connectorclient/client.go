// Package connectorclient implements the connector's half of the relay:
// a persistent outbound WebSocket to the broker that authenticates,
// survives disconnects with backoff, and dispatches relayed requests to
// the local LLM client.
package connectorclient

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/remotellm/internal/llmclient"
	"github.com/ctrlai/remotellm/internal/protocol"
)

// State is a position in the connector's connection lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StatePending        State = "pending"
	StateReconnecting   State = "reconnecting"
)

// Config carries every tunable the connector reads from its config file.
type Config struct {
	BrokerURL          string
	BrokerToken        string
	CredentialsFile    string
	Models             []string
	DisplayName        string
	ConnectorVersion   string
	UpstreamAPIKey     string // fallback injected when a REQUEST carries none
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	KeepaliveInterval  time.Duration
	AuthTimeout        time.Duration
	ConnectTimeout     time.Duration
	UpstreamTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 300 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 60 * time.Second
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 300 * time.Second
	}
	return c
}

// credentials is the on-disk shape of the credentials file.
type credentials struct {
	Token string `yaml:"token"`
}

// Client is the connector's tunnel client: one instance per connector
// process, driving a single logical connection to the broker across
// reconnects.
type Client struct {
	cfg Config
	llm *llmclient.Client

	mu          sync.Mutex
	state       State
	token       string
	conn        *websocket.Conn
	writeMu     sync.Mutex // single-writer discipline for the socket
	sessionID   string
	pendingID   string // connector_id while in PENDING
	attempt     int
	running     bool
	keepaliveCh chan struct{}
}

// New creates a Client. llm is the local LLM collaborator invoked for
// each relayed REQUEST.
func New(cfg Config, llm *llmclient.Client) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, llm: llm, state: StateDisconnected, token: cfg.BrokerToken}
	if cfg.CredentialsFile != "" {
		if tok, err := loadCredentials(cfg.CredentialsFile); err == nil && tok != "" {
			c.token = tok
		}
	}
	return c
}

func loadCredentials(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var creds credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return "", err
	}
	return creds.Token, nil
}

func (c *Client) saveCredentials(token string) {
	if c.cfg.CredentialsFile == "" {
		return
	}
	data, err := yaml.Marshal(credentials{Token: token})
	if err != nil {
		slog.Error("marshaling credentials", "error", err)
		return
	}
	if dir := filepath.Dir(c.cfg.CredentialsFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			slog.Error("creating credentials directory", "error", err)
			return
		}
	}
	if err := os.WriteFile(c.cfg.CredentialsFile, data, 0o600); err != nil {
		slog.Error("writing credentials file", "path", c.cfg.CredentialsFile, "error", err)
	}
}

func (c *Client) deleteCredentials() {
	if c.cfg.CredentialsFile == "" {
		return
	}
	if err := os.Remove(c.cfg.CredentialsFile); err != nil && !os.IsNotExist(err) {
		slog.Error("removing credentials file", "path", c.cfg.CredentialsFile, "error", err)
	}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connection loop: connect, authenticate, serve messages,
// and reconnect with backoff on any failure, until ctx is canceled or
// Stop is called. Reconnection is infinite.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}

		ok := c.connectAndAuthenticate(ctx)
		if !ok {
			if !c.sleepBeforeRetry(ctx) {
				return
			}
			continue
		}

		c.attempt = 0
		stopKeepalive := c.startKeepalive(ctx)
		c.messageLoop(ctx)
		stopKeepalive()

		c.setState(StateDisconnected)
		c.closeConn()
		if !c.sleepBeforeRetry(ctx) {
			return
		}
	}
}

// Stop ends the connection loop and closes any live socket.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.closeConn()
	c.setState(StateDisconnected)
	slog.Info("connector tunnel client stopped")
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// backoffDelay computes the reconnect delay for the given attempt number
// (1-indexed) per spec.md §4.4: base * 2^min(attempt-1, 10), capped at
// max, plus up to 25% jitter. jitterFrac must be in [0, 1] — callers pass
// a random draw; tests pass fixed values to check the un-jittered floor
// and the capped ceiling.
func backoffDelay(base, max time.Duration, attempt int, jitterFrac float64) time.Duration {
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	if shift < 0 {
		shift = 0
	}
	delay := base * time.Duration(1<<uint(shift))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(jitterFrac * 0.25 * float64(delay))
	return delay + jitter
}

func (c *Client) sleepBeforeRetry(ctx context.Context) bool {
	c.setState(StateReconnecting)
	c.attempt++

	delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.attempt, rand.Float64())

	slog.Info("reconnecting to broker", "attempt", c.attempt, "delay", delay)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) connectAndAuthenticate(ctx context.Context) bool {
	c.setState(StateConnecting)
	slog.Info("connecting to broker", "url", c.cfg.BrokerURL)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.BrokerURL, nil)
	if err != nil {
		slog.Error("connection to broker failed", "error", err)
		c.setState(StateDisconnected)
		return false
	}

	c.mu.Lock()
	c.conn = conn
	token := c.token
	c.mu.Unlock()

	c.setState(StateAuthenticating)

	authID := "auth-" + randomHex(4)
	env, err := protocol.NewAuth(authID, token, c.cfg.DisplayName, c.cfg.Models, c.cfg.ConnectorVersion)
	if err != nil {
		slog.Error("building auth frame", "error", err)
		_ = conn.Close()
		return false
	}
	if err := c.writeEnvelope(env); err != nil {
		slog.Error("sending auth frame", "error", err)
		_ = conn.Close()
		return false
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout))
	_, data, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		slog.Error("authentication timed out or failed", "error", err)
		c.setState(StateDisconnected)
		_ = conn.Close()
		return false
	}

	resp, err := protocol.Decode(data)
	if err != nil {
		slog.Error("decoding auth response", "error", err)
		c.setState(StateDisconnected)
		_ = conn.Close()
		return false
	}

	switch resp.Type {
	case protocol.AuthOK:
		payload, err := protocol.DecodeAuthOK(resp)
		if err != nil {
			c.setState(StateDisconnected)
			_ = conn.Close()
			return false
		}
		c.mu.Lock()
		c.sessionID = payload.SessionID
		c.pendingID = ""
		c.mu.Unlock()
		c.setState(StateConnected)
		slog.Info("connected to broker", "session_id", payload.SessionID)
		return true

	case protocol.Pending:
		payload, err := protocol.DecodePending(resp)
		if err != nil {
			c.setState(StateDisconnected)
			_ = conn.Close()
			return false
		}
		c.mu.Lock()
		c.pendingID = payload.ConnectorID
		c.mu.Unlock()
		c.setState(StatePending)
		slog.Info("connector pending approval", "connector_id", payload.ConnectorID, "message", payload.Message)
		return true

	case protocol.AuthFail:
		payload, _ := protocol.DecodeAuthFail(resp)
		slog.Error("broker rejected authentication", "error", payload.Error)
		c.setState(StateDisconnected)
		_ = conn.Close()
		return false

	default:
		slog.Error("unexpected auth response", "type", resp.Type)
		c.setState(StateDisconnected)
		_ = conn.Close()
		return false
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = crand.Read(buf)
	return hex.EncodeToString(buf)
}

func (c *Client) writeEnvelope(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected to broker")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) startKeepalive(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				state := c.State()
				if state != StateConnected && state != StatePending {
					return
				}
				env, err := protocol.NewPing("ping-" + randomHex(4))
				if err != nil {
					continue
				}
				if err := c.writeEnvelope(env); err != nil {
					slog.Warn("keepalive ping failed", "error", err)
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}

// messageLoop reads frames off the current socket until it closes or
// ctx is canceled.
func (c *Client) messageLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("broker connection closed", "error", err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			slog.Error("decoding frame from broker", "error", err)
			continue
		}

		if c.handleFrame(ctx, env) {
			return
		}
	}
}

// handleFrame processes one decoded frame and returns true if the
// connection should be torn down (APPROVED/REVOKED reconnect-now cases).
func (c *Client) handleFrame(ctx context.Context, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.Request:
		go c.handleRequest(ctx, env)
		return false

	case protocol.Ping:
		pong, err := protocol.NewPong(env.ID)
		if err == nil {
			_ = c.writeEnvelope(pong)
		}
		return false

	case protocol.Pong:
		slog.Debug("received keepalive pong", "id", env.ID)
		return false

	case protocol.Cancel:
		slog.Info("received cancel", "id", env.ID)
		return false

	case protocol.Approved:
		payload, err := protocol.DecodeApproved(env)
		if err != nil {
			return false
		}
		slog.Info("connector approved", "connector_id", c.pendingID)
		c.mu.Lock()
		c.token = payload.APIKey
		c.pendingID = ""
		c.mu.Unlock()
		c.saveCredentials(payload.APIKey)
		c.attempt = 0
		return true

	case protocol.Revoked:
		payload, err := protocol.DecodeRevoked(env)
		reason := ""
		if err == nil {
			reason = payload.Reason
		}
		slog.Warn("connector revoked", "reason", reason)
		c.deleteCredentials()
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return true

	default:
		slog.Warn("unexpected frame type from broker", "type", env.Type)
		return false
	}
}

func (c *Client) handleRequest(ctx context.Context, env protocol.Envelope) {
	req, err := protocol.DecodeRequest(env)
	if err != nil {
		slog.Error("decoding request frame", "error", err)
		return
	}

	if isStreamingRequest(req.Body) {
		c.handleStreamingRequest(ctx, env.ID, req)
		return
	}
	c.handleUnaryRequest(ctx, env.ID, req)
}

// resolveUpstreamKey prefers the key the broker injected for this
// exchange (relevant in legacy static-token mode, where the broker holds
// a per-token upstream key); it falls back to the connector's own
// configured upstream_api_key when the broker didn't supply one.
func (c *Client) resolveUpstreamKey(fromRequest string) string {
	if fromRequest != "" {
		return fromRequest
	}
	return c.cfg.UpstreamAPIKey
}

func isStreamingRequest(b64Body string) bool {
	raw, err := protocol.DecodeRequestBody(b64Body)
	if err != nil {
		return false
	}
	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Stream
}

func (c *Client) handleUnaryRequest(ctx context.Context, id string, req protocol.RequestPayload) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	body, err := protocol.DecodeRequestBody(req.Body)
	if err != nil {
		c.sendError(id, 500, err.Error(), "internal_error")
		return
	}

	status, headers, respBody, err := c.llm.Forward(ctx, req.Method, req.Path, req.Headers, body, c.resolveUpstreamKey(req.UpstreamAPIKey))
	if err != nil {
		c.sendError(id, 504, err.Error(), "timeout")
		return
	}

	env, err := protocol.NewResponse(id, status, headers, protocol.EncodeRequestBody(respBody))
	if err != nil {
		slog.Error("building response frame", "error", err)
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		slog.Warn("sending response frame failed", "error", err)
	}
}

func (c *Client) handleStreamingRequest(ctx context.Context, id string, req protocol.RequestPayload) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	body, err := protocol.DecodeRequestBody(req.Body)
	if err != nil {
		c.sendError(id, 500, err.Error(), "internal_error")
		return
	}

	startSent := false
	err = c.llm.ForwardStream(ctx, req.Method, req.Path, req.Headers, body, c.resolveUpstreamKey(req.UpstreamAPIKey),
		func(sr llmclient.StreamResult) error {
			if sr.Status < 200 || sr.Status >= 300 {
				c.sendError(id, sr.Status, "upstream returned a non-2xx status", "llm_error")
				return errStreamAborted
			}
			startSent = true
			return nil
		},
		func(chunk []byte) error {
			env, err := protocol.NewStreamChunk(id, utf8Replace(chunk), false)
			if err != nil {
				return err
			}
			return c.writeEnvelope(env)
		},
	)
	if err != nil {
		if err == errStreamAborted {
			return
		}
		if !startSent {
			c.sendError(id, 502, err.Error(), "connector_unavailable")
			return
		}
		slog.Warn("streaming from llm failed mid-stream", "error", err)
		return
	}

	env, err := protocol.NewStreamEnd(id)
	if err == nil {
		_ = c.writeEnvelope(env)
	}
}

var errStreamAborted = fmt.Errorf("stream aborted after non-2xx upstream status")

// utf8Replace mirrors the original's bytes.decode("utf-8", errors="replace"):
// invalid sequences become the Unicode replacement character rather than
// failing the whole chunk.
func utf8Replace(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

func (c *Client) sendError(id string, status int, message, code string) {
	env, err := protocol.NewError(id, status, message, code)
	if err != nil {
		return
	}
	if err := c.writeEnvelope(env); err != nil {
		slog.Warn("sending error frame failed", "error", err)
	}
}
