// Package edge implements the broker's end-user HTTP surface (spec.md
// §4.6): an OpenAI-compatible /v1/chat/completions and /v1/models that
// translate user HTTP requests into transport REQUEST envelopes and
// translate RESPONSE/STREAM_CHUNK/ERROR envelopes back into an HTTP
// reply or an SSE stream.
package edge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/exchangelog"
	"github.com/ctrlai/remotellm/internal/protocol"
	"github.com/ctrlai/remotellm/internal/router"
	"github.com/ctrlai/remotellm/internal/transport"
)

// hopByHop headers are never copied between the user request/response
// and the relayed REQUEST/RESPONSE envelopes.
var hopByHop = map[string]bool{
	"host":              true,
	"connection":        true,
	"authorization":     true,
	"transfer-encoding": true,
	"content-length":    true,
}

// Server is the broker's HTTP edge. One instance serves every end-user
// request for the process.
type Server struct {
	router      *router.Router
	transport   *transport.Server
	store       *connectorstore.Store // may be nil (legacy static-token mode)
	exchangeLog *exchangelog.Log      // may be nil (no-op)
	userKeys    map[string]bool
	brand       string
	timeout     time.Duration
}

// Options configures a new Server.
type Options struct {
	Router         *router.Router
	Transport      *transport.Server
	Store          *connectorstore.Store
	ExchangeLog    *exchangelog.Log
	UserAPIKeys    []string
	Brand          string
	RequestTimeout time.Duration
}

// New creates a Server from opts.
func New(opts Options) *Server {
	keys := make(map[string]bool, len(opts.UserAPIKeys))
	for _, k := range opts.UserAPIKeys {
		keys[k] = true
	}
	brand := opts.Brand
	if brand == "" {
		brand = "remotellm"
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Server{
		router:      opts.Router,
		transport:   opts.Transport,
		store:       opts.Store,
		exchangeLog: opts.ExchangeLog,
		userKeys:    keys,
		brand:       brand,
		timeout:     timeout,
	}
}

// Register mounts the edge's routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
}

// apiError is the error envelope shape required by spec.md §4.6/§7.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func errorType(code string) string {
	switch code {
	case "invalid_api_key":
		return "authentication_error"
	case "missing_model", "model_not_found":
		return "invalid_request_error"
	case "timeout":
		return "timeout_error"
	default:
		return "api_error"
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error apiError `json:"error"`
	}{apiError{Message: message, Type: errorType(code), Code: code}})
}

// authenticateUser checks the Authorization: Bearer header against the
// configured user-key set. An empty set disables authentication.
func (s *Server) authenticateUser(r *http.Request) bool {
	if len(s.userKeys) == 0 {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return s.userKeys[token]
}

func newCorrelationID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "req-" + hex.EncodeToString(buf)
}

// chatRequest is the subset of the OpenAI-compatible request body the
// edge needs to read; everything else is forwarded opaquely.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func passthroughHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateUser(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing API key", "invalid_api_key")
		return
	}

	correlationID := newCorrelationID()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read request body", "missing_model")
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		// spec.md §4.6 step 2: a parse failure also yields missing_model,
		// since model cannot be read from an unparseable body.
		writeError(w, http.StatusBadRequest, "request body must include a \"model\" field", "missing_model")
		return
	}

	route, ok := s.router.GetRoute(req.Model)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model '%s' not found", req.Model), "model_not_found")
		return
	}
	if !s.transport.IsRegistered(route.ConnectorID) {
		writeError(w, http.StatusServiceUnavailable, "connector for this model is not connected", "connector_unavailable")
		return
	}

	env, err := protocol.NewRequest(correlationID, protocol.RequestPayload{
		Method:         r.Method,
		Path:           "/v1/chat/completions",
		Headers:        passthroughHeaders(r.Header),
		Body:           protocol.EncodeRequestBody(body),
		UpstreamAPIKey: route.UpstreamAPIKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build relay request", "internal_error")
		return
	}

	if req.Stream {
		s.handleStreaming(w, r.Context(), correlationID, route, req.Model, env, start)
		return
	}
	s.handleUnary(w, r.Context(), correlationID, route, req.Model, env, start)
}

func (s *Server) handleUnary(w http.ResponseWriter, ctx context.Context, correlationID string, route router.Route, model string, env protocol.Envelope, start time.Time) {
	resp, err := s.transport.SendRequest(ctx, route.ConnectorID, env)
	status := s.translateUnary(w, err, resp)
	if s.store != nil {
		s.store.TouchUsed(route.ConnectorID)
	}
	s.logExchange(correlationID, model, route.ConnectorID, status, false, start, err)
}

func (s *Server) translateUnary(w http.ResponseWriter, err error, resp protocol.Envelope) int {
	if err != nil {
		return s.writeTransportError(w, err)
	}

	switch resp.Type {
	case protocol.Response:
		payload, decErr := protocol.DecodeResponse(resp)
		if decErr != nil {
			writeError(w, http.StatusInternalServerError, "malformed response from connector", "internal_error")
			return http.StatusInternalServerError
		}
		raw, decErr := protocol.DecodeRequestBody(payload.Body)
		if decErr != nil {
			writeError(w, http.StatusInternalServerError, "malformed response body from connector", "internal_error")
			return http.StatusInternalServerError
		}
		for k, v := range payload.Headers {
			if hopByHop[strings.ToLower(k)] {
				continue
			}
			w.Header().Set(k, v)
		}
		w.WriteHeader(payload.Status)
		_, _ = w.Write(raw)
		return payload.Status

	case protocol.Error:
		payload, decErr := protocol.DecodeError(resp)
		if decErr != nil {
			writeError(w, http.StatusInternalServerError, "malformed error from connector", "internal_error")
			return http.StatusInternalServerError
		}
		status := payload.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeError(w, status, payload.Error, payload.Code)
		return status

	default:
		writeError(w, http.StatusInternalServerError, "unexpected reply from connector", "internal_error")
		return http.StatusInternalServerError
	}
}

// writeTransportError maps a transport-layer error (timeout or
// disconnect) to the HTTP status table in spec.md §7.
func (s *Server) writeTransportError(w http.ResponseWriter, err error) int {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for connector", "timeout")
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrConnectorUnavailable):
		writeError(w, http.StatusBadGateway, "connector disconnected", "connector_unavailable")
		return http.StatusBadGateway
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "internal_error")
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStreaming(w http.ResponseWriter, ctx context.Context, correlationID string, route router.Route, model string, env protocol.Envelope, start time.Time) {
	stream, err := s.transport.SendRequestStream(ctx, route.ConnectorID, env)
	if err != nil {
		status := s.writeTransportError(w, err)
		s.logExchange(correlationID, model, route.ConnectorID, status, true, start, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "internal_error")
		s.logExchange(correlationID, model, route.ConnectorID, http.StatusInternalServerError, true, start, fmt.Errorf("response writer does not support flushing"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := http.StatusOK
	var streamErr error
	for {
		select {
		case chunkEnv, open := <-stream:
			if !open {
				// Connector disconnected mid-stream: drained to an empty
				// close by the transport layer's disconnect cleanup.
				streamErr = transport.ErrConnectorUnavailable
				goto done
			}
			switch chunkEnv.Type {
			case protocol.StreamChunk:
				payload, decErr := protocol.DecodeStreamChunk(chunkEnv)
				if decErr != nil {
					continue
				}
				if payload.Chunk != "" {
					_, _ = io.WriteString(w, payload.Chunk)
					flusher.Flush()
				}
			case protocol.StreamEnd:
				goto done
			case protocol.Error:
				payload, decErr := protocol.DecodeError(chunkEnv)
				if decErr == nil {
					writeSSEError(w, payload)
					flusher.Flush()
					status = payload.Status
					streamErr = fmt.Errorf("%s: %s", payload.Code, payload.Error)
				}
				goto done
			}
		case <-ctx.Done():
			streamErr = transport.ErrTimeout
			goto done
		}
	}
done:
	if s.store != nil {
		s.store.TouchUsed(route.ConnectorID)
	}
	s.logExchange(correlationID, model, route.ConnectorID, status, true, start, streamErr)
}

func writeSSEError(w http.ResponseWriter, payload protocol.ErrorPayload) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(struct {
		Error apiError `json:"error"`
	}{apiError{Message: payload.Error, Type: errorType(payload.Code), Code: payload.Code}})
	fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(buf.String()))
}

func (s *Server) logExchange(correlationID, model, connectorID string, status int, streamed bool, start time.Time, err error) {
	if s.exchangeLog == nil {
		return
	}
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	s.exchangeLog.Record(exchangelog.Entry{
		CorrelationID: correlationID,
		Model:         model,
		ConnectorID:   connectorID,
		Status:        status,
		Streamed:      streamed,
		DurationMs:    time.Since(start).Milliseconds(),
		Timestamp:     start,
		Err:           errStr,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateUser(r) {
		writeError(w, http.StatusUnauthorized, "invalid or missing API key", "invalid_api_key")
		return
	}

	models := s.router.ListModels()
	data := make([]modelEntry, 0, len(models))
	now := time.Now().Unix()
	for _, m := range models {
		data = append(data, modelEntry{ID: m, Object: "model", Created: now, OwnedBy: s.brand})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: data})
}
