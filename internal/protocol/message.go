// Package protocol defines the wire format shared by the broker and the
// connector: a tagged-union envelope carried one JSON document per text
// frame over the duplex socket between them.
//
// Every envelope belongs to exactly one logical exchange, identified by
// its ID. Request/response exchanges are one-shot; streaming exchanges
// are one REQUEST followed by zero or more STREAM_CHUNK and exactly one
// terminator (STREAM_END or ERROR).
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Type is the message's position in the tagged union.
type Type string

const (
	// Connector → Broker
	Auth        Type = "AUTH"
	Response    Type = "RESPONSE"
	StreamChunk Type = "STREAM_CHUNK"
	StreamEnd   Type = "STREAM_END"

	// Broker → Connector
	AuthOK   Type = "AUTH_OK"
	AuthFail Type = "AUTH_FAIL"
	Pending  Type = "PENDING"
	Approved Type = "APPROVED"
	Revoked  Type = "REVOKED"
	Request  Type = "REQUEST"
	Cancel   Type = "CANCEL"

	// Either direction
	Error Type = "ERROR"
	Ping  Type = "PING"
	Pong  Type = "PONG"
)

// Envelope is the base frame format: {type, id, payload}. Payload is kept
// as raw JSON until the receiver knows, from Type, which concrete struct
// to decode it into — the Go analogue of a second pydantic validation
// pass over an untyped dict.
type Envelope struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope as a single JSON document — one text
// frame, no length prefix or fragmentation beyond what the socket layer
// provides.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a single text frame into an Envelope. It does not
// validate the payload against Type — call the matching DecodeXxx
// function (DecodeAuth, DecodeRequest, ...) for that.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return e, nil
}

// newEnvelope marshals payload into an Envelope of the given type.
func newEnvelope(t Type, id string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, ID: id, Payload: raw}, nil
}

// --- Payload schemas (spec.md §4.1) ---

// AuthPayload is sent AUTH (connector → broker) as the first frame.
type AuthPayload struct {
	Token            string   `json:"token,omitempty"`
	Name             string   `json:"name,omitempty"`
	Models           []string `json:"models"`
	ConnectorVersion string   `json:"connector_version"`
}

// AuthOKPayload accompanies AUTH_OK.
type AuthOKPayload struct {
	SessionID string `json:"session_id"`
}

// AuthFailPayload accompanies AUTH_FAIL; the broker closes the socket
// immediately after sending it.
type AuthFailPayload struct {
	Error string `json:"error"`
}

// PendingPayload accompanies PENDING — the connector is awaiting admin
// approval; the socket stays open.
type PendingPayload struct {
	ConnectorID string `json:"connector_id"`
	Message     string `json:"message"`
}

// ApprovedPayload accompanies APPROVED — the connector should persist the
// key, disconnect, and reconnect with it.
type ApprovedPayload struct {
	APIKey string `json:"api_key"`
}

// RevokedPayload accompanies REVOKED — the connector should clear its
// saved key and disconnect.
type RevokedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RequestPayload initiates an exchange (broker → connector).
type RequestPayload struct {
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"` // base64
	UpstreamAPIKey string            `json:"upstream_api_key,omitempty"`
}

// ResponsePayload terminates a non-streaming exchange (connector → broker).
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64
}

// StreamChunkPayload carries incremental opaque bytes (typically SSE
// text produced by the upstream LLM).
type StreamChunkPayload struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
}

// StreamEndPayload is the normal terminator of a streaming exchange. It
// carries no fields, but is kept as a distinct type for symmetry with
// the other terminators and to leave room for future fields.
type StreamEndPayload struct{}

// ErrorPayload is a terminal error for an exchange, sent by either side.
type ErrorPayload struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// --- Constructors (one per message type, mirroring the original's
// create_*_message helpers) ---

func NewAuth(id, token, name string, models []string, connectorVersion string) (Envelope, error) {
	return newEnvelope(Auth, id, AuthPayload{
		Token: token, Name: name, Models: models, ConnectorVersion: connectorVersion,
	})
}

func NewAuthOK(id, sessionID string) (Envelope, error) {
	return newEnvelope(AuthOK, id, AuthOKPayload{SessionID: sessionID})
}

func NewAuthFail(id, reason string) (Envelope, error) {
	return newEnvelope(AuthFail, id, AuthFailPayload{Error: reason})
}

func NewPending(id, connectorID, message string) (Envelope, error) {
	return newEnvelope(Pending, id, PendingPayload{ConnectorID: connectorID, Message: message})
}

func NewApproved(id, apiKey string) (Envelope, error) {
	return newEnvelope(Approved, id, ApprovedPayload{APIKey: apiKey})
}

func NewRevoked(id, reason string) (Envelope, error) {
	return newEnvelope(Revoked, id, RevokedPayload{Reason: reason})
}

func NewRequest(id string, p RequestPayload) (Envelope, error) {
	return newEnvelope(Request, id, p)
}

func NewResponse(id string, status int, headers map[string]string, body string) (Envelope, error) {
	return newEnvelope(Response, id, ResponsePayload{Status: status, Headers: headers, Body: body})
}

func NewStreamChunk(id, chunk string, done bool) (Envelope, error) {
	return newEnvelope(StreamChunk, id, StreamChunkPayload{Chunk: chunk, Done: done})
}

func NewStreamEnd(id string) (Envelope, error) {
	return newEnvelope(StreamEnd, id, StreamEndPayload{})
}

func NewError(id string, status int, errMsg, code string) (Envelope, error) {
	return newEnvelope(Error, id, ErrorPayload{Status: status, Error: errMsg, Code: code})
}

func NewPing(id string) (Envelope, error) {
	return newEnvelope(Ping, id, struct{}{})
}

func NewPong(id string) (Envelope, error) {
	return newEnvelope(Pong, id, struct{}{})
}

func NewCancel(id string) (Envelope, error) {
	return newEnvelope(Cancel, id, struct{}{})
}

// DecodeAuth decodes the payload of an AUTH envelope.
func DecodeAuth(e Envelope) (AuthPayload, error) {
	var p AuthPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeAuthOK decodes the payload of an AUTH_OK envelope.
func DecodeAuthOK(e Envelope) (AuthOKPayload, error) {
	var p AuthOKPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeAuthFail decodes the payload of an AUTH_FAIL envelope.
func DecodeAuthFail(e Envelope) (AuthFailPayload, error) {
	var p AuthFailPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodePending decodes the payload of a PENDING envelope.
func DecodePending(e Envelope) (PendingPayload, error) {
	var p PendingPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeApproved decodes the payload of an APPROVED envelope.
func DecodeApproved(e Envelope) (ApprovedPayload, error) {
	var p ApprovedPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeRevoked decodes the payload of a REVOKED envelope.
func DecodeRevoked(e Envelope) (RevokedPayload, error) {
	var p RevokedPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeRequest decodes the payload of a REQUEST envelope.
func DecodeRequest(e Envelope) (RequestPayload, error) {
	var p RequestPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeResponse decodes the payload of a RESPONSE envelope.
func DecodeResponse(e Envelope) (ResponsePayload, error) {
	var p ResponsePayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeStreamChunk decodes the payload of a STREAM_CHUNK envelope.
func DecodeStreamChunk(e Envelope) (StreamChunkPayload, error) {
	var p StreamChunkPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// DecodeError decodes the payload of an ERROR envelope.
func DecodeError(e Envelope) (ErrorPayload, error) {
	var p ErrorPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// EncodeRequestBody base64-encodes a raw request/response body for
// carriage in a RequestPayload.Body or ResponsePayload.Body field, which
// must stay valid UTF-8 JSON string content regardless of the body's
// actual bytes.
func EncodeRequestBody(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeRequestBody reverses EncodeRequestBody.
func DecodeRequestBody(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 body: %w", err)
	}
	return raw, nil
}
