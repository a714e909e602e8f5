package edge

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/protocol"
	"github.com/ctrlai/remotellm/internal/router"
	"github.com/ctrlai/remotellm/internal/transport"
)

// testRig wires a real transport.Server, router, and edge.Server together,
// with a connected fake connector socket the test can script.
type testRig struct {
	t        *testing.T
	router   *router.Router
	wsServer *httptest.Server
	edge     *Server
	conn     *websocket.Conn
}

func newTestRig(t *testing.T, models []string) *testRig {
	t.Helper()
	tokens, err := connectorstore.NewStaticTokenTable("")
	if err != nil {
		t.Fatal(err)
	}
	r := router.New()
	tr := transport.New(transport.Config{
		AuthTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
	}, nil, tokens, r)
	wsServer := httptest.NewServer(tr)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(wsServer.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dialing test connector socket: %v", err)
	}

	authEnv, err := protocol.NewAuth("a1", "any-token", "box", models, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(authEnv); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading auth response: %v", err)
	}
	resp, err := protocol.Decode(data)
	if err != nil || resp.Type != protocol.AuthOK {
		t.Fatalf("expected AUTH_OK, got %+v err=%v", resp, err)
	}

	es := New(Options{Router: r, Transport: tr, RequestTimeout: 2 * time.Second})

	rig := &testRig{t: t, router: r, wsServer: wsServer, edge: es, conn: conn}
	t.Cleanup(func() {
		conn.Close()
		wsServer.Close()
	})
	// Give the registration goroutine a moment to update the router.
	waitForRoute(t, r, models)
	return rig
}

func waitForRoute(t *testing.T, r *router.Router, models []string) {
	t.Helper()
	if len(models) == 0 {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.GetRoute(models[0]); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("model %s never appeared in router", models[0])
}

// readRequest reads one REQUEST frame from the rig's connector socket
// and returns the decoded envelope.
func (rig *testRig) readRequest() protocol.Envelope {
	rig.t.Helper()
	_, data, err := rig.conn.ReadMessage()
	if err != nil {
		rig.t.Fatalf("reading request frame: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		rig.t.Fatalf("decoding request frame: %v", err)
	}
	return env
}

func (rig *testRig) send(env protocol.Envelope) {
	rig.t.Helper()
	if err := rig.conn.WriteJSON(env); err != nil {
		rig.t.Fatalf("writing frame: %v", err)
	}
}

func TestChatCompletionsHappyPath(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	go func() {
		req := rig.readRequest()
		body, _ := protocol.NewResponse(req.ID, 200, map[string]string{"Content-Type": "application/json"}, protocol.EncodeRequestBody([]byte(`{"ok":true}`)))
		rig.send(body)
	}()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `"ok":true`) {
		t.Fatalf("unexpected body: %s", data)
	}
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"nonexistent"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
	var body struct {
		Error apiError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "model_not_found" {
		t.Fatalf("want model_not_found, got %s", body.Error.Code)
	}
}

func TestChatCompletionsMissingModel(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	go func() {
		req := rig.readRequest()
		chunk1, _ := protocol.NewStreamChunk(req.ID, "data: {\"delta\":\"hi\"}\n\n", false)
		rig.send(chunk1)
		chunk2, _ := protocol.NewStreamChunk(req.ID, "data: [DONE]\n\n", true)
		rig.send(chunk2)
		end, _ := protocol.NewStreamEnd(req.ID)
		rig.send(end)
	}()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m1","stream":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("want text/event-stream, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "hi") || !strings.Contains(joined, "[DONE]") {
		t.Fatalf("unexpected stream body: %q", joined)
	}
}

func TestChatCompletionsStreamingErrorTerminator(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	go func() {
		req := rig.readRequest()
		// Upstream returned a non-2xx before any body bytes: the
		// connector's sole reply is ERROR, with no STREAM_CHUNK or
		// STREAM_END (spec.md §4.4, §4.6 step 5).
		errEnv, _ := protocol.NewError(req.ID, 502, "bad gateway from llm", "llm_error")
		rig.send(errEnv)
	}()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m1","stream":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 (SSE framing already committed), got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("want text/event-stream, got %s", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading stream body: %v", err)
	}
	if !strings.Contains(string(body), "bad gateway from llm") || !strings.Contains(string(body), "llm_error") {
		t.Fatalf("want one data: line carrying the error, got %q", string(body))
	}
	if strings.Count(string(body), "data:") != 1 {
		t.Fatalf("want exactly one SSE data line (the error terminator), got %q", string(body))
	}
}

func TestChatCompletionsConnectorDisconnectsMidRequest(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	go func() {
		rig.readRequest()
		// Disappear instead of answering: the in-flight exchange should
		// surface as a 502, not hang or panic.
		rig.conn.Close()
	}()

	resp, err := http.Post(httpSrv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"m1"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502 when the connector disconnects mid-request, got %d", resp.StatusCode)
	}
}

func TestModelsList(t *testing.T) {
	rig := newTestRig(t, []string{"m1", "m2"})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var body struct {
		Data []modelEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 2 {
		t.Fatalf("want 2 models, got %d", len(body.Data))
	}
}

func TestUserAuthRejectsMissingBearer(t *testing.T) {
	rig := newTestRig(t, []string{"m1"})
	rig.edge = New(Options{Router: rig.router, Transport: rig.edge.transport, UserAPIKeys: []string{"secret"}})
	mux := http.NewServeMux()
	rig.edge.Register(mux)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}
