package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/protocol"
	"github.com/ctrlai/remotellm/internal/router"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing test server: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func TestStaticTokenAdmissionAcceptsAnyTokenWhenTableEmpty(t *testing.T) {
	tokens, err := connectorstore.NewStaticTokenTable("")
	if err != nil {
		t.Fatal(err)
	}
	// An empty static token table means auth is disabled, so any token is
	// admitted: the common legacy configuration this mode is grounded on.
	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, nil, tokens, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()

	authEnv, err := protocol.NewAuth("a1", "any-token", "box", []string{"m1"}, "1.0")
	if err != nil {
		t.Fatal(err)
	}
	writeEnvelope(t, conn, authEnv)

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.AuthOK {
		t.Fatalf("want AUTH_OK with empty static token table, got %s", resp.Type)
	}
}

func TestUnknownTokenEntersPendingInStoreMode(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()

	authEnv, _ := protocol.NewAuth("a1", "", "laptop", []string{"m1"}, "1.0")
	writeEnvelope(t, conn, authEnv)

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.Pending {
		t.Fatalf("want PENDING for an unrecognized token, got %s", resp.Type)
	}
	payload, err := protocol.DecodePending(resp)
	if err != nil {
		t.Fatal(err)
	}
	if payload.ConnectorID == "" {
		t.Fatal("expected a connector_id to be assigned")
	}

	rec, err := store.GetByID(payload.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != connectorstore.StatusPending {
		t.Fatalf("want pending record, got %s", rec.Status)
	}
}

func TestApprovedTokenRegistersAndRoutes(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()

	authEnv, _ := protocol.NewAuth("a1", key, "box", []string{"m1"}, "1.0")
	writeEnvelope(t, conn, authEnv)

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.AuthOK {
		t.Fatalf("want AUTH_OK for an approved key, got %s", resp.Type)
	}

	// Give the server goroutine a moment to register with the router.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if route, ok := r.GetRoute("m1"); ok {
			if route.ConnectorID != pending.ConnectorID {
				t.Fatalf("want route to %s, got %s", pending.ConnectorID, route.ConnectorID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("route never appeared after registration")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRevokedKeyIsRejected(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Revoke(pending.ConnectorID, "rotated"); err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()

	authEnv, _ := protocol.NewAuth("a1", key, "box", []string{"m1"}, "1.0")
	writeEnvelope(t, conn, authEnv)

	resp := readEnvelope(t, conn)
	if resp.Type != protocol.AuthFail {
		t.Fatalf("want AUTH_FAIL for a revoked key, got %s", resp.Type)
	}
}

// connectorEcho drives a minimal fake connector: authenticate, then for
// every REQUEST received, respond according to respond.
func connectorEcho(t *testing.T, conn *websocket.Conn, authID, key string, respond func(protocol.Envelope, *websocket.Conn)) {
	t.Helper()
	authEnv, _ := protocol.NewAuth(authID, key, "box", []string{"m1"}, "1.0")
	writeEnvelope(t, conn, authEnv)
	if resp := readEnvelope(t, conn); resp.Type != protocol.AuthOK {
		t.Fatalf("fake connector failed to authenticate: %s", resp.Type)
	}

	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			if env.Type == protocol.Request {
				respond(env, conn)
			}
		}
	}()
}

func TestSendRequestRoundTrip(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second, RequestTimeout: 2 * time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()
	connectorEcho(t, conn, "a1", key, func(req protocol.Envelope, c *websocket.Conn) {
		resp, _ := protocol.NewResponse(req.ID, 200, map[string]string{"content-type": "application/json"}, protocol.EncodeRequestBody([]byte(`{"id":"x"}`)))
		data, _ := resp.Encode()
		_ = c.WriteMessage(websocket.TextMessage, data)
	})

	waitForRoute(t, r, "m1", pending.ConnectorID)

	reqEnv, _ := protocol.NewRequest("req-1", protocol.RequestPayload{Method: "POST", Path: "/v1/chat/completions", Headers: map[string]string{}, Body: protocol.EncodeRequestBody([]byte(`{"model":"m1"}`))})
	result, err := srv.SendRequest(context.Background(), pending.ConnectorID, reqEnv)
	if err != nil {
		t.Fatal(err)
	}
	if result.Type != protocol.Response {
		t.Fatalf("want RESPONSE, got %s", result.Type)
	}
	respPayload, err := protocol.DecodeResponse(result)
	if err != nil {
		t.Fatal(err)
	}
	if respPayload.Status != 200 {
		t.Fatalf("want status 200, got %d", respPayload.Status)
	}
	body, err := protocol.DecodeRequestBody(respPayload.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"id":"x"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestSendRequestTimesOutWhenConnectorNeverResponds(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second, RequestTimeout: 200 * time.Millisecond}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()
	connectorEcho(t, conn, "a1", key, func(protocol.Envelope, *websocket.Conn) {
		// never responds
	})

	waitForRoute(t, r, "m1", pending.ConnectorID)

	reqEnv, _ := protocol.NewRequest("req-1", protocol.RequestPayload{Method: "GET", Path: "/v1/models", Headers: map[string]string{}})
	_, err = srv.SendRequest(context.Background(), pending.ConnectorID, reqEnv)
	if err != ErrTimeout {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestSendRequestStreamYieldsChunksThenCloses(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()
	connectorEcho(t, conn, "a1", key, func(req protocol.Envelope, c *websocket.Conn) {
		chunk1, _ := protocol.NewStreamChunk(req.ID, "data: one\n\n", false)
		chunk2, _ := protocol.NewStreamChunk(req.ID, "data: two\n\n", false)
		end, _ := protocol.NewStreamEnd(req.ID)
		for _, e := range []protocol.Envelope{chunk1, chunk2, end} {
			data, _ := e.Encode()
			_ = c.WriteMessage(websocket.TextMessage, data)
		}
	})

	waitForRoute(t, r, "m1", pending.ConnectorID)

	reqEnv, _ := protocol.NewRequest("req-2", protocol.RequestPayload{Method: "POST", Path: "/v1/chat/completions", Headers: map[string]string{}})
	ch, err := srv.SendRequestStream(context.Background(), pending.ConnectorID, reqEnv)
	if err != nil {
		t.Fatal(err)
	}

	var got []protocol.Envelope
	for env := range ch {
		got = append(got, env)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 envelopes (2 chunks + end), got %d", len(got))
	}
	if got[2].Type != protocol.StreamEnd {
		t.Fatalf("want last envelope to be STREAM_END, got %s", got[2].Type)
	}
}

func TestSendRequestStreamTerminatesOnErrorEnvelope(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	defer conn.Close()
	connectorEcho(t, conn, "a1", key, func(req protocol.Envelope, c *websocket.Conn) {
		// Upstream returned a non-2xx before any body bytes: the
		// connector sends ERROR as the sole, immediate terminator of
		// the streaming exchange (spec.md §4.4), with no STREAM_CHUNK
		// or STREAM_END ever sent.
		errEnv, _ := protocol.NewError(req.ID, 502, "upstream returned a non-2xx status", "llm_error")
		data, _ := errEnv.Encode()
		_ = c.WriteMessage(websocket.TextMessage, data)
	})

	waitForRoute(t, r, "m1", pending.ConnectorID)

	reqEnv, _ := protocol.NewRequest("req-3", protocol.RequestPayload{Method: "POST", Path: "/v1/chat/completions", Headers: map[string]string{}})
	ch, err := srv.SendRequestStream(context.Background(), pending.ConnectorID, reqEnv)
	if err != nil {
		t.Fatal(err)
	}

	var got []protocol.Envelope
	for env := range ch {
		got = append(got, env)
	}
	if len(got) != 1 {
		t.Fatalf("want exactly one terminating envelope, got %d", len(got))
	}
	if got[0].Type != protocol.Error {
		t.Fatalf("want ERROR as the sole terminator, got %s", got[0].Type)
	}
	payload, err := protocol.DecodeError(got[0])
	if err != nil {
		t.Fatal(err)
	}
	if payload.Status != 502 || payload.Code != "llm_error" {
		t.Fatalf("want status=502 code=llm_error, got status=%d code=%s", payload.Status, payload.Code)
	}
}

func TestDisconnectDrainsPendingExchanges(t *testing.T) {
	store, err := connectorstore.New("")
	if err != nil {
		t.Fatal(err)
	}
	pending := store.CreatePending([]string{"m1"}, "box")
	key, err := store.Approve(pending.ConnectorID)
	if err != nil {
		t.Fatal(err)
	}

	r := router.New()
	srv := New(Config{AuthTimeout: time.Second, RequestTimeout: 5 * time.Second}, store, nil, r)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, wsURL(ts.URL))
	connectorEcho(t, conn, "a1", key, func(protocol.Envelope, *websocket.Conn) {
		// never responds; we close the connection ourselves below.
	})
	waitForRoute(t, r, "m1", pending.ConnectorID)

	reqEnv, _ := protocol.NewRequest("req-3", protocol.RequestPayload{Method: "GET", Path: "/v1/models", Headers: map[string]string{}})

	errCh := make(chan error, 1)
	go func() {
		_, err := srv.SendRequest(context.Background(), pending.ConnectorID, reqEnv)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	_ = conn.Close()

	select {
	case err := <-errCh:
		if err != ErrConnectorUnavailable {
			t.Fatalf("want ErrConnectorUnavailable after disconnect, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SendRequest never returned after connector disconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.GetRoute("m1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("route was never removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForRoute(t *testing.T, r *router.Router, model, wantConnector string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if route, ok := r.GetRoute(model); ok && route.ConnectorID == wantConnector {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("route to %s never appeared", wantConnector)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
