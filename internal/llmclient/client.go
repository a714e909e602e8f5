// Package llmclient is the connector-side HTTP collaborator that forwards
// relayed requests to the private LLM server colocated with the connector.
package llmclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// hopByHop headers are stripped from whatever the broker relayed before
// the request is replayed against the local LLM server; Authorization is
// dropped too since the connector injects its own upstream key.
var hopByHop = map[string]bool{
	"host":          true,
	"connection":    true,
	"authorization": true,
}

// Client forwards requests to a local LLM server over plain HTTP(S),
// tuned the way a low-latency LLM proxy's upstream client is tuned: a
// pooled, keep-alive transport with compression disabled (the connector
// streams raw SSE bytes straight through) and no client-wide timeout
// (long reasoning chains can stream for minutes; the caller's context
// carries any deadline).
type Client struct {
	baseURL    string
	hostHeader string
	httpClient *http.Client
}

// New creates a Client targeting baseURL. If sslVerify is false,
// certificate verification against the upstream is disabled — used for
// self-signed local LLM servers.
func New(baseURL string, sslVerify bool, hostHeader string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}
	if !sslVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		hostHeader: hostHeader,
		httpClient: &http.Client{Transport: transport},
	}
}

func (c *Client) buildRequest(ctx context.Context, method, path string, headers map[string]string, body []byte, upstreamAPIKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, newBodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for k, v := range headers {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	if c.hostHeader != "" {
		req.Host = c.hostHeader
	}
	if upstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+upstreamAPIKey)
	}
	return req, nil
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return strings.NewReader(string(body))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Forward performs a non-streaming request against the LLM server and
// returns its status, headers, and full body.
func (c *Client) Forward(ctx context.Context, method, path string, headers map[string]string, body []byte, upstreamAPIKey string) (int, map[string]string, []byte, error) {
	req, err := c.buildRequest(ctx, method, path, headers, body, upstreamAPIKey)
	if err != nil {
		return 0, nil, nil, err
	}

	slog.Debug("forwarding request to llm", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("forwarding to llm server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading llm response: %w", err)
	}
	return resp.StatusCode, flattenHeaders(resp.Header), respBody, nil
}

// StreamResult is the first item produced by ForwardStream: the upstream
// status line and headers, available before any body bytes have arrived.
type StreamResult struct {
	Status  int
	Headers map[string]string
}

// ForwardStream performs a streaming request. It invokes onStart exactly
// once with the upstream status and headers before any chunk, then
// invokes onChunk for each non-empty body chunk read off the wire. It
// returns once the upstream body is fully drained or ctx is canceled.
//
// This mirrors the single-pass forward/forward_stream collaborator
// contract: the body is read once, forward, never re-read to recover a
// status after a partial stream.
func (c *Client) ForwardStream(ctx context.Context, method, path string, headers map[string]string, body []byte, upstreamAPIKey string, onStart func(StreamResult) error, onChunk func([]byte) error) error {
	req, err := c.buildRequest(ctx, method, path, headers, body, upstreamAPIKey)
	if err != nil {
		return err
	}

	slog.Debug("forwarding streaming request to llm", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("forwarding to llm server: %w", err)
	}
	defer resp.Body.Close()

	if err := onStart(StreamResult{Status: resp.StatusCode, Headers: flattenHeaders(resp.Header)}); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading llm stream: %w", readErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ListModels queries the LLM server's OpenAI-compatible /v1/models
// endpoint and returns the raw JSON body, or an error if unreachable.
func (c *Client) ListModels(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("building models request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying llm models: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// CheckHealth reports whether the LLM server answers within a short
// timeout, for the connector's standalone doctor diagnostic. The error
// return distinguishes "reached it, got a non-2xx" (bool false, nil
// error) from "couldn't even make the request" (false, non-nil error),
// so doctor can print the underlying cause instead of a bare failure.
func (c *Client) CheckHealth(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return false, fmt.Errorf("building health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("llm health check failed", "error", err)
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
