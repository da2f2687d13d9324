package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrProxy covers every way the chat proxy can fail: transport, status or body.
var ErrProxy = errors.New("chat proxy request failed")

const maxResponseBytes = 1 << 20

type request struct {
	Message string `json:"message"`
}

type response struct {
	Reply *string `json:"reply"`
}

// Client posts queries to the backend chat-proxy endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	token    func() string
}

// NewClient targets endpoint. A nil httpClient uses http.DefaultClient; no
// timeout is applied beyond the caller's context.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// WithBearer returns a copy that sends the id token from token as a bearer
// credential. token is read per request so refreshed tokens are picked up;
// an empty token sends no Authorization header.
func (c *Client) WithBearer(token func() string) *Client {
	next := *c
	next.token = token
	return &next
}

// Reply sends message and returns the proxy's reply text.
func (c *Client) Reply(ctx context.Context, message string) (string, error) {
	body, err := json.Marshal(request{Message: message})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrProxy, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrProxy, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProxy, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return "", fmt.Errorf("%w: status %d", ErrProxy, resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrProxy, err)
	}
	if out.Reply == nil {
		return "", fmt.Errorf("%w: response has no reply", ErrProxy)
	}
	return *out.Reply, nil
}
