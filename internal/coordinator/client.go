package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	DefaultPath = "/signaling"

	// maxReplyBytes bounds how much of a coordinator reply is buffered.
	maxReplyBytes     = 1 << 20
	maxErrorBodyBytes = 512
)

// MessageTypeClose is the teardown notice type understood by the coordinator.
const MessageTypeClose = "close"

type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a client for baseURL+path. A nil httpClient uses a fresh
// http.Client with no overall timeout; callers bound each call with ctx.
func NewClient(baseURL, path string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse coordinator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("coordinator url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("coordinator url %q: missing host", baseURL)
	}
	if path == "" {
		path = DefaultPath
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		endpoint: strings.TrimRight(u.String(), "/") + "/" + strings.TrimLeft(path, "/"),
		http:     httpClient,
	}, nil
}

// Endpoint returns the absolute URL every exchange is posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Exchange posts body and returns the coordinator's reply bytes unchanged.
// The reply must be a JSON document.
func (c *Client) Exchange(ctx context.Context, body []byte) ([]byte, error) {
	reply, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	reply = bytes.TrimSpace(reply)
	if !gjson.ValidBytes(reply) {
		return nil, errInvalidReply
	}
	return reply, nil
}

// Close sends the teardown notice for sessionID. Any 2xx status counts as
// delivered; the reply body is not inspected.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
	}{Type: MessageTypeClose, SessionID: sessionID})
	if err != nil {
		return err
	}
	_, err = c.post(ctx, body)
	return err
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read coordinator reply: %w", err)
	}
	if len(reply) > maxReplyBytes {
		return nil, fmt.Errorf("coordinator reply exceeds %d bytes", maxReplyBytes)
	}
	return reply, nil
}
