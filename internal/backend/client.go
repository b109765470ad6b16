// Package backend talks to the remote identity and payment service over
// HTTP/JSON. Every failure is reported as "no response" so a transaction
// ends silently.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/5l1v3r1/ascii-pay-authentication-proxy/internal/protocol"
)

const (
	IdentifyPath = "/api/v1/nfc/identify"
	TokenPath    = "/api/v1/nfc/token"

	// RequestIDHeader carries a per-request correlation id.
	RequestIDHeader = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client, e.g. with httptest's.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends Authorization: Bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ protocol.Backend = (*Client)(nil)

func (c *Client) Identify(ctx context.Context, req protocol.IdentifyRequest) protocol.IdentifyResponse {
	body, err := EncodeRequest(req)
	if err != nil {
		c.log.Warn("identify request not sent", "err", err)
		return nil
	}
	var env Envelope
	if !c.post(ctx, IdentifyPath, body, &env) {
		return nil
	}
	resp, err := DecodeIdentifyResponse(env)
	if err != nil {
		c.log.Warn("identify response unusable", "err", err)
		return nil
	}
	return resp
}

func (c *Client) AuthorizePayment(ctx context.Context, amount int, method protocol.PaymentMethod) protocol.PaymentResponse {
	m, err := EncodeRequest(method)
	if err != nil {
		c.log.Warn("token request not sent", "err", err)
		return nil
	}
	var env Envelope
	if !c.post(ctx, TokenPath, TokenRequest{Amount: amount, Method: m}, &env) {
		return nil
	}
	resp, err := DecodePaymentResponse(env)
	if err != nil {
		c.log.Warn("token response unusable", "err", err)
		return nil
	}
	return resp
}

// post sends payload and decodes a 2xx answer into out. It logs and returns
// false on any failure.
func (c *Client) post(ctx context.Context, path string, payload any, out any) bool {
	reqID := uuid.NewString()
	log := c.log.With("path", path, "request_id", reqID)

	if err := c.do(ctx, path, reqID, payload, out); err != nil {
		log.Warn("no response from service", "err", err)
		return false
	}
	log.Debug("service answered")
	return true
}

func (c *Client) do(ctx context.Context, path, reqID string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, reqID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("service returned non-2xx status: %d %s", resp.StatusCode, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
