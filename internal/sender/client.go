// Package sender delivers outbound replies through the messaging provider's
// HTTP API, one rate limiter per tenant so a chatty tenant cannot starve
// the others.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Client sends one text message to a contact on behalf of a tenant and
// returns the provider's message id.
type Client interface {
	Send(ctx context.Context, tenantID, to, body string) (string, error)
}

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Body)
}

// TokenFunc resolves the send credential for a tenant.
type TokenFunc func(tenantID string) (string, bool)

// HTTPClient implements Client over a JSON send endpoint.
type HTTPClient struct {
	apiBase string
	token   TokenFunc
	client  *http.Client
	log     *slog.Logger

	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTP builds a sender. rps and burst bound each tenant's send rate.
func NewHTTP(apiBase string, token TokenFunc, rps float64, burst int, timeout time.Duration, log *slog.Logger) *HTTPClient {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPClient{
		apiBase:  strings.TrimRight(apiBase, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		log:      log,
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *HTTPClient) limiter(tenantID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		c.limiters[tenantID] = lim
	}
	return lim
}

type sendRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *HTTPClient) Send(ctx context.Context, tenantID, to, body string) (string, error) {
	token, ok := c.token(tenantID)
	if !ok || token == "" {
		return "", fmt.Errorf("tenant %s: no send token configured", tenantID)
	}
	if err := c.limiter(tenantID).Wait(ctx); err != nil {
		return "", fmt.Errorf("tenant %s: rate wait: %w", tenantID, err)
	}

	req := sendRequest{To: to, Type: "text"}
	req.Text.Body = body
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/messages", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("tenant %s: send: %w", tenantID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Delivery succeeded; a missing id is not worth failing the send.
		c.log.Warn("send response decode failed", "tenant", tenantID, "error", err)
		return "", nil
	}
	if len(parsed.Messages) == 0 {
		return "", nil
	}
	return parsed.Messages[0].ID, nil
}
