package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// OpenAIResponder talks to OpenAI-compatible chat completion APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, local VLLM).
type OpenAIResponder struct {
	apiKey       string
	apiBase      string
	model        string
	systemPrompt string
	client       *http.Client
	maxAttempts  int
}

// NewOpenAI builds a responder. An empty apiBase defaults to the OpenAI
// endpoint; timeout bounds one HTTP round trip.
func NewOpenAI(apiKey, apiBase, model, systemPrompt string, timeout time.Duration) *OpenAIResponder {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIResponder{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: timeout},
		maxAttempts:  3,
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r *OpenAIResponder) Respond(ctx context.Context, req Request) (string, error) {
	messages := make([]Turn, 0, len(req.History)+1)
	if r.systemPrompt != "" {
		prompt := r.systemPrompt
		if req.ContactName != "" {
			prompt += "\nThe customer's name is " + req.ContactName + "."
		}
		messages = append(messages, Turn{Role: RoleSystem, Content: prompt})
	}
	messages = append(messages, req.History...)

	body, err := json.Marshal(chatRequest{Model: r.model, Messages: messages})
	if err != nil {
		return "", &InvocationError{Tenant: req.TenantID, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", &InvocationError{Tenant: req.TenantID, Err: ctx.Err()}
			}
		}
		reply, err := r.once(ctx, body)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", &InvocationError{Tenant: req.TenantID, Err: lastErr}
}

func (r *OpenAIResponder) once(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model api: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model api: empty choices")
	}
	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("model api: empty reply")
	}
	return reply, nil
}

func backoff(attempt int, lastErr error) time.Duration {
	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
