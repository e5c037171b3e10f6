// Package responder produces automated replies from the conversation
// history. Implementations adapt OpenAI-compatible chat completion APIs.
package responder

import (
	"context"
	"fmt"
	"time"
)

// Role of a turn in the model transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one transcript entry sent to the model.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request asks for one reply to the latest user turn.
type Request struct {
	TenantID    string
	ContactName string
	History     []Turn
}

// Responder generates replies. Implementations must be safe for concurrent
// use; the pipeline calls one shared instance from many flush workers.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// InvocationError wraps a failed reply generation. The inbound message is
// already persisted when this surfaces, so callers degrade to a fallback
// reply instead of rolling back.
type InvocationError struct {
	Tenant string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("responder: tenant %s: %v", e.Tenant, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// HTTPError carries a non-200 status from the model API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("model api: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
