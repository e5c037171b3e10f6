// Package store defines the chat persistence model. One conversation per
// contact address, with the full message history embedded in the record.
package store

import (
	"context"
	"fmt"
	"time"
)

// Direction of a message relative to the business.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Responder identifies what produced an outbound message.
type Responder string

const (
	RespondedByAutomation Responder = "automation"
	RespondedByHuman      Responder = "human"
	RespondedByOperator   Responder = "operator"
)

// MediaRef points at an attachment carried by a message.
type MediaRef struct {
	Link        string `json:"link"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Message is one entry in a conversation's history.
type Message struct {
	ID          string     `json:"id"`
	Direction   Direction  `json:"direction"`
	Kind        string     `json:"kind,omitempty"`
	Body        string     `json:"body"`
	SentAt      time.Time  `json:"sent_at"`
	RespondedBy Responder  `json:"responded_by,omitempty"`
	ExternalID  string     `json:"external_id,omitempty"`
	Media       []MediaRef `json:"media,omitempty"`
}

// MessageSummary is the denormalized preview of the newest message, kept on
// the conversation so listings never parse the full history.
type MessageSummary struct {
	Body      string    `json:"body"`
	Direction Direction `json:"direction"`
	SentAt    time.Time `json:"sent_at"`
}

// Conversation is the per-contact chat record.
type Conversation struct {
	ID                string          `json:"id"`
	ContactAddress    string          `json:"contact_address"`
	DisplayName       string          `json:"display_name,omitempty"`
	Messages          []Message       `json:"messages"`
	AutomationEnabled bool            `json:"automation_enabled"`
	LastMessage       *MessageSummary `json:"last_message,omitempty"`
	LinkedRecordRef   string          `json:"linked_record_ref,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError reports a missing conversation.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: conversation %s not found", e.Key)
}

// ChatStore persists conversations for a single tenant.
type ChatStore interface {
	// FindOrCreate returns the conversation for a contact address, creating
	// it with the given defaults on first contact. Concurrent calls for the
	// same address converge on one record.
	FindOrCreate(ctx context.Context, contactAddress, displayName string, automationDefault bool) (*Conversation, error)

	// Get loads a conversation by contact address.
	Get(ctx context.Context, contactAddress string) (*Conversation, error)

	// AppendMessage appends one message to the history and refreshes the
	// last-message summary atomically.
	AppendMessage(ctx context.Context, contactAddress string, msg Message) (*Conversation, error)

	// SetAutomation flips the automation flag for a conversation.
	SetAutomation(ctx context.Context, contactAddress string, enabled bool) error

	// ListRecent returns up to limit conversations ordered by most recent
	// activity.
	ListRecent(ctx context.Context, limit int) ([]*Conversation, error)
}
