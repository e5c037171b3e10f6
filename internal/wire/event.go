// Package wire defines the inbound webhook payload, its classification into
// a normalized message variant, and webhook authenticity checks.
package wire

import (
	"fmt"
	"strings"
)

// Kind is the normalized payload variant, decided once at ingestion so the
// rest of the pipeline never re-infers it from field presence.
type Kind string

const (
	KindText     Kind = "text"
	KindMedia    Kind = "media"
	KindLocation Kind = "location"
	KindDocument Kind = "document"
)

// InboundEvent is the consumed subset of a provider webhook push.
type InboundEvent struct {
	MessageID   string `json:"message_id"`
	From        string `json:"from"` // sender contact address
	To          string `json:"to"`   // recipient gateway number → tenant routing
	ProfileName string `json:"profile_name,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"` // unix seconds, provider clock

	Text     *TextPayload     `json:"text,omitempty"`
	Media    *MediaPayload    `json:"media,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	Document *DocumentPayload `json:"document,omitempty"`
}

// TextPayload is a plain text message body.
type TextPayload struct {
	Body string `json:"body"`
}

// MediaPayload references provider-hosted media (image, audio, video).
type MediaPayload struct {
	Link        string `json:"link"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// LocationPayload is a shared geolocation.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

// DocumentPayload references a provider-hosted document.
type DocumentPayload struct {
	Link        string `json:"link"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// ValidationError marks a malformed or unroutable event. The transport still
// acknowledges the sender; processing stops.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid event: " + e.Reason }

// Classify decides the message variant for an event. Order matters: a media
// payload with a caption is still media, a text body alone is text.
func (e *InboundEvent) Classify() (Kind, error) {
	switch {
	case e.Media != nil && e.Media.Link != "":
		return KindMedia, nil
	case e.Document != nil && e.Document.Link != "":
		return KindDocument, nil
	case e.Location != nil:
		return KindLocation, nil
	case e.Text != nil && strings.TrimSpace(e.Text.Body) != "":
		return KindText, nil
	default:
		return "", &ValidationError{Reason: "no usable payload"}
	}
}

// NormalizedText returns the text handed to the coalescer for a classified
// event: the body for text, the caption or a bracketed placeholder otherwise.
func (e *InboundEvent) NormalizedText(kind Kind) string {
	switch kind {
	case KindText:
		return strings.TrimSpace(e.Text.Body)
	case KindMedia:
		if e.Media.Caption != "" {
			return strings.TrimSpace(e.Media.Caption)
		}
		return "[media: " + e.Media.ContentType + "]"
	case KindLocation:
		if e.Location.Name != "" {
			return fmt.Sprintf("[location: %s (%.5f, %.5f)]", e.Location.Name, e.Location.Latitude, e.Location.Longitude)
		}
		return fmt.Sprintf("[location: %.5f, %.5f]", e.Location.Latitude, e.Location.Longitude)
	case KindDocument:
		name := e.Document.Filename
		if name == "" {
			name = e.Document.ContentType
		}
		return "[document: " + name + "]"
	default:
		return ""
	}
}

// Validate checks the minimum routable fields.
func (e *InboundEvent) Validate() error {
	if e.From == "" {
		return &ValidationError{Reason: "missing sender address"}
	}
	if e.To == "" {
		return &ValidationError{Reason: "missing recipient address"}
	}
	return nil
}
