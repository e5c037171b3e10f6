// Package handoff decides when a conversation moves from automated replies
// to a human operator.
package handoff

import "strings"

// DefaultPhrases mirror the escalation requests seen in real traffic. The
// business audience is largely Spanish-speaking, so both languages match.
var DefaultPhrases = []string{
	"hablar con un humano",
	"hablar con una persona",
	"hablar con un agente",
	"hablar con un asesor",
	"atención humana",
	"talk to a human",
	"talk to a person",
	"speak to an agent",
	"human agent",
	"operador",
	"representante",
}

// Detector matches escalation phrases in inbound text.
type Detector struct {
	phrases []string
}

// NewDetector builds a detector. Empty extra phrases fall back to the
// defaults; custom phrases are added on top, lowercased.
func NewDetector(extra []string) *Detector {
	phrases := make([]string, 0, len(DefaultPhrases)+len(extra))
	phrases = append(phrases, DefaultPhrases...)
	for _, p := range extra {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Detector{phrases: phrases}
}

// Triggered reports whether the text contains an escalation phrase. The
// match is a case-insensitive substring check, which errs toward escalating
// rather than leaving a frustrated contact with a bot.
func (d *Detector) Triggered(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
