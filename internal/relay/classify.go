package relay

import (
	"strings"

	"copilot-relay/internal/protocol"
)

// Kind is the event a stderr chunk is turned into.
type Kind string

const (
	KindError        Kind = protocol.TypeError
	KindAuthRequired Kind = protocol.TypeAuthRequired
)

// Rule maps a case-sensitive substring to an event kind.
type Rule struct {
	Pattern string
	Kind    Kind
}

// Classifier evaluates its rules in order; the first match wins and a
// chunk matching nothing is a generic error.
type Classifier struct {
	rules []Rule
}

// DefaultRules detect a missing or rejected GitHub credential.
var DefaultRules = []Rule{
	{Pattern: "No authentication", Kind: KindAuthRequired},
	{Pattern: "authenticate", Kind: KindAuthRequired},
}

// NewClassifier copies rules into a classifier. Nil means DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

// Kind classifies one stderr chunk.
func (c *Classifier) Kind(chunk string) Kind {
	for _, r := range c.rules {
		if strings.Contains(chunk, r.Pattern) {
			return r.Kind
		}
	}
	return KindError
}

// Event classifies a stderr chunk and builds the event sent to the client.
func (c *Classifier) Event(chunk string) protocol.Event {
	switch c.Kind(chunk) {
	case KindAuthRequired:
		return protocol.AuthRequired()
	default:
		return protocol.Error(chunk)
	}
}
