package message

import (
	"maps"
	"strings"
)

// Message is the envelope moved across the hub and leaf transport boundaries.
//
// Properties are application properties: keys are unique, order is not
// significant, and lookups through Property are case-insensitive.
//
// Messages are value-like. Clone returns an independent copy; mutating the
// copy never affects the original.
type Message struct {
	// ID is the message identifier. Direct-method requests use the
	// generated request ID here.
	ID string

	// CorrelationID links a response to the ID of an earlier request.
	CorrelationID string

	// ContentType and ContentEncoding describe the payload (e.g.
	// "application/json", "utf-8"). Both are optional.
	ContentType     string
	ContentEncoding string

	// Properties are the application properties.
	Properties map[string]string

	// Payload is the opaque message body.
	Payload []byte
}

// New creates a message with the given payload and an empty property map.
func New(payload []byte) *Message {
	return &Message{
		Properties: make(map[string]string),
		Payload:    payload,
	}
}

// Property returns the value of a property using a case-insensitive key match.
func (m *Message) Property(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if v, ok := m.Properties[key]; ok {
		return v, true
	}
	for k, v := range m.Properties {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// HasProperty reports whether a property exists (case-insensitive).
func (m *Message) HasProperty(key string) bool {
	_, ok := m.Property(key)
	return ok
}

// SetProperty sets a property, initialising the map if needed.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// Clone returns an independent copy of the message.
//
// Properties whose key matches any of the excluded keys (case-insensitive)
// are left out of the copy. Payload bytes and every other property are
// copied unchanged.
//
// Example:
//
//	fwd := msg.Clone("leafDeviceId", "moduleId")
func (m *Message) Clone(excludeKeys ...string) *Message {
	clone := &Message{
		ID:              m.ID,
		CorrelationID:   m.CorrelationID,
		ContentType:     m.ContentType,
		ContentEncoding: m.ContentEncoding,
		Properties:      make(map[string]string, len(m.Properties)),
	}

	if len(excludeKeys) == 0 {
		maps.Copy(clone.Properties, m.Properties)
	} else {
		for k, v := range m.Properties {
			if !matchesAny(k, excludeKeys) {
				clone.Properties[k] = v
			}
		}
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return clone
}

func matchesAny(key string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(key, c) {
			return true
		}
	}
	return false
}
