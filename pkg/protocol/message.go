// Package protocol defines the wire protocol between the hot-reload
// coordinator and its clients: newline-delimited JSON, one message per
// line. A message is either a template update carrying an opaque payload,
//
//	{"UpdateTemplate": <payload>}
//
// or the bare string
//
//	"Shutdown"
//
// telling the client the process must be rebuilt and the connection is no
// longer useful.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates the two message variants.
type Kind int

const (
	// KindUpdateTemplate carries one opaque template payload.
	KindUpdateTemplate Kind = iota
	// KindShutdown tells the client to stop applying updates and wait for
	// a rebuilt process.
	KindShutdown
)

// String returns the string representation of the message kind
func (k Kind) String() string {
	switch k {
	case KindUpdateTemplate:
		return "UpdateTemplate"
	case KindShutdown:
		return "Shutdown"
	default:
		return "unknown"
	}
}

// Message is one coordinator-to-client message. Immutable once
// constructed.
type Message struct {
	Kind     Kind
	Template json.RawMessage // set only for KindUpdateTemplate
}

// NewUpdate constructs a template-update message. The payload is treated
// as opaque and forwarded verbatim (compacted so it cannot carry a raw
// line terminator).
func NewUpdate(payload json.RawMessage) Message {
	return Message{Kind: KindUpdateTemplate, Template: payload}
}

// NewShutdown constructs a shutdown message.
func NewShutdown() Message {
	return Message{Kind: KindShutdown}
}

type updateEnvelope struct {
	UpdateTemplate json.RawMessage `json:"UpdateTemplate"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindShutdown:
		return []byte(`"Shutdown"`), nil
	case KindUpdateTemplate:
		if len(m.Template) == 0 {
			return nil, fmt.Errorf("update message has empty template payload")
		}
		return json.Marshal(updateEnvelope{UpdateTemplate: m.Template})
	default:
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty message")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		if s != "Shutdown" {
			return fmt.Errorf("unknown message %q", s)
		}
		*m = Message{Kind: KindShutdown}
		return nil
	}

	var env updateEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return err
	}
	if len(env.UpdateTemplate) == 0 {
		return fmt.Errorf("message is neither Shutdown nor UpdateTemplate")
	}
	*m = Message{Kind: KindUpdateTemplate, Template: env.UpdateTemplate}
	return nil
}

// Encode serializes a message as one wire line including the trailing
// newline. The payload is compacted first so the serialized form is
// guaranteed to contain no unescaped line terminator.
func Encode(m Message) ([]byte, error) {
	if m.Kind == KindUpdateTemplate {
		var compact bytes.Buffer
		if err := json.Compact(&compact, m.Template); err != nil {
			return nil, fmt.Errorf("invalid template payload: %w", err)
		}
		m.Template = compact.Bytes()
	}

	line, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Decode parses one wire line (with or without its trailing newline).
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(bytes.TrimSpace(line), &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
