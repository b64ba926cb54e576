package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type MessageType string

const (
	// Client -> server.
	MessageTypeJoinSession MessageType = "join-session"

	// Relayed between peers (either direction).
	MessageTypeOffer           MessageType = "signal:offer"
	MessageTypeAnswer          MessageType = "signal:answer"
	MessageTypeICECandidate    MessageType = "signal:ice-candidate"
	MessageTypeConnectionState MessageType = "signal:connection-state"

	// Server -> client.
	MessageTypeJoined     MessageType = "joined"
	MessageTypePeerJoined MessageType = "peer:joined"
	MessageTypePeerLeft   MessageType = "peer:left"
	MessageTypeError      MessageType = "error"
)

// IsSignal reports whether t is one of the relayed signal:* types.
func (t MessageType) IsSignal() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate, MessageTypeConnectionState:
		return true
	default:
		return false
	}
}

// Message is the signaling wire envelope. Data is kept raw: the relay
// forwards signal payloads verbatim and only the endpoints interpret them.
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Identity  string          `json:"identity,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ParseMessage decodes one client message strictly: unknown fields and
// trailing data are rejected, and the per-type field rules are enforced.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.validateInbound(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) validateInbound() error {
	switch m.Type {
	case MessageTypeJoinSession:
		if m.SessionID == "" {
			return fmt.Errorf("join-session message missing sessionId")
		}
		if m.From != "" || m.To != "" || m.Identity != "" || len(m.Data) != 0 || m.Code != "" || m.Reason != "" {
			return fmt.Errorf("join-session message has unexpected fields")
		}
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate, MessageTypeConnectionState:
		if len(m.Data) == 0 {
			return fmt.Errorf("%s message missing data", m.Type)
		}
		if m.Identity != "" || m.Code != "" || m.Reason != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeJoined, MessageTypePeerJoined, MessageTypePeerLeft, MessageTypeError:
		return fmt.Errorf("message type %q is server-to-client only", m.Type)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func joinedMessage(sessionID string) Message {
	return Message{Type: MessageTypeJoined, SessionID: sessionID}
}

func peerJoinedMessage(identity string) Message {
	return Message{Type: MessageTypePeerJoined, Identity: identity}
}

func peerLeftMessage(identity string) Message {
	return Message{Type: MessageTypePeerLeft, Identity: identity}
}

func errorMessage(code, reason string) Message {
	return Message{Type: MessageTypeError, Code: code, Reason: reason}
}
