package hub

import (
	"encoding/json"
	"fmt"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"
	"collab-engine/internal/session"
)

// MessageType represents the kind of message being sent
type MessageType string

const (
	// Server to client.
	MsgTypeInit        MessageType = "init"         // Full content and version
	MsgTypeCommittedOp MessageType = "committed-op" // Operation committed by another session
	MsgTypeSynced      MessageType = "synced"       // Reconnect replay finished
	MsgTypeError       MessageType = "error"        // Request failed
	MsgTypeUserCount   MessageType = "user_count"   // Sessions on the document

	// Both directions: the client acks init/synced, the server acks a
	// committed operation.
	MsgTypeAck MessageType = "ack"

	// Client to server.
	MsgTypeOperation MessageType = "operation"
)

// Message is the WebSocket envelope for every exchange between a client
// and the server.
type Message struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"document_id,omitempty"`
	Content    string      `json:"content,omitempty"`
	Version    int         `json:"version"`

	// Operation submitted by the client.
	BaseVersion int                    `json:"base_version,omitempty"`
	Seq         uint64                 `json:"seq,omitempty"`
	Ops         []operations.Component `json:"ops,omitempty"`

	// Operation committed by the server.
	Operation *operations.Operation `json:"operation,omitempty"`

	UserCount int    `json:"user_count,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewInitMessage creates a message with full content.
func NewInitMessage(documentID, content string, version int) *Message {
	return &Message{
		Type:       MsgTypeInit,
		DocumentID: documentID,
		Content:    content,
		Version:    version,
	}
}

// NewCommittedOpMessage creates a message carrying a committed operation.
func NewCommittedOpMessage(op *operations.Operation) *Message {
	return &Message{
		Type:       MsgTypeCommittedOp,
		DocumentID: op.DocumentID,
		Version:    op.Version,
		Operation:  op,
	}
}

// NewUserCountMessage creates a user count system message.
func NewUserCountMessage(documentID string, count int) *Message {
	return &Message{
		Type:       MsgTypeUserCount,
		DocumentID: documentID,
		UserCount:  count,
	}
}

// NewErrorMessage reports a failed request. seq echoes the failed
// operation, if any.
func NewErrorMessage(seq uint64, err error) *Message {
	return &Message{
		Type:  MsgTypeError,
		Seq:   seq,
		Code:  errs.Code(err),
		Error: err.Error(),
	}
}

// EventMessage converts a session event for the wire.
func EventMessage(documentID string, ev session.Event) *Message {
	switch ev.Type {
	case session.EventInit:
		return NewInitMessage(documentID, ev.Content, ev.Version)
	case session.EventCommittedOp:
		return NewCommittedOpMessage(ev.Operation)
	case session.EventSynced:
		return &Message{Type: MsgTypeSynced, DocumentID: documentID, Version: ev.Version}
	case session.EventAck:
		return &Message{
			Type:       MsgTypeAck,
			DocumentID: documentID,
			Version:    ev.Version,
			Seq:        ev.Seq,
			Operation:  ev.Operation,
		}
	default:
		return &Message{Type: MessageType(ev.Type), DocumentID: documentID, Version: ev.Version}
	}
}

// ToBytes serializes the message to JSON bytes.
func (m *Message) ToBytes() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// MessageFromBytes deserializes a message from JSON bytes.
func MessageFromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal message: %v", errs.ErrMalformedOperation, err)
	}
	return &msg, nil
}
