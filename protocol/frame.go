// Package protocol defines the logical frame shapes exchanged over the
// chat socket and their JSON codec. The transport is treated as a given
// single logical socket carrying one JSON document per frame; this
// package only names the fields and validates the envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type tags. Outbound frames use TypeMessage; the server replies
// with TypeAck, pushes peer messages (and echoes of our own) as
// TypeMessage, and reports per-message rejections as TypeError.
const (
	TypeMessage = "message"
	TypeAck     = "ack"
	TypeError   = "error"
)

// Content kinds carried in a message frame.
const (
	KindText  = "text"
	KindImage = "image"
	KindCard  = "card"
	KindVoice = "voice"
)

var (
	// ErrEmptyFrame indicates a zero-length inbound frame.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrUnknownType indicates an inbound frame with an unrecognized type tag.
	ErrUnknownType = errors.New("unknown frame type")
)

// Content is the tagged payload of a message. Exactly one of the
// kind-specific fields is meaningful for a given Kind.
type Content struct {
	Kind     string          `json:"kind"`
	Text     string          `json:"text,omitempty"`
	MediaKey string          `json:"mediaKey,omitempty"`
	Card     json.RawMessage `json:"card,omitempty"`
}

// Sender describes the author of an inbound message.
type Sender struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Frame is the wire envelope. Field presence depends on Type:
//
//	message (outbound): conversationId, localId, content
//	ack:                localId, serverId
//	message (inbound):  serverId, conversationId, content, sender, timestamp
//	error:              reason, optionally localId
type Frame struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId,omitempty"`
	LocalID        string    `json:"localId,omitempty"`
	ServerID       string    `json:"serverId,omitempty"`
	Content        *Content  `json:"content,omitempty"`
	Sender         *Sender   `json:"sender,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Encode serializes a frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses an inbound frame and validates its type tag.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case TypeMessage, TypeAck, TypeError:
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// NewMessageFrame builds the outbound frame for a locally created message.
func NewMessageFrame(conversationID, localID string, content Content) *Frame {
	return &Frame{
		Type:           TypeMessage,
		ConversationID: conversationID,
		LocalID:        localID,
		Content:        &content,
	}
}
