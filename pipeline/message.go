package pipeline

import (
	"fmt"
	"time"

	"github.com/opd-ai/chatclient/protocol"
)

// Status represents the delivery status of a message.
type Status uint8

const (
	// StatusPending means the message awaits server acknowledgement.
	StatusPending Status = iota
	// StatusSent means the server acknowledged the message.
	StatusSent
	// StatusFailed means delivery was rejected or timed out.
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one entry in a conversation log. LocalID is assigned at
// creation and never changes, even across retries; ServerID is set
// only once the server acknowledges the message and is the identity
// used for all later server-addressed operations.
//
// A sent message always has a non-empty ServerID; a pending message
// never does. Ordering within a conversation follows Seq, the
// insertion sequence, not timestamps.
type Message struct {
	LocalID        string
	ServerID       string
	ConversationID string
	Seq            uint64
	Content        protocol.Content
	Sender         protocol.Sender
	CreatedAt      time.Time
	Status         Status
	Error          string
	CanRetry       bool
	CanDelete      bool
}

// Content size limits. Oversized submissions are rejected
// synchronously, before a log entry is created.
const (
	// MaxTextBytes is the limit for text payloads.
	MaxTextBytes = 4096

	// MaxCardBytes is the limit for structured card payloads.
	MaxCardBytes = 16384
)

// validateContent checks a submission payload against the kind-specific
// limits.
func validateContent(c protocol.Content) error {
	switch c.Kind {
	case protocol.KindText:
		if len(c.Text) == 0 {
			return ErrContentEmpty
		}
		if len(c.Text) > MaxTextBytes {
			return fmt.Errorf("%w: text size %d exceeds limit %d", ErrContentTooLarge, len(c.Text), MaxTextBytes)
		}
	case protocol.KindImage, protocol.KindVoice:
		if c.MediaKey == "" {
			return ErrContentEmpty
		}
	case protocol.KindCard:
		if len(c.Card) == 0 {
			return ErrContentEmpty
		}
		if len(c.Card) > MaxCardBytes {
			return fmt.Errorf("%w: card size %d exceeds limit %d", ErrContentTooLarge, len(c.Card), MaxCardBytes)
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}
