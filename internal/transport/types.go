package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecipientKind distinguishes one-to-one chats from group chats.
type RecipientKind string

const (
	Individual RecipientKind = "individual"
	Group      RecipientKind = "group"
)

// ContentKind is the kind of an inbound message fragment.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentAudio    ContentKind = "audio"
	ContentDocument ContentKind = "document"
)

// Recipient is one entry of a dispatch job.
//
// MemberCount is only meaningful for groups: one send reaches every member,
// and progress accounting counts all of them.
type Recipient struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Kind        RecipientKind `json:"kind"`
	MemberCount int           `json:"member_count,omitempty"`
}

// Weight is how much this recipient contributes to sent/failed/total counters.
func (r Recipient) Weight() int {
	if r.Kind == Group && r.MemberCount > 0 {
		return r.MemberCount
	}
	return 1
}

func (r Recipient) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("recipient id is required")
	}
	switch r.Kind {
	case Individual, Group:
	default:
		return fmt.Errorf("recipient %s: unknown kind %q", r.ID, r.Kind)
	}
	if r.MemberCount < 0 {
		return fmt.Errorf("recipient %s: member_count must be >= 0", r.ID)
	}
	return nil
}

// Sender delivers one text message to one recipient.
//
// Implementations must not retry on their own; a returned error is recorded
// as a failure for that recipient.
type Sender interface {
	Send(ctx context.Context, to Recipient, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to Recipient, text string) error

func (f SenderFunc) Send(ctx context.Context, to Recipient, text string) error {
	return f(ctx, to, text)
}

// InboundMessage is one fragment received from a chat. A zero At means
// "stamp on arrival".
type InboundMessage struct {
	SenderID string      `json:"sender_id"`
	Content  string      `json:"content"`
	Kind     ContentKind `json:"kind"`
	At       time.Time   `json:"at,omitempty"`
}
