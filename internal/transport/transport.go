// Package transport defines the minimal chat capabilities the bridge
// consumes. Adapters for concrete platforms live in subpackages; the
// core never builds platform payloads itself.
package transport

import "context"

// MessageRef identifies one message on the transport.
type MessageRef struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// IsZero reports whether the ref is unset.
func (r MessageRef) IsZero() bool { return r.Channel == "" && r.ID == "" }

// RenderedMessage is a presenter-produced payload. The core never looks
// inside Extra; presenters put platform formatting entities there.
type RenderedMessage struct {
	Text  string
	Extra map[string]any
}

// SendOptions controls message delivery.
type SendOptions struct {
	// ReplyTo makes the message a reply to an earlier one.
	ReplyTo *MessageRef

	// Notify controls whether the recipient is alerted. Progress
	// messages are sent silent.
	Notify bool

	// Replace asks the transport to supersede an earlier message where
	// the platform supports it.
	Replace *MessageRef

	// ThreadID targets a forum topic or thread, when present.
	ThreadID string
}

// Transport is the outbound message capability.
type Transport interface {
	// Send delivers a message to a channel. A nil ref with a nil error
	// means the transport accepted the message but cannot reference it;
	// live progress edits are skipped in that case.
	Send(ctx context.Context, channel string, msg RenderedMessage, opts *SendOptions) (*MessageRef, error)

	// Edit replaces the referenced message's content. With wait true a
	// nil ref or error means the edit failed permanently; with wait
	// false it is fire-and-forget.
	Edit(ctx context.Context, ref MessageRef, msg RenderedMessage, wait bool) (*MessageRef, error)

	// Delete removes the referenced message, reporting whether the
	// transport actually deleted it.
	Delete(ctx context.Context, ref MessageRef) (bool, error)

	// Close releases the transport's resources.
	Close() error
}

// Incoming is one normalized inbound message. The core never parses
// platform-specific update payloads.
type Incoming struct {
	Channel   string
	MessageID string
	Text      string

	// ReplyToID and ReplyText describe the quoted message, when the
	// incoming one is a reply.
	ReplyToID string
	ReplyText string

	ThreadID string
	Sender   string
}

// Ref returns the incoming message's own reference.
func (m Incoming) Ref() MessageRef {
	return MessageRef{Channel: m.Channel, ID: m.MessageID}
}

// UpdateSource yields normalized incoming messages. The channel closes
// when the source stops.
type UpdateSource interface {
	Updates() <-chan Incoming
}
