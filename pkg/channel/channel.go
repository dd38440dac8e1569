// Package channel defines the chat transports the assistant listens on.
package channel

import (
	"context"
	"time"
)

// Message is an incoming chat message.
type Message struct {
	// Source names the channel, e.g. "matrix".
	Source string
	// SenderID is the channel-specific sender; it doubles as the user id.
	SenderID string
	// RoomID identifies the conversation; history is kept per room.
	RoomID  string
	Content string
	// Timestamp is in milliseconds since the epoch.
	Timestamp int64
}

// Time returns the message timestamp.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Response is an outgoing message.
type Response struct {
	RoomID  string
	Content string
}

// Channel is a chat transport.
type Channel interface {
	Name() string

	// Start listens until ctx is cancelled, passing messages to handler.
	Start(ctx context.Context, handler MessageHandler) error

	Send(ctx context.Context, resp Response) error

	Stop() error
}

// MessageHandler handles one incoming message. The returned text, if any,
// is sent back to the message's room.
type MessageHandler func(ctx context.Context, msg Message) (string, error)
