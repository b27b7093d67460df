package bot

import "context"

type (
	// UserID identifies a chat platform user.
	UserID string

	// ChannelID identifies a channel (or direct message) on the chat platform.
	ChannelID string
)

// ImpersonatorID records that a real user is acting on behalf of another.
type ImpersonatorID struct {
	Real   UserID
	Acting UserID
}

// EntityKind tags the variant stored in an Entity.
type EntityKind int

const (
	// EntityUser is a user mentioned in the message text.
	EntityUser EntityKind = iota
)

// Entity is an actor referenced inside a message. Order matters: positional
// extraction maps the n-th entity-typed parameter to the n-th entity.
type Entity struct {
	Kind EntityKind
	User UserID
}

// Message is a single inbound chat message. It is immutable and created by
// the transport adapter, one per inbound event.
type Message struct {
	Text     string
	Sender   UserID
	Entities []Entity
	Channel  ChannelID
}

// Responder sends messages back to the chat platform.
type Responder interface {
	Send(ctx context.Context, channel ChannelID, text string) error
}

// Logger function
type Logger func(message string, args ...interface{})
