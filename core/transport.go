package core

import (
	"context"
	"time"
)

// Batch is the result of one long poll.
type Batch struct {
	Updates []Update
	// LatestID is the highest update id the transport saw, including updates
	// it could not decode and dropped from Updates. Zero when nothing arrived.
	LatestID int64
}

// OutgoingMessage is a message to post into a chat.
type OutgoingMessage struct {
	ChatID         int64
	Text           string
	ReplyTo        int64
	ParseMode      string
	DisablePreview bool
}

// Transport is the messaging platform API used by the runtime and handlers.
type Transport interface {
	// GetUpdates long-polls for updates with id >= offset. An offset of 0
	// means "from the oldest unconfirmed update". It blocks up to timeout.
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) (Batch, error)
	SendMessage(ctx context.Context, msg OutgoingMessage) (*Message, error)
	RestrictChatMember(ctx context.Context, chatID, userID int64, perms ChatPermissions, until time.Time) error
	GetChatAdministrators(ctx context.Context, chatID int64) ([]ChatMember, error)
	PinChatMessage(ctx context.Context, chatID, messageID int64, silent bool) error
	UnpinChatMessage(ctx context.Context, chatID, messageID int64) error
	UnpinAllChatMessages(ctx context.Context, chatID int64) error
}

// Session is a Transport acquired for a single poll cycle.
type Session interface {
	Transport
	Close() error
}

// Connector opens a fresh Session for every poll cycle.
type Connector interface {
	Open(ctx context.Context) (Session, error)
}
