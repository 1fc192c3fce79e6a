package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chatushka/chatushka/core/policy"
)

// Token is a handler lookup key. Command and regex matchers key handlers by
// string, the event matcher by Event.
type Token any

// Tokens is a shorthand for building the token list passed to Register.
func Tokens(tokens ...Token) []Token {
	return tokens
}

// Event is a lifecycle or chat-membership event tag.
type Event int

const (
	EventStartup Event = iota + 1
	EventShutdown
	EventMessage
	EventUserJoined
	EventUserLeft
)

var eventNames = map[Event]string{
	EventStartup:    "startup",
	EventShutdown:   "shutdown",
	EventMessage:    "message",
	EventUserJoined: "user_joined",
	EventUserLeft:   "user_left",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ParseEvent converts an event name such as "STARTUP" or "user_joined".
func ParseEvent(name string) (Event, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ev, n := range eventNames {
		if n == name {
			return ev, nil
		}
	}
	return 0, configErrorf("unknown event %q", name)
}

// MatchedToken is a successful match produced by a matcher.
type MatchedToken struct {
	Token  Token
	Args   []string
	Kwargs map[string]string

	// raw is the command name as typed, before case folding.
	raw string
}

// HandlerContext is what a handler receives. Fields a matcher cannot
// provide are left zero: event handlers get no Update or Message, and only
// command and regex matches carry Args.
type HandlerContext struct {
	Token     Token
	Update    *Update
	Message   *Message
	Args      []string
	Kwargs    map[string]string
	Transport Transport
	Logger    *slog.Logger
}

// Reply sends text to the chat of the current message as a reply to it.
func (hc *HandlerContext) Reply(ctx context.Context, text string) (*Message, error) {
	if hc.Message == nil {
		return nil, fmt.Errorf("reply to %v: no message in context", hc.Token)
	}
	return hc.Transport.SendMessage(ctx, OutgoingMessage{
		ChatID:    hc.Message.Chat.ID,
		Text:      text,
		ReplyTo:   hc.Message.ID,
		ParseMode: "HTML",
	})
}

// Handler is invoked for every matched token it was registered under.
type Handler func(ctx context.Context, hc *HandlerContext) error

// HelpMessage describes one registration for help output.
type HelpMessage struct {
	Tokens      []Token
	Description string
}

type registration struct {
	handler       Handler
	caseSensitive bool
	chanceRate    float64
	whitelist     *policy.Whitelist
	description   string
	hidden        bool
}

// Option configures a single registration.
type Option func(*registration)

// CaseSensitive disables case folding of command names.
func CaseSensitive() Option {
	return func(r *registration) { r.caseSensitive = true }
}

// ChanceRate sets the probability in [0, 1] that a match is dispatched.
func ChanceRate(rate float64) Option {
	return func(r *registration) { r.chanceRate = rate }
}

// Whitelist restricts the registration to the given user ids.
func Whitelist(userIDs ...int64) Option {
	return func(r *registration) { r.whitelist = policy.New(userIDs) }
}

// WithWhitelist restricts the registration to an existing whitelist.
func WithWhitelist(w *policy.Whitelist) Option {
	return func(r *registration) { r.whitelist = w }
}

// Describe sets the help text for the registration.
func Describe(text string) Option {
	return func(r *registration) { r.description = text }
}

// HideFromHelp keeps the registration out of help output.
func HideFromHelp() Option {
	return func(r *registration) { r.hidden = true }
}
