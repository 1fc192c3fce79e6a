package core

import (
	"strings"
	"time"
)

// ChatType is the kind of chat a message was posted in.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// MemberStatus is a chat member's role.
type MemberStatus string

const (
	StatusCreator       MemberStatus = "creator"
	StatusAdministrator MemberStatus = "administrator"
	StatusMember        MemberStatus = "member"
)

// User is a messaging platform account.
type User struct {
	ID        int64
	IsBot     bool
	FirstName string
	LastName  string
	Username  string
}

// ReadableName returns the first name followed by the last name, if any.
func (u User) ReadableName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID    int64
	Type  ChatType
	Title string
}

// Message is an inbound chat message.
//
// ReplyTo points at an earlier message materialized from the same update,
// so following it always terminates.
type Message struct {
	ID             int64
	From           User
	Chat           Chat
	Date           time.Time
	Text           string
	ReplyTo        *Message
	NewChatMembers []User
	LeftChatMember *User
}

// Update is one inbound event fetched from the transport.
type Update struct {
	ID      int64
	Message *Message
}

// Text returns the message text, or "" when the update carries no message.
func (u *Update) Text() string {
	if u == nil || u.Message == nil {
		return ""
	}
	return u.Message.Text
}

// ChatMember is a user together with its status in a chat.
type ChatMember struct {
	Status MemberStatus
	User   User
}

// IsAdmin reports whether the member owns or administers the chat.
func (m ChatMember) IsAdmin() bool {
	return m.Status == StatusCreator || m.Status == StatusAdministrator
}

// ChatPermissions lists what a restricted member may still do.
type ChatPermissions struct {
	CanSendMessages      bool
	CanSendMedia         bool
	CanSendPolls         bool
	CanSendOtherMessages bool
}
