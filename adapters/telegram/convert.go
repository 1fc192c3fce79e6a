package telegram

import (
	"time"

	"github.com/mymmrac/telego"

	"github.com/chatushka/chatushka/core"
)

func convertUser(u *telego.User) core.User {
	if u == nil {
		return core.User{}
	}
	return core.User{
		ID:        u.ID,
		IsBot:     u.IsBot,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
	}
}

func convertMessage(m *telego.Message, depth int) *core.Message {
	if m == nil {
		return nil
	}
	msg := &core.Message{
		ID:   int64(m.MessageID),
		From: convertUser(m.From),
		Chat: core.Chat{
			ID:    m.Chat.ID,
			Type:  core.ChatType(m.Chat.Type),
			Title: m.Chat.Title,
		},
		Date: time.Unix(m.Date, 0).UTC(),
		Text: m.Text,
	}
	if msg.Text == "" {
		msg.Text = m.Caption
	}
	if m.ReplyToMessage != nil && depth < maxReplyDepth {
		msg.ReplyTo = convertMessage(m.ReplyToMessage, depth+1)
	}
	for i := range m.NewChatMembers {
		msg.NewChatMembers = append(msg.NewChatMembers, convertUser(&m.NewChatMembers[i]))
	}
	if m.LeftChatMember != nil {
		left := convertUser(m.LeftChatMember)
		msg.LeftChatMember = &left
	}
	return msg
}

func convertPermissions(p core.ChatPermissions) telego.ChatPermissions {
	media := p.CanSendMedia
	return telego.ChatPermissions{
		CanSendMessages:       &p.CanSendMessages,
		CanSendAudios:         &media,
		CanSendDocuments:      &media,
		CanSendPhotos:         &media,
		CanSendVideos:         &media,
		CanSendVideoNotes:     &media,
		CanSendVoiceNotes:     &media,
		CanSendPolls:          &p.CanSendPolls,
		CanSendOtherMessages:  &p.CanSendOtherMessages,
		CanAddWebPagePreviews: &p.CanSendOtherMessages,
	}
}
