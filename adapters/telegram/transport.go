package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/chatushka/chatushka/core"
)

const (
	// requestMargin is added to the long-poll timeout for the HTTP deadline.
	requestMargin = 10 * time.Second
	// Telegram allows about 30 outgoing messages per second per bot.
	defaultSendRate  = rate.Limit(25)
	defaultSendBurst = 5
	// Telegram nests at most one reply level; deeper links are dropped.
	maxReplyDepth = 1
)

// Connector opens Telegram Bot API sessions for the runtime.
type Connector struct {
	token     string
	logger    *slog.Logger
	client    *http.Client
	apiServer string
	limiter   *rate.Limiter
}

// Option configures a Connector.
type Option func(*Connector)

// WithAPIServer overrides the Bot API base URL (for testing or a local
// Bot API server).
func WithAPIServer(url string) Option {
	return func(c *Connector) { c.apiServer = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connector) { c.client = client }
}

// WithSendRate limits outgoing calls made by handlers.
func WithSendRate(limit rate.Limit, burst int) Option {
	return func(c *Connector) { c.limiter = rate.NewLimiter(limit, burst) }
}

// NewConnector creates a connector for the bot with the given token.
func NewConnector(token string, logger *slog.Logger, opts ...Option) *Connector {
	c := &Connector{
		token:   token,
		logger:  logger,
		client:  &http.Client{},
		limiter: rate.NewLimiter(defaultSendRate, defaultSendBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open creates a fresh API session. An invalid token is fatal.
func (c *Connector) Open(_ context.Context) (core.Session, error) {
	bot, err := c.newBot()
	if err != nil {
		return nil, err
	}
	return &Session{bot: bot, client: c.client, limiter: c.limiter, logger: c.logger}, nil
}

// Me returns the bot's own account.
func (c *Connector) Me(ctx context.Context) (core.User, error) {
	bot, err := c.newBot()
	if err != nil {
		return core.User{}, err
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return core.User{}, fmt.Errorf("get me: %w", classify(err))
	}
	return convertUser(me), nil
}

func (c *Connector) newBot() (*telego.Bot, error) {
	opts := []telego.BotOption{
		telego.WithDiscardLogger(),
		telego.WithHTTPClient(c.client),
	}
	if c.apiServer != "" {
		opts = append(opts, telego.WithAPIServer(c.apiServer))
	}
	bot, err := telego.NewBot(c.token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w: %w", core.ErrTransportFatal, err)
	}
	return bot, nil
}

// Session is a core.Session backed by the Telegram Bot API.
type Session struct {
	bot     *telego.Bot
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// GetUpdates long-polls getUpdates. Updates without a message are dropped
// but still counted in LatestID.
func (s *Session) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) (core.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+requestMargin)
	defer cancel()

	updates, err := s.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:  int(offset),
		Timeout: int(timeout / time.Second),
	})
	if err != nil {
		return core.Batch{}, classify(err)
	}

	var batch core.Batch
	for _, u := range updates {
		id := int64(u.UpdateID)
		if id > batch.LatestID {
			batch.LatestID = id
		}
		if u.Message == nil {
			s.logger.Debug("skipping update without message", "update_id", id)
			continue
		}
		batch.Updates = append(batch.Updates, core.Update{
			ID:      id,
			Message: convertMessage(u.Message, 0),
		})
	}
	return batch, nil
}

func (s *Session) SendMessage(ctx context.Context, msg core.OutgoingMessage) (*core.Message, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	params := tu.Message(tu.ID(msg.ChatID), msg.Text)
	params.ParseMode = msg.ParseMode
	if msg.ReplyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                int(msg.ReplyTo),
			AllowSendingWithoutReply: true,
		}
	}
	if msg.DisablePreview {
		params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: true}
	}

	sent, err := s.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", classify(err))
	}
	return convertMessage(sent, 0), nil
}

func (s *Session) RestrictChatMember(ctx context.Context, chatID, userID int64, perms core.ChatPermissions, until time.Time) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err := s.bot.RestrictChatMember(ctx, &telego.RestrictChatMemberParams{
		ChatID:      tu.ID(chatID),
		UserID:      userID,
		Permissions: convertPermissions(perms),
		UntilDate:   until.Unix(),
	})
	if err != nil {
		return fmt.Errorf("restrict chat member: %w", classify(err))
	}
	return nil
}

func (s *Session) GetChatAdministrators(ctx context.Context, chatID int64) ([]core.ChatMember, error) {
	members, err := s.bot.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{
		ChatID: tu.ID(chatID),
	})
	if err != nil {
		return nil, fmt.Errorf("get chat administrators: %w", classify(err))
	}
	out := make([]core.ChatMember, 0, len(members))
	for _, m := range members {
		user := m.MemberUser()
		out = append(out, core.ChatMember{
			Status: core.MemberStatus(m.MemberStatus()),
			User:   convertUser(&user),
		})
	}
	return out, nil
}

func (s *Session) PinChatMessage(ctx context.Context, chatID, messageID int64, silent bool) error {
	err := s.bot.PinChatMessage(ctx, &telego.PinChatMessageParams{
		ChatID:              tu.ID(chatID),
		MessageID:           int(messageID),
		DisableNotification: silent,
	})
	if err != nil {
		return fmt.Errorf("pin chat message: %w", classify(err))
	}
	return nil
}

func (s *Session) UnpinChatMessage(ctx context.Context, chatID, messageID int64) error {
	err := s.bot.UnpinChatMessage(ctx, &telego.UnpinChatMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: int(messageID),
	})
	if err != nil {
		return fmt.Errorf("unpin chat message: %w", classify(err))
	}
	return nil
}

func (s *Session) UnpinAllChatMessages(ctx context.Context, chatID int64) error {
	err := s.bot.UnpinAllChatMessages(ctx, &telego.UnpinAllChatMessagesParams{
		ChatID: tu.ID(chatID),
	})
	if err != nil {
		return fmt.Errorf("unpin all chat messages: %w", classify(err))
	}
	return nil
}

// Close drops idle keep-alive connections so the next cycle dials afresh.
func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// classify marks errors that retrying cannot fix: a rejected token (401)
// or an unknown bot (404).
func classify(err error) error {
	var apiErr *ta.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case http.StatusUnauthorized, http.StatusNotFound:
			return fmt.Errorf("%w: %w", core.ErrTransportFatal, err)
		}
	}
	return err
}
