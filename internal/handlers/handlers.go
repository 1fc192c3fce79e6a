package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/chatushka/chatushka/core"
	"github.com/chatushka/chatushka/core/policy"
	"github.com/chatushka/chatushka/core/ratelimit"
	"github.com/chatushka/chatushka/internal/phrases"
)

const (
	minMuteMinutes  = 1
	maxMuteMinutes  = 60
	eightBallChance = 0.1
)

var mutedPermissions = core.ChatPermissions{}

// Deps are the collaborators shared by the handler set.
type Deps struct {
	Commands core.CommandConfig
	// Admins may use /mute. When empty, the chat's administrators are
	// looked up instead.
	Admins  []int64
	Phrases *phrases.Store
	// Flood throttles the noisy commands per user. Nil disables it.
	Flood  *ratelimit.Limiter
	Logger *slog.Logger
	// Random returns a number in [0, 1). Defaults to math/rand.
	Random func() float64
	// Now defaults to time.Now.
	Now func() time.Time
}

type set struct {
	deps Deps
	help func() []core.HelpMessage
}

// Build assembles the bot's top-level matchers. They are attached to the bot
// side by side, so a failing command does not keep questions and events
// from seeing the same update.
func Build(deps Deps) ([]core.Matcher, error) {
	if deps.Phrases == nil {
		deps.Phrases = phrases.NewStore(phrases.Default())
	}
	if deps.Random == nil {
		deps.Random = rand.Float64
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &set{deps: deps}

	mopts := []core.MatcherOption{core.WithRandom(deps.Random), core.WithLogger(deps.Logger)}

	general := core.NewCommandMatcher(deps.Commands, append(mopts, core.WithName("general"))...)
	if err := registerAll(general,
		reg(core.Tokens("id"), s.userID, core.Describe("show your user id")),
		reg(core.Tokens("ping", "пинг"), s.ping, core.Describe("check the bot is alive")),
		reg(core.Tokens("8ball", "ball8", "b8", "8b"), s.limited(s.eightBall), core.Describe("ask the magic 8-ball")),
		reg(core.Tokens("help"), s.helpMessage, core.Describe("list commands")),
		reg(core.Tokens("suicide", "wtf"), s.limited(s.selfMute), core.Describe("mute yourself for a while")),
	); err != nil {
		return nil, err
	}

	privileged := core.CommandConfig{
		Prefixes:  deps.Commands.Prefixes,
		Postfixes: deps.Commands.Postfixes,
	}
	var muteHandler core.Handler = s.mute
	if len(deps.Admins) > 0 {
		privileged.Whitelist = policy.New(deps.Admins)
	} else {
		muteHandler = s.chatAdminsOnly(s.mute)
	}
	admin := core.NewCommandMatcher(privileged, append(mopts, core.WithName("privileged"))...)
	if err := admin.Register(core.Tokens("mute"), muteHandler, core.Describe("reply to a message to mute its author")); err != nil {
		return nil, err
	}
	if err := general.Compose(admin); err != nil {
		return nil, err
	}

	questions := core.NewRegexMatcher(append(mopts, core.WithName("questions"))...)
	if err := questions.Register(core.Tokens(`\?\s*$`), s.notCommand(s.limited(s.eightBall)),
		core.ChanceRate(eightBallChance), core.HideFromHelp()); err != nil {
		return nil, err
	}

	events := core.NewEventMatcher(append(mopts, core.WithName("events"))...)
	if err := registerAll(events,
		reg(core.Tokens(core.EventUserJoined), s.welcome, core.HideFromHelp()),
		reg(core.Tokens(core.EventStartup, core.EventShutdown), s.lifecycle, core.HideFromHelp()),
	); err != nil {
		return nil, err
	}

	ms := []core.Matcher{general, questions, events}
	s.help = func() []core.HelpMessage {
		var msgs []core.HelpMessage
		for _, m := range ms {
			msgs = append(msgs, m.Help()...)
		}
		return msgs
	}
	return ms, nil
}

type registration struct {
	tokens  []core.Token
	handler core.Handler
	opts    []core.Option
}

func reg(tokens []core.Token, h core.Handler, opts ...core.Option) registration {
	return registration{tokens: tokens, handler: h, opts: opts}
}

func registerAll(m core.Matcher, regs ...registration) error {
	for _, r := range regs {
		if err := m.Register(r.tokens, r.handler, r.opts...); err != nil {
			return fmt.Errorf("register %v: %w", r.tokens, err)
		}
	}
	return nil
}

// limited drops calls from users over the flood limit.
func (s *set) limited(h core.Handler) core.Handler {
	if s.deps.Flood == nil {
		return h
	}
	return func(ctx context.Context, hc *core.HandlerContext) error {
		if err := s.deps.Flood.Allow(hc.Message.From.ID); err != nil {
			hc.Logger.Debug("flood limited", "user_id", hc.Message.From.ID, "reason", err)
			return nil
		}
		return h(ctx, hc)
	}
}

// notCommand skips messages addressed to a command so they are not
// answered twice.
func (s *set) notCommand(h core.Handler) core.Handler {
	prefixes := make([]string, 0, len(s.deps.Commands.Prefixes))
	for _, p := range s.deps.Commands.Prefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		prefixes = append(prefixes, "/")
	}
	return func(ctx context.Context, hc *core.HandlerContext) error {
		text := strings.TrimSpace(hc.Message.Text)
		for _, p := range prefixes {
			if strings.HasPrefix(text, p) {
				return nil
			}
		}
		return h(ctx, hc)
	}
}

// chatAdminsOnly lets only the chat's creator and administrators through.
func (s *set) chatAdminsOnly(h core.Handler) core.Handler {
	return func(ctx context.Context, hc *core.HandlerContext) error {
		admin, err := isChatAdmin(ctx, hc.Transport, hc.Message)
		if err != nil {
			return err
		}
		if !admin {
			hc.Logger.Debug("not a chat admin", "user_id", hc.Message.From.ID)
			return nil
		}
		return h(ctx, hc)
	}
}

func isChatAdmin(ctx context.Context, t core.Transport, msg *core.Message) (bool, error) {
	if msg.Chat.Type == core.ChatPrivate {
		return false, nil
	}
	admins, err := t.GetChatAdministrators(ctx, msg.Chat.ID)
	if err != nil {
		return false, fmt.Errorf("get chat administrators: %w", err)
	}
	for _, m := range admins {
		if m.User.ID == msg.From.ID && m.IsAdmin() {
			return true, nil
		}
	}
	return false, nil
}

func (s *set) userID(ctx context.Context, hc *core.HandlerContext) error {
	lines := []string{fmt.Sprintf("user_id: <pre>%d</pre>", hc.Message.From.ID)}
	admin, err := isChatAdmin(ctx, hc.Transport, hc.Message)
	if err != nil {
		return err
	}
	if admin {
		lines = append(lines, fmt.Sprintf("chat_id: <pre>%d</pre>", hc.Message.Chat.ID))
	}
	_, err = hc.Reply(ctx, strings.Join(lines, "\n"))
	return err
}

func (s *set) ping(ctx context.Context, hc *core.HandlerContext) error {
	answer := "понг"
	if strings.Contains(strings.ToLower(hc.Message.Text), "ping") {
		answer = "pong"
	}
	_, err := hc.Reply(ctx, answer)
	return err
}

func (s *set) eightBall(ctx context.Context, hc *core.HandlerContext) error {
	text, err := s.render(phrases.EightBall, phrases.Data{User: hc.Message.From})
	if err != nil {
		return err
	}
	_, err = hc.Reply(ctx, "🎱 "+text)
	return err
}

func (s *set) helpMessage(ctx context.Context, hc *core.HandlerContext) error {
	prefix := "/"
	if len(s.deps.Commands.Prefixes) > 0 && s.deps.Commands.Prefixes[0] != "" {
		prefix = s.deps.Commands.Prefixes[0]
	}
	_, err := hc.Reply(ctx, core.FormatHelp(s.help(), prefix))
	return err
}

// mute restricts the author of the replied-to message. An optional first
// argument sets the duration in minutes.
func (s *set) mute(ctx context.Context, hc *core.HandlerContext) error {
	msg := hc.Message
	if msg.ReplyTo == nil {
		_, err := hc.Reply(ctx, "Reply to a message to mute its author.")
		return err
	}
	minutes := s.muteMinutes(hc.Args)
	target := msg.ReplyTo.From

	if err := s.restrict(ctx, hc, target, minutes); err != nil {
		hc.Logger.Warn("mute refused", "target", target.ID, "error", err)
		text, rerr := s.render(phrases.Loser, phrases.Data{User: msg.From, Target: target, Minutes: minutes})
		if rerr != nil {
			return rerr
		}
		_, rerr = hc.Reply(ctx, text)
		return rerr
	}
	return s.announce(ctx, hc, target, minutes)
}

// selfMute restricts the sender.
func (s *set) selfMute(ctx context.Context, hc *core.HandlerContext) error {
	me := hc.Message.From
	minutes := s.muteMinutes(nil)
	if err := s.restrict(ctx, hc, me, minutes); err != nil {
		hc.Logger.Warn("self mute refused", "user_id", me.ID, "error", err)
		return nil
	}
	return s.announce(ctx, hc, me, minutes)
}

func (s *set) restrict(ctx context.Context, hc *core.HandlerContext, target core.User, minutes int) error {
	until := s.deps.Now().Add(time.Duration(minutes) * time.Minute)
	return hc.Transport.RestrictChatMember(ctx, hc.Message.Chat.ID, target.ID, mutedPermissions, until)
}

func (s *set) announce(ctx context.Context, hc *core.HandlerContext, target core.User, minutes int) error {
	text, err := s.render(phrases.Accident, phrases.Data{User: hc.Message.From, Target: target, Minutes: minutes})
	if err != nil {
		return err
	}
	_, err = hc.Transport.SendMessage(ctx, core.OutgoingMessage{
		ChatID:    hc.Message.Chat.ID,
		Text:      text,
		ParseMode: "HTML",
	})
	return err
}

func (s *set) muteMinutes(args []string) int {
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n >= minMuteMinutes && n <= maxMuteMinutes {
			return n
		}
	}
	return minMuteMinutes + int(s.deps.Random()*float64(maxMuteMinutes-minMuteMinutes+1))
}

func (s *set) welcome(ctx context.Context, hc *core.HandlerContext) error {
	for _, user := range hc.Message.NewChatMembers {
		if user.IsBot {
			continue
		}
		text, err := s.render(phrases.Welcome, phrases.Data{User: user})
		if err != nil {
			return err
		}
		if _, err := hc.Transport.SendMessage(ctx, core.OutgoingMessage{
			ChatID:    hc.Message.Chat.ID,
			Text:      text,
			ParseMode: "HTML",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *set) lifecycle(_ context.Context, hc *core.HandlerContext) error {
	hc.Logger.Info("lifecycle event", "event", hc.Token)
	return nil
}

// render picks a random phrase of the kind from the current book.
func (s *set) render(kind phrases.Kind, data phrases.Data) (string, error) {
	book := s.deps.Phrases.Book()
	return book.Render(kind, int(s.deps.Random()*float64(book.Len(kind))), data)
}
