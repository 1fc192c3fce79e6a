package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/chatushka/chatushka/core/policy"
)

// Input is what a matcher sees for one dispatch: the update being matched
// (nil for lifecycle events) and the session handlers may call.
type Input struct {
	Update    *Update
	Transport Transport
	Logger    *slog.Logger
}

// Matcher maps tokens to handlers and can nest child matchers.
//
// Registration happens before the bot starts serving. Once serving, a
// matcher is read-only and may be matched from many goroutines at once.
type Matcher interface {
	Name() string

	// Register stores h under every token. It fails with a
	// ConfigurationError for a nil handler, an invalid token or option, or
	// when the matcher is already serving.
	Register(tokens []Token, h Handler, opts ...Option) error

	// Compose nests child. The matcher tree must stay a tree: composing a
	// matcher into itself, into one of its descendants, or under a second
	// parent fails with a ConfigurationError.
	Compose(child Matcher) error

	// Match checks every registered token against in.Update, invoking the
	// handlers of each token as soon as it matches, then recurses into
	// children in composition order.
	Match(ctx context.Context, in Input) ([]MatchedToken, error)

	// Call invokes the handlers registered under token on this matcher
	// only. An unknown token is a no-op.
	Call(ctx context.Context, token Token, in Input) error

	// Emit is Call followed by Emit on every child.
	Emit(ctx context.Context, token Token, in Input) error

	// Help returns help entries of this matcher followed by its children.
	Help() []HelpMessage

	node() *base
}

// MatcherOption configures a matcher.
type MatcherOption func(*base)

// WithRandom sets the source used for chance rate rolls. It must return
// values in [0, 1).
func WithRandom(random func() float64) MatcherOption {
	return func(b *base) { b.random = random }
}

// WithLogger sets the logger used for match diagnostics.
func WithLogger(logger *slog.Logger) MatcherOption {
	return func(b *base) { b.logger = logger }
}

// WithName names the matcher in logs.
func WithName(name string) MatcherOption {
	return func(b *base) { b.name = name }
}

type checkFunc func(token Token, upd *Update) (MatchedToken, bool)

type castFunc func(token Token, reg *registration) (Token, error)

// base holds the token registry shared by all matcher kinds. The kinds
// differ only in how tokens are normalized and checked.
type base struct {
	name   string
	logger *slog.Logger
	random func() float64

	check checkFunc
	cast  castFunc

	// whitelist applies to registrations that carry none of their own.
	whitelist *policy.Whitelist

	handlers map[Token][]*registration
	order    []Token
	help     []HelpMessage
	children []Matcher
	parent   *base
	attached bool
	sealed   atomic.Bool
}

func newBase(kind string, check checkFunc, cast castFunc, opts []MatcherOption) *base {
	b := &base{
		name:     kind,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		random:   rand.Float64,
		check:    check,
		cast:     cast,
		handlers: make(map[Token][]*registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *base) node() *base { return b }

func (b *base) Name() string { return b.name }

func (b *base) Register(tokens []Token, h Handler, opts ...Option) error {
	if h == nil {
		return configErrorf("%s: handler for %v is nil", b.name, tokens)
	}
	if b.sealed.Load() {
		return configErrorf("%s: register %v after serving started", b.name, tokens)
	}
	if len(tokens) == 0 {
		return configErrorf("%s: no tokens given", b.name)
	}

	reg := &registration{handler: h, chanceRate: 1}
	for _, opt := range opts {
		opt(reg)
	}
	if math.IsNaN(reg.chanceRate) || reg.chanceRate < 0 || reg.chanceRate > 1 {
		return configErrorf("%s: chance rate %v outside [0, 1]", b.name, reg.chanceRate)
	}

	keys := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if s, ok := tok.(string); ok {
			tok = strings.TrimSpace(s)
		}
		key, err := b.cast(tok, reg)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	for _, key := range keys {
		if _, ok := b.handlers[key]; !ok {
			b.order = append(b.order, key)
		}
		b.handlers[key] = append(b.handlers[key], reg)
	}
	if !reg.hidden {
		b.help = append(b.help, HelpMessage{Tokens: tokens, Description: reg.description})
	}
	return nil
}

func (b *base) Compose(child Matcher) error {
	if child == nil {
		return configErrorf("%s: compose nil matcher", b.name)
	}
	c := child.node()
	if b.sealed.Load() {
		return configErrorf("%s: compose %s after serving started", b.name, c.name)
	}
	if c.parent != nil {
		return configErrorf("%s: %s is already composed into %s", b.name, c.name, c.parent.name)
	}
	if c.attached {
		return configErrorf("%s: %s is already a top-level matcher", b.name, c.name)
	}
	for n := b; n != nil; n = n.parent {
		if n == c {
			return configErrorf("%s: composing %s would create a cycle", b.name, c.name)
		}
	}
	c.parent = b
	b.children = append(b.children, child)
	return nil
}

func (b *base) Match(ctx context.Context, in Input) ([]MatchedToken, error) {
	var matched []MatchedToken
	for _, tok := range b.order {
		mt, ok := b.check(tok, in.Update)
		if !ok {
			continue
		}
		b.logger.Debug("token matched", "matcher", b.name, "token", tok, "update_id", in.Update.ID)
		matched = append(matched, mt)
		if err := b.invoke(ctx, mt, in); err != nil {
			return matched, err
		}
	}
	for _, child := range b.children {
		m, err := child.Match(ctx, in)
		matched = append(matched, m...)
		if err != nil {
			return matched, err
		}
	}
	return matched, nil
}

func (b *base) Call(ctx context.Context, token Token, in Input) error {
	return b.invoke(ctx, MatchedToken{Token: token}, in)
}

func (b *base) Emit(ctx context.Context, token Token, in Input) error {
	if err := b.Call(ctx, token, in); err != nil {
		return err
	}
	for _, child := range b.children {
		if err := child.Emit(ctx, token, in); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) Help() []HelpMessage {
	msgs := append([]HelpMessage(nil), b.help...)
	for _, child := range b.children {
		msgs = append(msgs, child.Help()...)
	}
	return msgs
}

// invoke runs the handlers under mt.Token one after another, in
// registration order, skipping those whose gate rejects the match.
func (b *base) invoke(ctx context.Context, mt MatchedToken, in Input) error {
	regs := b.handlers[mt.Token]
	if len(regs) == 0 {
		return nil
	}

	logger := in.Logger
	if logger == nil {
		logger = b.logger
	}
	hc := &HandlerContext{
		Token:     mt.Token,
		Update:    in.Update,
		Args:      mt.Args,
		Kwargs:    mt.Kwargs,
		Transport: in.Transport,
		Logger:    logger,
	}
	if in.Update != nil {
		hc.Message = in.Update.Message
	}

	for _, reg := range regs {
		if !b.allowed(reg, mt, in.Update) {
			continue
		}
		call := *hc
		if err := safeCall(ctx, reg.handler, &call); err != nil {
			return &HandlerError{Token: mt.Token, Err: err}
		}
	}
	return nil
}

// allowed applies case sensitivity, the whitelist and the chance rate, in
// that order. Rejections are silent.
func (b *base) allowed(reg *registration, mt MatchedToken, upd *Update) bool {
	if reg.caseSensitive && mt.raw != "" {
		if key, ok := mt.Token.(string); ok && key != mt.raw {
			return false
		}
	}

	wl := reg.whitelist
	if wl == nil {
		wl = b.whitelist
	}
	if wl != nil {
		if upd == nil || upd.Message == nil || !wl.Allows(upd.Message.From.ID) {
			return false
		}
	}

	switch {
	case reg.chanceRate >= 1:
		return true
	case reg.chanceRate <= 0:
		return false
	default:
		return b.random() <= reg.chanceRate
	}
}

func (b *base) seal() {
	b.sealed.Store(true)
	for _, child := range b.children {
		child.node().seal()
	}
}

func safeCall(ctx context.Context, h Handler, hc *HandlerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, hc)
}
