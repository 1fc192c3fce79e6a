package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollTimeout = 60 * time.Second
	defaultRetryDelay  = 5 * time.Second
)

// State is the lifecycle state of a Bot.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config tunes the polling runtime.
type Config struct {
	// PollTimeout is the long-poll timeout passed to GetUpdates.
	PollTimeout time.Duration
	// RetryDelay is how long to wait after a failed poll.
	RetryDelay time.Duration
	// Debug makes handler errors stop the bot instead of being logged.
	Debug bool
	// Concurrency caps concurrently running (update, matcher) dispatches.
	// Zero means no cap.
	Concurrency int
}

// Lifespan runs before startup handlers. The returned teardown runs after
// shutdown handlers; it may be nil.
type Lifespan func(ctx context.Context, b *Bot) (teardown func(context.Context) error, err error)

// Bot polls the transport and dispatches every update to its matchers.
type Bot struct {
	cfg       Config
	connector Connector
	logger    *slog.Logger
	lifespan  Lifespan
	matchers  []Matcher

	state    atomic.Int32
	offset   atomic.Int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBot creates a Bot that opens sessions through connector.
func NewBot(connector Connector, cfg Config, logger *slog.Logger) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Bot{
		cfg:       cfg,
		connector: connector,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// AddMatcher adds top-level matchers. Every top-level matcher sees every
// update. Matchers must be added before Run.
func (b *Bot) AddMatcher(ms ...Matcher) error {
	if b.State() != StateCreated {
		return configErrorf("add matcher while %s", b.State())
	}
	for _, m := range ms {
		if m == nil {
			return configErrorf("add nil matcher")
		}
		n := m.node()
		if n.parent != nil || n.attached {
			return configErrorf("matcher %s is already attached", n.name)
		}
	}
	for _, m := range ms {
		m.node().attached = true
		b.matchers = append(b.matchers, m)
	}
	return nil
}

// SetLifespan installs the setup/teardown hook wrapped around Run.
func (b *Bot) SetLifespan(l Lifespan) {
	b.lifespan = l
}

// Help aggregates help entries of all matchers in the order they were added.
func (b *Bot) Help() []HelpMessage {
	var msgs []HelpMessage
	for _, m := range b.matchers {
		msgs = append(msgs, m.Help()...)
	}
	return msgs
}

// State returns the current lifecycle state.
func (b *Bot) State() State {
	return State(b.state.Load())
}

// Offset returns the next update id the bot will ask for.
func (b *Bot) Offset() int64 {
	return b.offset.Load()
}

// Stop asks a running bot to finish its current batch and shut down.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Serve runs the bot until SIGINT or SIGTERM is received.
func (b *Bot) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return b.Run(ctx)
}

// Run enters the lifespan, emits startup, polls until ctx is cancelled or
// Stop is called, then emits shutdown and leaves the lifespan.
//
// In-flight handlers are never cancelled: they run under a context that
// keeps ctx's values but not its cancellation.
func (b *Bot) Run(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return fmt.Errorf("bot already %s", b.State())
	}
	defer b.state.Store(int32(StateStopped))

	for _, m := range b.matchers {
		m.node().seal()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	hctx := context.WithoutCancel(ctx)

	var teardown func(context.Context) error
	if b.lifespan != nil {
		td, err := b.lifespan(ctx, b)
		if err != nil {
			return fmt.Errorf("lifespan setup: %w", err)
		}
		teardown = td
	}

	b.logger.Info("bot started", "matchers", len(b.matchers))
	runErr := b.emit(hctx, EventStartup)
	if runErr == nil {
		runErr = b.loop(ctx, hctx)
	}

	b.state.Store(int32(StateStopping))
	if err := b.emit(hctx, EventShutdown); err != nil && runErr == nil {
		runErr = err
	}

	if teardown != nil {
		if err := teardown(hctx); err != nil {
			b.logger.Error("lifespan teardown failed", "error", err)
			if runErr == nil {
				runErr = fmt.Errorf("lifespan teardown: %w", err)
			}
		}
	}
	b.logger.Info("bot stopped", "offset", b.Offset())
	return runErr
}

func (b *Bot) loop(ctx, hctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := b.poll(ctx, hctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		var herr *HandlerError
		if errors.As(err, &herr) || errors.Is(err, ErrTransportFatal) {
			return err
		}

		b.logger.Error("poll error", "error", err)
		select {
		case <-time.After(b.cfg.RetryDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// poll runs one cycle: open a session, fetch a batch, dispatch it, and
// advance the offset once every dispatch has returned.
func (b *Bot) poll(ctx, hctx context.Context) error {
	sess, err := b.connector.Open(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			b.logger.Warn("close session", "error", err)
		}
	}()

	batch, err := sess.GetUpdates(ctx, b.Offset(), b.cfg.PollTimeout)
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}
	if len(batch.Updates) == 0 {
		b.advance(batch.LatestID)
		return nil
	}

	logger := b.logger.With("batch_id", uuid.NewString())
	logger.Debug("batch received", "updates", len(batch.Updates), "offset", b.Offset())
	if err := b.dispatch(hctx, sess, batch.Updates, logger); err != nil {
		return err
	}
	b.advance(highestID(batch))
	return nil
}

// dispatch fans out every (update, matcher) pair concurrently and waits for
// all of them.
func (b *Bot) dispatch(ctx context.Context, sess Session, updates []Update, logger *slog.Logger) error {
	var g errgroup.Group
	if b.cfg.Concurrency > 0 {
		g.SetLimit(b.cfg.Concurrency)
	}
	for i := range updates {
		upd := &updates[i]
		for _, m := range b.matchers {
			g.Go(func() error {
				in := Input{Update: upd, Transport: sess, Logger: logger}
				matched, err := m.Match(ctx, in)
				if err != nil {
					if b.cfg.Debug {
						return err
					}
					logger.Error("handler failed", "matcher", m.Name(), "update_id", upd.ID, "error", err)
					return nil
				}
				if len(matched) > 0 {
					logger.Debug("update dispatched", "matcher", m.Name(), "update_id", upd.ID, "matched", len(matched))
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// emit dispatches a lifecycle event to every matcher tree in order.
func (b *Bot) emit(ctx context.Context, ev Event) error {
	sess, err := b.connector.Open(ctx)
	if err != nil {
		err = fmt.Errorf("open session for %s: %w", ev, err)
		if b.cfg.Debug {
			return err
		}
		b.logger.Error("event skipped", "event", ev, "error", err)
		return nil
	}
	defer func() {
		if err := sess.Close(); err != nil {
			b.logger.Warn("close session", "event", ev, "error", err)
		}
	}()

	in := Input{Transport: sess, Logger: b.logger}
	for _, m := range b.matchers {
		if err := m.Emit(ctx, ev, in); err != nil {
			if b.cfg.Debug {
				return err
			}
			b.logger.Error("event handler failed", "event", ev, "matcher", m.Name(), "error", err)
		}
	}
	return nil
}

// advance moves the offset past latest. The offset never decreases.
func (b *Bot) advance(latest int64) {
	if latest <= 0 {
		return
	}
	next := latest + 1
	for {
		cur := b.offset.Load()
		if next <= cur || b.offset.CompareAndSwap(cur, next) {
			return
		}
	}
}

func highestID(batch Batch) int64 {
	highest := batch.LatestID
	for _, u := range batch.Updates {
		if u.ID > highest {
			highest = u.ID
		}
	}
	return highest
}
