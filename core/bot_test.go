package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBot(ft *fakeTransport, debug bool, ms ...Matcher) *Bot {
	b := NewBot(ft, Config{PollTimeout: time.Second, RetryDelay: time.Millisecond, Debug: debug}, testLogger())
	if err := b.AddMatcher(ms...); err != nil {
		panic(err)
	}
	return b
}

// runUntil runs b until cond holds, then stops it and returns Run's error.
func runUntil(t *testing.T, b *Bot, cond func() bool) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		case <-deadline:
			b.Stop()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(time.Millisecond):
		}
	}
	b.Stop()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("bot did not stop")
		return nil
	}
}

func TestOffsetIsOnePastHighestID(t *testing.T) {
	rec := &recorder{}
	m := NewCommandMatcher(CommandConfig{})
	m.Register(Tokens("id"), rec.handler("id"))

	ft := &fakeTransport{block: true, batches: []Batch{{
		Updates: []Update{textUpdate(9, 1, "/id"), textUpdate(5, 1, "/id"), textUpdate(6, 1, "/id")},
	}}}
	b := newTestBot(ft, false, m)

	if err := runUntil(t, b, func() bool { return b.Offset() == 10 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.count() != 3 {
		t.Errorf("calls = %d, want 3", rec.count())
	}
	offsets := ft.offsetsSeen()
	if len(offsets) < 2 || offsets[0] != 0 || offsets[1] != 10 {
		t.Errorf("offsets = %v, want [0 10 ...]", offsets)
	}
}

func TestOffsetCountsSkippedUpdates(t *testing.T) {
	ft := &fakeTransport{block: true, batches: []Batch{
		{Updates: []Update{textUpdate(5, 1, "hi")}, LatestID: 7},
		{LatestID: 12},
		{LatestID: 3},
	}}
	b := newTestBot(ft, false, NewCommandMatcher(CommandConfig{}))

	if err := runUntil(t, b, func() bool { return len(ft.offsetsSeen()) >= 4 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []int64{0, 8, 13, 13}; !slices.Equal(ft.offsetsSeen()[:4], want) {
		t.Errorf("offsets = %v, want prefix %v", ft.offsetsSeen(), want)
	}
}

func TestEveryUpdateReachesEveryMatcher(t *testing.T) {
	var calls atomic.Int32
	count := func(context.Context, *HandlerContext) error {
		calls.Add(1)
		return nil
	}
	var ms []Matcher
	for i := range 3 {
		em := NewEventMatcher(WithName(fmt.Sprintf("events-%d", i)))
		em.Register(Tokens(EventMessage), count)
		ms = append(ms, em)
	}

	var updates []Update
	for id := int64(1); id <= 4; id++ {
		updates = append(updates, textUpdate(id, 1, "hello"))
	}
	ft := &fakeTransport{block: true, batches: []Batch{{Updates: updates}}}
	b := newTestBot(ft, false, ms...)

	if err := runUntil(t, b, func() bool { return b.Offset() == 5 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 12 {
		t.Errorf("calls = %d, want 12", calls.Load())
	}
}

func TestHandlerErrorLoggedInProduction(t *testing.T) {
	rec := &recorder{}
	m := NewCommandMatcher(CommandConfig{})
	m.Register(Tokens("fail"), func(context.Context, *HandlerContext) error { return errors.New("boom") })
	m.Register(Tokens("ok"), rec.handler("ok"))

	ft := &fakeTransport{block: true, batches: []Batch{
		{Updates: []Update{textUpdate(1, 1, "/fail")}},
		{Updates: []Update{textUpdate(2, 1, "/ok")}},
	}}
	b := newTestBot(ft, false, m)

	if err := runUntil(t, b, func() bool { return b.Offset() == 3 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("ok calls = %d, want 1", rec.count())
	}
}

func TestDebugHandlerErrorStopsWithoutAdvancing(t *testing.T) {
	boom := errors.New("boom")
	var runs atomic.Int32
	m := NewCommandMatcher(CommandConfig{})
	m.Register(Tokens("fail"), func(context.Context, *HandlerContext) error {
		runs.Add(1)
		return boom
	})
	shutdowns := &recorder{}
	ev := NewEventMatcher()
	ev.Register(Tokens(EventShutdown), shutdowns.handler("shutdown"))

	batch := Batch{Updates: []Update{textUpdate(41, 1, "/fail")}}
	ft := &fakeTransport{block: true, batches: []Batch{batch}}
	b := newTestBot(ft, true, m, ev)

	err := b.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want boom", err)
	}
	if b.Offset() != 0 {
		t.Errorf("offset = %d, want 0", b.Offset())
	}
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
	if shutdowns.count() != 1 {
		t.Errorf("shutdown calls = %d, want 1", shutdowns.count())
	}

	// A restarted bot asks for the same offset and sees the batch again.
	m2 := NewCommandMatcher(CommandConfig{})
	m2.Register(Tokens("fail"), func(context.Context, *HandlerContext) error {
		runs.Add(1)
		return nil
	})
	ft.mu.Lock()
	ft.batches = []Batch{batch}
	ft.mu.Unlock()
	b2 := newTestBot(ft, true, m2)
	if err := runUntil(t, b2, func() bool { return b2.Offset() == 42 }); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if runs.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", runs.Load())
	}
	if offsets := ft.offsetsSeen(); offsets[0] != 0 || offsets[1] != 0 {
		t.Errorf("offsets = %v, want redelivery from 0", offsets)
	}
}

func TestLifecycleOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	ev := NewEventMatcher()
	ev.Register(Tokens(EventStartup), func(_ context.Context, hc *HandlerContext) error {
		if hc.Transport == nil {
			t.Error("startup handler has no transport")
		}
		note("startup")
		return nil
	})
	ev.Register(Tokens(EventShutdown), func(context.Context, *HandlerContext) error {
		note("shutdown")
		return nil
	})

	ft := &fakeTransport{block: true}
	b := newTestBot(ft, false, ev)
	b.SetLifespan(func(context.Context, *Bot) (func(context.Context) error, error) {
		note("setup")
		return func(context.Context) error {
			note("teardown")
			return nil
		}, nil
	})

	if b.State() != StateCreated {
		t.Fatalf("state = %s, want created", b.State())
	}
	if err := runUntil(t, b, func() bool { return len(ft.offsetsSeen()) > 0 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{"setup", "startup", "shutdown", "teardown"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
}

func TestEmitLogsSessionCloseError(t *testing.T) {
	rec := &recorder{}
	ev := NewEventMatcher()
	ev.Register(Tokens(EventStartup), rec.handler("startup"))

	var buf bytes.Buffer
	ft := &fakeTransport{closeErr: errors.New("connection reset")}
	b := NewBot(ft, Config{}, slog.New(slog.NewTextHandler(&buf, nil)))
	if err := b.AddMatcher(ev); err != nil {
		t.Fatal(err)
	}

	if err := b.emit(context.Background(), EventStartup); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if rec.count() != 1 || ft.closed != 1 {
		t.Fatalf("calls = %d, closed = %d, want 1 and 1", rec.count(), ft.closed)
	}
	out := buf.String()
	if !strings.Contains(out, `msg="close session"`) || !strings.Contains(out, "event=startup") ||
		!strings.Contains(out, "connection reset") {
		t.Errorf("log = %q, want close session warning", out)
	}
}

func TestLifespanSetupFailure(t *testing.T) {
	b := newTestBot(&fakeTransport{block: true}, false)
	b.SetLifespan(func(context.Context, *Bot) (func(context.Context) error, error) {
		return nil, errors.New("no database")
	})
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite lifespan failure")
	}
}

func TestShutdownEmittedOnce(t *testing.T) {
	shutdowns := &recorder{}
	ev := NewEventMatcher()
	ev.Register(Tokens(EventShutdown), shutdowns.handler("shutdown"))

	ft := &fakeTransport{block: true}
	b := newTestBot(ft, false, ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	for len(ft.offsetsSeen()) == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Stop()
	b.Stop()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if shutdowns.count() != 1 {
		t.Errorf("shutdown calls = %d, want 1", shutdowns.count())
	}
}

func TestInFlightBatchFinishesAfterStop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	m := NewCommandMatcher(CommandConfig{})
	m.Register(Tokens("slow"), func(ctx context.Context, _ *HandlerContext) error {
		close(started)
		<-release
		handlerCtxErr = ctx.Err()
		return nil
	})

	ft := &fakeTransport{block: true, batches: []Batch{{Updates: []Update{textUpdate(1, 1, "/slow")}}}}
	b := newTestBot(ft, false, m)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	<-started
	b.Stop()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handlerCtxErr != nil {
		t.Errorf("handler context cancelled: %v", handlerCtxErr)
	}
	if b.Offset() != 2 {
		t.Errorf("offset = %d, want 2", b.Offset())
	}
}

func TestTransportErrorIsRetried(t *testing.T) {
	rec := &recorder{}
	m := NewCommandMatcher(CommandConfig{})
	m.Register(Tokens("id"), rec.handler("id"))

	ft := &fakeTransport{
		block:    true,
		pollErrs: []error{errors.New("connection reset"), errors.New("bad gateway")},
		batches:  []Batch{{Updates: []Update{textUpdate(3, 1, "/id")}}},
	}
	b := newTestBot(ft, false, m)

	if err := runUntil(t, b, func() bool { return b.Offset() == 4 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("calls = %d, want 1", rec.count())
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.opened < 3 || ft.closed < 3 {
		t.Errorf("sessions opened %d closed %d, want a fresh session per poll", ft.opened, ft.closed)
	}
}

func TestFatalTransportErrorStops(t *testing.T) {
	shutdowns := &recorder{}
	ev := NewEventMatcher()
	ev.Register(Tokens(EventShutdown), shutdowns.handler("shutdown"))

	ft := &fakeTransport{block: true, pollErrs: []error{fmt.Errorf("unauthorized: %w", ErrTransportFatal)}}
	b := newTestBot(ft, false, ev)

	err := b.Run(context.Background())
	if !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("Run = %v, want ErrTransportFatal", err)
	}
	if shutdowns.count() != 1 {
		t.Errorf("shutdown calls = %d, want 1", shutdowns.count())
	}
}

func TestRunTwice(t *testing.T) {
	b := newTestBot(&fakeTransport{block: true}, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := b.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestAddMatcherRules(t *testing.T) {
	b := newTestBot(&fakeTransport{block: true}, false)
	parent := NewCommandMatcher(CommandConfig{})
	child := NewRegexMatcher()
	parent.Compose(child)

	if err := b.AddMatcher(child); !errors.Is(err, ErrConfiguration) {
		t.Errorf("nested matcher err = %v, want ErrConfiguration", err)
	}
	if err := b.AddMatcher(parent); err != nil {
		t.Fatal(err)
	}
	if err := b.AddMatcher(parent); !errors.Is(err, ErrConfiguration) {
		t.Errorf("duplicate err = %v, want ErrConfiguration", err)
	}
	if err := NewEventMatcher().Compose(parent); !errors.Is(err, ErrConfiguration) {
		t.Errorf("compose top-level err = %v, want ErrConfiguration", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	var running, peak atomic.Int32
	ev := NewEventMatcher()
	ev.Register(Tokens(EventMessage), func(context.Context, *HandlerContext) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	var updates []Update
	for id := int64(1); id <= 8; id++ {
		updates = append(updates, textUpdate(id, 1, "x"))
	}
	ft := &fakeTransport{block: true, batches: []Batch{{Updates: updates}}}
	b := NewBot(ft, Config{RetryDelay: time.Millisecond, Concurrency: 2}, testLogger())
	b.AddMatcher(ev)

	if err := runUntil(t, b, func() bool { return b.Offset() == 9 }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestStateString(t *testing.T) {
	if StateStopping.String() != "stopping" {
		t.Errorf("StateStopping = %q", StateStopping.String())
	}
	if EventUserJoined.String() != "user_joined" {
		t.Errorf("EventUserJoined = %q", EventUserJoined.String())
	}
}
