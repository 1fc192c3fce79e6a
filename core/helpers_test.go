package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// --- test helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textUpdate(id, userID int64, text string) Update {
	return Update{
		ID: id,
		Message: &Message{
			ID:   id * 10,
			From: User{ID: userID, FirstName: "Test"},
			Chat: Chat{ID: -100, Type: ChatSupergroup},
			Date: time.Now(),
			Text: text,
		},
	}
}

func input(upd Update) Input {
	return Input{Update: &upd, Logger: testLogger()}
}

// recorder collects handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	args  [][]string
	kw    []map[string]string
}

func (r *recorder) handler(name string) Handler {
	return func(_ context.Context, hc *HandlerContext) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.args = append(r.args, hc.Args)
		r.kw = append(r.kw, hc.Kwargs)
		return nil
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) lastArgs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.args) == 0 {
		return nil
	}
	return r.args[len(r.args)-1]
}

// fakeTransport serves scripted batches and records what it was asked.
type fakeTransport struct {
	mu       sync.Mutex
	batches  []Batch
	offsets  []int64
	sent     []OutgoingMessage
	opened   int
	closed   int
	pollErrs []error
	closeErr error
	// block makes GetUpdates wait for ctx once batches run out.
	block bool
}

func (f *fakeTransport) Open(_ context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{t: f}, nil
}

func (f *fakeTransport) offsetsSeen() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type fakeSession struct {
	t *fakeTransport
}

func (s *fakeSession) GetUpdates(ctx context.Context, offset int64, _ time.Duration) (Batch, error) {
	f := s.t
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		f.mu.Unlock()
		return Batch{}, err
	}
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return Batch{}, ctx.Err()
	}
	return Batch{}, nil
}

func (s *fakeSession) SendMessage(_ context.Context, msg OutgoingMessage) (*Message, error) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.sent = append(s.t.sent, msg)
	return &Message{ID: int64(len(s.t.sent)), Chat: Chat{ID: msg.ChatID}, Text: msg.Text}, nil
}

func (s *fakeSession) RestrictChatMember(context.Context, int64, int64, ChatPermissions, time.Time) error {
	return nil
}

func (s *fakeSession) GetChatAdministrators(context.Context, int64) ([]ChatMember, error) {
	return nil, nil
}

func (s *fakeSession) PinChatMessage(context.Context, int64, int64, bool) error { return nil }
func (s *fakeSession) UnpinChatMessage(context.Context, int64, int64) error     { return nil }
func (s *fakeSession) UnpinAllChatMessages(context.Context, int64) error        { return nil }

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closed++
	return s.t.closeErr
}

func fixedRandom(v float64) MatcherOption {
	return WithRandom(func() float64 { return v })
}
