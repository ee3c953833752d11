package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type recSender struct {
	mu      sync.Mutex
	replies []string
	got     chan string
}

func newRecSender() *recSender { return &recSender{got: make(chan string, 16)} }

func (s *recSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.replies = append(s.replies, text)
	s.mu.Unlock()
	s.got <- text
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (s *recSender) next(t *testing.T) string {
	t.Helper()
	select {
	case r := <-s.got:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
		return ""
	}
}

func startManager(t *testing.T, owners []int64, cmds []Command) (*recSender, chan kit.Update) {
	t.Helper()
	s := newRecSender()
	m := NewCommandManager(logx.Nop(), s, owners, Options{Workers: 2})
	m.SetRegistry(context.Background(), cmds)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, updates
}

func msg(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: from, FromFirstName: "Ann", Text: text}}
}

func TestRouter_DispatchesWithArgs(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	s, updates := startManager(t, nil, []Command{{
		Name: "echo",
		Handle: func(ctx context.Context, req *Request) error {
			gotArgs = req.Args
			return req.Reply(ctx, "hi "+req.From)
		},
	}})

	updates <- msg(1, `/echo@eventbot -100123 "two words"`)
	if r := s.next(t); r != "hi Ann" {
		t.Fatalf("reply = %q", r)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "-100123" || gotArgs[1] != "two words" {
		t.Fatalf("args = %q", gotArgs)
	}
}

func TestRouter_OwnerOnly(t *testing.T) {
	t.Parallel()

	called := make(chan struct{}, 1)
	s, updates := startManager(t, []int64{42}, []Command{{
		Name:   "secret",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			called <- struct{}{}
			return req.Reply(ctx, "ok")
		},
	}})

	updates <- msg(7, "/secret")
	if r := s.next(t); r != replyUnauthorized {
		t.Fatalf("reply = %q", r)
	}
	select {
	case <-called:
		t.Fatalf("handler must not run for non-owner")
	default:
	}

	updates <- msg(42, "/secret")
	if r := s.next(t); r != "ok" {
		t.Fatalf("owner reply = %q", r)
	}
}

func TestRouter_UnknownAndPlainText(t *testing.T) {
	t.Parallel()

	s, updates := startManager(t, nil, nil)
	updates <- msg(1, "just chatting")
	updates <- msg(1, "/nope")
	if r := s.next(t); r != replyUnknown {
		t.Fatalf("reply = %q", r)
	}
}

func TestRouter_ErrorsAndPanicsReply(t *testing.T) {
	t.Parallel()

	s, updates := startManager(t, nil, []Command{
		{Name: "fail", Handle: func(ctx context.Context, req *Request) error { return errors.New("db down") }},
		{Name: "boom", Handle: func(ctx context.Context, req *Request) error { panic("bad") }},
		{Name: "handled", Handle: func(ctx context.Context, req *Request) error {
			_ = req.Reply(ctx, "custom failure")
			return ErrReplied{Err: errors.New("x")}
		}},
	})

	updates <- msg(1, "/fail")
	if r := s.next(t); r != replyFailed {
		t.Fatalf("fail reply = %q", r)
	}
	updates <- msg(1, "/boom")
	if r := s.next(t); r != replyFailed {
		t.Fatalf("panic reply = %q", r)
	}
	updates <- msg(1, "/handled")
	if r := s.next(t); r != "custom failure" {
		t.Fatalf("handled reply = %q", r)
	}
	select {
	case r := <-s.got:
		t.Fatalf("unexpected extra reply %q", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_HelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()

	noop := func(ctx context.Context, req *Request) error { return nil }
	s, updates := startManager(t, []int64{42}, []Command{
		{Name: "upcoming", Description: "list upcoming events", Handle: noop},
		{Name: "register_channel", Usage: "/register_channel <id>", Access: AccessOwnerOnly, Handle: noop},
	})

	updates <- msg(7, "/help")
	r := s.next(t)
	if !strings.Contains(r, "/upcoming - list upcoming events") || strings.Contains(r, "register_channel") {
		t.Fatalf("guest help = %q", r)
	}
	updates <- msg(42, "/h")
	if r := s.next(t); !strings.Contains(r, "/register_channel <id> (owner)") {
		t.Fatalf("owner help = %q", r)
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	got := tokenizeCommandLine(`/query event 'rgub 1' a\ b`)
	want := []string{"/query", "event", "rgub 1", "a b"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("tokens = %q", got)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Register-Channel": "register_channel",
		" update ":         "update",
		"__x__":            "x",
		"кириллица":        "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
