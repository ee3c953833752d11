package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventbot/internal/eventbus"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []kit.ChatTarget
	opts  []kit.SendOptions
	next  int
	err   error
	block bool
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.block {
		<-ctx.Done()
		return kit.MessageRef{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.next++
	f.sent = append(f.sent, to)
	if opt != nil {
		f.opts = append(f.opts, *opt)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.next}, nil
}

func TestSend_ReturnsMessageID(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{next: 41}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(Config{ParseMode: "Markdown"}, fs, logx.Nop(), bus)
	id, err := s.Send(context.Background(), "-100123", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "42" {
		t.Fatalf("message id = %q, want 42", id)
	}
	if len(fs.sent) != 1 || fs.sent[0].ChatID != -100123 {
		t.Fatalf("unexpected target: %+v", fs.sent)
	}
	if fs.opts[0].ParseMode != "Markdown" {
		t.Fatalf("parse mode not forwarded: %+v", fs.opts[0])
	}

	select {
	case ev := <-ch:
		if ev.Type != EventDelivered {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no delivery event published")
	}
	if h := s.History(); len(h) != 1 || h[0].MessageID != "42" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestSend_UsernameTarget(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{}, fs, logx.Nop(), nil)
	if _, err := s.Send(context.Background(), "@boardgames", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fs.sent[0].Username != "@boardgames" {
		t.Fatalf("unexpected target: %+v", fs.sent[0])
	}
}

func TestSend_TransportErrorWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("chat not found")
	s := New(Config{}, &fakeSender{err: boom}, logx.Nop(), nil)
	_, err := s.Send(context.Background(), "-1", "x")
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped delivery failure, got %v", err)
	}
}

func TestSend_InvalidChannel(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	_, err := s.Send(context.Background(), "not a chat", "x")
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected invalid channel, got %v", err)
	}
}

func TestSend_Timeout(t *testing.T) {
	t.Parallel()

	s := New(Config{SendTimeout: 20 * time.Millisecond}, &fakeSender{block: true}, logx.Nop(), nil)
	start := time.Now()
	_, err := s.Send(context.Background(), "-1", "x")
	if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("send timeout not applied")
	}
}
