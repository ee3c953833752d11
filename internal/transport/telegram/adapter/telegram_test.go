package adapter

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "eventbot/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	parts := splitTelegramText(text, 70, "")
	if len(parts) < 2 {
		t.Fatalf("expected split, got %d part(s)", len(parts))
	}
	for _, p := range parts {
		if n := len([]rune(p)); n > 70 {
			t.Fatalf("chunk too long: %d", n)
		}
		if strings.HasPrefix(p, "\n") || strings.HasSuffix(p, "\n") {
			t.Fatalf("chunk has edge newline: %q", p)
		}
	}
	if strings.Join(parts, "\n") != text {
		t.Fatalf("rejoined text differs")
	}
}

func TestSplitTelegramText_CyrillicRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("я", 25)
	parts := splitTelegramText(text, 10, "")
	if len(parts) != 3 || len([]rune(parts[2])) != 5 {
		t.Fatalf("unexpected rune split: %q", parts)
	}
}

func TestRecipientFor(t *testing.T) {
	t.Parallel()

	if got := recipientFor(kit.ChatTarget{Username: "@games"}).Recipient(); got != "@games" {
		t.Fatalf("username recipient = %q", got)
	}
	if got := recipientFor(kit.ChatTarget{ChatID: -100500}).Recipient(); got != "-100500" {
		t.Fatalf("chat recipient = %q", got)
	}
}

func TestNewPoller(t *testing.T) {
	t.Parallel()

	p, err := newPoller(Config{})
	if err != nil {
		t.Fatalf("default poller: %v", err)
	}
	if _, ok := p.(*tele.LongPoller); !ok {
		t.Fatalf("expected long poller, got %T", p)
	}

	p, err = newPoller(Config{Mode: ModeWebhook, Webhook: WebhookConfig{Listen: ":8443", PublicURL: "https://bot.example.org/hook/"}})
	if err != nil {
		t.Fatalf("webhook poller: %v", err)
	}
	wh, ok := p.(*tele.Webhook)
	if !ok || wh.Endpoint == nil || wh.Endpoint.PublicURL != "https://bot.example.org/hook/" {
		t.Fatalf("unexpected webhook poller: %#v", p)
	}

	if _, err := newPoller(Config{Mode: ModeWebhook}); err == nil {
		t.Fatalf("webhook without listen must fail")
	}
	if _, err := newPoller(Config{Mode: "carrier-pigeon"}); err == nil {
		t.Fatalf("unknown mode must fail")
	}
}

func TestMenuPayload(t *testing.T) {
	t.Parallel()

	p := menuPayload([]kit.BotCommand{{Command: "update"}, {Command: ""}, {Command: "upcoming", Description: "List"}})
	if len(p.Commands) != 2 || p.Commands[0].Description != "update" || p.Commands[1].Description != "List" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
