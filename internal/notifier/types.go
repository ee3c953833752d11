package notifier

import (
	"context"
	"time"
)

// Notifier is the delivery capability used by the dispatch engine.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) (messageID string, err error)
}

// Config controls pacing and formatting of outbound messages.
type Config struct {
	RatePerSec     int
	SendTimeout    time.Duration
	ParseMode      string // "", "Markdown", "MarkdownV2" or "HTML"
	DisablePreview bool
	HistorySize    int
}

type HistoryItem struct {
	At        time.Time
	ChannelID string
	MessageID string
	Error     string
}

// DeliveryEvent is published on the event bus after each attempt.
type DeliveryEvent struct {
	ChannelID string        `json:"channel_id"`
	MessageID string        `json:"message_id,omitempty"`
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

const (
	EventDelivered = "notifier.delivered"
	EventFailed    = "notifier.failed"
)
