// Package bot implements the chat commands of the event bot on top of the router.
package bot

import (
	"context"
	"time"

	"eventbot/internal/dispatch"
	"eventbot/internal/storage"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
)

// Cycler runs update cycles.
type Cycler interface {
	RunCycle(ctx context.Context) (dispatch.Summary, error)
}

// Channels manages registered channels.
type Channels interface {
	Add(ctx context.Context, raw string) (string, bool, error)
	Remove(ctx context.Context, raw string) (string, bool, error)
	List(ctx context.Context) ([]string, error)
}

// Reader is the read-only store surface used by /upcoming and /query.
type Reader interface {
	UpcomingEvents(ctx context.Context, from time.Time, limit int) ([]storage.Event, error)
	GetEvent(ctx context.Context, id string) (storage.Event, bool, error)
	ListDeliveries(ctx context.Context, eventID string) ([]storage.DeliveryRecord, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// Background starts work that outlives the command request.
type Background interface {
	Go0(name string, fn func(ctx context.Context))
}

type Config struct {
	UpcomingLimit    int
	UpdateOnRegister bool
	ParseMode        string
	Version          string
	Location         *time.Location
}

type Bot struct {
	cfg      Config
	cycler   Cycler
	channels Channels
	reader   Reader
	bg       Background
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, cycler Cycler, channels Channels, reader Reader, bg Background, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.UpcomingLimit <= 0 {
		cfg.UpcomingLimit = 20
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Bot{cfg: cfg, cycler: cycler, channels: channels, reader: reader, bg: bg, log: log, now: time.Now}
}

// Commands returns the registry entries served by the bot.
func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "greeting",
			Handle:      b.handleStart,
		},
		{
			Name:        "upcoming",
			Description: "list upcoming events",
			Handle:      b.handleUpcoming,
		},
		{
			Name:        "update",
			Description: "fetch sources and deliver due events",
			Timeout:     10 * time.Minute,
			Handle:      b.handleUpdate,
		},
		{
			Name:        "register_channel",
			Description: "subscribe a channel",
			Usage:       "/register_channel <channel_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      b.handleRegister,
		},
		{
			Name:        "unregister_channel",
			Description: "unsubscribe a channel",
			Usage:       "/unregister_channel <channel_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      b.handleUnregister,
		},
		{
			Name:        "query",
			Description: "diagnostics: stats, version, channels, event <id>, sent <event_id>",
			Usage:       "/query <stats|version|channels|event|sent> [arg]",
			Access:      router.AccessOwnerOnly,
			Handle:      b.handleQuery,
		},
	}
}
