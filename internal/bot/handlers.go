package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventbot/internal/dispatch"
	"eventbot/internal/transport"
	"eventbot/internal/transport/telegram/router"
	logx "eventbot/pkg/logx"
)

const (
	msgUpdateRunning = "An update is already running, try again later."
	msgUpdateFailed  = "An error occurred while processing the update."
	msgNoUpcoming    = "No upcoming events found."
)

func (b *Bot) handleStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, fmt.Sprintf("Hello, %s!", req.From))
}

func (b *Bot) handleUpdate(ctx context.Context, req *router.Request) error {
	return b.runAndReport(ctx, req)
}

func (b *Bot) runAndReport(ctx context.Context, req *router.Request) error {
	sum, err := b.cycler.RunCycle(ctx)
	switch {
	case err == nil:
		return req.Reply(ctx, sum.String())
	case errors.Is(err, dispatch.ErrCycleInProgress):
		return req.Reply(ctx, msgUpdateRunning)
	default:
		_ = req.Reply(context.WithoutCancel(ctx), msgUpdateFailed)
		return router.ErrReplied{Err: err}
	}
}

func (b *Bot) handleRegister(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /register_channel <channel_id>")
	}
	id, added, err := b.channels.Add(ctx, req.Args[0])
	if errors.Is(err, dispatch.ErrInvalidChannel) {
		return req.Reply(ctx, "Invalid channel id. Use a numeric chat id or @channelname.")
	}
	if err != nil {
		return err
	}
	if !added {
		return req.Reply(ctx, fmt.Sprintf("Channel %s is already registered.", id))
	}
	if err := req.Reply(ctx, fmt.Sprintf("Channel %s registered successfully.", id)); err != nil {
		return err
	}
	if b.cfg.UpdateOnRegister && b.bg != nil {
		b.bg.Go0("register.update", func(c context.Context) {
			if err := b.runAndReport(c, req); err != nil {
				req.Logger.Warn("update after register failed", logx.Err(err))
			}
		})
	}
	return nil
}

func (b *Bot) handleUnregister(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /unregister_channel <channel_id>")
	}
	id, removed, err := b.channels.Remove(ctx, req.Args[0])
	if errors.Is(err, dispatch.ErrInvalidChannel) {
		return req.Reply(ctx, "Invalid channel id. Use a numeric chat id or @channelname.")
	}
	if err != nil {
		return err
	}
	if !removed {
		return req.Reply(ctx, fmt.Sprintf("Channel %s is not registered.", id))
	}
	return req.Reply(ctx, fmt.Sprintf("Channel %s unregistered successfully.", id))
}

func (b *Bot) handleUpcoming(ctx context.Context, req *router.Request) error {
	events, err := b.reader.UpcomingEvents(ctx, b.now(), 0)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return req.Reply(ctx, msgNoUpcoming)
	}
	header := fmt.Sprintf("📅 Upcoming events: %d", len(events))
	if len(events) > b.cfg.UpcomingLimit {
		header += fmt.Sprintf(" (showing first %d)", b.cfg.UpcomingLimit)
		events = events[:b.cfg.UpcomingLimit]
	}
	if err := req.Reply(ctx, header); err != nil {
		return err
	}
	opt := &transport.SendOptions{ParseMode: b.cfg.ParseMode, DisablePreview: true}
	for _, e := range events {
		if err := req.ReplyWith(ctx, e.Message, opt); err != nil {
			return router.ErrReplied{Err: err}
		}
	}
	return nil
}

func (b *Bot) handleQuery(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: /query <stats|version|channels|event <id>|sent <event_id>>")
	}
	op, rest := strings.ToLower(req.Args[0]), req.Args[1:]
	var (
		text string
		err  error
	)
	switch op {
	case "stats":
		text, err = b.queryStats(ctx)
	case "version":
		text, err = b.queryVersion(ctx)
	case "channels":
		text, err = b.queryChannels(ctx)
	case "event":
		if len(rest) != 1 {
			return req.Reply(ctx, "Usage: /query event <id>")
		}
		text, err = b.queryEvent(ctx, rest[0])
	case "sent":
		if len(rest) != 1 {
			return req.Reply(ctx, "Usage: /query sent <event_id>")
		}
		text, err = b.querySent(ctx, rest[0])
	default:
		return req.Reply(ctx, fmt.Sprintf("Unknown query %q.", op))
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, text)
}

func (b *Bot) queryStats(ctx context.Context) (string, error) {
	st, err := b.reader.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Events: %d (upcoming %d)\nChannels: %d\nDeliveries: %d\nSchema version: %d",
		st.Events, st.UpcomingEvents, st.Channels, st.Deliveries, st.SchemaVersion), nil
}

func (b *Bot) queryVersion(ctx context.Context) (string, error) {
	st, err := b.reader.Stats(ctx)
	if err != nil {
		return "", err
	}
	v := b.cfg.Version
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("eventbot %s\nSchema version: %d", v, st.SchemaVersion), nil
}

func (b *Bot) queryChannels(ctx context.Context) (string, error) {
	ids, err := b.channels.List(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "No channels registered.", nil
	}
	return fmt.Sprintf("Channels (%d):\n%s", len(ids), strings.Join(ids, "\n")), nil
}

func (b *Bot) queryEvent(ctx context.Context, id string) (string, error) {
	e, ok, err := b.reader.GetEvent(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Event %s not found.", id), nil
	}
	return fmt.Sprintf("Event %s\nSource: %s\nAt: %s\n\n%s",
		e.ID, e.Source, e.OccursAt.In(b.cfg.Location).Format(time.RFC3339), e.Message), nil
}

func (b *Bot) querySent(ctx context.Context, id string) (string, error) {
	recs, err := b.reader.ListDeliveries(ctx, id)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return fmt.Sprintf("Event %s has not been delivered.", id), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Deliveries of %s (%d):", id, len(recs))
	for _, r := range recs {
		at := "-"
		if !r.SentAt.IsZero() {
			at = r.SentAt.In(b.cfg.Location).Format(time.DateTime)
		}
		fmt.Fprintf(&sb, "\n%s message %s at %s", r.ChannelID, r.TransportMessageID, at)
	}
	return sb.String(), nil
}
