package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventbot/internal/eventbus"
	"eventbot/internal/metrics"
	"eventbot/internal/notifier"
	"eventbot/internal/source"
	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

var ErrCycleInProgress = errors.New("update cycle already in progress")

const (
	EventCycleFinished = "dispatch.cycle_finished"

	defaultSendTimeout = 15 * time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	UpsertEvents(ctx context.Context, events []storage.Event) (storage.UpsertResult, error)
	FindDueEvents(ctx context.Context, start, end time.Time) ([]storage.Event, error)
	HasDelivery(ctx context.Context, eventID, channelID string) (bool, error)
	RecordDelivery(ctx context.Context, rec storage.DeliveryRecord) error
	ListChannels(ctx context.Context) ([]string, error)
}

// CycleEvent is published on the bus after every cycle.
type CycleEvent struct {
	Summary Summary
	Error   string
}

type Option func(*Engine)

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSendTimeout bounds each individual notifier call.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

type Engine struct {
	running sync.Mutex

	store    Store
	sources  []source.Source
	notifier notifier.Notifier

	log         logx.Logger
	bus         eventbus.Bus
	loc         *time.Location
	now         func() time.Time
	sendTimeout time.Duration
}

func NewEngine(store Store, sources []source.Source, n notifier.Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		sources:     sources,
		notifier:    n,
		log:         logx.Nop(),
		loc:         time.Local,
		now:         time.Now,
		sendTimeout: defaultSendTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

// Location is the zone used to compute the due window.
func (e *Engine) Location() *time.Location { return e.loc }

// RunCycle performs one full update. On a storage error the cycle stops and the
// summary collected so far is returned together with the error.
func (e *Engine) RunCycle(ctx context.Context) (sum Summary, err error) {
	if !e.running.TryLock() {
		metrics.CycleRejected()
		return Summary{}, ErrCycleInProgress
	}
	defer e.running.Unlock()

	sum = Summary{ID: uuid.NewString(), StartedAt: e.now()}
	// Duration uses the wall clock; e.now may be fixed.
	began := time.Now()
	log := e.log.With(logx.String("cycle", sum.ID))
	log.Info("update cycle started", logx.Int("sources", len(e.sources)))

	defer func() {
		sum.Duration = time.Since(began)
		metrics.CycleFinished(sum.Duration, err)
		ev := CycleEvent{Summary: sum}
		fields := []logx.Field{
			logx.Duration("took", sum.Duration),
			logx.Int("fetched", sum.Fetched),
			logx.Int("inserted", sum.Inserted),
			logx.Int("due", sum.Due),
			logx.Int("sent", sum.Sent),
			logx.Int("skipped", sum.Skipped),
			logx.Int("failed", sum.Failed),
		}
		if err != nil {
			ev.Error = err.Error()
			log.Error("update cycle aborted", append(fields, logx.Err(err))...)
		} else {
			log.Info("update cycle finished", fields...)
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: EventCycleFinished, Data: ev})
		}
	}()

	events := e.fetchAll(ctx, log, &sum)

	res, err := e.store.UpsertEvents(ctx, events)
	if err != nil {
		return sum, fmt.Errorf("ingest events: %w", err)
	}
	sum.Inserted, sum.Duplicates = res.Inserted, res.Skipped
	metrics.EventsIngested(res.Inserted, res.Skipped)

	start, end := DueWindow(e.now(), e.loc)
	due, err := e.store.FindDueEvents(ctx, start, end)
	if err != nil {
		return sum, fmt.Errorf("find due events: %w", err)
	}
	sum.Due = len(due)
	if len(due) == 0 {
		return sum, nil
	}

	channels, err := e.store.ListChannels(ctx)
	if err != nil {
		return sum, fmt.Errorf("list channels: %w", err)
	}
	metrics.Channels(len(channels))

	for _, ev := range due {
		for _, ch := range channels {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if err := e.deliver(ctx, log, ev, ch, &sum); err != nil {
				return sum, err
			}
		}
	}
	return sum, nil
}

func (e *Engine) fetchAll(ctx context.Context, log logx.Logger, sum *Summary) []storage.Event {
	var all []storage.Event
	for _, src := range e.sources {
		events, err := src.Fetch(ctx)
		metrics.SourceFetched(src.Name(), err)
		if err != nil {
			sum.SourceFailures++
			log.Warn("source fetch failed", logx.String("source", src.Name()), logx.Err(err))
			continue
		}
		log.Info("source fetched", logx.String("source", src.Name()), logx.Int("events", len(events)))
		sum.Fetched += len(events)
		all = append(all, events...)
	}
	return all
}

// deliver handles one (event, channel) pair. Only storage failures are returned.
func (e *Engine) deliver(ctx context.Context, log logx.Logger, ev storage.Event, channelID string, sum *Summary) error {
	sent, err := e.store.HasDelivery(ctx, ev.ID, channelID)
	if err != nil {
		return fmt.Errorf("check delivery %s/%s: %w", ev.ID, channelID, err)
	}
	if sent {
		sum.Skipped++
		metrics.Delivery("skipped")
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	msgID, err := e.notifier.Send(sctx, channelID, ev.Message)
	cancel()
	if err != nil {
		sum.Failed++
		metrics.Delivery("failed")
		log.Warn("delivery failed", logx.String("event", ev.ID), logx.String("channel", channelID), logx.Err(err))
		return nil
	}

	err = e.store.RecordDelivery(ctx, storage.DeliveryRecord{
		EventID:            ev.ID,
		ChannelID:          channelID,
		TransportMessageID: msgID,
		SentAt:             e.now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrAlreadyRecorded):
		log.Warn("delivery recorded concurrently", logx.String("event", ev.ID), logx.String("channel", channelID))
	default:
		// The message went out but is not in the ledger; stop before sending more.
		return fmt.Errorf("record delivery %s/%s: %w", ev.ID, channelID, err)
	}
	sum.Sent++
	metrics.Delivery("sent")
	log.Debug("event delivered", logx.String("event", ev.ID), logx.String("channel", channelID), logx.String("message_id", msgID))
	return nil
}
