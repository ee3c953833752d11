package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"eventbot/internal/eventbus"
	kit "eventbot/internal/transport"
	logx "eventbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	// ErrDeliveryFailed wraps every failed send. The pair stays unrecorded.
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrInvalidChannel = errors.New("invalid channel id")
)

const (
	defaultRatePerSec  = 20
	defaultSendTimeout = 15 * time.Second
	defaultHistory     = 50
)

// Sender is the subset of the transport adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service sends messages through a transport adapter.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistory
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Send delivers text to channelID and returns the transport message id.
func (s *Service) Send(ctx context.Context, channelID, text string) (string, error) {
	cfg, lim := s.snapshot()

	to, ok := kit.ParseChatTarget(channelID)
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", ErrDeliveryFailed, ErrInvalidChannel, channelID)
	}
	if s.sender == nil {
		return "", fmt.Errorf("%w: no transport", ErrDeliveryFailed)
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := lim.Wait(sctx); err != nil {
		return "", s.fail(channelID, start, fmt.Errorf("rate limit wait: %w", err))
	}
	ref, err := s.sender.SendText(sctx, to, text, &kit.SendOptions{
		ParseMode:      cfg.ParseMode,
		DisablePreview: cfg.DisablePreview,
	})
	if err != nil {
		return "", s.fail(channelID, start, err)
	}

	id := strconv.Itoa(ref.MessageID)
	s.remember(cfg.HistorySize, HistoryItem{At: time.Now(), ChannelID: channelID, MessageID: id})
	s.publish(EventDelivered, DeliveryEvent{ChannelID: channelID, MessageID: id, At: time.Now(), Duration: time.Since(start)})
	s.log.Debug("message delivered", logx.String("channel", channelID), logx.String("message_id", id))
	return id, nil
}

func (s *Service) fail(channelID string, start time.Time, err error) error {
	cfg, _ := s.snapshot()
	msg := strings.TrimSpace(err.Error())
	s.remember(cfg.HistorySize, HistoryItem{At: time.Now(), ChannelID: channelID, Error: msg})
	s.publish(EventFailed, DeliveryEvent{ChannelID: channelID, At: time.Now(), Duration: time.Since(start), Error: msg})
	return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, channelID, err)
}

func (s *Service) publish(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) remember(limit int, it HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - limit; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
}

// History returns the most recent attempts, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
