// Package scheduler triggers update cycles periodically. It only triggers;
// the dispatch engine runs the cycle and rejects overlapping ones.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "eventbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Cycle    string
	Timezone string
}

// RunFunc runs one cycle. ctx is canceled when the scheduler stops.
type RunFunc func(ctx context.Context) error

// ErrSkipped may be returned by RunFunc when the run was skipped (for example
// because another cycle is in progress). It is logged at debug level.
var ErrSkipped = errors.New("cycle skipped")

type Service struct {
	run RunFunc
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	runs    int
	lastErr error
}

func New(cfg Config, run RunFunc, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Cycle); err != nil {
			return nil, err
		}
	}
	return &Service{cfg: cfg, run: run, log: log}, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering when enabled. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Info("periodic cycles disabled")
		return nil
	}
	spec, err := ParseSchedule(s.cfg.Cycle)
	if err != nil {
		return err
	}
	loc := loadLocation(s.cfg.Timezone, s.log)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	id, err := c.AddFunc(spec.CronSpec(), s.fire)
	if err != nil {
		return err
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("periodic cycles scheduled",
		logx.String("cycle", spec.CronSpec()),
		logx.String("tz", loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
	return nil
}

// stopLocked stops triggering without waiting: a running cycle finishes on
// its own and takes s.mu when done.
func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c, s.entry = nil, 0
}

// Apply swaps the configuration. A running scheduler is restarted when the
// cycle, timezone or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if _, err := ParseSchedule(cfg.Cycle); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Enabled == s.cfg.Enabled &&
		strings.TrimSpace(cfg.Cycle) == strings.TrimSpace(s.cfg.Cycle) &&
		strings.TrimSpace(cfg.Timezone) == strings.TrimSpace(s.cfg.Timezone) {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	s.stopLocked()
	return s.startLocked()
}

// Stop stops triggering and waits for a running cycle up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entry = nil, 0
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for a running cycle")
	}
}

// Next returns the next trigger time, or zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Runs reports how many cycles were triggered and the last error.
func (s *Service) Runs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastErr
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := s.run(ctx)
	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Debug("periodic cycle finished", logx.Duration("took", time.Since(start)))
	case errors.Is(err, ErrSkipped), errors.Is(err, context.Canceled):
		s.log.Debug("periodic cycle skipped", logx.Err(err))
	default:
		s.log.Warn("periodic cycle failed", logx.Duration("took", time.Since(start)), logx.Err(err))
	}
}

func loadLocation(name string, log logx.Logger) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", name), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron's logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
