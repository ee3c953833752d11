package app

import (
	"strconv"
	"strings"
	"time"

	"eventbot/internal/config"
	"eventbot/internal/notifier"
	"eventbot/internal/observability/ops"
	"eventbot/internal/scheduler"
	"eventbot/internal/source"
	"eventbot/internal/storage"
	telegram "eventbot/internal/transport/telegram/adapter"
	logx "eventbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log; 0 clears the target.
func logTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		Mode:        cfg.Telegram.Mode,
		Webhook: telegram.WebhookConfig{
			Listen:    cfg.Telegram.Webhook.Listen,
			PublicURL: cfg.Telegram.Webhook.PublicURL,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDuration("dispatch.send_timeout", d.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:     d.RatePerSec,
		SendTimeout:    timeout,
		ParseMode:      d.ParseMode,
		DisablePreview: true,
		HistorySize:    d.HistorySize,
	}, nil
}

func mapRGUBConfig(cfg *config.Config) (source.RGUBConfig, error) {
	r := cfg.Sources.RGUB
	timeout, err := config.ParseDuration("sources.rgub.timeout", r.Timeout, config.DefaultSourceTimeout)
	if err != nil {
		return source.RGUBConfig{}, err
	}
	return source.RGUBConfig{URL: r.URL, Timeout: timeout, Venues: r.Venues}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Cycle:    cfg.Scheduler.Cycle,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{Enabled: cfg.Ops.Enabled, Addr: cfg.Ops.Addr, Pprof: cfg.Ops.Pprof}
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
