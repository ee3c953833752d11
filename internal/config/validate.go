package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultPollTimeout   = 10 * time.Second
	DefaultWebhookPath   = "/eventbot/"
	DefaultSQLitePath    = "./data/eventbot.db"
	DefaultTimezone      = "Europe/Moscow"
	DefaultSendTimeout   = 15 * time.Second
	DefaultRatePerSec    = 20
	DefaultParseMode     = "Markdown"
	DefaultCycle         = "0 10 * * *"
	DefaultSourceTimeout = 20 * time.Second
	DefaultUpcomingLimit = 20
	DefaultOpsAddr       = "127.0.0.1:9090"
)

// ApplyDefaults fills omitted values. Durations stay strings; consumers parse
// them with ParseDuration.
func ApplyDefaults(cfg *Config) {
	t := &cfg.Telegram
	t.Mode = strings.ToLower(strings.TrimSpace(t.Mode))
	if t.Mode == "" {
		t.Mode = "polling"
	}
	if t.Mode == "webhook" && t.Webhook.Listen == "" {
		t.Webhook.Listen = ":8443"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	s := &cfg.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.Driver == "sqlite" && strings.TrimSpace(s.Path) == "" {
		s.Path = DefaultSQLitePath
	}

	d := &cfg.Dispatch
	if d.Timezone == "" {
		d.Timezone = DefaultTimezone
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = DefaultRatePerSec
	}
	if d.ParseMode == "" {
		d.ParseMode = DefaultParseMode
	}
	if strings.EqualFold(d.ParseMode, "none") {
		d.ParseMode = ""
	}

	if cfg.Scheduler.Cycle == "" {
		cfg.Scheduler.Cycle = DefaultCycle
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = d.Timezone
	}

	if cfg.Commands.UpcomingLimit <= 0 {
		cfg.Commands.UpcomingLimit = DefaultUpcomingLimit
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = DefaultOpsAddr
	}
}

// Validate reports every problem found, joined. It expects defaults to be applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDuration(path, raw, 0)
		add(err)
	}

	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		add(errors.New("telegram.token is required (or TELEGRAM_BOT_TOKEN)"))
	}
	for _, id := range t.OwnerUserIDs {
		if id <= 0 {
			add(fmt.Errorf("telegram.owner_user_ids: invalid user id %d", id))
		}
	}
	dur("telegram.poll_timeout", t.PollTimeout)
	switch t.Mode {
	case "polling":
	case "webhook":
		if t.Webhook.Listen == "" {
			add(errors.New("telegram.webhook.listen is required in webhook mode"))
		}
		u, err := url.Parse(t.Webhook.PublicURL)
		if t.Webhook.PublicURL == "" || err != nil || u.Scheme != "https" || u.Host == "" {
			add(fmt.Errorf("telegram.webhook.public_url must be an https url, got %q", t.Webhook.PublicURL))
		}
	default:
		add(fmt.Errorf("telegram.mode: unknown mode %q", t.Mode))
	}

	if lvl := cfg.Logging.Level; !validLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lt := cfg.Logging.Telegram; lt.Enabled {
		if strings.TrimSpace(t.GroupLog) == "" {
			add(errors.New("logging.telegram.enabled requires telegram.group_log"))
		}
		if lt.MinLevel != "" && !validLevel(lt.MinLevel) {
			add(fmt.Errorf("logging.telegram.min_level: unknown level %q", lt.MinLevel))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}

	switch cfg.Storage.Driver {
	case "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres (or DATABASE_DSN)"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	d := cfg.Dispatch
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		add(fmt.Errorf("dispatch.timezone: %w", err))
	}
	dur("dispatch.send_timeout", d.SendTimeout)
	switch d.ParseMode {
	case "", "Markdown", "MarkdownV2", "HTML":
	default:
		add(fmt.Errorf("dispatch.parse_mode: unknown mode %q", d.ParseMode))
	}
	if d.HistorySize < 0 {
		add(errors.New("dispatch.history_size must be >= 0"))
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	if r := cfg.Sources.RGUB; r.IsEnabled() {
		if r.URL != "" {
			if u, err := url.Parse(r.URL); err != nil || u.Host == "" {
				add(fmt.Errorf("sources.rgub.url: invalid url %q", r.URL))
			}
		}
		dur("sources.rgub.timeout", r.Timeout)
	}

	return errors.Join(errs...)
}

func validLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
