package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	logx "eventbot/pkg/logx"
)

const minimalYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: debug
  console: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func newTestManager(path string) *Manager {
	m := NewManager(path)
	m.env = nil
	return m
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	cfg, err := newTestManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !slices.Equal(cfg.Telegram.OwnerUserIDs, []int64{42}) {
		t.Fatalf("telegram: %+v", cfg.Telegram)
	}
	if cfg.Telegram.Mode != "polling" {
		t.Fatalf("mode: got %q", cfg.Telegram.Mode)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != DefaultSQLitePath {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if cfg.Dispatch.Timezone != DefaultTimezone || cfg.Scheduler.Timezone != DefaultTimezone {
		t.Fatalf("timezones: dispatch=%q scheduler=%q", cfg.Dispatch.Timezone, cfg.Scheduler.Timezone)
	}
	if cfg.Dispatch.ParseMode != DefaultParseMode || cfg.Dispatch.RatePerSec != DefaultRatePerSec {
		t.Fatalf("dispatch: %+v", cfg.Dispatch)
	}
	if !cfg.Sources.RGUB.IsEnabled() {
		t.Fatalf("rgub source should default to enabled")
	}
	if !cfg.Dispatch.RegisterTriggersUpdate() {
		t.Fatalf("update_on_register should default to true")
	}
	if cfg.Commands.UpcomingLimit != DefaultUpcomingLimit {
		t.Fatalf("upcoming_limit: got %d", cfg.Commands.UpcomingLimit)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{
		"telegram": {"token": "t", "owner_user_ids": [1]},
		"logging": {"level": "info"},
		"dispatch": {"parse_mode": "none", "update_on_register": false},
		"sources": {"rgub": {"enabled": false}}
	}`)
	cfg, err := newTestManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.ParseMode != "" {
		t.Fatalf("parse_mode none should disable formatting, got %q", cfg.Dispatch.ParseMode)
	}
	if cfg.Sources.RGUB.IsEnabled() {
		t.Fatalf("rgub explicitly disabled")
	}
	if cfg.Dispatch.RegisterTriggersUpdate() {
		t.Fatalf("update_on_register explicitly disabled")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", minimalYAML+"metrics: {}\n")
	if _, err := newTestManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "metrics") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"t"}} {}`)
	if _, err := newTestManager(p).Parse(); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Telegram: TelegramConfig{Mode: "webhook", Webhook: WebhookConfig{PublicURL: "http://example.com/hook"}},
		Storage:  StorageConfig{Driver: "postgres"},
		Dispatch: DispatchConfig{Timezone: "Mars/Olympus", SendTimeout: "soon", ParseMode: "BBCode"},
		Logging:  LoggingConfig{Level: "loud"},
	}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{
		"telegram.token",
		"public_url",
		"storage.dsn",
		"dispatch.timezone",
		"dispatch.send_timeout",
		"dispatch.parse_mode",
		"logging.level",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestApplyOverlay(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Token: "file", OwnerUserIDs: []int64{7}}}
	applyOverlay(cfg, envOverlay{
		Token:          "env-token",
		AdminUserID:    99,
		WebhookHost:    "bot.example.com/",
		WebhookPort:    8080,
		DatabaseDriver: "postgres",
		DatabaseDSN:    "postgres://u:p@db/events",
	})
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token: got %q", cfg.Telegram.Token)
	}
	if !slices.Equal(cfg.Telegram.OwnerUserIDs, []int64{7, 99}) {
		t.Fatalf("owners: got %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Telegram.Mode != "webhook" || cfg.Telegram.Webhook.PublicURL != "https://bot.example.com"+DefaultWebhookPath {
		t.Fatalf("webhook: mode=%q url=%q", cfg.Telegram.Mode, cfg.Telegram.Webhook.PublicURL)
	}
	if cfg.Telegram.Webhook.Listen != ":8080" {
		t.Fatalf("listen: got %q", cfg.Telegram.Webhook.Listen)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}

	// The admin is not duplicated on a second pass.
	applyOverlay(cfg, envOverlay{AdminUserID: 99})
	if len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("owners duplicated: %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestParseReadsEnvironment(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("ADMIN_USER_ID", "5")
	p := writeFile(t, t.TempDir(), "config.yaml", "logging:\n  level: info\n")
	cfg, err := NewManager(p).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || !slices.Contains(cfg.Telegram.OwnerUserIDs, 5) {
		t.Fatalf("telegram: %+v", cfg.Telegram)
	}
}

func TestParseRejectsBadEnvironment(t *testing.T) {
	t.Setenv("WEBHOOK_PORT", "eighty")
	p := writeFile(t, t.TempDir(), "config.yaml", minimalYAML)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatalf("expected env parse error")
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "secret", OwnerUserIDs: []int64{1}},
		Logging:  LoggingConfig{Level: "info"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "a.db"},
	}
	newCfg := *oldCfg
	newCfg.Telegram.OwnerUserIDs = []int64{1, 2}
	newCfg.Logging.Level = "debug"
	newCfg.Storage.Path = "b.db"

	c := SummarizeChange(oldCfg, &newCfg)
	if !slices.Equal(c.Sections, []string{"telegram.owners", "logging", "storage"}) {
		t.Fatalf("sections: %v", c.Sections)
	}
	if !slices.Equal(c.Live, []string{"telegram.owners", "logging"}) {
		t.Fatalf("live: %v", c.Live)
	}
	if !slices.Equal(c.Restart, []string{"storage"}) {
		t.Fatalf("restart: %v", c.Restart)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("reload", c.Attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("attrs leak the token: %s", buf.String())
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{" 90s ", 90 * time.Second},
		{"15", 15 * time.Second},
		{"", time.Minute},
		{"0s", time.Minute},
		{"1h30m", 90 * time.Minute},
	}
	for _, tc := range cases {
		d, err := ParseDuration("x", tc.raw, time.Minute)
		if err != nil || d != tc.want {
			t.Fatalf("%q: got %v, %v", tc.raw, d, err)
		}
	}
	for _, bad := range []string{"-1s", "-3", "soon"} {
		if _, err := ParseDuration("dispatch.send_timeout", bad, 0); err == nil || !strings.Contains(err.Error(), "dispatch.send_timeout") {
			t.Fatalf("%q: got %v", bad, err)
		}
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", minimalYAML)
	m := newTestManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// Give the watcher time to register the directory.
	time.Sleep(200 * time.Millisecond)

	// An invalid file is ignored and the committed config stays.
	writeFile(t, dir, "config.yaml", "telegram: {token: ''}\n")
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(time.Second):
	}
	if m.Get().Telegram.Token != "123:abc" {
		t.Fatalf("committed config replaced by invalid one")
	}

	writeFile(t, dir, "config.yaml", strings.Replace(minimalYAML, "level: debug", "level: warn", 1))
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level: got %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reload not published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Watch did not return after cancel")
	}
}
