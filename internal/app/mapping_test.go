package app

import (
	"testing"
	"time"

	"eventbot/internal/config"
)

func TestLogTarget(t *testing.T) {
	for raw, want := range map[string]int64{
		"-100123456": -100123456,
		" 42 ":       42,
		"":           0,
		"@logs":      0,
	} {
		cfg := &config.Config{Telegram: config.TelegramConfig{GroupLog: raw}}
		if got := logTarget(cfg); got != want {
			t.Errorf("%q: got %d want %d", raw, got, want)
		}
	}
}

func TestMapNotifierConfig(t *testing.T) {
	cfg := &config.Config{Dispatch: config.DispatchConfig{RatePerSec: 5, ParseMode: "HTML", HistorySize: 3}}
	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if n.SendTimeout != config.DefaultSendTimeout || n.RatePerSec != 5 || n.ParseMode != "HTML" || !n.DisablePreview {
		t.Fatalf("notifier: %+v", n)
	}

	cfg.Dispatch.SendTimeout = "3s"
	if n, _ = mapNotifierConfig(cfg); n.SendTimeout != 3*time.Second {
		t.Fatalf("send_timeout: %v", n.SendTimeout)
	}
	cfg.Dispatch.SendTimeout = "later"
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatalf("bad send_timeout accepted")
	}
}

func TestMapStorageAndSources(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"},
		Sources: config.SourcesConfig{RGUB: config.RGUBSourceConfig{URL: "https://example.org/afisha", Venues: []string{"Main hall"}}},
	}
	st, err := mapStorageConfig(cfg)
	if err != nil || st.BusyTimeout != 2*time.Second || st.Path != "x.db" {
		t.Fatalf("storage: %+v %v", st, err)
	}
	rc, err := mapRGUBConfig(cfg)
	if err != nil || rc.Timeout != config.DefaultSourceTimeout || len(rc.Venues) != 1 {
		t.Fatalf("rgub: %+v %v", rc, err)
	}
}

func TestLoadLocation(t *testing.T) {
	if loc, err := loadLocation(""); err != nil || loc != time.Local {
		t.Fatalf("empty: %v %v", loc, err)
	}
	if loc, err := loadLocation("Europe/Moscow"); err != nil || loc.String() != "Europe/Moscow" {
		t.Fatalf("moscow: %v %v", loc, err)
	}
	if _, err := loadLocation("Nowhere/Land"); err == nil {
		t.Fatalf("bad zone accepted")
	}
}
