package config

import (
	"slices"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// envOverlay holds the environment variables understood by the bot. Set
// variables win over the file.
type envOverlay struct {
	Token          string `envconfig:"TELEGRAM_BOT_TOKEN"`
	AdminUserID    int64  `envconfig:"ADMIN_USER_ID"`
	WebhookHost    string `envconfig:"WEBHOOK_HOST"`
	WebhookPort    int    `envconfig:"WEBHOOK_PORT"`
	DatabaseDriver string `envconfig:"DATABASE_DRIVER"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN"`
}

// ApplyEnv overlays environment variables onto cfg.
//
// WEBHOOK_HOST switches the transport to webhook mode with public url
// https://<host><webhook.path>; WEBHOOK_PORT sets the listen port.
// ADMIN_USER_ID is added to the owner list.
func ApplyEnv(cfg *Config) error {
	var ov envOverlay
	if err := envconfig.Process("", &ov); err != nil {
		return err
	}
	applyOverlay(cfg, ov)
	return nil
}

func applyOverlay(cfg *Config, ov envOverlay) {
	if s := strings.TrimSpace(ov.Token); s != "" {
		cfg.Telegram.Token = s
	}
	if ov.AdminUserID != 0 && !slices.Contains(cfg.Telegram.OwnerUserIDs, ov.AdminUserID) {
		cfg.Telegram.OwnerUserIDs = append(cfg.Telegram.OwnerUserIDs, ov.AdminUserID)
	}
	if host := strings.TrimSpace(ov.WebhookHost); host != "" {
		cfg.Telegram.Mode = "webhook"
		host = strings.TrimSuffix(strings.TrimPrefix(host, "https://"), "/")
		cfg.Telegram.Webhook.PublicURL = "https://" + host + webhookPath(cfg.Telegram.Webhook.Path)
	}
	if ov.WebhookPort > 0 {
		cfg.Telegram.Webhook.Listen = ":" + strconv.Itoa(ov.WebhookPort)
	}
	if s := strings.TrimSpace(ov.DatabaseDriver); s != "" {
		cfg.Storage.Driver = s
	}
	if s := strings.TrimSpace(ov.DatabaseDSN); s != "" {
		cfg.Storage.DSN = s
	}
}

func webhookPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultWebhookPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
