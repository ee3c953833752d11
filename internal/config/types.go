package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sources   SourcesConfig   `json:"sources"`
	Commands  CommandsConfig  `json:"commands"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`

	// Mode is "polling" (default) or "webhook".
	Mode    string        `json:"mode,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
}

// WebhookConfig is only read in webhook mode.
type WebhookConfig struct {
	Listen    string `json:"listen,omitempty"`     // e.g. ":8443"
	PublicURL string `json:"public_url,omitempty"` // full https URL, path included
	Path      string `json:"path,omitempty"`       // appended to a host-only public url
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the event store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/eventbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`                 // sqlite | postgres
	Path        string `json:"path,omitempty"`         // sqlite file
	DSN         string `json:"dsn,omitempty"`          // postgres connection string (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig controls update cycles and outbound delivery.
type DispatchConfig struct {
	// Timezone used to compute the due window (today and tomorrow).
	Timezone    string `json:"timezone,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	// ParseMode for outbound event messages: "Markdown", "MarkdownV2", "HTML" or "".
	ParseMode string `json:"parse_mode,omitempty"`
	// UpdateOnRegister starts an update cycle after a channel is registered.
	// Omitted means true.
	UpdateOnRegister *bool `json:"update_on_register,omitempty"`
	HistorySize      int   `json:"history_size,omitempty"`
}

// SchedulerConfig controls periodic update cycles. Manual /update always works.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Cycle is a cron expression ("0 9 * * *", "@every 1h") or a plain interval ("30m").
	Cycle    string `json:"cycle,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type SourcesConfig struct {
	RGUB RGUBSourceConfig `json:"rgub"`
}

// RGUBSourceConfig configures the rgub.ru schedule scraper.
//
// Enabled is a pointer so an omitted key keeps the source on.
type RGUBSourceConfig struct {
	Enabled *bool    `json:"enabled,omitempty"`
	URL     string   `json:"url,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	Venues  []string `json:"venues,omitempty"`
}

type CommandsConfig struct {
	UpcomingLimit int `json:"upcoming_limit,omitempty"`
}

// OpsConfig controls the operations HTTP server (/metrics, /healthz, pprof).
//
// Prefer binding to localhost; the server has no authentication.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Pprof   bool   `json:"pprof,omitempty"`
}

func (c RGUBSourceConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c DispatchConfig) RegisterTriggersUpdate() bool {
	return c.UpdateOnRegister == nil || *c.UpdateOnRegister
}
