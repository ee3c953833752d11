package config

import (
	"hash/fnv"
	"slices"
	"strings"

	logx "eventbot/pkg/logx"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Change describes a reload.
type Change struct {
	// Sections lists the top-level sections that differ.
	Sections []string
	// Live lists the sections applied without restart.
	Live []string
	// Restart lists the sections whose new values only take effect after a restart.
	Restart []string
	// Attrs are safe log fields; tokens and DSNs are never included.
	Attrs []logx.Field
}

// liveSections are applied by the running process on reload.
// dispatch.timezone and dispatch.update_on_register still need a restart.
var liveSections = []string{"logging", "telegram.owners", "scheduler", "dispatch"}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		if slices.Contains(liveSections, section) {
			c.Live = append(c.Live, section)
		} else {
			c.Restart = append(c.Restart, section)
		}
		c.Attrs = append(c.Attrs, attrs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram.owners", logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if ot.Token != nt.Token || ot.Mode != nt.Mode || ot.PollTimeout != nt.PollTimeout ||
		ot.Webhook != nt.Webhook || strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		mark("telegram",
			logx.String("telegram.mode", nt.Mode),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if ol, nl := oldCfg.Logging, newCfg.Logging; ol != nl {
		mark("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file", nl.File.Enabled),
			logx.Bool("logging.telegram", nl.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !dispatchEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch", logx.String("dispatch.timezone", newCfg.Dispatch.Timezone))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.cycle", newCfg.Scheduler.Cycle),
		)
	}
	if !sourcesEqual(oldCfg.Sources, newCfg.Sources) {
		mark("sources", logx.Bool("sources.rgub", newCfg.Sources.RGUB.IsEnabled()))
	}
	if oldCfg.Commands != newCfg.Commands {
		mark("commands", logx.Int("commands.upcoming_limit", newCfg.Commands.UpcomingLimit))
	}
	if oldCfg.Ops != newCfg.Ops {
		mark("ops", logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}
	return c
}

func dispatchEqual(a, b DispatchConfig) bool {
	if a.RegisterTriggersUpdate() != b.RegisterTriggersUpdate() {
		return false
	}
	a.UpdateOnRegister, b.UpdateOnRegister = nil, nil
	return a == b
}

func sourcesEqual(a, b SourcesConfig) bool {
	ra, rb := a.RGUB, b.RGUB
	return ra.IsEnabled() == rb.IsEnabled() &&
		ra.URL == rb.URL &&
		ra.Timeout == rb.Timeout &&
		slices.Equal(ra.Venues, rb.Venues)
}
