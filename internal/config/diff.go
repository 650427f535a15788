package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "offerbot/pkg/logx"
)

// Change describes what differs between two configs.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe log fields for the new values (never tokens or DSNs).
	Attrs []logx.Field

	// AddedBots and RemovedBots diff the boot tenant lists.
	AddedBots   []int64
	RemovedBots []int64
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// RestartOnly lists changed sections that only take effect after a process restart.
func (c Change) RestartOnly() []string {
	var out []string
	for _, s := range c.Sections {
		switch s {
		case "storage", "http":
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	// Telegram (never log tokens)
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		mark("telegram",
			logx.Int("telegram.token_count", len(newCfg.Telegram.Tokens)),
			logx.Float64("telegram.rate_per_sec", newCfg.Telegram.RatePerSec),
			logx.Int("telegram.burst", newCfg.Telegram.Burst),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (never log the DSN)
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.cooldown", newCfg.Scheduler.Cooldown),
			logx.String("scheduler.retry_backoff", newCfg.Scheduler.RetryBackoff),
			logx.String("scheduler.resync", newCfg.Scheduler.Resync),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch",
			logx.String("dispatch.pace", newCfg.Dispatch.Pace),
			logx.String("dispatch.callback_prefix", newCfg.Dispatch.CallbackPrefix),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	ch.AddedBots, ch.RemovedBots = diffIDs(oldCfg.Bots, newCfg.Bots)
	if len(ch.AddedBots) > 0 || len(ch.RemovedBots) > 0 {
		mark("bots",
			logx.Int("bots.added", len(ch.AddedBots)),
			logx.Int("bots.removed", len(ch.RemovedBots)),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func diffIDs(oldIDs, newIDs []int64) (added, removed []int64) {
	oldSet := make(map[int64]struct{}, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[int64]struct{}, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = struct{}{}
		if _, ok := oldSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range oldIDs {
		if _, ok := newSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
