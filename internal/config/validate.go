package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and every field that is parsed later
// (durations, timezone, cron spec, token keys). All problems are joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	durations := []struct{ path, raw string }{
		{"telegram.request_timeout", cfg.Telegram.RequestTimeout},
		{"telegram.breaker.open_timeout", cfg.Telegram.Breaker.OpenTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.cooldown", cfg.Scheduler.Cooldown},
		{"scheduler.retry_backoff", cfg.Scheduler.RetryBackoff},
		{"dispatch.pace", cfg.Dispatch.Pace},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if spec := strings.TrimSpace(cfg.Scheduler.Resync); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.resync: %w", err))
		}
	}
	for k := range cfg.Telegram.Tokens {
		if id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64); err != nil || id <= 0 {
			errs = append(errs, fmt.Errorf("telegram.tokens: key %q is not a bot id", k))
		}
	}
	return errors.Join(errs...)
}

// Token returns the configured token of botID with environment references
// expanded, or "" if none is configured.
func (c TelegramConfig) Token(botID int64) string {
	raw, ok := c.Tokens[strconv.FormatInt(botID, 10)]
	if !ok {
		return ""
	}
	return strings.TrimSpace(os.ExpandEnv(raw))
}

// ResolvedDSN returns DSN with environment references expanded.
func (s StorageConfig) ResolvedDSN() string {
	return strings.TrimSpace(os.ExpandEnv(s.DSN))
}
