package app

import (
	"strconv"
	"strings"

	"offerbot/internal/broadcast"
	"offerbot/internal/config"
	"offerbot/internal/httpapi"
	"offerbot/internal/storage"
	"offerbot/internal/transport/telegram"
	logx "offerbot/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          sc.ResolvedDSN(),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapDeliveryConfig(cfg *Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDurationField("telegram.request_timeout", tc.RequestTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	open, err := config.ParseDurationField("telegram.breaker.open_timeout", tc.Breaker.OpenTimeout)
	if err != nil {
		return telegram.Config{}, err
	}

	tokens := make(map[int64]string, len(tc.Tokens))
	for k := range tc.Tokens {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			continue
		}
		if t := tc.Token(id); t != "" {
			tokens[id] = t
		}
	}
	return telegram.Config{
		APIURL:             strings.TrimSpace(tc.APIURL),
		Tokens:             tokens,
		RatePerSec:         tc.RatePerSec,
		Burst:              tc.Burst,
		RequestTimeout:     timeout,
		BreakerMaxFailures: tc.Breaker.MaxFailures,
		BreakerOpenTimeout: open,
	}, nil
}

// mapDispatchConfig applies the defaults of omitted fields. An explicit empty
// currency or label suffix is kept; an explicit "0s" pace disables pacing.
func mapDispatchConfig(cfg *Config) (broadcast.DispatchConfig, error) {
	dc := cfg.Dispatch
	out := broadcast.DefaultDispatchConfig()
	if strings.TrimSpace(dc.Pace) != "" {
		pace, err := config.ParseDurationField("dispatch.pace", dc.Pace)
		if err != nil {
			return broadcast.DispatchConfig{}, err
		}
		out.Pace = pace
		if pace == 0 {
			out.Pace = broadcast.NoPace
		}
	}
	if dc.Currency != nil {
		out.Currency = *dc.Currency
	}
	if dc.PaymentLabelSuffix != nil {
		out.PaymentLabelSuffix = *dc.PaymentLabelSuffix
	}
	if s := strings.TrimSpace(dc.FallbackText); s != "" {
		out.FallbackText = s
	}
	if s := strings.TrimSpace(dc.CallbackPrefix); s != "" {
		out.CallbackPrefix = s
	}
	return out, nil
}

func mapRegistryConfig(cfg *Config) (broadcast.RegistryConfig, error) {
	sc := cfg.Scheduler
	cooldown, err := parseDurationOrDefault("scheduler.cooldown", sc.Cooldown, broadcast.DefaultCooldown)
	if err != nil {
		return broadcast.RegistryConfig{}, err
	}
	backoff, err := parseDurationOrDefault("scheduler.retry_backoff", sc.RetryBackoff, broadcast.DefaultRetryBackoff)
	if err != nil {
		return broadcast.RegistryConfig{}, err
	}
	return broadcast.RegistryConfig{
		Timezone:         strings.TrimSpace(sc.Timezone),
		Cooldown:         cooldown,
		RetryBackoff:     backoff,
		StartConcurrency: sc.StartConcurrency,
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        strings.TrimSpace(hc.Token),
		ReadTimeout:  read,
		WriteTimeout: write,
		Pprof:        hc.Pprof,
	}, nil
}
