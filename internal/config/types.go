package config

// Config is the process configuration.
//
// All durations are Go duration strings (e.g. "50ms", "60s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	HTTP      HTTPConfig      `json:"http,omitempty"`

	// Bots lists the tenant bot ids started at boot. If empty, every bot
	// known to storage is started.
	Bots []int64 `json:"bots,omitempty" validate:"dive,gt=0"`
}

// TelegramConfig controls outbound delivery.
//
// Tokens maps a bot id (as a string key) to its token. Values may reference
// environment variables ("${BOT_1_TOKEN}"). Bots missing here fall back to the
// token stored with the tenant.
type TelegramConfig struct {
	APIURL string            `json:"api_url,omitempty" validate:"omitempty,url"`
	Tokens map[string]string `json:"tokens,omitempty"`

	// RatePerSec and Burst bound sends per bot.
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`

	// RequestTimeout is the HTTP timeout of one Bot API call.
	RequestTimeout string `json:"request_timeout,omitempty"`

	Breaker BreakerConfig `json:"breaker,omitempty"`
}

// BreakerConfig controls the per-bot circuit breaker.
//
// Defaults: max_failures 5, open_timeout "30s".
type BreakerConfig struct {
	MaxFailures uint32 `json:"max_failures,omitempty"`
	OpenTimeout string `json:"open_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/offerbot.db" }
//	"storage": { "driver": "postgres", "dsn": "${DATABASE_URL}" }
//	"storage": { "driver": "file", "path": "./catalog.yaml" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"required,oneof=file sqlite postgres"`
	Path         string `json:"path,omitempty" validate:"required_unless=Driver postgres"`
	DSN          string `json:"dsn,omitempty" validate:"required_if=Driver postgres"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls broadcast loops.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "America/Sao_Paulo"
//   - cooldown: "60s"
//   - retry_backoff: "60s"
//   - resync: "" (disabled)
type SchedulerConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	Cooldown     string `json:"cooldown,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`

	// Resync is an optional cron spec ("0 */6 * * *", "@every 1h") that
	// restarts every configured tenant so catalog edits are picked up.
	Resync string `json:"resync,omitempty"`

	StartConcurrency int `json:"start_concurrency,omitempty" validate:"gte=0"`
}

// DispatchConfig controls offer rendering and pacing.
//
// Defaults: pace "50ms", currency "R$", fallback_text "Oferta especial!",
// callback_prefix "pagar_", payment_label_suffix "Broadcast".
type DispatchConfig struct {
	Pace               string  `json:"pace,omitempty"`
	Currency           *string `json:"currency,omitempty"`
	FallbackText       string  `json:"fallback_text,omitempty"`
	CallbackPrefix     string  `json:"callback_prefix,omitempty" validate:"omitempty,max=24"`
	PaymentLabelSuffix *string `json:"payment_label_suffix,omitempty"`
}

// HTTPConfig controls the operator API. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string `json:"token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof mounts the runtime profiler under /debug behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}
