package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"offerbot/internal/transport"
	logx "offerbot/pkg/logx"
)

// TokenSource resolves the Bot API token of a tenant.
type TokenSource interface {
	BotToken(ctx context.Context, botID int64) (string, error)
}

type Config struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL string
	// Tokens are static tokens by bot id; they win over the TokenSource.
	Tokens map[int64]string

	RatePerSec     float64
	Burst          int
	RequestTimeout time.Duration

	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	// MaxFloodWait caps how long a send waits after a 429 before retrying once.
	MaxFloodWait time.Duration
}

const (
	DefaultRatePerSec         = 25
	DefaultRequestTimeout     = 10 * time.Second
	DefaultBreakerMaxFailures = 5
	DefaultBreakerOpenTimeout = 30 * time.Second
	DefaultMaxFloodWait       = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = DefaultBreakerOpenTimeout
	}
	if c.MaxFloodWait <= 0 {
		c.MaxFloodWait = DefaultMaxFloodWait
	}
	return c
}

// Deliverer sends offers through the Bot API, one client per tenant bot.
// Clients are created on first use and carry their own rate limiter and
// circuit breaker, so a misbehaving tenant never slows another one down.
type Deliverer struct {
	tokens TokenSource
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	clients map[int64]*client
}

type client struct {
	botID   int64
	bot     *tele.Bot
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*tele.Message]
}

func New(cfg Config, tokens TokenSource, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{
		cfg:     cfg.withDefaults(),
		tokens:  tokens,
		log:     log,
		clients: map[int64]*client{},
	}
}

// Apply swaps the config. Existing clients are dropped and rebuilt on next use.
func (d *Deliverer) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.clients = map[int64]*client{}
	d.mu.Unlock()
	d.log.Info("telegram delivery config applied", logx.Float64("rate_per_sec", cfg.RatePerSec))
}

// Forget drops the cached client of botID (e.g. after a token rotation).
func (d *Deliverer) Forget(botID int64) {
	d.mu.Lock()
	delete(d.clients, botID)
	d.mu.Unlock()
}

func (d *Deliverer) client(ctx context.Context, botID int64) (*client, error) {
	d.mu.Lock()
	if c := d.clients[botID]; c != nil {
		d.mu.Unlock()
		return c, nil
	}
	cfg := d.cfg
	d.mu.Unlock()

	token := strings.TrimSpace(cfg.Tokens[botID])
	if token == "" {
		if d.tokens == nil {
			return nil, fmt.Errorf("%w: bot %d", ErrNoToken, botID)
		}
		t, err := d.tokens.BotToken(ctx, botID)
		if err != nil {
			return nil, fmt.Errorf("%w: bot %d: %w", ErrNoToken, botID, err)
		}
		token = strings.TrimSpace(t)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: bot %d", ErrNoToken, botID)
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   token,
		Client:  &http.Client{Timeout: cfg.RequestTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	c := &client{
		botID:   botID,
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker[*tele.Message](gobreaker.Settings{
			Name:        "telegram:" + strconv.FormatInt(botID, 10),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
			},
			// A user who blocked the bot says nothing about the Bot API's health.
			IsSuccessful: func(err error) bool { return err == nil || IsRecipientError(err) },
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.log.Warn("telegram breaker state changed",
					logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
			},
		}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing := d.clients[botID]; existing != nil {
		return existing, nil
	}
	d.clients[botID] = c
	return c, nil
}

// Deliver sends c to userID through tenant botID's bot.
func (d *Deliverer) Deliver(ctx context.Context, botID, userID int64, c transport.Content, kb transport.Keyboard) error {
	cl, err := d.client(ctx, botID)
	if err != nil {
		return err
	}
	what, err := payload(c)
	if err != nil {
		return err
	}
	opts := &tele.SendOptions{ReplyMarkup: markup(kb)}

	d.mu.Lock()
	maxFlood := d.cfg.MaxFloodWait
	d.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if err := cl.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err = cl.breaker.Execute(func() (*tele.Message, error) {
			return cl.bot.Send(tele.ChatID(userID), what, opts)
		})
		if err == nil {
			return nil
		}

		var flood tele.FloodError
		if attempt == 0 && errors.As(err, &flood) {
			wait := time.Duration(flood.RetryAfter) * time.Second
			if wait <= 0 || wait > maxFlood {
				return fmt.Errorf("%w: retry after %s", ErrFlood, wait)
			}
			d.log.Warn("telegram flood control; retrying", logx.Int64("bot_id", botID), logx.Duration("retry_after", wait))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			continue
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: bot %d: %w", ErrUnavailable, botID, err)
		}
		return err
	}
}

// payload maps content to what telebot sends: a string, or a photo/video with
// an optional caption. Media files are Telegram file ids or http(s) URLs.
func payload(c transport.Content) (any, error) {
	if c.Media == nil {
		if strings.TrimSpace(c.Text) == "" {
			return nil, errors.New("telegram: empty message")
		}
		return c.Text, nil
	}
	file := mediaFile(c.Media.File)
	switch c.Media.Kind {
	case transport.MediaPhoto:
		return &tele.Photo{File: file, Caption: c.Text}, nil
	case transport.MediaVideo:
		return &tele.Video{File: file, Caption: c.Text}, nil
	default:
		return nil, fmt.Errorf("telegram: unsupported media kind %q", c.Media.Kind)
	}
}

func mediaFile(ref string) tele.File {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return tele.FromURL(ref)
	}
	return tele.File{FileID: ref}
}

func markup(kb transport.Keyboard) *tele.ReplyMarkup {
	if len(kb) == 0 {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, row := range kb {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		rows = append(rows, btns)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
