package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"offerbot/internal/eventbus"
	"offerbot/internal/transport"
	logx "offerbot/pkg/logx"
)

// DispatchConfig controls offer rendering and fan-out pacing.
type DispatchConfig struct {
	// Pace is the pause after each user before the next one (transport rate
	// limits). Zero means DefaultPace; NoPace (or any negative value) turns
	// pacing off.
	Pace time.Duration

	Currency           string
	FallbackText       string
	CallbackPrefix     string
	PaymentLabelSuffix string
}

const (
	DefaultPace               = 50 * time.Millisecond
	DefaultCurrency           = "R$"
	DefaultFallbackText       = "Oferta especial!"
	DefaultCallbackPrefix     = "pagar_"
	DefaultPaymentLabelSuffix = "Broadcast"

	// NoPace disables the pause between users.
	NoPace time.Duration = -1
)

func (c DispatchConfig) withDefaults() DispatchConfig {
	switch {
	case c.Pace == 0:
		c.Pace = DefaultPace
	case c.Pace < 0:
		c.Pace = NoPace
	}
	if c.FallbackText == "" {
		c.FallbackText = DefaultFallbackText
	}
	if c.CallbackPrefix == "" {
		c.CallbackPrefix = DefaultCallbackPrefix
	}
	return c
}

// DefaultDispatchConfig returns the reference dispatch settings.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Pace:               DefaultPace,
		Currency:           DefaultCurrency,
		FallbackText:       DefaultFallbackText,
		CallbackPrefix:     DefaultCallbackPrefix,
		PaymentLabelSuffix: DefaultPaymentLabelSuffix,
	}
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Audience  Audience
	Catalog   Catalog
	Payments  Payments
	Deliverer transport.Deliverer

	Clock Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

// Dispatcher fans one broadcast out to every user of a tenant. It holds no
// per-dispatch state, so one Dispatcher serves all loops concurrently.
type Dispatcher struct {
	mu  sync.RWMutex
	cfg DispatchConfig

	deps DispatcherDeps
	log  logx.Logger
}

func NewDispatcher(cfg DispatchConfig, deps DispatcherDeps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg.withDefaults(), deps: deps, log: log}
}

// Apply swaps the dispatch settings. Dispatches already running keep the
// settings they started with.
func (d *Dispatcher) Apply(cfg DispatchConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Run executes one dispatch of def for tenant botID.
//
// An empty user list or plan catalog is a no-op. A failed lookup returns an
// ErrFetch error. Per-user failures are counted in the Report and never abort
// the batch. If ctx is cancelled between users, Run stops early and returns
// ctx.Err() with Report.Aborted set.
func (d *Dispatcher) Run(ctx context.Context, def Definition, botID int64) (Report, error) {
	cfg := d.config()
	clock := d.deps.Clock
	log := d.log.With(logx.Int64("bot_id", botID), logx.String("broadcast_id", def.ID))

	rep := Report{BroadcastID: def.ID, BotID: botID, StartedAt: clock.Now()}

	users, err := d.deps.Audience.Users(ctx, botID)
	if err != nil {
		return rep, FetchError("users", err)
	}
	if len(users) == 0 {
		log.Debug("dispatch skipped: no users")
		return rep, nil
	}
	plans, err := d.deps.Catalog.Plans(ctx, botID)
	if err != nil {
		return rep, FetchError("plans", err)
	}
	if len(plans) == 0 {
		log.Debug("dispatch skipped: no plans")
		return rep, nil
	}

	rep.Total = len(users)
	log.Info("dispatch started", logx.Int("users", len(users)), logx.Int("plans", len(plans)))

	content := MessageContent(def, cfg.FallbackText)
	for i, userID := range users {
		if ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		if err := d.sendOne(ctx, cfg, def, botID, userID, plans, content); err != nil {
			rep.Errors++
			log.Warn("dispatch to user failed", logx.Int64("user_id", userID), logx.Err(err))
		} else {
			rep.Sent++
		}
		if i == len(users)-1 || cfg.Pace < 0 {
			continue
		}
		if err := clock.Sleep(ctx, cfg.Pace); err != nil {
			rep.Aborted = true
			break
		}
	}
	rep.FinishedAt = clock.Now()

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	switch {
	case rep.Aborted:
		log.Warn("dispatch aborted", fields...)
	case rep.Errors > 0:
		log.Warn("dispatch finished with failures", fields...)
	default:
		log.Info("dispatch finished", fields...)
	}
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.Event{Type: EventDispatchFinished, Time: rep.FinishedAt, Data: rep})
	}

	if rep.Aborted {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		return rep, context.Canceled
	}
	return rep, nil
}

// sendOne creates one payment per plan for userID and delivers the offer.
// Payment creation and delivery are sequential: every button references the
// payment created just before.
func (d *Dispatcher) sendOne(ctx context.Context, cfg DispatchConfig, def Definition, botID, userID int64, plans []Plan, content transport.Content) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in dispatch", logx.Int64("user_id", userID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = recipientError(userID, "panic", fmt.Errorf("%v", r))
		}
	}()

	buttons := make([]transport.Button, 0, len(plans))
	for _, p := range plans {
		offer := NewOffer(p, def)
		h, err := d.deps.Payments.CreatePayment(ctx, userID, offer, PaymentLabel(p, cfg.PaymentLabelSuffix), botID)
		if err != nil {
			return recipientError(userID, "create payment for plan "+p.ID, err)
		}
		buttons = append(buttons, transport.Button{Text: offer.Label(cfg.Currency), Data: cfg.CallbackPrefix + string(h)})
	}

	if err := d.deps.Deliverer.Deliver(ctx, botID, userID, content, transport.Column(buttons...)); err != nil {
		return recipientError(userID, "deliver", err)
	}
	return nil
}
