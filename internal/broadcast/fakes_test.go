package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"offerbot/internal/transport"
)

// manualClock only moves when Advance is called. Sleepers wake once the
// clock has reached their deadline.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	until time.Time
	ch    chan struct{}
}

func newManualClock(now time.Time) *manualClock { return &manualClock{now: now} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	c.mu.Lock()
	w := &waiter{until: c.now.Add(d), ch: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, x := range c.waiters {
			if x == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	keep := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.until.After(c.now) {
			close(w.ch)
			continue
		}
		keep = append(keep, w)
	}
	c.waiters = keep
}

func (c *manualClock) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// instantClock returns from Sleep immediately and records what was asked.
type instantClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// cancelAfter, when > 0, cancels cancel on the n-th Sleep.
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	c.mu.Unlock()
	if c.cancelAfter > 0 && n == c.cancelAfter && c.cancel != nil {
		c.cancel()
	}
	return ctx.Err()
}

func (c *instantClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fakeAudience struct {
	users map[int64][]int64
	err   error
}

func (f *fakeAudience) Users(_ context.Context, botID int64) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[botID], nil
}

type fakeCatalog struct {
	plans map[int64][]Plan
	err   error
}

func (f *fakeCatalog) Plans(_ context.Context, botID int64) ([]Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plans[botID], nil
}

type paymentCall struct {
	UserID int64
	Offer  Offer
	Label  string
	BotID  int64
}

type fakePayments struct {
	mu     sync.Mutex
	calls  []paymentCall
	failOn map[int64]bool
}

func (f *fakePayments) CreatePayment(_ context.Context, userID int64, offer Offer, label string, botID int64) (PaymentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[userID] {
		return "", errors.New("payment backend down")
	}
	f.calls = append(f.calls, paymentCall{UserID: userID, Offer: offer, Label: label, BotID: botID})
	return PaymentHandle(fmt.Sprintf("p%d", len(f.calls))), nil
}

func (f *fakePayments) Calls() []paymentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]paymentCall(nil), f.calls...)
}

type delivery struct {
	BotID   int64
	UserID  int64
	Content transport.Content
	KB      transport.Keyboard
}

type fakeDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
	failOn     map[int64]bool
	panicOn    map[int64]bool
}

func (f *fakeDeliverer) Deliver(_ context.Context, botID, userID int64, c transport.Content, kb transport.Keyboard) error {
	if f.panicOn[userID] {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[userID] {
		return errors.New("bot was blocked by the user")
	}
	f.deliveries = append(f.deliveries, delivery{BotID: botID, UserID: userID, Content: c, KB: kb})
	return nil
}

func (f *fakeDeliverer) Deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.deliveries...)
}

type fakeDefinitions struct {
	mu    sync.Mutex
	defs  map[int64][]Definition
	err   error
	calls int
}

func (f *fakeDefinitions) ScheduledBroadcasts(_ context.Context, botID int64) ([]Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Definition(nil), f.defs[botID]...), nil
}

func (f *fakeDefinitions) set(botID int64, defs ...Definition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.defs == nil {
		f.defs = map[int64][]Definition{}
	}
	f.defs[botID] = defs
}

func (f *fakeDefinitions) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// countingRunner records runs and returns err.
type countingRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *countingRunner) Run(_ context.Context, def Definition, botID int64) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, fmt.Sprintf("%d/%s", botID, def.ID))
	return Report{BroadcastID: def.ID, BotID: botID}, r.err
}

func (r *countingRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
