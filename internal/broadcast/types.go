package broadcast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"offerbot/internal/transport"
)

// Definition is one configured recurring broadcast of a tenant.
//
// Definitions are read-only to this package. A changed definition is picked up
// on the next Registry.Start for its tenant, never by a running loop.
type Definition struct {
	ID    string
	BotID int64

	// Time is the daily fire time "HH:MM" in the registry timezone.
	Time string

	// Discount is a percentage in [0, 100].
	Discount decimal.Decimal

	Media *transport.Media
	Text  string
}

// Plan is a sellable offering from the tenant catalog.
type Plan struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// Offer is a plan priced for one broadcast. It is built fresh per
// (broadcast, user, plan) and carries its promotional provenance so the
// payment record reflects it.
type Offer struct {
	Plan          Plan
	Price         decimal.Decimal
	OriginalPrice decimal.Decimal
	Discount      decimal.Decimal

	BroadcastID        string
	ScheduledBroadcast bool
}

// PaymentHandle identifies a payment created for an Offer.
type PaymentHandle string

// Report summarizes one dispatch.
type Report struct {
	BroadcastID string
	BotID       int64
	Total       int
	Sent        int
	Errors      int
	// Aborted is set when the dispatch was cancelled before every user was processed.
	Aborted    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// ---- Collaborators ----

// Audience lists the users of a tenant, in delivery order.
type Audience interface {
	Users(ctx context.Context, botID int64) ([]int64, error)
}

// Catalog lists the plans of a tenant, in display order.
type Catalog interface {
	Plans(ctx context.Context, botID int64) ([]Plan, error)
}

// Definitions lists the scheduled broadcasts of a tenant.
type Definitions interface {
	ScheduledBroadcasts(ctx context.Context, botID int64) ([]Definition, error)
}

// Payments creates a payment record for an offer made to one user.
type Payments interface {
	CreatePayment(ctx context.Context, userID int64, offer Offer, label string, botID int64) (PaymentHandle, error)
}

// Runner executes one dispatch. *Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, def Definition, botID int64) (Report, error)
}

// ---- Clock ----

// Clock is the time source of loops and dispatches.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
