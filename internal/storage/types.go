package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"offerbot/internal/broadcast"
)

var (
	// ErrNotFound is returned when a tenant or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by calls on a closed store.
	ErrClosed = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": YAML/JSON catalog file; payments and reports go to JSON Lines next to it
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL (DSN)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store is the persistence API of the bot. It backs every collaborator the
// broadcast package needs.
type Store interface {
	broadcast.Audience
	broadcast.Catalog
	broadcast.Definitions
	broadcast.Payments

	// Bots lists the ids of every active tenant, ascending.
	Bots(ctx context.Context) ([]int64, error)
	// BotToken returns the Bot API token of a tenant (ErrNotFound if unknown).
	BotToken(ctx context.Context, botID int64) (string, error)
	// Payment returns a payment created by CreatePayment.
	Payment(ctx context.Context, id string) (Payment, error)
	// AppendDispatchReport records the outcome of one dispatch.
	AppendDispatchReport(ctx context.Context, r broadcast.Report) error

	Close() error
}

// PaymentStatusPending is the status of a freshly created payment.
const PaymentStatusPending = "pending"

// Payment is a payment record created for one offer.
type Payment struct {
	ID     string `json:"id"`
	BotID  int64  `json:"bot_id"`
	UserID int64  `json:"user_id"`
	PlanID string `json:"plan_id"`
	Label  string `json:"label"`

	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	Discount       decimal.Decimal `json:"discount"`

	BroadcastID        string `json:"broadcast_id,omitempty"`
	ScheduledBroadcast bool   `json:"scheduled_broadcast"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// DispatchRecord is a stored broadcast.Report.
type DispatchRecord struct {
	ID          string    `json:"id"`
	BotID       int64     `json:"bot_id"`
	BroadcastID string    `json:"broadcast_id"`
	Total       int       `json:"total"`
	Sent        int       `json:"sent"`
	Errors      int       `json:"errors"`
	Aborted     bool      `json:"aborted"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func newPayment(id string, userID int64, offer broadcast.Offer, label string, botID int64, now time.Time) Payment {
	return Payment{
		ID:                 id,
		BotID:              botID,
		UserID:             userID,
		PlanID:             offer.Plan.ID,
		Label:              label,
		Amount:             offer.Price,
		OriginalAmount:     offer.OriginalPrice,
		Discount:           offer.Discount,
		BroadcastID:        offer.BroadcastID,
		ScheduledBroadcast: offer.ScheduledBroadcast,
		Status:             PaymentStatusPending,
		CreatedAt:          now.UTC(),
	}
}

func newDispatchRecord(id string, r broadcast.Report) DispatchRecord {
	return DispatchRecord{
		ID:          id,
		BotID:       r.BotID,
		BroadcastID: r.BroadcastID,
		Total:       r.Total,
		Sent:        r.Sent,
		Errors:      r.Errors,
		Aborted:     r.Aborted,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  r.FinishedAt.UTC(),
	}
}
