package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"offerbot/internal/broadcast"
	"offerbot/internal/transport"
	logx "offerbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore is the database/sql backend shared by the sqlite and postgres
// drivers. Queries are written with "?" placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger

	now   func() time.Time
	newID func() string
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, dialect: d, log: log, now: time.Now, newID: uuid.NewString}
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate applies migrations.sql one statement at a time. Every statement is
// idempotent.
func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Users(ctx context.Context, botID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT user_id FROM bot_users WHERE bot_id = ? AND blocked = 0 ORDER BY joined_at, user_id`), botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) Plans(ctx context.Context, botID int64) ([]broadcast.Plan, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, price FROM plans WHERE bot_id = ? AND active = 1 ORDER BY sort_order, id`), botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Plan
	for rows.Next() {
		var (
			p     broadcast.Plan
			price string
		)
		if err := rows.Scan(&p.ID, &p.Name, &price); err != nil {
			return nil, err
		}
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("plan %s: price %q: %w", p.ID, price, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) ScheduledBroadcasts(ctx context.Context, botID int64) ([]broadcast.Definition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, fire_time, discount, media_kind, media_file, message
		 FROM scheduled_broadcasts WHERE bot_id = ? AND active = 1 ORDER BY fire_time, id`), botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Definition
	for rows.Next() {
		var (
			def                 = broadcast.Definition{BotID: botID}
			discount, kind, src string
		)
		if err := rows.Scan(&def.ID, &def.Time, &discount, &kind, &src, &def.Text); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(strings.TrimSpace(discount))
		if err != nil {
			s.log.Error("scheduled broadcast skipped: bad discount",
				logx.Int64("bot_id", botID), logx.String("broadcast_id", def.ID), logx.String("discount", discount))
			continue
		}
		def.Discount = d
		if kind != "" || src != "" {
			def.Media = &transport.Media{Kind: transport.MediaKind(kind), File: src}
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreatePayment(ctx context.Context, userID int64, offer broadcast.Offer, label string, botID int64) (broadcast.PaymentHandle, error) {
	p := newPayment(s.newID(), userID, offer, label, botID, s.now())
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO payments(id, bot_id, user_id, plan_id, label, amount, original_amount, discount,
		   broadcast_id, scheduled_broadcast, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.BotID, p.UserID, p.PlanID, p.Label,
		p.Amount.String(), p.OriginalAmount.String(), p.Discount.String(),
		p.BroadcastID, boolInt(p.ScheduledBroadcast), p.Status, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return broadcast.PaymentHandle(p.ID), nil
}

func (s *sqlStore) Payment(ctx context.Context, id string) (Payment, error) {
	var (
		p                          = Payment{ID: id}
		amount, original, discount string
		scheduled                  int
		created                    int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT bot_id, user_id, plan_id, label, amount, original_amount, discount,
		   broadcast_id, scheduled_broadcast, status, created_at
		 FROM payments WHERE id = ?`), id).
		Scan(&p.BotID, &p.UserID, &p.PlanID, &p.Label, &amount, &original, &discount,
			&p.BroadcastID, &scheduled, &p.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, err
	}
	if p.OriginalAmount, err = decimal.NewFromString(original); err != nil {
		return Payment{}, err
	}
	if p.Discount, err = decimal.NewFromString(discount); err != nil {
		return Payment{}, err
	}
	p.ScheduledBroadcast = scheduled != 0
	p.CreatedAt = time.UnixMilli(created).UTC()
	return p, nil
}

func (s *sqlStore) Bots(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM bots WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) BotToken(ctx context.Context, botID int64) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT token FROM bots WHERE id = ?`), botID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return token, err
}

func (s *sqlStore) AppendDispatchReport(ctx context.Context, r broadcast.Report) error {
	rec := newDispatchRecord(s.newID(), r)
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO dispatch_reports(id, bot_id, broadcast_id, total, sent, errors, aborted, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`),
		rec.ID, rec.BotID, rec.BroadcastID, rec.Total, rec.Sent, rec.Errors, boolInt(rec.Aborted),
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
