package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"offerbot/internal/broadcast"
	"offerbot/internal/config"
	"offerbot/internal/transport"
	logx "offerbot/pkg/logx"
)

// fileStore reads tenants from an operator-maintained catalog file and
// appends what it writes to JSON Lines files next to it.
//
// Files:
//   - <path>                    (catalog, YAML or JSON, reloaded when modified)
//   - <prefix>.payments.jsonl   (append-only)
//   - <prefix>.dispatches.jsonl (append-only)
type fileStore struct {
	log logx.Logger

	catalogPath string

	mu       sync.Mutex
	catalog  map[int64]catalogBot
	modTime  time.Time
	size     int64
	payments map[string]Payment

	paymentsFile   *os.File
	dispatchesFile *os.File

	now   func() time.Time
	newID func() string
}

type catalogFile struct {
	Bots []catalogBot `json:"bots"`
}

type catalogBot struct {
	ID         int64              `json:"id"`
	Token      string             `json:"token"`
	Name       string             `json:"name,omitempty"`
	Disabled   bool               `json:"disabled,omitempty"`
	Users      []int64            `json:"users,omitempty"`
	Plans      []catalogPlan      `json:"plans,omitempty"`
	Broadcasts []catalogBroadcast `json:"broadcasts,omitempty"`
}

type catalogPlan struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Disabled bool            `json:"disabled,omitempty"`
}

type catalogBroadcast struct {
	ID       string           `json:"id"`
	Time     string           `json:"time"`
	Discount decimal.Decimal  `json:"discount"`
	Media    *transport.Media `json:"media,omitempty"`
	Text     string           `json:"text,omitempty"`
	Disabled bool             `json:"disabled,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		catalogPath: path,
		payments:    map[string]Payment{},
		now:         time.Now,
		newID:       uuid.NewString,
	}
	if _, err := s.bots(); err != nil {
		return nil, err
	}
	if err := replayPayments(prefix+".payments.jsonl", s.payments); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("payments journal replay failed", logx.Err(err))
	}

	var err error
	if s.paymentsFile, err = openAppend(prefix + ".payments.jsonl"); err != nil {
		return nil, err
	}
	if s.dispatchesFile, err = openAppend(prefix + ".dispatches.jsonl"); err != nil {
		_ = s.paymentsFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func replayPayments(path string, out map[string]Payment) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var p Payment
		if err := json.Unmarshal(sc.Bytes(), &p); err != nil || p.ID == "" {
			continue
		}
		out[p.ID] = p
	}
	return sc.Err()
}

// bots returns the catalog, reloading the file when its size or mtime changed.
// A catalog that fails to parse keeps the previous one in place.
func (s *fileStore) bots() (map[int64]catalogBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := os.Stat(s.catalogPath)
	if err != nil {
		if s.catalog != nil {
			s.log.Warn("catalog unavailable; serving last good copy", logx.Err(err))
			return s.catalog, nil
		}
		return nil, err
	}
	if s.catalog != nil && st.ModTime().Equal(s.modTime) && st.Size() == s.size {
		return s.catalog, nil
	}

	b, err := os.ReadFile(s.catalogPath)
	if err != nil {
		return nil, err
	}
	var cf catalogFile
	if err := config.DecodeStrict(s.catalogPath, b, &cf); err != nil {
		if s.catalog != nil {
			s.log.Error("catalog reload failed; serving last good copy", logx.Err(err))
			return s.catalog, nil
		}
		return nil, fmt.Errorf("catalog %s: %w", s.catalogPath, err)
	}

	m := make(map[int64]catalogBot, len(cf.Bots))
	for _, cb := range cf.Bots {
		if cb.ID == 0 {
			return nil, fmt.Errorf("catalog %s: bot without id", s.catalogPath)
		}
		if _, dup := m[cb.ID]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate bot %d", s.catalogPath, cb.ID)
		}
		m[cb.ID] = cb
	}
	s.catalog, s.modTime, s.size = m, st.ModTime(), st.Size()
	s.log.Debug("catalog loaded", logx.Int("bots", len(m)))
	return m, nil
}

func (s *fileStore) bot(botID int64) (catalogBot, bool, error) {
	m, err := s.bots()
	if err != nil {
		return catalogBot{}, false, err
	}
	b, ok := m[botID]
	return b, ok, nil
}

func (s *fileStore) Users(_ context.Context, botID int64) ([]int64, error) {
	b, _, err := s.bot(botID)
	if err != nil {
		return nil, err
	}
	return append([]int64(nil), b.Users...), nil
}

func (s *fileStore) Plans(_ context.Context, botID int64) ([]broadcast.Plan, error) {
	b, _, err := s.bot(botID)
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.Plan, 0, len(b.Plans))
	for _, p := range b.Plans {
		if p.Disabled {
			continue
		}
		out = append(out, broadcast.Plan{ID: p.ID, Name: p.Name, Price: p.Price})
	}
	return out, nil
}

func (s *fileStore) ScheduledBroadcasts(_ context.Context, botID int64) ([]broadcast.Definition, error) {
	b, _, err := s.bot(botID)
	if err != nil {
		return nil, err
	}
	out := make([]broadcast.Definition, 0, len(b.Broadcasts))
	for _, sb := range b.Broadcasts {
		if sb.Disabled {
			continue
		}
		def := broadcast.Definition{
			ID:       sb.ID,
			BotID:    botID,
			Time:     sb.Time,
			Discount: sb.Discount,
			Text:     sb.Text,
		}
		if sb.Media != nil {
			m := *sb.Media
			def.Media = &m
		}
		out = append(out, def)
	}
	return out, nil
}

func (s *fileStore) Bots(context.Context) ([]int64, error) {
	m, err := s.bots()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(m))
	for id, b := range m {
		if !b.Disabled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fileStore) BotToken(_ context.Context, botID int64) (string, error) {
	b, ok, err := s.bot(botID)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(b.Token) == "" {
		return "", ErrNotFound
	}
	return strings.TrimSpace(os.ExpandEnv(b.Token)), nil
}

func (s *fileStore) CreatePayment(_ context.Context, userID int64, offer broadcast.Offer, label string, botID int64) (broadcast.PaymentHandle, error) {
	p := newPayment(s.newID(), userID, offer, label, botID, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paymentsFile == nil {
		return "", ErrClosed
	}
	if err := json.NewEncoder(s.paymentsFile).Encode(p); err != nil {
		return "", err
	}
	s.payments[p.ID] = p
	return broadcast.PaymentHandle(p.ID), nil
}

func (s *fileStore) Payment(_ context.Context, id string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) AppendDispatchReport(_ context.Context, r broadcast.Report) error {
	rec := newDispatchRecord(s.newID(), r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchesFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.dispatchesFile).Encode(rec)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.paymentsFile != nil {
		errs = append(errs, s.paymentsFile.Close())
		s.paymentsFile = nil
	}
	if s.dispatchesFile != nil {
		errs = append(errs, s.dispatchesFile.Close())
		s.dispatchesFile = nil
	}
	return errors.Join(errs...)
}
