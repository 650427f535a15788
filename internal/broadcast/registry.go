package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"offerbot/internal/eventbus"
	"offerbot/internal/runtime/supervisor"
	logx "offerbot/pkg/logx"
)

// RegistryConfig controls every loop started by a Registry.
type RegistryConfig struct {
	// Timezone is the IANA zone all fire times are read in.
	Timezone string
	// Cooldown is the pause after each dispatch before the next fire is computed.
	Cooldown time.Duration
	// RetryBackoff is the pause after an unexpected scheduling error.
	RetryBackoff time.Duration
	// StartConcurrency bounds parallel starts in StartAll.
	StartConcurrency int
}

const (
	DefaultTimezone     = "America/Sao_Paulo"
	DefaultCooldown     = 60 * time.Second
	DefaultRetryBackoff = 60 * time.Second
)

// RegistryDeps are the collaborators of a Registry.
type RegistryDeps struct {
	Definitions Definitions
	Runner      Runner

	Clock Clock
	Bus   eventbus.Bus
	Log   logx.Logger
}

// Registry maps tenant ids to the loops currently running for them.
//
// Start and Stop for the same tenant are serialized; different tenants never
// contend beyond a short map lookup.
type Registry struct {
	cfg  RegistryConfig
	loc  *time.Location
	deps RegistryDeps
	log  logx.Logger

	root       context.Context
	rootCancel context.CancelFunc
	loops      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	slots  map[int64]*slot
}

// slot serializes Start/Stop of one tenant. refs counts the Start/Stop calls
// holding or waiting for mu; it is guarded by Registry.mu. A slot leaves the
// map once it has no loops and no callers, so two callers never lock
// different slots for the same tenant.
type slot struct {
	mu   sync.Mutex
	refs int
	gen  *generation
}

// generation is one Start's worth of loops for a tenant.
type generation struct {
	sup     *supervisor.Supervisor
	handles []*Handle
}

func NewRegistry(cfg RegistryConfig, deps RegistryDeps) (*Registry, error) {
	if deps.Definitions == nil {
		return nil, errors.New("broadcast: definitions source required")
	}
	if deps.Runner == nil {
		return nil, errors.New("broadcast: runner required")
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(strings.TrimSpace(cfg.Timezone))
	if err != nil {
		return nil, fmt.Errorf("broadcast: load timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.StartConcurrency <= 0 {
		cfg.StartConcurrency = 4
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	root, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		loc:        loc,
		deps:       deps,
		log:        log,
		root:       root,
		rootCancel: cancel,
		slots:      map[int64]*slot{},
	}, nil
}

// Location returns the reference timezone.
func (r *Registry) Location() *time.Location { return r.loc }

// acquire returns the slot of botID, creating it if needed. Every acquire
// must be paired with a release made while still holding s.mu.
func (r *Registry) acquire(botID int64) (*slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s := r.slots[botID]
	if s == nil {
		s = &slot{}
		r.slots[botID] = s
	}
	s.refs++
	return s, nil
}

// release drops the caller's reference and forgets an idle slot. The caller
// holds s.mu.
func (r *Registry) release(botID int64, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 && s.gen == nil && r.slots[botID] == s {
		delete(r.slots, botID)
	}
}

// locked runs fn with the slot of botID locked.
func (r *Registry) locked(botID int64, fn func(s *slot) error) error {
	s, err := r.acquire(botID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer r.release(botID, s)
	return fn(s)
}

// Start (re)starts every scheduled broadcast of tenant botID.
//
// The definitions are fetched first; if that fails, the error is returned and
// whatever was running keeps running. Otherwise the previous loops of the
// tenant are cancelled before one new loop per definition is started. A tenant
// without definitions ends up with no loops. A definition that cannot be
// started is logged and skipped.
//
// ctx only bounds the definition lookup; loops live until Stop, the next
// Start or Shutdown.
func (r *Registry) Start(ctx context.Context, botID int64) error {
	return r.locked(botID, func(s *slot) error {
		return r.start(ctx, botID, s)
	})
}

func (r *Registry) start(ctx context.Context, botID int64, s *slot) error {
	defs, err := r.deps.Definitions.ScheduledBroadcasts(ctx, botID)
	if err != nil {
		return FetchError("scheduled broadcasts", err)
	}

	if s.gen != nil {
		r.retire(botID, s.gen, "replaced")
		s.gen = nil
	}
	if len(defs) == 0 {
		r.log.Debug("no scheduled broadcasts", logx.Int64("bot_id", botID))
		return nil
	}

	// A Shutdown may have raced with the fetch.
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	sup := supervisor.New(r.root,
		supervisor.WithLogger(r.log.With(logx.Int64("bot_id", botID))),
		// one failing loop must not take its siblings down
		supervisor.WithCancelOnError(false),
	)
	gen := &generation{sup: sup}
	for _, def := range defs {
		h, err := r.spawn(sup, botID, def)
		if err != nil {
			r.log.Error("broadcast loop not started", logx.Int64("bot_id", botID), logx.String("broadcast_id", def.ID), logx.Err(err))
			continue
		}
		gen.handles = append(gen.handles, h)
	}
	s.gen = gen
	return nil
}

func (r *Registry) spawn(sup *supervisor.Supervisor, botID int64, def Definition) (*Handle, error) {
	if strings.TrimSpace(def.ID) == "" {
		return nil, ConfigError(errors.New("broadcast id required"))
	}
	if def.BotID != 0 && def.BotID != botID {
		return nil, ConfigError(fmt.Errorf("broadcast %s belongs to bot %d", def.ID, def.BotID))
	}
	def.BotID = botID

	ctx, cancel := context.WithCancel(sup.Context())
	now := r.deps.Clock.Now()
	h := newHandle(botID, def, now, cancel)
	l := &loop{
		h:            h,
		runner:       r.deps.Runner,
		clock:        r.deps.Clock,
		loc:          r.loc,
		cooldown:     r.cfg.Cooldown,
		retryBackoff: r.cfg.RetryBackoff,
		log:          r.log.With(logx.Int64("bot_id", botID), logx.String("broadcast_id", def.ID)),
	}

	r.loops.Add(1)
	sup.Go("broadcast:"+def.ID, func(context.Context) error {
		defer r.loops.Done()
		return l.run(ctx)
	})

	r.log.Info("broadcast loop started", logx.Int64("bot_id", botID), logx.String("broadcast_id", def.ID), logx.String("time", def.Time), logx.String("tz", r.loc.String()))
	r.publish(EventLoopStarted, LoopEvent{BotID: botID, BroadcastID: def.ID, At: now})
	return h, nil
}

// retire cancels every loop of gen. It does not wait for them to exit.
func (r *Registry) retire(botID int64, gen *generation, reason string) {
	now := r.deps.Clock.Now()
	for _, h := range gen.handles {
		h.Cancel()
		r.publish(EventLoopStopped, LoopEvent{BotID: botID, BroadcastID: h.BroadcastID, Reason: reason, At: now})
	}
	gen.sup.Cancel()
	r.log.Info("broadcast loops cancelled", logx.Int64("bot_id", botID), logx.Int("loops", len(gen.handles)), logx.String("reason", reason))
}

// Stop cancels every loop of tenant botID and forgets them. It reports whether
// anything was running.
func (r *Registry) Stop(botID int64) bool {
	var stopped bool
	_ = r.locked(botID, func(s *slot) error {
		if s.gen == nil {
			return nil
		}
		r.retire(botID, s.gen, "stopped")
		s.gen = nil
		stopped = true
		return nil
	})
	return stopped
}

// StartAll starts every tenant in botIDs, a few at a time. All tenants are
// attempted; the errors are joined.
func (r *Registry) StartAll(ctx context.Context, botIDs []int64) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(r.cfg.StartConcurrency)
	for _, id := range botIDs {
		g.Go(func() error {
			if err := r.Start(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("bot %s: %w", strconv.FormatInt(id, 10), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Handles returns the loops currently registered for botID, in definition order.
func (r *Registry) Handles(botID int64) []*Handle {
	r.mu.Lock()
	s := r.slots[botID]
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return nil
	}
	return append([]*Handle(nil), s.gen.handles...)
}

// TenantInfo is a point-in-time view of one tenant's loops.
type TenantInfo struct {
	BotID int64        `json:"bot_id"`
	Loops []HandleInfo `json:"loops"`
}

// Tenant returns the view of botID, false if nothing is registered for it.
func (r *Registry) Tenant(botID int64) (TenantInfo, bool) {
	r.mu.Lock()
	_, ok := r.slots[botID]
	r.mu.Unlock()
	if !ok {
		return TenantInfo{}, false
	}
	hs := r.Handles(botID)
	if hs == nil {
		return TenantInfo{}, false
	}
	ti := TenantInfo{BotID: botID, Loops: make([]HandleInfo, 0, len(hs))}
	for _, h := range hs {
		ti.Loops = append(ti.Loops, h.Info())
	}
	return ti, true
}

// Snapshot lists every tenant with registered loops, ordered by bot id.
func (r *Registry) Snapshot() []TenantInfo {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]TenantInfo, 0, len(ids))
	for _, id := range ids {
		if ti, ok := r.Tenant(id); ok {
			out = append(out, ti)
		}
	}
	return out
}

// Shutdown cancels every loop, rejects further Starts and waits for the loops
// to exit or ctx to be done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	slots := make(map[int64]*slot, len(r.slots))
	for id, s := range r.slots {
		slots[id] = s
	}
	r.mu.Unlock()

	for id, s := range slots {
		s.mu.Lock()
		if s.gen != nil {
			r.retire(id, s.gen, "shutdown")
			s.gen = nil
		}
		s.mu.Unlock()
	}
	r.rootCancel()

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish(typ string, e LoopEvent) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Time: e.At, Data: e})
}
