package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "offerbot/pkg/logx"
)

// State is the lifecycle state of one broadcast loop.
type State int32

const (
	StateIdle State = iota
	StateComputingNextFire
	StateSleeping
	StateDispatching
	StateCooldown
	StateCancelled
	// StateFailed is terminal after a configuration error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputingNextFire:
		return "computing_next_fire"
	case StateSleeping:
		return "sleeping"
	case StateDispatching:
		return "dispatching"
	case StateCooldown:
		return "cooldown"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the loop has exited.
func (s State) Terminal() bool { return s == StateCancelled || s == StateFailed }

// Handle is a running, cancellable loop bound to one definition.
type Handle struct {
	BotID       int64
	BroadcastID string
	StartedAt   time.Time

	def    Definition
	cancel context.CancelFunc
	done   chan struct{}

	state      atomic.Int32
	next       atomic.Int64 // unix nanos, 0 = unknown
	dispatches atomic.Uint64
	lastErr    atomic.Value // stores string
}

func newHandle(botID int64, def Definition, startedAt time.Time, cancel context.CancelFunc) *Handle {
	return &Handle{
		BotID:       botID,
		BroadcastID: def.ID,
		StartedAt:   startedAt,
		def:         def,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Cancel requests the loop to stop. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the loop goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// NextFire returns the instant the loop is sleeping towards (zero if unknown).
func (h *Handle) NextFire() time.Time {
	n := h.next.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Dispatches returns how many dispatches the loop has run.
func (h *Handle) Dispatches() uint64 { return h.dispatches.Load() }

// HandleInfo is a point-in-time view of a Handle.
type HandleInfo struct {
	BotID       int64     `json:"bot_id"`
	BroadcastID string    `json:"broadcast_id"`
	State       string    `json:"state"`
	FireTime    string    `json:"fire_time"`
	NextFire    time.Time `json:"next_fire,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Dispatches  uint64    `json:"dispatches"`
	LastError   string    `json:"last_error,omitempty"`
}

func (h *Handle) Info() HandleInfo {
	lastErr, _ := h.lastErr.Load().(string)
	return HandleInfo{
		BotID:       h.BotID,
		BroadcastID: h.BroadcastID,
		State:       h.State().String(),
		FireTime:    h.def.Time,
		NextFire:    h.NextFire(),
		StartedAt:   h.StartedAt,
		Dispatches:  h.Dispatches(),
		LastError:   lastErr,
	}
}

// loop drives one Handle: compute next fire, sleep, dispatch, cool down.
type loop struct {
	h      *Handle
	runner Runner
	clock  Clock
	loc    *time.Location

	cooldown     time.Duration
	retryBackoff time.Duration

	log logx.Logger
}

// run blocks until ctx is cancelled (nil) or the definition is invalid (ErrConfig).
func (l *loop) run(ctx context.Context) error {
	defer close(l.h.done)

	for {
		if ctx.Err() != nil {
			return l.cancelled()
		}

		l.h.setState(StateComputingNextFire)
		at, err := l.nextFire()
		if err != nil {
			if IsConfig(err) {
				l.h.setState(StateFailed)
				l.h.lastErr.Store(err.Error())
				l.log.Error("broadcast loop stopped: invalid configuration", logx.Err(err))
				return err
			}
			l.h.lastErr.Store(err.Error())
			l.log.Warn("scheduling error; retrying", logx.Err(err), logx.Duration("backoff", l.retryBackoff))
			if l.clock.Sleep(ctx, l.retryBackoff) != nil {
				return l.cancelled()
			}
			continue
		}

		wait := at.Sub(l.clock.Now())
		l.h.next.Store(at.UnixNano())
		l.log.Info("next dispatch scheduled", logx.Time("at", at), logx.Duration("wait", wait))

		l.h.setState(StateSleeping)
		if l.clock.Sleep(ctx, wait) != nil || ctx.Err() != nil {
			return l.cancelled()
		}

		l.h.setState(StateDispatching)
		l.dispatch(ctx)
		if ctx.Err() != nil {
			return l.cancelled()
		}

		// Guard against re-firing in the same minute when the dispatch was fast.
		l.h.setState(StateCooldown)
		if l.clock.Sleep(ctx, l.cooldown) != nil {
			return l.cancelled()
		}
	}
}

func (l *loop) cancelled() error {
	l.h.setState(StateCancelled)
	l.log.Info("broadcast loop cancelled")
	return nil
}

// nextFire validates the definition and returns the next fire instant.
// Panics are reported as ordinary (transient) errors.
func (l *loop) nextFire() (at time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic computing next fire: %v", r)
		}
	}()
	def := l.h.def
	if err := def.Validate(); err != nil {
		return time.Time{}, err
	}
	hour, minute, err := ParseFireTime(def.Time)
	if err != nil {
		return time.Time{}, ConfigError(err)
	}
	return NextFire(l.clock.Now(), hour, minute, l.loc), nil
}

// dispatch runs one dispatch. Any failure ends this cycle only.
func (l *loop) dispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.h.lastErr.Store(fmt.Sprint(r))
			l.log.Error("panic in dispatch", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	l.h.dispatches.Add(1)
	_, err := l.runner.Run(ctx, l.h.def, l.h.BotID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// cancelled mid fan-out; the caller observes ctx
	default:
		l.h.lastErr.Store(err.Error())
		l.log.Error("dispatch failed", logx.Err(err))
	}
}
