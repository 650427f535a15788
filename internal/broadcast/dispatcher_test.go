package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offerbot/internal/eventbus"
	"offerbot/internal/transport"
)

type dispatchFixture struct {
	audience  *fakeAudience
	catalog   *fakeCatalog
	payments  *fakePayments
	deliverer *fakeDeliverer
	clock     *instantClock
	bus       *eventbus.MemBus
	d         *Dispatcher
}

func newDispatchFixture(users []int64, plans []Plan) *dispatchFixture {
	f := &dispatchFixture{
		audience:  &fakeAudience{users: map[int64][]int64{7: users}},
		catalog:   &fakeCatalog{plans: map[int64][]Plan{7: plans}},
		payments:  &fakePayments{},
		deliverer: &fakeDeliverer{},
		clock:     &instantClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)},
		bus:       eventbus.New(),
	}
	f.d = NewDispatcher(DefaultDispatchConfig(), DispatcherDeps{
		Audience:  f.audience,
		Catalog:   f.catalog,
		Payments:  f.payments,
		Deliverer: f.deliverer,
		Clock:     f.clock,
		Bus:       f.bus,
	})
	return f
}

func twoPlans() []Plan {
	return []Plan{
		{ID: "basic", Name: "Basic", Price: dec("50.00")},
		{ID: "vip", Name: "VIP", Price: dec("100.00")},
	}
}

func TestDispatchSendsOfferToEveryUser(t *testing.T) {
	f := newDispatchFixture([]int64{11, 12, 13}, twoPlans())
	def := Definition{ID: "b1", Time: "12:00", Discount: dec("10"), Text: "Promo!"}

	rep, err := f.d.Run(context.Background(), def, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 3, rep.Sent)
	assert.Equal(t, 0, rep.Errors)
	assert.False(t, rep.Aborted)

	calls := f.payments.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, int64(11), calls[0].UserID)
	assert.Equal(t, "Basic - Broadcast", calls[0].Label)
	assert.True(t, calls[0].Offer.Price.Equal(dec("45")))
	assert.True(t, calls[1].Offer.Price.Equal(dec("90")))
	assert.Equal(t, "b1", calls[1].Offer.BroadcastID)
	assert.Equal(t, int64(7), calls[1].BotID)

	ds := f.deliverer.Deliveries()
	require.Len(t, ds, 3)
	for i, want := range []int64{11, 12, 13} {
		assert.Equal(t, want, ds[i].UserID, "delivery order")
	}
	assert.Equal(t, "Promo!", ds[0].Content.Text)
	assert.Equal(t, transport.Keyboard{
		{{Text: "Basic - R$ 45.00 (10% OFF)", Data: "pagar_p1"}},
		{{Text: "VIP - R$ 90.00 (10% OFF)", Data: "pagar_p2"}},
	}, ds[0].KB)

	// paced between users, not after the last one
	assert.Equal(t, []time.Duration{DefaultPace, DefaultPace}, f.clock.Sleeps())
}

func TestDispatchPace(t *testing.T) {
	cases := []struct {
		name string
		pace time.Duration
		want []time.Duration
	}{
		{"zero uses default", 0, []time.Duration{DefaultPace, DefaultPace}},
		{"explicit", time.Second, []time.Duration{time.Second, time.Second}},
		{"disabled", NoPace, nil},
		{"negative disables", -time.Minute, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatchFixture([]int64{1, 2, 3}, twoPlans())
			f.d.Apply(DispatchConfig{Pace: tc.pace})

			rep, err := f.d.Run(context.Background(), Definition{ID: "b", Discount: dec("0")}, 7)
			require.NoError(t, err)
			assert.Equal(t, 3, rep.Sent)
			assert.Equal(t, tc.want, f.clock.Sleeps())
		})
	}
}

func TestDispatchContinuesAfterUserFailure(t *testing.T) {
	f := newDispatchFixture([]int64{1, 2, 3, 4}, twoPlans())
	f.deliverer.failOn = map[int64]bool{2: true}
	f.payments.failOn = map[int64]bool{3: true}
	f.deliverer.panicOn = map[int64]bool{4: true}

	rep, err := f.d.Run(context.Background(), Definition{ID: "b", Discount: dec("0")}, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 1, rep.Sent)
	assert.Equal(t, 3, rep.Errors)

	ds := f.deliverer.Deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, int64(1), ds[0].UserID)
	assert.Len(t, f.clock.Sleeps(), 3, "pause follows failures too")
}

func TestDispatchEmptyListsAreNoop(t *testing.T) {
	for name, f := range map[string]*dispatchFixture{
		"no users": newDispatchFixture(nil, twoPlans()),
		"no plans": newDispatchFixture([]int64{1, 2}, nil),
	} {
		t.Run(name, func(t *testing.T) {
			rep, err := f.d.Run(context.Background(), Definition{ID: "b"}, 7)
			require.NoError(t, err)
			assert.Equal(t, 0, rep.Total)
			assert.Empty(t, f.payments.Calls())
			assert.Empty(t, f.deliverer.Deliveries())
		})
	}
}

func TestDispatchFetchErrors(t *testing.T) {
	f := newDispatchFixture([]int64{1}, twoPlans())
	f.audience.err = errors.New("db down")
	_, err := f.d.Run(context.Background(), Definition{ID: "b"}, 7)
	require.Error(t, err)
	assert.True(t, IsFetch(err))

	f = newDispatchFixture([]int64{1}, twoPlans())
	f.catalog.err = errors.New("db down")
	_, err = f.d.Run(context.Background(), Definition{ID: "b"}, 7)
	require.Error(t, err)
	assert.True(t, IsFetch(err))
	assert.Empty(t, f.deliverer.Deliveries())
}

func TestDispatchCancelledBetweenUsers(t *testing.T) {
	f := newDispatchFixture([]int64{1, 2, 3, 4, 5}, twoPlans())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.cancel = cancel
	f.clock.cancelAfter = 2

	rep, err := f.d.Run(ctx, Definition{ID: "b"}, 7)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 2, rep.Sent)
	assert.Len(t, f.deliverer.Deliveries(), 2)
	assert.Len(t, f.payments.Calls(), 4)
}

func TestDispatchPublishesReport(t *testing.T) {
	f := newDispatchFixture([]int64{1}, twoPlans())
	ch, unsub := f.bus.Subscribe(4, EventDispatchFinished)
	defer unsub()

	_, err := f.d.Run(context.Background(), Definition{ID: "b"}, 7)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		rep, ok := ev.Data.(Report)
		require.True(t, ok)
		assert.Equal(t, 1, rep.Sent)
		assert.Equal(t, "b", rep.BroadcastID)
	default:
		t.Fatalf("expected %s event", EventDispatchFinished)
	}
}

func TestDispatchApplyChangesRendering(t *testing.T) {
	f := newDispatchFixture([]int64{1}, twoPlans()[:1])
	f.d.Apply(DispatchConfig{Currency: "US$", CallbackPrefix: "pay:", FallbackText: "Sale"})

	_, err := f.d.Run(context.Background(), Definition{ID: "b", Discount: dec("50")}, 7)
	require.NoError(t, err)
	ds := f.deliverer.Deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, "Sale", ds[0].Content.Text)
	assert.Equal(t, "Basic - US$ 25.00 (50% OFF)", ds[0].KB[0][0].Text)
	assert.Equal(t, "pay:p1", ds[0].KB[0][0].Data)
	assert.Equal(t, "Basic", f.payments.Calls()[0].Label)
}
