package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorbot/internal/broker"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/feed/feedtest"
	"mirrorbot/internal/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func target(id, weight, price string) domain.TargetPosition {
	return domain.TargetPosition{ID: id, Weight: d(weight), Bid: d(price), Ask: d(price)}
}

type recorder struct {
	mu         sync.Mutex
	statuses   []domain.Status
	activities []domain.Activity
}

func (r *recorder) status(s domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) activity(a domain.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
}

func (r *recorder) seen() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses...)
}

func (r *recorder) count(message string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.activities {
		if a.Message == message {
			n++
		}
	}
	return n
}

func (r *recorder) last() domain.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.activities) == 0 {
		return domain.Activity{}
	}
	return r.activities[len(r.activities)-1]
}

type harness struct {
	ctrl *Controller
	sim  *broker.Simulator
	feed *feedtest.Fake
	rec  *recorder
}

// newHarness builds a stopped controller over a simulator holding 100000 of
// value and buying power, following a strategy with half its buying power
// in A at 10.
func newHarness(t *testing.T, simOpts broker.SimulatorOptions, opts Options) *harness {
	t.Helper()
	sim := broker.NewSimulator(simOpts)
	sim.SetAccount(d("100000"), d("100000"))
	f := feedtest.New("strat-1", sim.AllocationType())
	f.SetTargets(target("A", "0.5", "10"))

	opts.StrategyID = "strat-1"
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	if opts.CloseWait == 0 {
		opts.CloseWait = time.Second
	}
	if opts.CloseWaitPoll == 0 {
		opts.CloseWaitPoll = 5 * time.Millisecond
	}
	c := New(sim, f, opts, util.Discard())
	rec := &recorder{}
	c.OnStatus(rec.status)
	c.OnActivity(rec.activity)
	t.Cleanup(func() { c.Close() })
	return &harness{ctrl: c, sim: sim, feed: f, rec: rec}
}

func TestStartRebalances(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{RebalanceOnStart: true})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, domain.StatusOn, h.ctrl.Status())
	assert.Equal(t, []domain.Status{domain.StatusOn, domain.StatusRebalancing, domain.StatusOn}, h.rec.seen())
	assert.True(t, h.sim.Position("A").Equal(d("5000")), "position = %s", h.sim.Position("A"))
	assert.Equal(t, 1, h.rec.count("Successfully rebalanced positions."))
	assert.Equal(t, 1, h.feed.Subscriptions())

	// Starting a running bot does nothing.
	require.NoError(t, h.ctrl.Start(ctx))
	assert.Equal(t, 1, h.feed.Calls("Subscribe"))
}

func TestStartWithoutRebalance(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{RebalanceOnStart: true})

	require.NoError(t, h.ctrl.Start(context.Background(), WithRebalance(false)))
	assert.Equal(t, domain.StatusOn, h.ctrl.Status())
	assert.Empty(t, h.sim.Orders())
	assert.Equal(t, 0, h.sim.CancelCalls())
}

func TestStartFailsVerification(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	h.sim.SetHealth(domain.HealthInvalid)

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.Contains(t, err.Error(), "invalid")
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Equal(t, 0, h.feed.Calls("Subscribe"))
	assert.Equal(t, domain.ActivityError, h.rec.last().Type)
	assert.Equal(t, "Failed to authenticate broker API keys.", h.rec.last().Message)
}

func TestStartSubscribeFailure(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	h.feed.SetSubscribeError(errors.New("dial refused"))

	err := h.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		simOpts broker.SimulatorOptions
		prepare func(h *harness)
		health  domain.Health
		typ     domain.ActivityType
		message string
	}{
		{
			name:    "healthy",
			prepare: func(*harness) {},
			health:  domain.HealthValid,
		},
		{
			name:    "broker invalid",
			prepare: func(h *harness) { h.sim.SetHealth(domain.HealthInvalid) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Failed to authenticate broker API keys.",
		},
		{
			name:    "broker offline",
			prepare: func(h *harness) { h.sim.SetHealth(domain.HealthOffline) },
			health:  domain.HealthOffline,
			typ:     domain.ActivityWarning,
			message: "Broker is offline, attempting to reconnect.",
		},
		{
			name:    "feed invalid",
			prepare: func(h *harness) { h.feed.SetHealth(domain.HealthInvalid) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Failed to authenticate AlphaInsider API keys.",
		},
		{
			name:    "feed offline",
			prepare: func(h *harness) { h.feed.SetHealth(domain.HealthOffline) },
			health:  domain.HealthOffline,
			typ:     domain.ActivityWarning,
			message: "AlphaInsider is offline, attempting to reconnect.",
		},
		{
			name:    "strategy gone",
			prepare: func(h *harness) { h.feed.SetDetailsError(errors.New("not found")) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Followed strategy no longer available.",
		},
		{
			name:    "account unreachable",
			prepare: func(h *harness) { h.sim.SetAccountError(domain.ErrConnectivity) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Failed to connect to AlphaInsider or broker.",
		},
		{
			name:    "live stock needs premium",
			simOpts: broker.SimulatorOptions{Live: true},
			prepare: func(h *harness) { h.feed.SetTier(domain.TierPro) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Must have a premium account to live trade.",
		},
		{
			name:    "live crypto needs pro",
			simOpts: broker.SimulatorOptions{Live: true, AllocationType: domain.AllocationCrypto},
			prepare: func(h *harness) { h.feed.SetTier(domain.TierStandard) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Must have a pro or premium account to live trade.",
		},
		{
			name:    "live crypto on pro",
			simOpts: broker.SimulatorOptions{Live: true, AllocationType: domain.AllocationCrypto},
			prepare: func(h *harness) { h.feed.SetTier(domain.TierPro) },
			health:  domain.HealthValid,
		},
		{
			name:    "strategy type mismatch",
			prepare: func(h *harness) { h.feed.SetStrategyType(domain.AllocationCrypto) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Strategy being followed must be stock based.",
		},
		{
			name:    "cash account",
			simOpts: broker.SimulatorOptions{MarginType: domain.MarginCash},
			prepare: func(*harness) {},
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Broker must be a RegT or Portfolio margin account.",
		},
		{
			name:    "negative buying power",
			prepare: func(h *harness) { h.sim.SetAccount(d("30000"), d("-1")) },
			health:  domain.HealthInvalid,
			typ:     domain.ActivityError,
			message: "Broker buying power can not be negative.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.simOpts, Options{})
			tt.prepare(h)

			assert.Equal(t, tt.health, h.ctrl.Verify(context.Background()))
			if tt.message == "" {
				assert.Equal(t, domain.Activity{}, h.rec.last())
				return
			}
			a := h.rec.last()
			assert.Equal(t, tt.typ, a.Type)
			assert.Equal(t, tt.message, a.Message)
			assert.NotEmpty(t, a.ID)
		})
	}
}

func TestVerifyInvalidStopsRunningBot(t *testing.T) {
	ctx := context.Background()

	t.Run("feed invalid closes positions", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))
		require.False(t, h.sim.Position("A").IsZero())

		h.feed.SetHealth(domain.HealthInvalid)
		assert.Equal(t, domain.HealthInvalid, h.ctrl.Verify(ctx))
		assert.Equal(t, domain.StatusOff, h.ctrl.Status())
		assert.True(t, h.sim.Position("A").IsZero())
		assert.Equal(t, 0, h.feed.Subscriptions())
	})

	t.Run("broker invalid keeps positions", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))

		h.sim.SetHealth(domain.HealthInvalid)
		assert.Equal(t, domain.HealthInvalid, h.ctrl.Verify(ctx))
		assert.Equal(t, domain.StatusOff, h.ctrl.Status())
		assert.True(t, h.sim.Position("A").Equal(d("5000")))
	})

	t.Run("offline keeps running", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

		h.feed.SetHealth(domain.HealthOffline)
		assert.Equal(t, domain.HealthOffline, h.ctrl.Verify(ctx))
		assert.Equal(t, domain.StatusOn, h.ctrl.Status())
	})
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("closes positions by default", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))

		require.NoError(t, h.ctrl.Stop(ctx))
		assert.Equal(t, domain.StatusOff, h.ctrl.Status())
		assert.True(t, h.sim.Position("A").IsZero())
		assert.Equal(t, 1, h.rec.count("Successfully closed positions."))
		assert.Equal(t, 0, h.feed.Subscriptions())
		assert.Contains(t, h.rec.seen(), domain.StatusClosing)
	})

	t.Run("without close keeps positions", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))

		require.NoError(t, h.ctrl.Stop(ctx, WithClose(false)))
		assert.Equal(t, domain.StatusOff, h.ctrl.Status())
		assert.True(t, h.sim.Position("A").Equal(d("5000")))
		assert.NotContains(t, h.rec.seen(), domain.StatusClosing)
	})

	t.Run("stopped bot is a no-op", func(t *testing.T) {
		h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
		require.NoError(t, h.ctrl.Stop(ctx))
		assert.Empty(t, h.rec.seen())
		assert.Equal(t, 0, h.sim.CancelCalls())
	})
}

func TestStatusNotifiedOncePerChange(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))
	require.NoError(t, h.ctrl.Rebalance(ctx))
	require.NoError(t, h.ctrl.Stop(ctx))

	seen := h.rec.seen()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1], seen[i], "status %s notified twice in a row", seen[i])
	}
	assert.Equal(t, domain.StatusOff, seen[len(seen)-1])
}

func TestRebalanceCoalesces(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	h.sim.SetOrderHook(func(context.Context, domain.OrderRequest) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Rebalance(ctx) }()
	<-entered
	assert.Equal(t, domain.StatusRebalancing, h.ctrl.Status())

	// The target moves while the first pass is executing.
	h.feed.SetTargets(target("B", "0.5", "20"))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.Rebalance(ctx))
	}
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 2, h.rec.count("Successfully rebalanced positions."))
	assert.Equal(t, 2, h.sim.CancelCalls())
	assert.True(t, h.sim.Position("A").IsZero())
	assert.True(t, h.sim.Position("B").Equal(d("2500")), "position = %s", h.sim.Position("B"))
	assert.Equal(t, domain.StatusOn, h.ctrl.Status())
}

func TestRebalanceFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))
	h.sim.RegisterInstrument("C", d("1"))
	h.sim.SetPosition("C", d("10"))

	h.feed.SetMarketOpen(false)
	err := h.ctrl.Rebalance(ctx)
	require.ErrorIs(t, err, domain.ErrMarketClosed)
	assert.Equal(t, domain.StatusScheduledRebalance, h.ctrl.Status())
	assert.Equal(t, 1, h.rec.count("Failed to rebalance, scheduled a retry."))
	assert.True(t, h.sim.Position("C").IsZero(), "a failed pass flattens the account")

	// Still closed: the retry stays armed.
	require.ErrorIs(t, h.ctrl.scheduledActions(ctx), domain.ErrMarketClosed)
	assert.Equal(t, domain.StatusScheduledRebalance, h.ctrl.Status())

	h.feed.SetMarketOpen(true)
	require.NoError(t, h.ctrl.scheduledActions(ctx))
	assert.Equal(t, domain.StatusOn, h.ctrl.Status())
	assert.True(t, h.sim.Position("A").Equal(d("5000")))
}

func TestRebalanceFailureResetsSnapshot(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))
	require.True(t, h.sim.Position("A").Equal(d("5000")))

	h.sim.SetOrderHook(func(context.Context, domain.OrderRequest) error { return domain.ErrOrderTimeout })
	h.feed.SetTargets(target("A", "0.4", "10"))
	require.ErrorIs(t, h.ctrl.Rebalance(ctx), domain.ErrOrderTimeout)

	// Same target as the failed pass, which must not count as unchanged.
	h.sim.SetOrderHook(nil)
	require.NoError(t, h.ctrl.Rebalance(ctx))
	assert.True(t, h.sim.Position("A").Equal(d("4000")), "position = %s", h.sim.Position("A"))
}

func TestRebalanceBelowMinimumStops(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

	h.sim.SetAccount(d("1000"), d("2000"))
	err := h.ctrl.Rebalance(ctx)
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)
	assert.Equal(t, 1, h.rec.count("Account must be above the minimum balance."))
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Empty(t, h.sim.Orders())
}

func TestCloseFailureSchedulesClose(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))

	h.feed.SetMarketOpen(false)
	require.ErrorIs(t, h.ctrl.CloseAllPositions(ctx), domain.ErrMarketClosed)
	assert.Equal(t, domain.StatusScheduledClose, h.ctrl.Status())
	assert.ErrorIs(t, h.ctrl.Rebalance(ctx), domain.ErrClosing)

	// Stopping while a close is pending does not try to close again.
	cancels := h.sim.CancelCalls()
	require.NoError(t, h.ctrl.Stop(ctx))
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Equal(t, cancels, h.sim.CancelCalls())
	assert.True(t, h.sim.Position("A").Equal(d("5000")))
}

func TestScheduledCloseRetries(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(true)))

	h.feed.SetMarketOpen(false)
	require.Error(t, h.ctrl.CloseAllPositions(ctx))

	h.feed.SetMarketOpen(true)
	require.NoError(t, h.ctrl.scheduledActions(ctx))
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.True(t, h.sim.Position("A").IsZero())
}

func TestCloseWhileStoppedRetriesOnTick(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()
	h.sim.RegisterInstrument("A", d("1"))
	h.sim.SetPosition("A", d("10"))

	h.feed.SetMarketOpen(false)
	require.ErrorIs(t, h.ctrl.CloseAllPositions(ctx), domain.ErrMarketClosed)
	assert.Equal(t, domain.StatusScheduledClose, h.ctrl.Status())
	assert.ErrorIs(t, h.ctrl.Start(ctx), domain.ErrClosing)
	assert.Equal(t, 0, h.feed.Calls("Subscribe"))

	h.feed.SetMarketOpen(true)
	require.Eventually(t, func() bool {
		return h.ctrl.Status() == domain.StatusOff && h.sim.Position("A").IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.rec.count("Successfully closed positions."))

	// The bot starts normally once the close went through.
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))
	assert.Equal(t, domain.StatusOn, h.ctrl.Status())
	assert.Equal(t, 1, h.feed.Subscriptions())
}

func TestCloseWhileStopped(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	h.sim.RegisterInstrument("A", d("1"))
	h.sim.SetPosition("A", d("10"))

	require.NoError(t, h.ctrl.CloseAllPositions(context.Background()))
	assert.True(t, h.sim.Position("A").IsZero())
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Equal(t, []domain.Status{domain.StatusClosing, domain.StatusOff}, h.rec.seen())
}

func TestRebalanceWhileStopped(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	ctx := context.Background()

	require.ErrorIs(t, h.ctrl.Rebalance(ctx), domain.ErrNotRunning)
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Empty(t, h.sim.Orders())
	assert.Empty(t, h.rec.seen())

	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))
	assert.Equal(t, 1, h.feed.Subscriptions())
}

func TestCloseWaitsForRebalance(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	h.sim.SetOrderHook(func(context.Context, domain.OrderRequest) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})

	rebalanced := make(chan error, 1)
	go func() { rebalanced <- h.ctrl.Rebalance(ctx) }()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- h.ctrl.CloseAllPositions(ctx) }()
	require.Eventually(t, func() bool { return h.ctrl.Status() == domain.StatusClosing }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, h.rec.count("Successfully closed positions."))

	close(release)
	require.NoError(t, <-rebalanced)
	require.NoError(t, <-closed)
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.True(t, h.sim.Position("A").IsZero())
}

func TestCloseClearsStuckRebalance(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseWait: 30 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.sim.SetOrderHook(func(context.Context, domain.OrderRequest) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	})
	defer close(release)

	go func() { _ = h.ctrl.Rebalance(ctx) }()
	<-entered

	require.NoError(t, h.ctrl.CloseAllPositions(ctx))
	assert.Equal(t, domain.StatusOff, h.ctrl.Status())
	assert.Equal(t, 1, h.rec.count("Successfully closed positions."))
}

func TestPositionChangeTriggersRebalance(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	require.NoError(t, h.ctrl.Start(context.Background(), WithRebalance(false)))

	h.feed.Push()
	require.Eventually(t, func() bool {
		return h.sim.Position("A").Equal(d("5000"))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamErrorStopsBot(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{CloseOnStop: true})
	require.NoError(t, h.ctrl.Start(context.Background(), WithRebalance(true)))

	h.feed.Fail("Websocket failed to subscribe.")
	require.Eventually(t, func() bool {
		return h.ctrl.Status() == domain.StatusOff
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.rec.count("Websocket error, stopping bot."))
	assert.True(t, h.sim.Position("A").IsZero())
}

func TestTickRetriesScheduledRebalance(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.ctrl.Start(ctx, WithRebalance(false)))

	h.feed.SetMarketOpen(false)
	require.Error(t, h.ctrl.Rebalance(ctx))
	assert.Equal(t, domain.StatusScheduledRebalance, h.ctrl.Status())

	h.feed.SetMarketOpen(true)
	require.Eventually(t, func() bool {
		return h.ctrl.Status() == domain.StatusOn && h.sim.Position("A").Equal(d("5000"))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCryptoIgnoresMarketHours(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{AllocationType: domain.AllocationCrypto}, Options{})
	h.feed.SetMarketOpen(false)

	require.NoError(t, h.ctrl.Start(context.Background(), WithRebalance(true)))
	assert.True(t, h.sim.Position("A").Equal(d("5000")))
	assert.Equal(t, 0, h.feed.Calls("MarketStatus"))
}

func TestStartAfterClose(t *testing.T) {
	h := newHarness(t, broker.SimulatorOptions{}, Options{})
	require.NoError(t, h.ctrl.Close())
	assert.ErrorIs(t, h.ctrl.Start(context.Background()), ErrClosed)
}

func TestLifecycleStatusPriority(t *testing.T) {
	tests := []struct {
		state lifecycle
		want  domain.Status
	}{
		{lifecycle{}, domain.StatusOff},
		{lifecycle{running: true}, domain.StatusOn},
		{lifecycle{running: true, pending: pendingRebalance}, domain.StatusScheduledRebalance},
		{lifecycle{running: true, rebalancing: true, pending: pendingRebalance}, domain.StatusRebalancing},
		{lifecycle{running: true, rebalancing: true, pending: pendingClose}, domain.StatusScheduledClose},
		{lifecycle{running: true, closing: true, pending: pendingClose}, domain.StatusClosing},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.status())
	}

	l := lifecycle{pending: pendingClose}
	l.schedule(pendingRebalance)
	assert.Equal(t, pendingClose, l.pending, "a pending close is never downgraded")
}
