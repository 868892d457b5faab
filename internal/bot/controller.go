// Package bot drives the mirroring lifecycle: it starts and stops the
// strategy subscription, serializes rebalances and closes, retries failed
// actions on a periodic tick and reports status changes and activity.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/broker"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/engine"
	"mirrorbot/internal/feed"
	"mirrorbot/internal/util"
)

const (
	defaultTickInterval  = 5 * time.Minute
	defaultCloseWait     = 30 * time.Second
	defaultCloseWaitPoll = time.Second
)

var (
	// ErrUnhealthy is returned by Start when verification fails.
	ErrUnhealthy = errors.New("can not start bot")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("bot controller closed")

	errRebalanceStuck = errors.New("rebalancing failed to complete")
)

// Options configures a Controller.
type Options struct {
	StrategyID       string
	RebalanceOnStart bool
	CloseOnStop      bool
	TickInterval     time.Duration

	// CloseWait bounds how long a close waits for an in-flight rebalance
	// before clearing it. CloseWaitPoll is the polling interval.
	CloseWait     time.Duration
	CloseWaitPoll time.Duration
}

// StatusListener receives every status change in order. Listeners run on the
// goroutine that caused the change and must not call back into the
// controller's commands.
type StatusListener func(status domain.Status)

// ActivityListener receives every activity the controller emits.
type ActivityListener func(activity domain.Activity)

// StartOption customizes Start.
type StartOption func(*startOptions)

type startOptions struct {
	rebalance bool
}

// WithRebalance overrides the configured rebalance-on-start behaviour.
func WithRebalance(rebalance bool) StartOption {
	return func(o *startOptions) { o.rebalance = rebalance }
}

// StopOption customizes Stop.
type StopOption func(*stopOptions)

type stopOptions struct {
	close bool
}

// WithClose overrides the configured close-on-stop behaviour.
func WithClose(close bool) StopOption {
	return func(o *stopOptions) { o.close = close }
}

// Controller mirrors one strategy onto one broker account.
type Controller struct {
	broker broker.Broker
	feed   feed.Feed
	engine *engine.Reconciler
	opts   Options
	log    *slog.Logger

	// base scopes work started by the controller's own goroutines.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex

	mu         sync.Mutex
	state      lifecycle
	last       domain.Status
	sub        feed.Subscription
	stopPump   context.CancelFunc
	stopTick   context.CancelFunc
	onStatus   []StatusListener
	onActivity []ActivityListener

	// notifyMu serializes lifecycle updates with their notifications so
	// listeners see changes in order. It is taken before mu.
	notifyMu sync.Mutex
}

// New creates a stopped Controller. The controller owns b and f and closes
// them in Close.
func New(b broker.Broker, f feed.Feed, opts Options, log *slog.Logger) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.CloseWait <= 0 {
		opts.CloseWait = defaultCloseWait
	}
	if opts.CloseWaitPoll <= 0 {
		opts.CloseWaitPoll = defaultCloseWaitPoll
	}
	log = log.With("component", "bot", "strategy", opts.StrategyID, "broker", b.Name())
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		broker: b,
		feed:   f,
		engine: engine.NewReconciler(b, f, opts.StrategyID, log),
		opts:   opts,
		log:    log,
		base:   base,
		cancel: cancel,
		last:   domain.StatusOff,
	}
}

// OnStatus registers a status listener.
func (c *Controller) OnStatus(l StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, l)
}

// OnActivity registers an activity listener.
func (c *Controller) OnActivity(l ActivityListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onActivity = append(c.onActivity, l)
}

// Status returns the current derived status.
func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.status()
}

// update applies fn to the lifecycle and notifies status listeners when the
// derived status changed.
func (c *Controller) update(fn func(l *lifecycle)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	fn(&c.state)
	status := c.state.status()
	changed := status != c.last
	c.last = status
	listeners := c.onStatus
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Info("status changed", "status", status)
	for _, l := range listeners {
		l(status)
	}
}

func (c *Controller) emit(typ domain.ActivityType, message string, info map[string]any) {
	a := domain.Activity{
		ID:        uuid.NewString(),
		Type:      typ,
		Info:      info,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	switch typ {
	case domain.ActivityError:
		c.log.Error(message, "info", info)
	case domain.ActivityWarning:
		c.log.Warn(message, "info", info)
	default:
		c.log.Info(message)
	}

	c.mu.Lock()
	listeners := c.onActivity
	c.mu.Unlock()
	for _, l := range listeners {
		l(a)
	}
}

func errInfo(kind string, err error) map[string]any {
	info := map[string]any{}
	if kind != "" {
		info["type"] = kind
	}
	if err != nil {
		info["data"] = err.Error()
	}
	return info
}

// Verify checks both connections, the followed strategy and the account. An
// offline result emits a warning and leaves the bot running; an invalid
// result emits an error and stops the bot, closing positions only when the
// broker itself is reachable with valid credentials.
func (c *Controller) Verify(ctx context.Context) domain.Health {
	brokerHealth := c.broker.Verify(ctx)
	health, message, info := c.verify(ctx, brokerHealth)
	switch health {
	case domain.HealthValid:
	case domain.HealthOffline:
		c.emit(domain.ActivityWarning, message, info)
	default:
		c.emit(domain.ActivityError, message, info)
		if brokerHealth == domain.HealthValid {
			_ = c.Stop(ctx)
		} else {
			_ = c.Stop(ctx, WithClose(false))
		}
	}
	return health
}

func (c *Controller) verify(ctx context.Context, brokerHealth domain.Health) (domain.Health, string, map[string]any) {
	switch brokerHealth {
	case domain.HealthInvalid:
		return domain.HealthInvalid, "Failed to authenticate broker API keys.", nil
	case domain.HealthOffline:
		return domain.HealthOffline, "Broker is offline, attempting to reconnect.", nil
	}
	switch c.feed.Verify(ctx) {
	case domain.HealthInvalid:
		return domain.HealthInvalid, "Failed to authenticate AlphaInsider API keys.", nil
	case domain.HealthOffline:
		return domain.HealthOffline, "AlphaInsider is offline, attempting to reconnect.", nil
	}

	strategy, err := c.feed.StrategyDetails(ctx, c.opts.StrategyID)
	if err != nil {
		return domain.HealthInvalid, "Followed strategy no longer available.", errInfo("", err)
	}

	var (
		entitlement *domain.Entitlement
		account     *domain.AccountDetails
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		entitlement, err = c.feed.AccountSubscription(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		account, err = c.broker.AccountDetails(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.HealthInvalid, "Failed to connect to AlphaInsider or broker.", errInfo("", err)
	}

	allocation := c.broker.AllocationType()
	risk := c.engine.Risk()
	if err := risk.CheckEntitlement(entitlement); err != nil {
		if allocation == domain.AllocationStock {
			return domain.HealthInvalid, "Must have a premium account to live trade.", nil
		}
		return domain.HealthInvalid, "Must have a pro or premium account to live trade.", nil
	}
	if err := risk.CheckStrategy(strategy.Type); err != nil {
		return domain.HealthInvalid, fmt.Sprintf("Strategy being followed must be %s based.", allocation), nil
	}
	if err := risk.CheckAccount(account); err != nil {
		if errors.Is(err, domain.ErrInvalidAccount) {
			return domain.HealthInvalid, "Broker must be a RegT or Portfolio margin account.", nil
		}
		return domain.HealthInvalid, "Broker buying power can not be negative.", nil
	}
	return domain.HealthValid, "", nil
}

// Start verifies the bot, subscribes to the strategy and starts the periodic
// tick. Starting a running bot is a no-op. Starting while a close is running
// or scheduled fails with domain.ErrClosing.
func (c *Controller) Start(ctx context.Context, opts ...StartOption) error {
	o := startOptions{rebalance: c.opts.RebalanceOnStart}
	for _, opt := range opts {
		opt(&o)
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.base.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	running, closing := c.state.running, c.state.closeInProgress()
	c.mu.Unlock()
	if closing {
		return domain.ErrClosing
	}
	if running {
		return nil
	}

	// Clear anything a previous run left behind.
	c.forceStop()

	if health := c.Verify(ctx); health != domain.HealthValid {
		return fmt.Errorf("%w, bot is %s", ErrUnhealthy, health)
	}

	sub, err := c.feed.Subscribe(ctx, c.opts.StrategyID)
	if err != nil {
		return fmt.Errorf("subscribing to strategy %s: %w", c.opts.StrategyID, err)
	}

	c.update(func(l *lifecycle) { l.running = true })

	pumpCtx, stopPump := context.WithCancel(c.base)
	c.mu.Lock()
	c.sub, c.stopPump = sub, stopPump
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pump(pumpCtx, sub)
	c.armTick()
	c.log.Info("bot started", "rebalance", o.rebalance)

	if o.rebalance {
		_ = c.Rebalance(ctx)
	}
	return nil
}

// Stop ends the strategy subscription. Unless close is disabled or a close
// is already underway, it then closes all positions; the tick keeps retrying
// a close that fails. Stopping a stopped bot is a no-op.
func (c *Controller) Stop(ctx context.Context, opts ...StopOption) error {
	o := stopOptions{close: c.opts.CloseOnStop}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	if !c.state.running {
		c.mu.Unlock()
		return nil
	}
	sub, stopPump := c.sub, c.stopPump
	c.sub, c.stopPump = nil, nil
	c.state.again = false
	force := !o.close || c.state.closeInProgress()
	c.mu.Unlock()

	if stopPump != nil {
		stopPump()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.log.Warn("closing strategy subscription", "error", err)
		}
	}

	if force {
		c.forceStop()
		return nil
	}
	_ = c.CloseAllPositions(ctx)
	return nil
}

// forceStop halts the tick and clears every lifecycle flag.
func (c *Controller) forceStop() {
	c.mu.Lock()
	stopTick := c.stopTick
	c.stopTick = nil
	c.mu.Unlock()
	if stopTick != nil {
		stopTick()
	}
	c.update(func(l *lifecycle) { l.reset() })
}

// pump turns strategy events into rebalances. A stream error stops the bot.
func (c *Controller) pump(ctx context.Context, sub feed.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case feed.EventPositionChange:
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					_ = c.Rebalance(c.base)
				}()
			case feed.EventError:
				c.emit(domain.ActivityError, "Websocket error, stopping bot.",
					map[string]any{"type": "websocket_error", "data": ev.Message})
				_ = c.Stop(c.base)
				return
			}
		}
	}
}

// armTick starts the periodic tick unless it is already running or the
// controller is closed.
func (c *Controller) armTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopTick != nil || c.base.Err() != nil {
		return
	}
	ctx, stop := context.WithCancel(c.base)
	c.stopTick = stop
	c.wg.Add(1)
	go c.tick(ctx)
}

func (c *Controller) tick(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Verify(c.base)
			if err := c.scheduledActions(c.base); err != nil {
				c.log.Warn("scheduled action failed", "error", err)
			}
		}
	}
}

// scheduledActions retries an armed close or rebalance once the market is
// open.
func (c *Controller) scheduledActions(ctx context.Context) error {
	c.mu.Lock()
	pending := c.state.pending
	c.mu.Unlock()
	if pending == pendingNone {
		return nil
	}
	if err := c.checkMarket(ctx); err != nil {
		return err
	}
	if pending == pendingClose {
		return c.CloseAllPositions(ctx)
	}
	return c.Rebalance(ctx)
}

// checkMarket fails with domain.ErrMarketClosed when a stock venue's
// exchange is closed. Crypto venues always trade.
func (c *Controller) checkMarket(ctx context.Context) error {
	if c.broker.AllocationType() != domain.AllocationStock {
		return nil
	}
	status, err := c.feed.MarketStatus(ctx)
	if err != nil {
		return fmt.Errorf("exchange status: %w", err)
	}
	if !status.Open {
		return domain.ErrMarketClosed
	}
	return nil
}

// Rebalance brings the account in line with the strategy. A call made while
// another rebalance is in flight returns immediately and makes the in-flight
// one run one more pass. A failed pass flattens the account and schedules a
// retry. A stopped bot fails with domain.ErrNotRunning.
func (c *Controller) Rebalance(ctx context.Context) error {
	c.mu.Lock()
	running, closing := c.state.running, c.state.closeInProgress()
	c.mu.Unlock()
	if closing {
		return domain.ErrClosing
	}
	if !running {
		return domain.ErrNotRunning
	}

	account, err := c.broker.AccountDetails(ctx)
	if err != nil {
		return fmt.Errorf("account details: %w", err)
	}
	if err := c.engine.Risk().CheckMinimumValue(account); err != nil {
		c.emit(domain.ActivityError, "Account must be above the minimum balance.", map[string]any{"type": "rebalance"})
		_ = c.Stop(ctx)
		return err
	}

	var first, stopped bool
	c.update(func(l *lifecycle) {
		if !l.running {
			stopped = true
			return
		}
		if l.rebalancing {
			l.again = true
			return
		}
		first = true
		l.rebalancing = true
	})
	if stopped {
		return domain.ErrNotRunning
	}
	if !first {
		return nil
	}

	err = c.rebalancePasses(ctx)
	if err != nil {
		c.rebalanceFailed(ctx, err)
	}
	c.update(func(l *lifecycle) {
		l.rebalancing = false
		l.again = false
	})
	return err
}

func (c *Controller) rebalancePasses(ctx context.Context) error {
	for {
		if err := c.rebalanceOnce(ctx); err != nil {
			return err
		}
		var again bool
		c.update(func(l *lifecycle) {
			if l.pending == pendingRebalance {
				l.pending = pendingNone
			}
			again, l.again = l.again, false
		})
		if !again {
			return nil
		}
	}
}

func (c *Controller) rebalanceOnce(ctx context.Context) error {
	if err := c.checkMarket(ctx); err != nil {
		return err
	}
	if _, err := c.broker.CancelAllOpenOrders(ctx); err != nil {
		return fmt.Errorf("cancelling open orders: %w", err)
	}
	batches, err := c.engine.CalculateNewOrders(ctx)
	if err != nil {
		return err
	}
	ids, err := c.engine.ExecuteOrders(ctx, batches)
	if err != nil {
		return err
	}
	c.emit(domain.ActivityInfo, "Successfully rebalanced positions.",
		map[string]any{"type": "rebalance", "data": ids})
	return nil
}

func (c *Controller) rebalanceFailed(ctx context.Context, err error) {
	c.emit(domain.ActivityWarning, "Failed to rebalance, scheduled a retry.", errInfo("rebalance", err))
	if _, cerr := c.broker.CancelAllOpenOrders(ctx); cerr != nil {
		c.log.Warn("cancelling orders after failed rebalance", "error", cerr)
	}
	if _, cerr := c.broker.CloseAllPositions(ctx); cerr != nil {
		c.log.Warn("closing positions after failed rebalance", "error", cerr)
	}
	// The account no longer matches the last target.
	c.engine.Reset()
	c.update(func(l *lifecycle) {
		if l.running && !l.closeInProgress() {
			l.schedule(pendingRebalance)
		}
	})
}

// CloseAllPositions flattens the account and stops the bot. It waits for an
// in-flight rebalance first. A failed close is retried by the tick: on a
// running bot until it is stopped, on a stopped bot until the close succeeds.
// A call while a close is in flight is a no-op.
func (c *Controller) CloseAllPositions(ctx context.Context) error {
	var proceed, wasRunning bool
	c.update(func(l *lifecycle) {
		if l.closing {
			return
		}
		proceed = true
		wasRunning = l.running
		l.closing = true
		if l.pending == pendingRebalance {
			l.pending = pendingNone
		}
		l.again = false
	})
	if !proceed {
		return nil
	}
	defer c.update(func(l *lifecycle) { l.closing = false })

	err := c.closePositions(ctx)
	if err != nil {
		c.emit(domain.ActivityWarning, "Failed to close positions, scheduled a retry.", errInfo("close", err))
		if _, cerr := c.broker.CancelAllOpenOrders(ctx); cerr != nil {
			c.log.Warn("cancelling orders after failed close", "error", cerr)
		}
		var arm bool
		c.update(func(l *lifecycle) {
			switch {
			case l.running:
				l.schedule(pendingClose)
			case !wasRunning:
				// The tick is the only thing left to retry the close.
				arm = true
				l.running = true
				l.schedule(pendingClose)
			}
		})
		if arm {
			c.armTick()
		}
	}
	return err
}

func (c *Controller) closePositions(ctx context.Context) error {
	c.waitForRebalance(ctx)
	if err := c.checkMarket(ctx); err != nil {
		return err
	}
	ids, err := c.broker.CloseAllPositions(ctx)
	if err != nil {
		return err
	}
	c.emit(domain.ActivityInfo, "Successfully closed positions.", map[string]any{"type": "close", "data": ids})
	return c.Stop(ctx, WithClose(false))
}

// waitForRebalance blocks until no rebalance is in flight. Past CloseWait
// the rebalancing flag is cleared regardless.
func (c *Controller) waitForRebalance(ctx context.Context) {
	c.mu.Lock()
	rebalancing := c.state.rebalancing
	c.mu.Unlock()
	if !rebalancing {
		return
	}
	err := util.Poll(ctx, c.opts.CloseWaitPoll, c.opts.CloseWait, errRebalanceStuck, func(context.Context) (bool, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.state.rebalancing, nil
	})
	if err != nil {
		c.log.Warn("clearing rebalance before close", "error", err)
		c.update(func(l *lifecycle) { l.rebalancing = false })
	}
}

// Close stops the controller's goroutines and releases the broker and feed.
// The lifecycle status is left as is so it can be restored later.
func (c *Controller) Close() error {
	c.mu.Lock()
	sub, stopPump, stopTick := c.sub, c.stopPump, c.stopTick
	c.sub, c.stopPump, c.stopTick = nil, nil, nil
	c.mu.Unlock()

	if stopPump != nil {
		stopPump()
	}
	if stopTick != nil {
		stopTick()
	}
	if sub != nil {
		_ = sub.Close()
	}
	c.cancel()
	c.wg.Wait()
	return errors.Join(c.feed.Close(), c.broker.Close())
}
