// Package engine computes the orders that move a broker account from its
// current holdings to a strategy's target portfolio, and executes them in
// capital-bounded batches.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/broker"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/feed"
)

// Reconciler diffs a strategy's target positions against a broker account.
// It remembers the last target snapshot so an unchanged target produces no
// orders.
type Reconciler struct {
	broker     broker.Broker
	feed       feed.Feed
	strategyID string
	risk       *RiskManager
	log        *slog.Logger

	mu          sync.Mutex
	snapshot    string
	hasSnapshot bool
}

// NewReconciler creates a Reconciler mirroring strategyID onto b.
func NewReconciler(b broker.Broker, f feed.Feed, strategyID string, log *slog.Logger) *Reconciler {
	return &Reconciler{
		broker:     b,
		feed:       f,
		strategyID: strategyID,
		risk:       NewRiskManager(b.AllocationType(), b.Live(), b.MinAccountValue()),
		log:        log.With("component", "engine"),
	}
}

// Risk returns the rules the reconciler applies.
func (r *Reconciler) Risk() *RiskManager { return r.risk }

// Reset forgets the last target snapshot so the next pass recomputes.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshot = ""
	r.hasSnapshot = false
}

type quote struct {
	bid, ask decimal.Decimal
}

// CalculateNewOrders returns the orders for one reconciliation pass: the
// decrease orders first, then the increase orders packed into batches whose
// notional is bounded by remaining buying power. It returns no batches when
// the target is unchanged since the previous pass.
func (r *Reconciler) CalculateNewOrders(ctx context.Context) ([]domain.Batch, error) {
	var (
		strategy *domain.StrategyDetails
		account  *domain.AccountDetails
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		strategy, err = r.feed.StrategyDetails(gctx, r.strategyID)
		return err
	})
	g.Go(func() error {
		var err error
		account, err = r.broker.AccountDetails(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := r.risk.CheckStrategy(strategy.Type); err != nil {
		return nil, err
	}
	if err := r.risk.CheckAccount(account); err != nil {
		return nil, err
	}
	if err := r.risk.CheckMinimumValue(account); err != nil {
		return nil, err
	}

	key := snapshotKey(strategy.Positions)
	r.mu.Lock()
	unchanged := r.hasSnapshot && r.snapshot == key
	r.mu.Unlock()
	if unchanged {
		r.log.Debug("target unchanged, nothing to do")
		return []domain.Batch{}, nil
	}

	mapping, err := r.mapTargets(ctx, strategy.Positions)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]quote, len(strategy.Positions))
	for _, p := range strategy.Positions {
		id, ok := mapping[p.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no broker stock mapping found for stock_id: %s", domain.ErrMapping, p.ID)
		}
		if !p.Bid.IsPositive() || !p.Ask.IsPositive() {
			return nil, fmt.Errorf("%w: invalid stock price for stock_id: %s", domain.ErrMapping, p.ID)
		}
		prices[id] = quote{bid: p.Bid, ask: p.Ask}
	}

	current := make(map[string]decimal.Decimal, len(account.Positions))
	for _, p := range account.Positions {
		if !p.Amount.IsZero() {
			current[p.ID] = p.Amount
		}
	}

	final, targetTotal := finalState(strategy.Positions, mapping, account.BuyingPower)
	if err := r.risk.CheckTargetNotional(targetTotal, account.BuyingPower); err != nil {
		return nil, err
	}

	orders := diff(current, final, prices)
	var decreases, increases []domain.OrderIntent
	for _, o := range orders {
		if o.Type.Decreases() {
			decreases = append(decreases, o)
		} else {
			increases = append(increases, o)
		}
	}

	batches := []domain.Batch{decreases}
	batches = append(batches, batchIncreases(increases, account.BuyingPower, targetTotal,
		account.InitialBuyingPowerPercent, r.broker.MinTotal())...)

	// Only a successful computation counts as seen.
	r.mu.Lock()
	r.snapshot, r.hasSnapshot = key, true
	r.mu.Unlock()

	r.log.Info("calculated orders",
		"strategy", r.strategyID,
		"decreases", len(decreases),
		"increases", len(increases),
		"batches", len(batches))
	return batches, nil
}

func (r *Reconciler) mapTargets(ctx context.Context, targets []domain.TargetPosition) (map[string]string, error) {
	if len(targets) == 0 {
		return map[string]string{}, nil
	}
	ids := make([]string, 0, len(targets))
	for _, p := range targets {
		ids = append(ids, p.ID)
	}
	stocks, err := r.feed.Stocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	return r.broker.MapStocks(ctx, stocks)
}

// snapshotKey identifies a target independent of position order.
func snapshotKey(positions []domain.TargetPosition) string {
	parts := make([]string, 0, len(positions))
	for _, p := range positions {
		parts = append(parts, p.ID+"="+p.Weight.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// finalState converts target weights to signed venue quantities. Longs are
// valued at the bid, shorts at the ask.
func finalState(targets []domain.TargetPosition, mapping map[string]string, buyingPower decimal.Decimal) (map[string]decimal.Decimal, decimal.Decimal) {
	final := make(map[string]decimal.Decimal, len(targets))
	total := decimal.Zero
	for _, p := range targets {
		notional := buyingPower.Mul(p.Weight.Abs())
		price := p.Bid
		if !p.IsLong() {
			price = p.Ask
		}
		amount := notional.Div(price)
		if !p.IsLong() {
			amount = amount.Neg()
		}
		final[mapping[p.ID]] = amount
		total = total.Add(notional)
	}
	return final, total
}

// diff emits the orders that move current to final. A position whose target
// flips sign or goes to zero is closed first; any remaining delta becomes
// an increase or decrease order.
func diff(current, final map[string]decimal.Decimal, prices map[string]quote) []domain.OrderIntent {
	keys := make([]string, 0, len(current)+len(final))
	for id := range current {
		keys = append(keys, id)
	}
	for id := range final {
		if _, ok := current[id]; !ok {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)

	var orders []domain.OrderIntent
	for _, id := range keys {
		cur, fin := current[id], final[id]
		if cur.Equal(fin) {
			continue
		}

		if cur.Mul(fin).IsNegative() || fin.IsZero() {
			orders = append(orders, domain.OrderIntent{
				ID:     id,
				Type:   domain.OrderTypeClose,
				Action: domain.ActionFor(cur.Neg()),
				Amount: cur.Abs(),
			})
			cur = decimal.Zero
		}

		delta := fin.Sub(cur)
		if delta.IsZero() {
			continue
		}
		action := domain.ActionFor(delta)
		q := prices[id]
		price := q.bid
		if action == domain.ActionBuy {
			price = q.ask
		}
		orders = append(orders, domain.OrderIntent{
			ID:     id,
			Type:   orderType(action, fin),
			Action: action,
			Amount: delta.Abs(),
			Total:  delta.Abs().Mul(price),
			Price:  price,
		})
	}
	return orders
}

// orderType classifies an order by its side and the sign of the final
// position.
func orderType(action domain.Action, final decimal.Decimal) domain.OrderType {
	switch {
	case action == domain.ActionSell && final.IsPositive():
		return domain.OrderTypeSellLong
	case action == domain.ActionBuy && !final.IsPositive():
		return domain.OrderTypeBuyShort
	case action == domain.ActionBuy:
		return domain.OrderTypeBuyLong
	default:
		return domain.OrderTypeSellShort
	}
}

// batchIncreases packs increase orders into batches. Each batch may commit
// at most percent of the buying power still unspent when it opens; an order
// that does not fit is split across batches. Orders or remainders below
// minTotal are dropped.
func batchIncreases(increases []domain.OrderIntent, buyingPower, targetTotal, percent, minTotal decimal.Decimal) []domain.Batch {
	if len(increases) == 0 {
		return nil
	}
	if !minTotal.IsPositive() {
		minTotal = decimal.New(1, -8)
	}

	increaseTotal := decimal.Zero
	for _, o := range increases {
		increaseTotal = increaseTotal.Add(o.Total)
	}
	// Buying power held by positions that are kept or only shrink.
	committed := targetTotal.Sub(increaseTotal)
	remaining := decimal.Min(decimal.Max(buyingPower.Sub(committed), decimal.Zero), buyingPower)

	sorted := make([]domain.OrderIntent, len(increases))
	copy(sorted, increases)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Total.Cmp(sorted[j].Total); c != 0 {
			return c > 0
		}
		return sorted[i].Action < sorted[j].Action
	})

	var (
		batches  []domain.Batch
		current  domain.Batch
		capacity = remaining.Mul(percent)
	)
	for i, order := range sorted {
		left := order.Total
		last := i == len(sorted)-1
		for left.GreaterThanOrEqual(minTotal) && capacity.GreaterThanOrEqual(minTotal) {
			take := decimal.Min(left, capacity)
			part := order
			part.Total = take
			if !take.Equal(order.Total) {
				part.Amount = take.Div(order.Price)
			}
			current = append(current, part)

			left = left.Sub(take)
			remaining = remaining.Sub(take)
			capacity = capacity.Sub(take)

			if (last && left.LessThan(minTotal)) || capacity.LessThan(minTotal) {
				batches = append(batches, current)
				current = nil
				capacity = remaining.Mul(percent)
			}
		}
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// ExecuteOrders submits batches strictly in sequence; orders within a batch
// run in parallel. Non-close orders below the venue minimum are skipped. A
// failed order fails its batch once every sibling has finished; later
// batches are not attempted.
func (r *Reconciler) ExecuteOrders(ctx context.Context, batches []domain.Batch) ([]string, error) {
	minTotal := r.broker.MinTotal()
	executed := []string{}
	for i, batch := range batches {
		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		for _, order := range batch {
			if order.Type != domain.OrderTypeClose && order.Total.LessThan(minTotal) {
				continue
			}
			g.Go(func() error {
				ids, err := r.broker.NewOrder(ctx, order.Request())
				if err != nil {
					return fmt.Errorf("%s %s %s: %w", order.Type, order.Amount, order.ID, err)
				}
				mu.Lock()
				executed = append(executed, ids...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			r.log.Warn("batch failed", "batch", i, "error", err)
			return executed, err
		}
	}
	return executed, nil
}
