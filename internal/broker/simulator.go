package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"mirrorbot/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// SimulatorOptions configures a Simulator. Zero values take defaults suited
// to a stock margin account.
type SimulatorOptions struct {
	AllocationType            domain.AllocationType
	Live                      bool
	MarginType                domain.MarginType
	MinTotal                  decimal.Decimal
	Value                     decimal.Decimal
	BuyingPower               decimal.Decimal
	InitialBuyingPowerPercent decimal.Decimal
	// DefaultStepSize is used for instruments mapped without being
	// registered first.
	DefaultStepSize decimal.Decimal
}

// SimulatedOrder is an order the simulator filled.
type SimulatedOrder struct {
	ID      string
	Request domain.OrderRequest
	Filled  decimal.Decimal
}

// OrderHook runs before the simulator fills an order. A non-nil error fails
// the order.
type OrderHook func(ctx context.Context, req domain.OrderRequest) error

// Simulator implements the Broker interface for paper trading and tests. It
// tracks positions and orders in memory and fills every order immediately.
type Simulator struct {
	mu          sync.Mutex
	opts        SimulatorOptions
	health      domain.Health
	accountErr  error
	cancelErr   error
	hook        OrderHook
	value       decimal.Decimal
	buyingPower decimal.Decimal
	positions   map[string]decimal.Decimal
	instruments map[string]Instrument
	orders      []SimulatedOrder
	cancels     int
	seq         int
}

// NewSimulator creates a Simulator with empty positions.
func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.AllocationType == "" {
		opts.AllocationType = domain.AllocationStock
	}
	if opts.MarginType == "" {
		opts.MarginType = domain.MarginRegT
	}
	if opts.MinTotal.IsZero() {
		opts.MinTotal = decimal.NewFromInt(1)
	}
	if opts.Value.IsZero() {
		opts.Value = decimal.NewFromInt(100000)
	}
	if opts.BuyingPower.IsZero() {
		opts.BuyingPower = opts.Value.Mul(decimal.NewFromInt(2))
	}
	if opts.InitialBuyingPowerPercent.IsZero() {
		opts.InitialBuyingPowerPercent = decimal.NewFromInt(1)
	}
	if opts.DefaultStepSize.IsZero() {
		opts.DefaultStepSize = decimal.New(1, -5)
	}
	return &Simulator{
		opts:        opts,
		health:      domain.HealthValid,
		value:       opts.Value,
		buyingPower: opts.BuyingPower,
		positions:   make(map[string]decimal.Decimal),
		instruments: make(map[string]Instrument),
	}
}

// Name returns "simulator".
func (b *Simulator) Name() string {
	return VenueSimulator
}

// AllocationType returns the configured asset class.
func (b *Simulator) AllocationType() domain.AllocationType { return b.opts.AllocationType }

// Live returns the configured live flag.
func (b *Simulator) Live() bool { return b.opts.Live }

// MinTotal returns the configured minimum order notional.
func (b *Simulator) MinTotal() decimal.Decimal { return b.opts.MinTotal }

// MinAccountValue returns the floor for the configured asset class.
func (b *Simulator) MinAccountValue() decimal.Decimal {
	return minAccountValue(b.opts.AllocationType)
}

// SetHealth sets the result of Verify.
func (b *Simulator) SetHealth(h domain.Health) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = h
}

// SetAccount sets account value and buying power.
func (b *Simulator) SetAccount(value, buyingPower decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = value
	b.buyingPower = buyingPower
}

// SetAccountError makes AccountDetails fail with err until cleared with nil.
func (b *Simulator) SetAccountError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountErr = err
}

// SetCancelError makes CancelAllOpenOrders fail with err until cleared.
func (b *Simulator) SetCancelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelErr = err
}

// SetOrderHook installs a hook run before each fill.
func (b *Simulator) SetOrderHook(h OrderHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

// SetPosition sets the signed holding for an instrument.
func (b *Simulator) SetPosition(id string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.IsZero() {
		delete(b.positions, id)
		return
	}
	b.positions[id] = amount
}

// Position returns the signed holding for an instrument.
func (b *Simulator) Position(id string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[id]
}

// RegisterInstrument lists an instrument with the given step size.
func (b *Simulator) RegisterInstrument(id string, step decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instruments[id] = Instrument{ID: id, Symbol: id, Security: string(b.opts.AllocationType), Marginable: true, StepSize: step}
}

// Orders returns the filled orders in submission order.
func (b *Simulator) Orders() []SimulatedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SimulatedOrder, len(b.orders))
	copy(out, b.orders)
	return out
}

// CancelCalls returns how many times CancelAllOpenOrders ran.
func (b *Simulator) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

// Verify returns the configured health.
func (b *Simulator) Verify(_ context.Context) domain.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.health
}

// AccountDetails returns the simulated account.
func (b *Simulator) AccountDetails(_ context.Context) (*domain.AccountDetails, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountErr != nil {
		return nil, b.accountErr
	}

	ids := make([]string, 0, len(b.positions))
	for id := range b.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	positions := make([]domain.BrokerPosition, 0, len(ids))
	for _, id := range ids {
		positions = append(positions, domain.BrokerPosition{ID: id, Amount: b.positions[id]})
	}

	return &domain.AccountDetails{
		Venue:                     VenueSimulator,
		AllocationType:            b.opts.AllocationType,
		AccountID:                 "simulator",
		Live:                      b.opts.Live,
		MarginType:                b.opts.MarginType,
		Value:                     b.value,
		BuyingPower:               b.buyingPower,
		InitialBuyingPowerPercent: b.opts.InitialBuyingPowerPercent,
		Positions:                 positions,
	}, nil
}

// MapStocks maps strategy stocks by symbol, listing unknown symbols with the
// default step size.
func (b *Simulator) MapStocks(ctx context.Context, stocks []domain.Stock) (map[string]string, error) {
	return mapStocks(ctx, stocks, string(b.opts.AllocationType), func(_ context.Context, ids []string) ([]Instrument, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]Instrument, 0, len(ids))
		for _, id := range ids {
			inst, ok := b.instruments[id]
			if !ok {
				inst = Instrument{ID: id, Symbol: id, Security: string(b.opts.AllocationType), Marginable: true, StepSize: b.opts.DefaultStepSize}
				b.instruments[id] = inst
			}
			out = append(out, inst)
		}
		return out, nil
	})
}

// NewOrder fills the order immediately against the in-memory positions.
func (b *Simulator) NewOrder(ctx context.Context, req domain.OrderRequest) ([]string, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	hook := b.hook
	inst, ok := b.instruments[req.InstrumentID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unable to find broker stock information for %s", domain.ErrMapping, req.InstrumentID)
	}

	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var qty decimal.Decimal
	if req.Type == domain.OrderTypeClose {
		qty = b.positions[req.InstrumentID].Abs()
	} else {
		qty = roundToStep(req.Amount, inst.StepSize)
		if qty.IsZero() || qty.Mul(req.Price).LessThan(b.opts.MinTotal) {
			return []string{}, nil
		}
	}
	if qty.IsZero() {
		return []string{}, nil
	}

	signed := qty
	if req.Action == domain.ActionSell {
		signed = qty.Neg()
	}
	next := b.positions[req.InstrumentID].Add(signed)
	if next.IsZero() {
		delete(b.positions, req.InstrumentID)
	} else {
		b.positions[req.InstrumentID] = next
	}

	b.seq++
	id := fmt.Sprintf("sim-%d", b.seq)
	b.orders = append(b.orders, SimulatedOrder{ID: id, Request: req, Filled: qty})
	return []string{id}, nil
}

// CancelAllOpenOrders has nothing to cancel since orders fill immediately.
func (b *Simulator) CancelAllOpenOrders(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	if b.cancelErr != nil {
		return nil, b.cancelErr
	}
	return []string{}, nil
}

// CloseAllPositions reverses every simulated position.
func (b *Simulator) CloseAllPositions(ctx context.Context) ([]string, error) {
	return closeAllPositions(ctx, b)
}

// Close is a no-op.
func (b *Simulator) Close() error { return nil }
