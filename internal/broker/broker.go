// Package broker defines the Broker interface every trading venue adapter
// satisfies and provides the Alpaca, Binance and in-memory simulator venues.
package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
)

// Broker abstracts a trading venue. Connectivity failures surface as
// domain.HealthOffline from Verify, credential or permission failures as
// domain.HealthInvalid; failures during execution are returned as errors for
// the caller to turn into retries.
type Broker interface {
	// Name returns the venue identifier (e.g. "alpaca", "binance").
	Name() string

	// AllocationType returns the asset class the venue trades.
	AllocationType() domain.AllocationType

	// Live reports whether orders hit a real-money account.
	Live() bool

	// MinTotal is the smallest order notional the venue accepts.
	MinTotal() decimal.Decimal

	// MinAccountValue is the smallest account value eligible for mirroring.
	MinAccountValue() decimal.Decimal

	// Verify distinguishes rejected credentials from an unreachable venue.
	Verify(ctx context.Context) domain.Health

	// AccountDetails returns value, buying power and open positions.
	AccountDetails(ctx context.Context) (*domain.AccountDetails, error)

	// MapStocks resolves strategy-space instruments to venue instrument ids,
	// keyed by strategy stock id. Instruments the venue does not list are
	// left out; unsupported asset classes are an error.
	MapStocks(ctx context.Context, stocks []domain.Stock) (map[string]string, error)

	// NewOrder submits a market order and waits for it to complete. It
	// returns the executed order ids, or none when the order rounded to
	// nothing.
	NewOrder(ctx context.Context, req domain.OrderRequest) ([]string, error)

	// CancelAllOpenOrders cancels every open order and waits until the venue
	// reports none left.
	CancelAllOpenOrders(ctx context.Context) ([]string, error)

	// CloseAllPositions cancels open orders, then reverses every position.
	CloseAllPositions(ctx context.Context) ([]string, error)

	// Close releases venue resources.
	Close() error
}

// Venue identifiers accepted by New.
const (
	VenueAlpaca    = "alpaca"
	VenueBinance   = "binance"
	VenueSimulator = "simulator"
)

// New builds the venue selected by cfg.Type.
func New(cfg config.Broker) (Broker, error) {
	switch cfg.Type {
	case VenueAlpaca:
		return NewAlpaca(cfg.Alpaca)
	case VenueBinance:
		return NewBinance(cfg.Binance)
	case VenueSimulator:
		return NewSimulator(SimulatorOptions{}), nil
	default:
		return nil, fmt.Errorf("%w: invalid broker type %q", domain.ErrConfiguration, cfg.Type)
	}
}

// minAccountValue returns the mirroring floor for an allocation type.
func minAccountValue(t domain.AllocationType) decimal.Decimal {
	if t == domain.AllocationStock {
		return decimal.NewFromInt(25000)
	}
	return decimal.NewFromInt(100)
}

func validateRequest(req domain.OrderRequest) error {
	if req.InstrumentID == "" {
		return fmt.Errorf("order: missing instrument")
	}
	if !req.Type.Valid() {
		return fmt.Errorf("order: invalid type %q", req.Type)
	}
	if req.Action != domain.ActionBuy && req.Action != domain.ActionSell {
		return fmt.Errorf("order: invalid action %q", req.Action)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("order: amount must be greater than 0")
	}
	if req.Type != domain.OrderTypeClose && !req.Price.IsPositive() {
		return fmt.Errorf("order: price is required")
	}
	return nil
}
