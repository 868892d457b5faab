package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// alpacaAPI is the subset of the Alpaca trading client the adapter uses.
type alpacaAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetAsset(symbol string) (*alpaca.Asset, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelAllOrders() error
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
}

var (
	alpacaMaintenanceMargin = decimal.RequireFromString("0.25")
	alpacaInitialMargin     = decimal.RequireFromString("0.5")
	alpacaInitialPercent    = decimal.RequireFromString("0.95")
	alpacaFractionalStep    = decimal.RequireFromString("0.00001")
)

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
type AlpacaBroker struct {
	client       alpacaAPI
	live         bool
	instruments  *instrumentCache
	pollInterval time.Duration
	fillTimeout  time.Duration
	cancelWait   time.Duration
}

// NewAlpaca creates an AlpacaBroker from config. Paper keys start with "P";
// any other key trades live.
func NewAlpaca(cfg config.Alpaca) (*AlpacaBroker, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: alpaca key and secret are required", domain.ErrConfiguration)
	}
	live := !strings.HasPrefix(cfg.APIKey, "P")
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.alpaca.markets"
		if !live {
			baseURL = "https://paper-api.alpaca.markets"
		}
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   baseURL,
	})
	return newAlpacaBroker(client, live), nil
}

func newAlpacaBroker(client alpacaAPI, live bool) *AlpacaBroker {
	return &AlpacaBroker{
		client:       client,
		live:         live,
		instruments:  newInstrumentCache(time.Hour),
		pollInterval: time.Second,
		fillTimeout:  60 * time.Second,
		cancelWait:   20 * time.Second,
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return VenueAlpaca
}

// AllocationType returns stock.
func (b *AlpacaBroker) AllocationType() domain.AllocationType { return domain.AllocationStock }

// Live reports whether the key is a live-trading key.
func (b *AlpacaBroker) Live() bool { return b.live }

// MinTotal returns 1 USD.
func (b *AlpacaBroker) MinTotal() decimal.Decimal { return decimal.NewFromInt(1) }

// MinAccountValue returns the pattern-day-trading floor.
func (b *AlpacaBroker) MinAccountValue() decimal.Decimal {
	return minAccountValue(domain.AllocationStock)
}

// Verify fetches the account. An API error response means the keys were
// rejected; anything else means Alpaca could not be reached.
func (b *AlpacaBroker) Verify(_ context.Context) domain.Health {
	account, err := b.client.GetAccount()
	if err == nil {
		if account == nil || account.ID == "" {
			return domain.HealthOffline
		}
		return domain.HealthValid
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return domain.HealthInvalid
	}
	return domain.HealthOffline
}

// AccountDetails returns the Reg-T account with buying power derived from
// equity, clamped to day-trading buying power for pattern day traders.
func (b *AlpacaBroker) AccountDetails(_ context.Context) (*domain.AccountDetails, error) {
	account, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca: get account: %w", err)
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}

	out := make([]domain.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		if p.AssetClass == alpaca.Crypto {
			return nil, fmt.Errorf("%w: unable to trade cryptocurrency positions", domain.ErrInvalidAccount)
		}
		out = append(out, domain.BrokerPosition{ID: p.Symbol, Amount: p.Qty})
	}

	return &domain.AccountDetails{
		Venue:                     VenueAlpaca,
		AllocationType:            domain.AllocationStock,
		AccountID:                 account.AccountNumber,
		Live:                      b.live,
		MarginType:                domain.MarginRegT,
		Value:                     account.Equity,
		BuyingPower:               alpacaBuyingPower(account),
		InitialBuyingPowerPercent: alpacaInitialPercent,
		Positions:                 out,
	}, nil
}

func alpacaBuyingPower(account *alpaca.Account) decimal.Decimal {
	buyingPower := account.Equity.Div(alpacaInitialMargin)
	if account.PatternDayTrader {
		excess := decimal.Max(account.LastEquity.Sub(account.LastMaintenanceMargin), decimal.Zero)
		dayTrading := excess.Div(alpacaMaintenanceMargin)
		if dayTrading.LessThan(buyingPower) {
			buyingPower = dayTrading
		}
	}
	return buyingPower
}

// MapStocks resolves stock symbols to tradable Alpaca assets.
func (b *AlpacaBroker) MapStocks(ctx context.Context, stocks []domain.Stock) (map[string]string, error) {
	return mapStocks(ctx, stocks, string(domain.AllocationStock), b.lookup)
}

func (b *AlpacaBroker) lookup(ctx context.Context, ids []string) ([]Instrument, error) {
	return b.instruments.lookup(ctx, ids, b.fetchAssets)
}

func (b *AlpacaBroker) fetchAssets(_ context.Context, symbols []string) ([]Instrument, error) {
	out := make([]Instrument, 0, len(symbols))
	for _, symbol := range symbols {
		asset, err := b.client.GetAsset(symbol)
		if err != nil {
			return nil, fmt.Errorf("alpaca: get asset %s: %w", symbol, err)
		}
		if !asset.Tradable || asset.Class == alpaca.Crypto {
			return nil, fmt.Errorf("%w: security %s is not tradable", domain.ErrMapping, symbol)
		}
		step := decimal.NewFromInt(1)
		if asset.Fractionable {
			step = alpacaFractionalStep
		}
		out = append(out, Instrument{
			ID:         asset.Symbol,
			Symbol:     asset.Symbol,
			Security:   string(domain.AllocationStock),
			Marginable: asset.Marginable,
			StepSize:   step,
		})
	}
	return out, nil
}

// NewOrder submits a market order and waits up to a minute for the fill.
func (b *AlpacaBroker) NewOrder(ctx context.Context, req domain.OrderRequest) ([]string, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	inst, err := b.instruments.get(ctx, req.InstrumentID, b.fetchAssets)
	if err != nil {
		return nil, err
	}

	var order *alpaca.Order
	if req.Type == domain.OrderTypeClose {
		order, err = b.client.ClosePosition(inst.Symbol, alpaca.ClosePositionRequest{})
		if err != nil {
			return nil, fmt.Errorf("alpaca: close position %s: %w", inst.Symbol, err)
		}
	} else {
		qty := roundToStep(req.Amount, inst.StepSize)
		if req.Type == domain.OrderTypeSellShort {
			// Short sales are whole shares only.
			qty = req.Amount.Truncate(0)
		}
		if qty.IsZero() || qty.Mul(req.Price).LessThan(b.MinTotal()) {
			return []string{}, nil
		}

		side := alpaca.Buy
		if req.Action == domain.ActionSell {
			side = alpaca.Sell
		}
		order, err = b.client.PlaceOrder(alpaca.PlaceOrderRequest{
			Symbol:      inst.Symbol,
			Qty:         &qty,
			Side:        side,
			Type:        alpaca.Market,
			TimeInForce: alpaca.Day,
		})
		if err != nil {
			return nil, fmt.Errorf("alpaca: place order %s: %w", inst.Symbol, err)
		}
	}
	if order == nil {
		return []string{}, nil
	}

	id := order.ID
	err = util.Poll(ctx, b.pollInterval, b.fillTimeout, fmt.Errorf("%w: alpaca order %s", domain.ErrOrderTimeout, id), func(context.Context) (bool, error) {
		current, err := b.client.GetOrder(id)
		if err != nil {
			return false, fmt.Errorf("alpaca: get order %s: %w", id, err)
		}
		switch current.Status {
		case "filled":
			return true, nil
		case "canceled", "expired", "rejected", "suspended":
			return false, fmt.Errorf("alpaca: order %s ended %s", id, current.Status)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// CancelAllOpenOrders cancels every order and waits up to 20 seconds for the
// open-order list to empty.
func (b *AlpacaBroker) CancelAllOpenOrders(ctx context.Context) ([]string, error) {
	open, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open"})
	if err != nil {
		return nil, fmt.Errorf("alpaca: list orders: %w", err)
	}
	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ID)
	}

	if err := b.client.CancelAllOrders(); err != nil {
		return nil, fmt.Errorf("alpaca: cancel orders: %w", err)
	}

	err = util.Poll(ctx, b.pollInterval, b.cancelWait, domain.ErrCancelTimeout, func(context.Context) (bool, error) {
		remaining, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open"})
		if err != nil {
			return false, fmt.Errorf("alpaca: list orders: %w", err)
		}
		return len(remaining) == 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CloseAllPositions cancels open orders and closes every position.
func (b *AlpacaBroker) CloseAllPositions(ctx context.Context) ([]string, error) {
	return closeAllPositions(ctx, b)
}

// Close is a no-op; the REST client holds no connections.
func (b *AlpacaBroker) Close() error { return nil }
