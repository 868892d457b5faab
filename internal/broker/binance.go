package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/util"
)

// Compile-time interface check.
var _ Broker = (*BinanceBroker)(nil)

const binanceQuote = "USDT"

// binanceFilterError is returned when an order fails the symbol's filters,
// e.g. a close whose residual dust is below LOT_SIZE.
const binanceFilterError = -1013

// binanceSymbol is a USDT pair open to cross-margin trading.
type binanceSymbol struct {
	BaseAsset string
	StepSize  decimal.Decimal
}

// binanceMarginAccount is the cross-margin account summary.
type binanceMarginAccount struct {
	BorrowEnabled      bool
	TotalNetAssetOfBTC decimal.Decimal
	Assets             []binanceAsset
}

type binanceAsset struct {
	Asset    string
	NetAsset decimal.Decimal
}

type binanceOpenOrder struct {
	Symbol  string
	OrderID int64
}

// binanceAPIError is a rejection reported by Binance itself, as opposed to a
// transport failure.
type binanceAPIError struct {
	Code    int64
	Message string
}

func (e *binanceAPIError) Error() string {
	return fmt.Sprintf("binance: code=%d msg=%s", e.Code, e.Message)
}

// marginAPI is the subset of Binance endpoints the adapter uses.
type marginAPI interface {
	MarginPermitted(ctx context.Context) (bool, error)
	MarginSymbols(ctx context.Context) ([]binanceSymbol, error)
	MarginAccount(ctx context.Context) (*binanceMarginAccount, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	CreateMarketOrder(ctx context.Context, symbol string, action domain.Action, qty decimal.Decimal) (int64, error)
	OpenOrders(ctx context.Context) ([]binanceOpenOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

var (
	binancePortfolioMargin = decimal.RequireFromString("0.2")
	binanceMinTotal        = decimal.NewFromInt(100)
)

// BinanceBroker implements the Broker interface on Binance cross margin.
type BinanceBroker struct {
	api          marginAPI
	instruments  *instrumentCache
	pollInterval time.Duration
	fillTimeout  time.Duration
	cancelWait   time.Duration
}

// NewBinance creates a BinanceBroker from config.
func NewBinance(cfg config.Binance) (*BinanceBroker, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: binance key and secret are required", domain.ErrConfiguration)
	}
	return newBinanceBroker(newSDKMargin(cfg)), nil
}

func newBinanceBroker(api marginAPI) *BinanceBroker {
	return &BinanceBroker{
		api:          api,
		instruments:  newInstrumentCache(24 * time.Hour),
		pollInterval: time.Second,
		fillTimeout:  20 * time.Second,
		cancelWait:   10 * time.Second,
	}
}

// Name returns "binance".
func (b *BinanceBroker) Name() string { return VenueBinance }

// AllocationType returns cryptocurrency.
func (b *BinanceBroker) AllocationType() domain.AllocationType { return domain.AllocationCrypto }

// Live is always true; Binance keys carry no paper flag.
func (b *BinanceBroker) Live() bool { return true }

// MinTotal returns 100 USDT.
func (b *BinanceBroker) MinTotal() decimal.Decimal { return binanceMinTotal }

// MinAccountValue returns the crypto floor.
func (b *BinanceBroker) MinAccountValue() decimal.Decimal {
	return minAccountValue(domain.AllocationCrypto)
}

// Verify checks that the key may trade on margin.
func (b *BinanceBroker) Verify(ctx context.Context) domain.Health {
	permitted, err := b.api.MarginPermitted(ctx)
	if err != nil {
		var apiErr *binanceAPIError
		if errors.As(err, &apiErr) {
			return domain.HealthInvalid
		}
		return domain.HealthOffline
	}
	if !permitted {
		return domain.HealthInvalid
	}
	return domain.HealthValid
}

// AccountDetails values the margin account in USDT. Borrow-enabled accounts
// get 5x leverage.
func (b *BinanceBroker) AccountDetails(ctx context.Context) (*domain.AccountDetails, error) {
	var (
		account  *binanceMarginAccount
		btcPrice decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		account, err = b.api.MarginAccount(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		btcPrice, err = b.api.Price(gctx, "BTC"+binanceQuote)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("binance: account details: %w", err)
	}

	marginType := domain.MarginCash
	if account.BorrowEnabled {
		marginType = domain.MarginPortfolio
	}
	value := account.TotalNetAssetOfBTC.Mul(btcPrice)
	buyingPower := value
	if marginType == domain.MarginPortfolio {
		buyingPower = value.Div(binancePortfolioMargin)
	}

	positions := make([]domain.BrokerPosition, 0, len(account.Assets))
	for _, a := range account.Assets {
		if a.NetAsset.IsZero() || a.Asset == binanceQuote {
			continue
		}
		positions = append(positions, domain.BrokerPosition{ID: a.Asset, Amount: a.NetAsset})
	}

	return &domain.AccountDetails{
		Venue:                     VenueBinance,
		AllocationType:            domain.AllocationCrypto,
		Live:                      true,
		MarginType:                marginType,
		Value:                     value,
		BuyingPower:               buyingPower,
		InitialBuyingPowerPercent: decimal.NewFromInt(1),
		Positions:                 positions,
	}, nil
}

// MapStocks resolves crypto base assets to margin-tradable USDT pairs.
func (b *BinanceBroker) MapStocks(ctx context.Context, stocks []domain.Stock) (map[string]string, error) {
	return mapStocks(ctx, stocks, string(domain.AllocationCrypto), b.lookup)
}

func (b *BinanceBroker) lookup(ctx context.Context, ids []string) ([]Instrument, error) {
	return b.instruments.lookup(ctx, ids, b.fetchSymbols)
}

func (b *BinanceBroker) fetchSymbols(ctx context.Context, assets []string) ([]Instrument, error) {
	symbols, err := b.api.MarginSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: exchange info: %w", err)
	}
	byBase := make(map[string]binanceSymbol, len(symbols))
	for _, s := range symbols {
		byBase[s.BaseAsset] = s
	}

	out := make([]Instrument, 0, len(assets))
	for _, asset := range assets {
		s, ok := byBase[asset]
		if !ok {
			return nil, fmt.Errorf("%w: stock %s not found", domain.ErrMapping, asset)
		}
		out = append(out, Instrument{
			ID:         s.BaseAsset,
			Symbol:     s.BaseAsset,
			Security:   string(domain.AllocationCrypto),
			Marginable: true,
			StepSize:   s.StepSize,
		})
	}
	return out, nil
}

// NewOrder places a margin market order with automatic borrow/repay and
// waits up to 20 seconds for it to leave the book.
func (b *BinanceBroker) NewOrder(ctx context.Context, req domain.OrderRequest) ([]string, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	inst, err := b.instruments.get(ctx, req.InstrumentID, b.fetchSymbols)
	if err != nil {
		return nil, err
	}

	qty := roundToStep(req.Amount, inst.StepSize)
	if qty.IsZero() {
		return []string{}, nil
	}
	if req.Type != domain.OrderTypeClose && qty.Mul(req.Price).LessThan(b.MinTotal()) {
		return []string{}, nil
	}

	symbol := inst.Symbol + binanceQuote
	orderID, err := b.api.CreateMarketOrder(ctx, symbol, req.Action, qty)
	if err != nil {
		var apiErr *binanceAPIError
		if req.Type == domain.OrderTypeClose && errors.As(err, &apiErr) && apiErr.Code == binanceFilterError {
			return []string{}, nil
		}
		return nil, fmt.Errorf("binance: place order %s: %w", symbol, err)
	}

	err = util.Poll(ctx, b.pollInterval, b.fillTimeout, fmt.Errorf("%w: binance order %d", domain.ErrOrderTimeout, orderID), func(ctx context.Context) (bool, error) {
		open, err := b.api.OpenOrders(ctx)
		if err != nil {
			return false, fmt.Errorf("binance: open orders: %w", err)
		}
		for _, o := range open {
			if o.OrderID == orderID {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprint(orderID)}, nil
}

// CancelAllOpenOrders cancels every open margin order and waits up to 10
// seconds for them to leave the book.
func (b *BinanceBroker) CancelAllOpenOrders(ctx context.Context) ([]string, error) {
	open, err := b.api.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: open orders: %w", err)
	}

	canceled := make(map[int64]struct{}, len(open))
	ids := make([]string, 0, len(open))
	for _, o := range open {
		// Orders that filled meanwhile fail to cancel; the poll below
		// confirms the book is clear either way.
		_ = b.api.CancelOrder(ctx, o.Symbol, o.OrderID)
		canceled[o.OrderID] = struct{}{}
		ids = append(ids, fmt.Sprint(o.OrderID))
	}
	if len(canceled) == 0 {
		return ids, nil
	}

	err = util.Poll(ctx, b.pollInterval, b.cancelWait, domain.ErrCancelTimeout, func(ctx context.Context) (bool, error) {
		remaining, err := b.api.OpenOrders(ctx)
		if err != nil {
			return false, fmt.Errorf("binance: open orders: %w", err)
		}
		for _, o := range remaining {
			if _, ok := canceled[o.OrderID]; ok {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CloseAllPositions cancels open orders and closes every margin position.
func (b *BinanceBroker) CloseAllPositions(ctx context.Context) ([]string, error) {
	return closeAllPositions(ctx, b)
}

// Close is a no-op.
func (b *BinanceBroker) Close() error { return nil }
