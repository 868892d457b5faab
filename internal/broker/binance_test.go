package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirrorbot/internal/domain"
)

type fakeMargin struct {
	mu        sync.Mutex
	permitted bool
	permErr   error
	symbols   []binanceSymbol
	account   *binanceMarginAccount
	btcPrice  decimal.Decimal
	priceErr  error
	orderErr  error
	orders    []string
	open      []binanceOpenOrder
	stuck     bool
	cancelled []int64
	nextID    int64
}

func newFakeMargin() *fakeMargin {
	return &fakeMargin{
		permitted: true,
		symbols: []binanceSymbol{
			{BaseAsset: "BTC", StepSize: d("0.00001")},
			{BaseAsset: "ETH", StepSize: d("0.0001")},
		},
		account: &binanceMarginAccount{
			BorrowEnabled:      true,
			TotalNetAssetOfBTC: d("0.5"),
			Assets: []binanceAsset{
				{Asset: "USDT", NetAsset: d("1000")},
				{Asset: "BTC", NetAsset: d("0.2")},
				{Asset: "DOGE", NetAsset: decimal.Zero},
				{Asset: "ETH", NetAsset: d("-1.5")},
			},
		},
		btcPrice: d("60000"),
		nextID:   100,
	}
}

func (f *fakeMargin) MarginPermitted(context.Context) (bool, error) {
	return f.permitted, f.permErr
}

func (f *fakeMargin) MarginSymbols(context.Context) ([]binanceSymbol, error) {
	return f.symbols, nil
}

func (f *fakeMargin) MarginAccount(context.Context) (*binanceMarginAccount, error) {
	return f.account, nil
}

func (f *fakeMargin) Price(context.Context, string) (decimal.Decimal, error) {
	return f.btcPrice, f.priceErr
}

func (f *fakeMargin) CreateMarketOrder(_ context.Context, symbol string, action domain.Action, qty decimal.Decimal) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return 0, f.orderErr
	}
	f.nextID++
	f.orders = append(f.orders, string(action)+" "+qty.String()+" "+symbol)
	if f.stuck {
		f.open = append(f.open, binanceOpenOrder{Symbol: symbol, OrderID: f.nextID})
	}
	return f.nextID, nil
}

func (f *fakeMargin) OpenOrders(context.Context) ([]binanceOpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]binanceOpenOrder, len(f.open))
	copy(out, f.open)
	return out, nil
}

func (f *fakeMargin) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if f.stuck {
		return errors.New("still working")
	}
	kept := f.open[:0]
	for _, o := range f.open {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	f.open = kept
	return nil
}

func newTestBinance(f *fakeMargin) *BinanceBroker {
	b := newBinanceBroker(f)
	b.pollInterval = time.Millisecond
	b.fillTimeout = 50 * time.Millisecond
	b.cancelWait = 50 * time.Millisecond
	return b
}

func TestBinanceVerify(t *testing.T) {
	f := newFakeMargin()
	b := newTestBinance(f)
	ctx := context.Background()

	assert.Equal(t, domain.HealthValid, b.Verify(ctx))

	f.permitted = false
	assert.Equal(t, domain.HealthInvalid, b.Verify(ctx))

	f.permErr = &binanceAPIError{Code: -2015, Message: "Invalid API-key"}
	assert.Equal(t, domain.HealthInvalid, b.Verify(ctx))

	f.permErr = errors.New("timeout")
	assert.Equal(t, domain.HealthOffline, b.Verify(ctx))
}

func TestBinanceAccountDetails(t *testing.T) {
	f := newFakeMargin()
	account, err := newTestBinance(f).AccountDetails(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.MarginPortfolio, account.MarginType)
	assert.True(t, account.Value.Equal(d("30000")))
	assert.True(t, account.BuyingPower.Equal(d("150000")))
	require.Len(t, account.Positions, 2)
	assert.Equal(t, "BTC", account.Positions[0].ID)
	assert.Equal(t, "ETH", account.Positions[1].ID)

	f.account.BorrowEnabled = false
	account, err = newTestBinance(f).AccountDetails(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.MarginCash, account.MarginType)
	assert.True(t, account.BuyingPower.Equal(account.Value))

	f.priceErr = errors.New("price unavailable")
	_, err = newTestBinance(f).AccountDetails(context.Background())
	require.ErrorIs(t, err, f.priceErr)
}

func TestBinanceMapStocks(t *testing.T) {
	b := newTestBinance(newFakeMargin())
	ctx := context.Background()

	mapping, err := b.MapStocks(ctx, []domain.Stock{{ID: "c1", Symbol: "BTC", Security: "cryptocurrency"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "BTC"}, mapping)

	_, err = b.MapStocks(ctx, []domain.Stock{{ID: "c2", Symbol: "XYZ", Security: "cryptocurrency"}})
	assert.ErrorIs(t, err, domain.ErrMapping)

	_, err = b.MapStocks(ctx, []domain.Stock{{ID: "s1", Symbol: "AAPL", Security: "stock"}})
	assert.ErrorIs(t, err, domain.ErrMapping)
}

func TestBinanceNewOrder(t *testing.T) {
	f := newFakeMargin()
	b := newTestBinance(f)
	ctx := context.Background()

	ids, err := b.NewOrder(ctx, domain.OrderRequest{
		InstrumentID: "ETH", Type: domain.OrderTypeBuyLong, Action: domain.ActionBuy,
		Amount: d("0.123456"), Price: d("3000"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"101"}, ids)
	assert.Equal(t, []string{"buy 0.1234 ETHUSDT"}, f.orders)

	// 0.01 ETH at 3000 is below the 100 USDT minimum.
	ids, err = b.NewOrder(ctx, domain.OrderRequest{
		InstrumentID: "ETH", Type: domain.OrderTypeBuyLong, Action: domain.ActionBuy,
		Amount: d("0.01"), Price: d("3000"),
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, f.orders, 1)
}

func TestBinanceCloseDustSkipped(t *testing.T) {
	f := newFakeMargin()
	f.orderErr = &binanceAPIError{Code: binanceFilterError, Message: "Filter failure: LOT_SIZE"}
	b := newTestBinance(f)

	ids, err := b.NewOrder(context.Background(), domain.OrderRequest{
		InstrumentID: "BTC", Type: domain.OrderTypeClose, Action: domain.ActionSell, Amount: d("0.00002"),
	})
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = b.NewOrder(context.Background(), domain.OrderRequest{
		InstrumentID: "BTC", Type: domain.OrderTypeBuyLong, Action: domain.ActionBuy,
		Amount: d("0.01"), Price: d("60000"),
	})
	require.Error(t, err, "filter failures only skip close orders")
}

func TestBinanceOrderTimeout(t *testing.T) {
	f := newFakeMargin()
	f.stuck = true
	_, err := newTestBinance(f).NewOrder(context.Background(), domain.OrderRequest{
		InstrumentID: "BTC", Type: domain.OrderTypeBuyLong, Action: domain.ActionBuy,
		Amount: d("0.01"), Price: d("60000"),
	})
	assert.ErrorIs(t, err, domain.ErrOrderTimeout)
}

func TestBinanceCancelAllOpenOrders(t *testing.T) {
	f := newFakeMargin()
	f.open = []binanceOpenOrder{{Symbol: "BTCUSDT", OrderID: 7}, {Symbol: "ETHUSDT", OrderID: 8}}
	ids, err := newTestBinance(f).CancelAllOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "8"}, ids)
	assert.Empty(t, f.open)

	f.stuck = true
	f.open = []binanceOpenOrder{{Symbol: "BTCUSDT", OrderID: 9}}
	_, err = newTestBinance(f).CancelAllOpenOrders(context.Background())
	assert.ErrorIs(t, err, domain.ErrCancelTimeout)
}
