package broker

import (
	"context"
	"errors"
	"fmt"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/util"
)

// sdkMargin implements marginAPI with the go-binance client.
type sdkMargin struct {
	client  *binance.Client
	limiter *util.RateLimiter
}

func newSDKMargin(cfg config.Binance) *sdkMargin {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}
	return &sdkMargin{
		client: client,
		// Binance allows 6000 request weight per minute; stay well below.
		limiter: util.NewRateLimiter(1200, 10),
	}
}

// wrap converts SDK API errors into binanceAPIError so callers can tell
// rejections from transport failures.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &binanceAPIError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
}

func (m *sdkMargin) MarginPermitted(ctx context.Context) (bool, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return false, err
	}
	perm, err := m.client.NewGetAPIKeyPermission().Do(ctx)
	if err != nil {
		return false, wrap(err)
	}
	return perm.EnableMargin || perm.EnableSpotAndMarginTrading, nil
}

func (m *sdkMargin) MarginSymbols(ctx context.Context) ([]binanceSymbol, error) {
	if err := m.limiter.WaitN(ctx, 10); err != nil {
		return nil, err
	}
	info, err := m.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]binanceSymbol, 0, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.QuoteAsset != binanceQuote || !s.IsMarginTradingAllowed {
			continue
		}
		lot := s.LotSizeFilter()
		if lot == nil {
			continue
		}
		step, err := decimal.NewFromString(lot.StepSize)
		if err != nil {
			continue
		}
		out = append(out, binanceSymbol{BaseAsset: s.BaseAsset, StepSize: step})
	}
	return out, nil
}

func (m *sdkMargin) MarginAccount(ctx context.Context) (*binanceMarginAccount, error) {
	if err := m.limiter.WaitN(ctx, 10); err != nil {
		return nil, err
	}
	account, err := m.client.NewGetMarginAccountService().Do(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	net, err := decimal.NewFromString(account.TotalNetAssetOfBTC)
	if err != nil {
		return nil, fmt.Errorf("parsing totalNetAssetOfBtc %q: %w", account.TotalNetAssetOfBTC, err)
	}
	out := &binanceMarginAccount{
		BorrowEnabled:      account.BorrowEnabled,
		TotalNetAssetOfBTC: net,
	}
	for _, a := range account.UserAssets {
		amount, err := decimal.NewFromString(a.NetAsset)
		if err != nil {
			return nil, fmt.Errorf("parsing netAsset for %s: %w", a.Asset, err)
		}
		out.Assets = append(out.Assets, binanceAsset{Asset: a.Asset, NetAsset: amount})
	}
	return out, nil
}

func (m *sdkMargin) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	prices, err := m.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, wrap(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.Price)
		}
	}
	return decimal.Zero, fmt.Errorf("binance: no price for %s", symbol)
}

func (m *sdkMargin) CreateMarketOrder(ctx context.Context, symbol string, action domain.Action, qty decimal.Decimal) (int64, error) {
	if err := m.limiter.WaitN(ctx, 6); err != nil {
		return 0, err
	}
	side := binance.SideTypeBuy
	if action == domain.ActionSell {
		side = binance.SideTypeSell
	}
	resp, err := m.client.NewCreateMarginOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qty.String()).
		SideEffectType(binance.SideEffectType("AUTO_BORROW_REPAY")).
		Do(ctx)
	if err != nil {
		return 0, wrap(err)
	}
	return resp.OrderID, nil
}

func (m *sdkMargin) OpenOrders(ctx context.Context) ([]binanceOpenOrder, error) {
	if err := m.limiter.WaitN(ctx, 10); err != nil {
		return nil, err
	}
	orders, err := m.client.NewListMarginOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]binanceOpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, binanceOpenOrder{Symbol: o.Symbol, OrderID: o.OrderID})
	}
	return out, nil
}

func (m *sdkMargin) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := m.limiter.WaitN(ctx, 10); err != nil {
		return err
	}
	_, err := m.client.NewCancelMarginOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return wrap(err)
}
