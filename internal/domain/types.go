// Package domain defines the core types shared by the broker adapters, the
// strategy feed, the reconciliation engine and the bot controller.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationType identifies the asset class a venue (or a strategy) trades.
type AllocationType string

const (
	AllocationStock  AllocationType = "stock"
	AllocationCrypto AllocationType = "cryptocurrency"
)

// MarginType is the venue's account margin classification.
type MarginType string

const (
	MarginCash      MarginType = "cash"
	MarginRegT      MarginType = "reg_t"
	MarginPortfolio MarginType = "portfolio"
)

// Marginable reports whether the account type may hold short positions.
func (m MarginType) Marginable() bool {
	return m == MarginRegT || m == MarginPortfolio
}

// Health is the result of a connectivity and credential check.
type Health string

const (
	HealthValid   Health = "valid"
	HealthInvalid Health = "invalid"
	HealthOffline Health = "offline"
)

// Status is the single derived lifecycle status of the bot.
type Status string

const (
	StatusOff                Status = "off"
	StatusOn                 Status = "on"
	StatusRebalancing        Status = "rebalancing"
	StatusScheduledRebalance Status = "scheduled_rebalance"
	StatusClosing            Status = "closing"
	StatusScheduledClose     Status = "scheduled_close"
)

// OrderType classifies an order by its effect on the position.
type OrderType string

const (
	OrderTypeClose     OrderType = "close"
	OrderTypeSellLong  OrderType = "sell_long"
	OrderTypeBuyShort  OrderType = "buy_short"
	OrderTypeBuyLong   OrderType = "buy_long"
	OrderTypeSellShort OrderType = "sell_short"
)

// Decreases reports whether the order type releases capital.
func (t OrderType) Decreases() bool {
	return t == OrderTypeClose || t == OrderTypeSellLong || t == OrderTypeBuyShort
}

// Increases reports whether the order type consumes capital.
func (t OrderType) Increases() bool {
	return t == OrderTypeBuyLong || t == OrderTypeSellShort
}

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	return t.Decreases() || t.Increases()
}

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Opposite returns the reversing side.
func (a Action) Opposite() Action {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// ActionFor returns buy for a non-negative amount and sell otherwise.
func ActionFor(amount decimal.Decimal) Action {
	if amount.IsNegative() {
		return ActionSell
	}
	return ActionBuy
}

// TargetPosition is one entry of a strategy's published allocation. Weight
// is signed: its absolute value is the fraction of buying power allocated,
// its sign the direction.
type TargetPosition struct {
	ID     string          `json:"id"`
	Weight decimal.Decimal `json:"weight"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

// IsLong reports whether the target holds long exposure. A zero weight counts
// as long.
func (p TargetPosition) IsLong() bool {
	return !p.Weight.IsNegative()
}

// StrategyDetails is a snapshot of a followed strategy.
type StrategyDetails struct {
	StrategyID string           `json:"strategy_id"`
	Type       AllocationType   `json:"type"`
	Positions  []TargetPosition `json:"positions"`
}

// Stock describes a strategy-space instrument.
type Stock struct {
	ID       string `json:"stock_id"`
	Symbol   string `json:"stock"`
	Security string `json:"security"`
}

// BrokerPosition is a venue-space holding. Amount is signed.
type BrokerPosition struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
}

// AccountDetails is a snapshot of the venue account.
type AccountDetails struct {
	Venue          string          `json:"type"`
	AllocationType AllocationType  `json:"allocation_type"`
	AccountID      string          `json:"account_id"`
	Live           bool            `json:"live"`
	MarginType     MarginType      `json:"margin_type"`
	Value          decimal.Decimal `json:"value"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	// InitialBuyingPowerPercent caps the share of remaining buying power a
	// single execution batch may consume.
	InitialBuyingPowerPercent decimal.Decimal  `json:"initial_buying_power_percent"`
	Positions                 []BrokerPosition `json:"positions"`
}

// OrderIntent is an order computed by one reconciliation pass. It is never
// persisted.
type OrderIntent struct {
	ID     string          `json:"id"`
	Type   OrderType       `json:"type"`
	Action Action          `json:"action"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
	Price  decimal.Decimal `json:"price"`
}

// Batch is a group of orders submitted in parallel.
type Batch []OrderIntent

// OrderRequest is what a venue receives for a single order. Price is zero for
// close orders.
type OrderRequest struct {
	InstrumentID string
	Type         OrderType
	Action       Action
	Amount       decimal.Decimal
	Price        decimal.Decimal
}

// Request converts an intent into a venue order request.
func (o OrderIntent) Request() OrderRequest {
	return OrderRequest{
		InstrumentID: o.ID,
		Type:         o.Type,
		Action:       o.Action,
		Amount:       o.Amount,
		Price:        o.Price,
	}
}

// Tier is a strategy-feed subscription level.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
	TierPremium  Tier = "premium"
)

// Entitlement is the account subscription reported by the strategy feed.
type Entitlement struct {
	Tier Tier `json:"type"`
}

// MarketStatus reports whether the stock exchange is open.
type MarketStatus struct {
	Open bool
}

// ActivityType classifies an activity event.
type ActivityType string

const (
	ActivityInfo    ActivityType = "info"
	ActivityWarning ActivityType = "warning"
	ActivityError   ActivityType = "error"
)

// Activity is one entry of the append-only audit trail.
type Activity struct {
	ID        string         `json:"activity_id"`
	Type      ActivityType   `json:"type"`
	Info      map[string]any `json:"info"`
	Message   string         `json:"message"`
	CreatedAt time.Time      `json:"created_at"`
}
