// Package feed defines the StrategyFeed interface the bot consumes and the
// AlphaInsider implementation of it: a REST client for target positions,
// entitlements and exchange status, and a WebSocket push stream of position
// changes.
package feed

import (
	"context"
	"encoding/json"

	"mirrorbot/internal/domain"
)

// Feed supplies a strategy's target portfolio and everything the bot needs
// to decide whether it may trade it.
type Feed interface {
	// Verify reports whether the feed accepts the configured key.
	Verify(ctx context.Context) domain.Health

	// StrategyDetails returns the strategy's type and its weighted target
	// positions, quoted at the current bid and ask.
	StrategyDetails(ctx context.Context, strategyID string) (*domain.StrategyDetails, error)

	// Stocks returns descriptors for the given strategy-space ids. Every id
	// must resolve.
	Stocks(ctx context.Context, ids []string) ([]domain.Stock, error)

	// AccountSubscription returns the subscription tier of the key holder.
	AccountSubscription(ctx context.Context) (*domain.Entitlement, error)

	// MarketStatus reports whether the stock exchange is open.
	MarketStatus(ctx context.Context) (*domain.MarketStatus, error)

	// Subscribe opens a push stream of position changes for a strategy.
	Subscribe(ctx context.Context, strategyID string) (Subscription, error)

	// Close releases feed resources.
	Close() error
}

// EventKind classifies a stream event.
type EventKind int

const (
	// EventPositionChange signals that the strategy's positions changed.
	EventPositionChange EventKind = iota
	// EventError signals that the subscription failed and will not recover
	// by itself.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPositionChange:
		return "position_change"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single message from a Subscription. Delivery is at-least-once.
type Event struct {
	Kind    EventKind
	Channel string
	Message string
	Data    json.RawMessage
}

// Subscription is an open push stream.
type Subscription interface {
	// Events returns the stream's events. The channel is closed when the
	// subscription ends.
	Events() <-chan Event

	// Close ends the subscription and waits for its goroutines to exit.
	Close() error
}
