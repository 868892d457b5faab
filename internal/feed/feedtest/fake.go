// Package feedtest provides an in-memory feed.Feed for tests.
package feedtest

import (
	"context"
	"sync"

	"mirrorbot/internal/domain"
	"mirrorbot/internal/feed"
)

// Compile-time interface check.
var _ feed.Feed = (*Fake)(nil)

// Fake is a scriptable feed. Stocks resolve to descriptors whose symbol is
// the stock id and whose security is the strategy type.
type Fake struct {
	mu           sync.Mutex
	health       domain.Health
	details      domain.StrategyDetails
	detailsErr   error
	tier         domain.Tier
	marketOpen   bool
	marketErr    error
	subscribeErr error
	subs         []*Subscription
	calls        map[string]int
}

// New returns a healthy feed for a strategy of the given type with the
// market open and a premium subscription.
func New(strategyID string, t domain.AllocationType) *Fake {
	return &Fake{
		health:     domain.HealthValid,
		details:    domain.StrategyDetails{StrategyID: strategyID, Type: t},
		tier:       domain.TierPremium,
		marketOpen: true,
		calls:      make(map[string]int),
	}
}

// SetHealth sets the result of Verify.
func (f *Fake) SetHealth(h domain.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

// SetTargets replaces the target positions.
func (f *Fake) SetTargets(positions ...domain.TargetPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details.Positions = positions
}

// SetStrategyType changes the reported strategy type.
func (f *Fake) SetStrategyType(t domain.AllocationType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details.Type = t
}

// SetDetailsError makes StrategyDetails fail until cleared with nil.
func (f *Fake) SetDetailsError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailsErr = err
}

// SetTier sets the subscription tier.
func (f *Fake) SetTier(t domain.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tier = t
}

// SetMarketOpen sets the exchange status.
func (f *Fake) SetMarketOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketOpen = open
}

// SetMarketError makes MarketStatus fail until cleared with nil.
func (f *Fake) SetMarketError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marketErr = err
}

// SetSubscribeError makes Subscribe fail until cleared with nil.
func (f *Fake) SetSubscribeError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

// Calls returns how many times the named method ran.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Subscriptions returns the open subscriptions.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// Push delivers a position change to every open subscription.
func (f *Fake) Push() {
	f.send(feed.Event{Kind: feed.EventPositionChange})
}

// Fail delivers a subscription error to every open subscription.
func (f *Fake) Fail(message string) {
	f.send(feed.Event{Kind: feed.EventError, Message: message})
}

func (f *Fake) send(ev feed.Event) {
	f.mu.Lock()
	subs := append([]*Subscription(nil), f.subs...)
	f.mu.Unlock()
	for _, s := range subs {
		s.send(ev)
	}
}

func (f *Fake) count(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

// Verify implements feed.Feed.
func (f *Fake) Verify(context.Context) domain.Health {
	f.count("Verify")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// StrategyDetails implements feed.Feed.
func (f *Fake) StrategyDetails(context.Context, string) (*domain.StrategyDetails, error) {
	f.count("StrategyDetails")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	out := f.details
	out.Positions = append([]domain.TargetPosition(nil), f.details.Positions...)
	return &out, nil
}

// Stocks implements feed.Feed.
func (f *Fake) Stocks(_ context.Context, ids []string) ([]domain.Stock, error) {
	f.count("Stocks")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Stock, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Stock{ID: id, Symbol: id, Security: string(f.details.Type)})
	}
	return out, nil
}

// AccountSubscription implements feed.Feed.
func (f *Fake) AccountSubscription(context.Context) (*domain.Entitlement, error) {
	f.count("AccountSubscription")
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.Entitlement{Tier: f.tier}, nil
}

// MarketStatus implements feed.Feed.
func (f *Fake) MarketStatus(context.Context) (*domain.MarketStatus, error) {
	f.count("MarketStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return nil, f.marketErr
	}
	return &domain.MarketStatus{Open: f.marketOpen}, nil
}

// Subscribe implements feed.Feed.
func (f *Fake) Subscribe(context.Context, string) (feed.Subscription, error) {
	f.count("Subscribe")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	s := &Subscription{events: make(chan feed.Event, 16)}
	f.subs = append(f.subs, s)
	return s, nil
}

// Close implements feed.Feed.
func (f *Fake) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Subscription is the Fake's feed.Subscription.
type Subscription struct {
	mu     sync.Mutex
	events chan feed.Event
	closed bool
}

// Events implements feed.Subscription.
func (s *Subscription) Events() <-chan feed.Event { return s.events }

// Close implements feed.Subscription.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *Subscription) send(ev feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
