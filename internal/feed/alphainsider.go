package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/util"
)

// Compile-time interface check.
var _ Feed = (*Client)(nil)

// cashStockID is the pseudo-stock AlphaInsider uses for a strategy's cash
// balance. It counts toward strategy value but is never a target position.
const cashStockID = "ubfhvYUsgvMIuJPwr76My"

// strategyLeverage is the multiple of strategy value a strategy may hold in
// gross exposure.
var strategyLeverage = decimal.NewFromInt(5)

// ErrStrategyNotFound is returned when the followed strategy is not visible
// to the configured key.
var ErrStrategyNotFound = errors.New("strategy not found")

// apiError is a non-success response from the AlphaInsider API.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("alphainsider: status %d: %s", e.StatusCode, e.Message)
}

// envelope wraps every AlphaInsider REST response.
type envelope struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
}

type strategyRecord struct {
	StrategyID string                `json:"strategy_id"`
	Type       domain.AllocationType `json:"type"`
}

type positionRecord struct {
	StockID string          `json:"stock_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type stockRecord struct {
	domain.Stock
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

type exchangeStatus struct {
	NYSE string `json:"nyse"`
}

// ClientOptions tunes a Client. Zero values take production defaults.
type ClientOptions struct {
	HTTPClient    *http.Client
	RetryAttempts int
	RetryBackoff  time.Duration
	// RequestsPerMinute throttles REST calls; negative disables throttling.
	RequestsPerMinute int
	StockTTL          time.Duration
	PingInterval      time.Duration
	ReconnectWait     time.Duration
}

// Client is the AlphaInsider strategy feed.
type Client struct {
	apiKey    string
	baseURL   string
	streamURL string
	key       *KeyInfo
	http      *http.Client
	limiter   *util.RateLimiter
	attempts  int
	backoff   time.Duration
	stocks    *util.TTLCache[domain.Stock]
	dialer    *websocket.Dialer
	ping      time.Duration
	reconnect time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	streams map[*stream]struct{}
}

// NewClient creates an AlphaInsider client. The API key must be a
// well-formed AlphaInsider key.
func NewClient(cfg config.Feed, log *slog.Logger) (*Client, error) {
	return NewClientWithOptions(cfg, ClientOptions{}, log)
}

// NewClientWithOptions is NewClient with explicit tuning.
func NewClientWithOptions(cfg config.Feed, opts ClientOptions, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: alphainsider key is required", domain.ErrConfiguration)
	}
	key, err := ParseKeyInfo(cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://alphainsider.com/api"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://alphainsider.com/ws"
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.StockTTL == 0 {
		opts.StockTTL = 24 * time.Hour
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 3 * time.Second
	}

	log = log.With("component", "alphainsider")
	log.Info("alphainsider key loaded", "holder", key.Holder, "name", key.Name, "created_at", key.CreatedAt)

	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		streamURL: cfg.StreamURL,
		key:       key,
		http:      opts.HTTPClient,
		limiter:   util.NewRateLimiter(opts.RequestsPerMinute, 10),
		attempts:  opts.RetryAttempts,
		backoff:   opts.RetryBackoff,
		stocks:    util.NewTTLCache(opts.StockTTL, func(st domain.Stock) string { return st.ID }),
		dialer:    websocket.DefaultDialer,
		ping:      opts.PingInterval,
		reconnect: opts.ReconnectWait,
		log:       log,
		streams:   make(map[*stream]struct{}),
	}, nil
}

// KeyInfo returns the identity decoded from the API key.
func (c *Client) KeyInfo() KeyInfo { return *c.key }

// get calls an API endpoint and decodes the response payload into out.
// Transport failures, 5xx and 429 responses are retried.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, auth bool, out any) error {
	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var payload json.RawMessage
	err := util.Retry(ctx, c.attempts, c.backoff, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return util.Permanent(err)
		}
		if auth {
			req.Header.Set("Authorization", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrConnectivity, endpoint, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("%w: %s: read body: %w", domain.ErrConnectivity, endpoint, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return &apiError{StatusCode: resp.StatusCode, Message: string(body)}
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return util.Permanent(fmt.Errorf("alphainsider: %s: decode response: %w", endpoint, err))
		}
		if resp.StatusCode >= http.StatusBadRequest || !env.Success {
			return util.Permanent(&apiError{StatusCode: resp.StatusCode, Message: string(env.Response)})
		}
		payload = env.Response
		return nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("alphainsider: %s: decode payload: %w", endpoint, err)
	}
	return nil
}

// Verify fetches the account subscription. A rejection from the API means
// the key is invalid; anything else means AlphaInsider could not be reached.
func (c *Client) Verify(ctx context.Context) domain.Health {
	err := c.get(ctx, "getAccountSubscription", nil, true, nil)
	if err == nil {
		return domain.HealthValid
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError && apiErr.StatusCode != http.StatusTooManyRequests {
		return domain.HealthInvalid
	}
	return domain.HealthOffline
}

// AccountSubscription returns the key holder's subscription tier.
func (c *Client) AccountSubscription(ctx context.Context) (*domain.Entitlement, error) {
	var out domain.Entitlement
	if err := c.get(ctx, "getAccountSubscription", nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarketStatus reports whether NYSE is open.
func (c *Client) MarketStatus(ctx context.Context) (*domain.MarketStatus, error) {
	var out exchangeStatus
	if err := c.get(ctx, "getExchangeStatus", nil, false, &out); err != nil {
		return nil, err
	}
	return &domain.MarketStatus{Open: out.NYSE == "open"}, nil
}

// StrategyDetails fetches the strategy and its positions concurrently, then
// prices every position and converts it to a weight of strategy buying power.
// Strategy buying power is the larger of 5x strategy value and its gross
// exposure; longs are valued at the bid, shorts at the ask.
func (c *Client) StrategyDetails(ctx context.Context, strategyID string) (*domain.StrategyDetails, error) {
	var (
		strategies []strategyRecord
		positions  []positionRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, "getStrategies", url.Values{"strategy_id[]": {strategyID}}, true, &strategies)
	})
	g.Go(func() error {
		return c.get(gctx, "getPositions", url.Values{"strategy_id": {strategyID}}, true, &positions)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	var ids []string
	amounts := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if _, ok := amounts[p.StockID]; !ok {
			ids = append(ids, p.StockID)
		}
		amounts[p.StockID] = amounts[p.StockID].Add(p.Amount)
	}

	quotes := make(map[string]stockRecord, len(ids))
	if len(ids) > 0 {
		records, err := c.fetchStocks(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			quotes[r.ID] = r
		}
	}

	prices := make(map[string]decimal.Decimal, len(ids))
	value, gross := decimal.Zero, decimal.Zero
	for _, id := range ids {
		q, ok := quotes[id]
		if !ok {
			return nil, fmt.Errorf("%w: no quote for stock %s", domain.ErrMapping, id)
		}
		amount := amounts[id]
		price := q.Bid
		if amount.IsNegative() {
			price = q.Ask
		}
		prices[id] = price
		value = value.Add(amount.Mul(price))
		gross = gross.Add(amount.Abs().Mul(price))
	}
	buyingPower := value.Mul(strategyLeverage)
	if gross.GreaterThan(buyingPower) {
		buyingPower = gross
	}

	out := &domain.StrategyDetails{
		StrategyID: strategies[0].StrategyID,
		Type:       strategies[0].Type,
		Positions:  make([]domain.TargetPosition, 0, len(ids)),
	}
	for _, id := range ids {
		if id == cashStockID {
			continue
		}
		amount := amounts[id]
		weight := decimal.Zero
		if buyingPower.IsPositive() {
			weight = amount.Abs().Mul(prices[id]).Div(buyingPower)
			if amount.IsNegative() {
				weight = weight.Neg()
			}
		}
		out.Positions = append(out.Positions, domain.TargetPosition{
			ID:     id,
			Weight: weight,
			Bid:    quotes[id].Bid,
			Ask:    quotes[id].Ask,
		})
	}
	return out, nil
}

// Stocks returns stock descriptors, served from cache until they expire.
// The cash pseudo-stock is never requested.
func (c *Client) Stocks(ctx context.Context, ids []string) ([]domain.Stock, error) {
	filtered := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != cashStockID {
			filtered = append(filtered, id)
		}
	}
	stocks, err := c.stocks.Lookup(ctx, filtered, func(ctx context.Context, missing []string) ([]domain.Stock, error) {
		records, err := c.fetchStocks(ctx, missing)
		if err != nil {
			return nil, err
		}
		if len(records) < len(missing) {
			return nil, fmt.Errorf("%w: could not get all stock details", domain.ErrMapping)
		}
		out := make([]domain.Stock, 0, len(records))
		for _, r := range records {
			out = append(out, r.Stock)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(stocks))
	for _, st := range stocks {
		found[st.ID] = struct{}{}
	}
	for _, id := range filtered {
		if _, ok := found[id]; !ok {
			return nil, fmt.Errorf("%w: could not get stock details for %s", domain.ErrMapping, id)
		}
	}
	return stocks, nil
}

func (c *Client) fetchStocks(ctx context.Context, ids []string) ([]stockRecord, error) {
	var records []stockRecord
	if err := c.get(ctx, "getStocks", url.Values{"stock_id[]": ids}, false, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Subscribe starts a push stream for the strategy's positions. The stream
// reconnects on its own; it ends when closed or when the subscription is
// rejected, in which case an EventError is delivered first.
func (c *Client) Subscribe(ctx context.Context, strategyID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newStream(c, "wsPositions:"+strategyID)

	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	s.start()
	return s, nil
}

func (c *Client) forget(s *stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, s)
}

// Close ends every open subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	streams := make([]*stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}
