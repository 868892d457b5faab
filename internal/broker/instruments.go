package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mirrorbot/internal/domain"
	"mirrorbot/internal/util"
)

// Instrument is venue-side trading information for one tradable asset.
type Instrument struct {
	ID         string
	Symbol     string
	Security   string
	Marginable bool
	StepSize   decimal.Decimal
}

// instrumentCache holds venue instruments until they expire.
type instrumentCache struct {
	*util.TTLCache[Instrument]
}

func newInstrumentCache(ttl time.Duration) *instrumentCache {
	return &instrumentCache{util.NewTTLCache(ttl, func(inst Instrument) string { return inst.ID })}
}

// fetchFunc loads instruments the cache does not hold. It must return an
// error rather than silently omit an id it can not serve.
type fetchFunc = util.FetchFunc[Instrument]

// lookup returns the instruments for ids, fetching the missing ones.
func (c *instrumentCache) lookup(ctx context.Context, ids []string, fetch fetchFunc) ([]Instrument, error) {
	return c.Lookup(ctx, ids, fetch)
}

// get returns a single instrument.
func (c *instrumentCache) get(ctx context.Context, id string, fetch fetchFunc) (Instrument, error) {
	found, err := c.lookup(ctx, []string{id}, fetch)
	if err != nil {
		return Instrument{}, err
	}
	if len(found) == 0 {
		return Instrument{}, fmt.Errorf("%w: unable to find broker stock information for %s", domain.ErrMapping, id)
	}
	return found[0], nil
}

// mapStocks resolves strategy stocks of the given security class through
// lookup. Stocks of any other class are rejected.
func mapStocks(ctx context.Context, stocks []domain.Stock, security string, lookup func(context.Context, []string) ([]Instrument, error)) (map[string]string, error) {
	if len(stocks) == 0 {
		return map[string]string{}, nil
	}
	ids := make([]string, 0, len(stocks))
	for _, s := range stocks {
		if s.Security != security {
			return nil, fmt.Errorf("%w: some securities are not of type %s", domain.ErrMapping, security)
		}
		ids = append(ids, s.Symbol)
	}

	found, err := lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Instrument, len(found))
	for _, inst := range found {
		byID[inst.ID] = inst
	}

	out := make(map[string]string, len(stocks))
	for _, s := range stocks {
		if inst, ok := byID[s.Symbol]; ok {
			out[s.ID] = inst.ID
		}
	}
	return out, nil
}

// roundToStep floors amount to a multiple of step.
func roundToStep(amount, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return amount
	}
	return amount.Div(step).Floor().Mul(step)
}
