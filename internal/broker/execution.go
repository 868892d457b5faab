package broker

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"mirrorbot/internal/domain"
)

// closeAllPositions cancels open orders and submits one reversing close
// order per nonzero position, in parallel.
func closeAllPositions(ctx context.Context, b Broker) ([]string, error) {
	if _, err := b.CancelAllOpenOrders(ctx); err != nil {
		return nil, err
	}

	account, err := b.AccountDetails(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		ids []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pos := range account.Positions {
		if pos.Amount.IsZero() {
			continue
		}
		req := domain.OrderRequest{
			InstrumentID: pos.ID,
			Type:         domain.OrderTypeClose,
			Action:       domain.ActionFor(pos.Amount).Opposite(),
			Amount:       pos.Amount.Abs(),
		}
		g.Go(func() error {
			placed, err := b.NewOrder(gctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, placed...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ids, err
	}
	return ids, nil
}
