package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirrorbot/internal/broker"
	"mirrorbot/internal/config"
	"mirrorbot/internal/domain"
	"mirrorbot/internal/feed"
	"mirrorbot/internal/store"
)

// Factory builds the broker and feed for a bot configuration.
type Factory func(cfg config.Bot, log *slog.Logger) (broker.Broker, feed.Feed, error)

// DefaultFactory builds the configured venue and the AlphaInsider client.
func DefaultFactory(cfg config.Bot, log *slog.Logger) (broker.Broker, feed.Feed, error) {
	b, err := broker.New(cfg.Broker)
	if err != nil {
		return nil, nil, err
	}
	f, err := feed.NewClient(cfg.Feed, log)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, f, nil
}

// Manager owns the current Controller. Applying new settings replaces it
// and restores the last persisted status.
type Manager struct {
	activities store.ActivityStore
	statuses   store.StatusStore
	factory    Factory
	log        *slog.Logger

	mu   sync.Mutex
	ctrl *Controller
}

// NewManager creates a Manager with no controller.
func NewManager(activities store.ActivityStore, statuses store.StatusStore, factory Factory, log *slog.Logger) *Manager {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Manager{
		activities: activities,
		statuses:   statuses,
		factory:    factory,
		log:        log.With("component", "manager"),
	}
}

// Controller returns the current controller, or nil before the first Apply.
func (m *Manager) Controller() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// Apply tears down the current controller and builds one for cfg. The last
// persisted status decides what happens next: on starts without a
// rebalance, a rebalancing status starts with one and a closing status
// closes all positions. A failed restore is logged, not returned.
func (m *Manager) Apply(ctx context.Context, cfg config.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctrl != nil {
		if err := m.ctrl.Close(); err != nil {
			m.log.Warn("closing previous bot", "error", err)
		}
		m.ctrl = nil
	}

	b, f, err := m.factory(cfg, m.log)
	if err != nil {
		return fmt.Errorf("building bot: %w", err)
	}
	ctrl := New(b, f, Options{
		StrategyID:       cfg.StrategyID,
		RebalanceOnStart: cfg.RebalanceOnStart,
		CloseOnStop:      cfg.CloseOnStop,
		TickInterval:     cfg.TickInterval,
	}, m.log)

	persisted, err := m.statuses.LoadStatus(ctx)
	if err != nil {
		ctrl.Close()
		return fmt.Errorf("loading bot status: %w", err)
	}

	// Status notifications are serialized, so last needs no lock.
	last := persisted
	ctrl.OnStatus(func(status domain.Status) {
		if status == domain.StatusOn && last == domain.StatusOff {
			m.record(domain.ActivityInfo, "Bot started.")
		}
		if status == domain.StatusOff {
			m.record(domain.ActivityInfo, "Bot stopped.")
		}
		last = status
		if err := m.statuses.SaveStatus(context.Background(), status); err != nil {
			m.log.Error("saving bot status", "status", status, "error", err)
		}
	})
	ctrl.OnActivity(func(a domain.Activity) {
		if err := m.activities.AppendActivity(context.Background(), a); err != nil {
			m.log.Error("saving activity", "message", a.Message, "error", err)
		}
	})
	m.ctrl = ctrl

	switch persisted {
	case domain.StatusOn:
		err = ctrl.Start(ctx, WithRebalance(false))
	case domain.StatusRebalancing, domain.StatusScheduledRebalance:
		err = ctrl.Start(ctx, WithRebalance(true))
	case domain.StatusClosing, domain.StatusScheduledClose:
		err = ctrl.CloseAllPositions(ctx)
	}
	if err != nil {
		m.log.Warn("restoring bot status", "status", persisted, "error", err)
	}
	return nil
}

func (m *Manager) record(typ domain.ActivityType, message string) {
	a := domain.Activity{ID: uuid.NewString(), Type: typ, Message: message, CreatedAt: time.Now().UTC()}
	if err := m.activities.AppendActivity(context.Background(), a); err != nil {
		m.log.Error("saving activity", "message", message, "error", err)
	}
}

// Start starts the current bot.
func (m *Manager) Start(ctx context.Context, opts ...StartOption) error {
	ctrl := m.Controller()
	if ctrl == nil {
		return ErrNotConfigured
	}
	return ctrl.Start(ctx, opts...)
}

// Stop stops the current bot.
func (m *Manager) Stop(ctx context.Context, opts ...StopOption) error {
	ctrl := m.Controller()
	if ctrl == nil {
		return ErrNotConfigured
	}
	return ctrl.Stop(ctx, opts...)
}

// Close releases the current controller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctrl == nil {
		return nil
	}
	err := m.ctrl.Close()
	m.ctrl = nil
	return err
}

// ErrNotConfigured is returned by commands issued before Apply.
var ErrNotConfigured = errors.New("bot is not configured")
