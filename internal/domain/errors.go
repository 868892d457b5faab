package domain

import "errors"

// Failure classes. Callers wrap these with context via fmt.Errorf and match
// them with errors.Is.
var (
	// ErrConfiguration means bad or missing credentials, or an unsupported
	// venue. Fatal at construction.
	ErrConfiguration = errors.New("configuration error")

	// ErrConnectivity means a venue or the feed could not be reached.
	ErrConnectivity = errors.New("connectivity error")

	// ErrAuthorization means credentials were rejected or the account tier
	// does not permit the requested trading.
	ErrAuthorization = errors.New("authorization error")

	// ErrMarketClosed aborts the current action; a scheduled retry stays armed.
	ErrMarketClosed = errors.New("exchange is closed")

	// ErrInsufficientCapital aborts reconciliation before any order is placed.
	ErrInsufficientCapital = errors.New("insufficient capital")

	// ErrInvalidAccount means the account type, balance or strategy type is
	// not eligible for mirroring.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrMapping means a target instrument could not be resolved or priced.
	ErrMapping = errors.New("instrument mapping error")

	// ErrOrderTimeout means an order did not reach a terminal state in time.
	ErrOrderTimeout = errors.New("order failed to complete")

	// ErrCancelTimeout means open orders were still present after the
	// cancellation deadline.
	ErrCancelTimeout = errors.New("failed to cancel all open orders")

	// ErrClosing rejects a rebalance while a close is in flight or pending.
	ErrClosing = errors.New("can not rebalance when closing or scheduled closing")

	// ErrNotRunning rejects commands that need a started bot.
	ErrNotRunning = errors.New("bot is not running")
)
