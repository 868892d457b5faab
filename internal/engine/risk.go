package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"mirrorbot/internal/domain"
)

// RiskManager enforces the account and strategy rules that must hold before
// any order is computed: the strategy trades the venue's asset class, the
// account is a margin account with enough value, and buying power is not
// negative.
type RiskManager struct {
	allocation      domain.AllocationType
	live            bool
	minAccountValue decimal.Decimal
}

// NewRiskManager creates a RiskManager for a venue trading the given asset
// class.
func NewRiskManager(allocation domain.AllocationType, live bool, minAccountValue decimal.Decimal) *RiskManager {
	return &RiskManager{
		allocation:      allocation,
		live:            live,
		minAccountValue: minAccountValue,
	}
}

// CheckStrategy rejects a strategy whose asset class differs from the venue's.
func (rm *RiskManager) CheckStrategy(t domain.AllocationType) error {
	if t != rm.allocation {
		return fmt.Errorf("%w: strategy being followed must be %s based", domain.ErrInvalidAccount, rm.allocation)
	}
	return nil
}

// CheckAccount rejects cash accounts and negative buying power.
func (rm *RiskManager) CheckAccount(account *domain.AccountDetails) error {
	if !account.MarginType.Marginable() {
		return fmt.Errorf("%w: broker must be a RegT or Portfolio margin account", domain.ErrInvalidAccount)
	}
	if account.BuyingPower.IsNegative() {
		return fmt.Errorf("%w: broker buying power can not be negative", domain.ErrInsufficientCapital)
	}
	return nil
}

// CheckMinimumValue rejects accounts below the venue's mirroring floor.
func (rm *RiskManager) CheckMinimumValue(account *domain.AccountDetails) error {
	if account.Value.LessThan(rm.minAccountValue) {
		return fmt.Errorf("%w: account must be above the minimum balance of %s", domain.ErrInsufficientCapital, rm.minAccountValue)
	}
	return nil
}

// CheckEntitlement rejects live trading on a tier that does not include it:
// live stock trading needs premium, live crypto trading pro or premium.
func (rm *RiskManager) CheckEntitlement(ent *domain.Entitlement) error {
	if !rm.live {
		return nil
	}
	switch rm.allocation {
	case domain.AllocationStock:
		if ent.Tier != domain.TierPremium {
			return fmt.Errorf("%w: must have a premium account to live trade", domain.ErrAuthorization)
		}
	case domain.AllocationCrypto:
		if ent.Tier != domain.TierPro && ent.Tier != domain.TierPremium {
			return fmt.Errorf("%w: must have a pro or premium account to live trade", domain.ErrAuthorization)
		}
	}
	return nil
}

// CheckTargetNotional rejects a target whose total notional exceeds buying
// power. Weights are rounded quotients, so drift below a cent is ignored.
func (rm *RiskManager) CheckTargetNotional(total, buyingPower decimal.Decimal) error {
	if total.Round(2).GreaterThan(buyingPower) {
		return fmt.Errorf("%w: calculated orders exceed max buying power (%s > %s)", domain.ErrInsufficientCapital, total, buyingPower)
	}
	return nil
}
