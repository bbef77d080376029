package txn

import (
	"fmt"
	"math/big"

	xerrors "reward-accumulator/internal/errors"
)

// CostExceededError carries the observed gas price and the ceiling it broke.
type CostExceededError struct {
	Observed *big.Int
	Ceiling  *big.Int
}

func (e *CostExceededError) Error() string {
	return fmt.Sprintf("gas price %s wei exceeds ceiling %s wei", e.Observed, e.Ceiling)
}

// CostGuard rejects submissions whose gas price is above a ceiling.
// A guard without a ceiling always proceeds.
type CostGuard struct {
	ceiling *big.Int
}

// NewCostGuard returns a guard for ceiling, in wei. A nil ceiling disables it.
func NewCostGuard(ceiling *big.Int) *CostGuard {
	if ceiling == nil {
		return &CostGuard{}
	}
	return &CostGuard{ceiling: new(big.Int).Set(ceiling)}
}

// Ceiling returns a copy of the configured ceiling, or nil.
func (g *CostGuard) Ceiling() *big.Int {
	if g == nil || g.ceiling == nil {
		return nil
	}
	return new(big.Int).Set(g.ceiling)
}

// Check returns nil when observed is at or below the ceiling.
func (g *CostGuard) Check(observed *big.Int) error {
	if g == nil || g.ceiling == nil {
		return nil
	}
	if observed == nil {
		return xerrors.New(xerrors.CodeNetworkUnavailable, "gas price unavailable")
	}
	if observed.Cmp(g.ceiling) <= 0 {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeCostExceeded,
		&CostExceededError{Observed: new(big.Int).Set(observed), Ceiling: new(big.Int).Set(g.ceiling)},
		"",
		xerrors.WithMetadata("observed", observed.String()),
		xerrors.WithMetadata("ceiling", g.ceiling.String()))
}
