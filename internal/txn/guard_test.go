package txn

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	xerrors "reward-accumulator/internal/errors"
)

func TestCostGuardTable(t *testing.T) {
	cases := []struct {
		name     string
		ceiling  *big.Int
		observed int64
		proceed  bool
	}{
		{name: "no ceiling", ceiling: nil, observed: 1_000_000_000_000, proceed: true},
		{name: "below", ceiling: big.NewInt(100), observed: 99, proceed: true},
		{name: "equal", ceiling: big.NewInt(100), observed: 100, proceed: true},
		{name: "above", ceiling: big.NewInt(100), observed: 101, proceed: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewCostGuard(tc.ceiling).Check(big.NewInt(tc.observed))
			if tc.proceed && err != nil {
				t.Fatalf("expected proceed, got %v", err)
			}
			if !tc.proceed {
				if !xerrors.HasCode(err, xerrors.CodeCostExceeded) {
					t.Fatalf("expected COST_EXCEEDED, got %v", err)
				}
				var exceeded *CostExceededError
				if !errors.As(err, &exceeded) {
					t.Fatalf("expected CostExceededError in chain: %v", err)
				}
				if exceeded.Observed.Int64() != tc.observed || exceeded.Ceiling.Cmp(tc.ceiling) != 0 {
					t.Fatalf("unexpected values %s/%s", exceeded.Observed, exceeded.Ceiling)
				}
			}
		})
	}
}

func TestCostGuardProceedsIffWithinCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		p := rng.Int63n(1_000)
		c := rng.Int63n(1_000)
		err := NewCostGuard(big.NewInt(c)).Check(big.NewInt(p))
		if (err == nil) != (p <= c) {
			t.Fatalf("p=%d c=%d: unexpected result %v", p, c, err)
		}
	}
}

func TestCostGuardCopiesCeiling(t *testing.T) {
	ceiling := big.NewInt(10)
	guard := NewCostGuard(ceiling)
	ceiling.SetInt64(1_000)
	if err := guard.Check(big.NewInt(11)); err == nil {
		t.Fatal("guard must not observe later changes to the ceiling")
	}
	if NewCostGuard(nil).Ceiling() != nil {
		t.Fatal("expected nil ceiling")
	}
}
