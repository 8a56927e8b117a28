package escrow

import (
	"testing"

	"wasteex/pkg/config"
)

var tiers = []config.FeeTier{
	{UpTo: 10_000, Bps: 500},
	{UpTo: 100_000, Bps: 250},
	{UpTo: 0, Bps: 250},
}

func TestPlatformFeeTiers(t *testing.T) {
	cases := []struct {
		total int64
		fee   int64
	}{
		{10_000, 500},    // 5% tier boundary
		{10_001, 250},    // first 2.5% tier
		{100_000, 2_500}, // boundary of the middle tier
		{100_001, 2_500},
		{200_000, 5_000}, // worked example
		{5_000, 250},
	}
	for _, c := range cases {
		if got := PlatformFee(c.total, tiers); got != c.fee {
			t.Fatalf("total %d: expected fee %d got %d", c.total, c.fee, got)
		}
	}
}

func TestSplitSumInvariant(t *testing.T) {
	for _, total := range []int64{1, 9_999, 10_000, 10_001, 99_999, 100_000, 100_001, 1_234_567} {
		seller, fee := Split(total, tiers)
		if seller+fee != total {
			t.Fatalf("total %d: sellerAmount %d + fee %d != total", total, seller, fee)
		}
		if fee < 0 || seller < 0 {
			t.Fatalf("total %d: negative split %d/%d", total, seller, fee)
		}
	}
}
