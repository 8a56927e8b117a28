package escrow

import "wasteex/pkg/config"

// PlatformFee computes the commission withheld from a contract's total value
// using the tiered basis-point table. Truncating division keeps
// sellerAmount + fee == total for every input.
func PlatformFee(total int64, tiers []config.FeeTier) int64 {
	for _, t := range tiers {
		if t.UpTo == 0 || total <= t.UpTo {
			return total * t.Bps / 10_000
		}
	}
	return 0
}

// Split returns the frozen seller payout and platform fee for a total. Both
// are fixed at order creation and never recomputed, even if the tier table
// changes later.
func Split(total int64, tiers []config.FeeTier) (sellerAmount, fee int64) {
	fee = PlatformFee(total, tiers)
	return total - fee, fee
}
