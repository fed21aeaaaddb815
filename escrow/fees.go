package escrow

import (
	"fmt"
	"math"

	"escrowd/models"
)

// FeeBreakdown is the frozen money split computed once at creation time.
// The invariant PlatformFee + RailFee + SellerAmount == Amount always holds.
type FeeBreakdown struct {
	PlatformFee  int64
	RailFee      int64
	SellerAmount int64
}

// ComputeFees splits an amount in minor units using the platform fee
// schedule. Each fee is round(amount*percent/100 + fixed) with half-away
// rounding.
func ComputeFees(amount int64, cfg *models.PlatformConfig) (FeeBreakdown, error) {
	if amount <= 0 {
		return FeeBreakdown{}, fmt.Errorf("escrow: amount must be positive")
	}
	platform := roundFee(amount, cfg.PlatformFeePercent, cfg.PlatformFeeFixed)
	rail := roundFee(amount, cfg.RailFeePercent, cfg.RailFeeFixed)
	seller := amount - platform - rail
	if seller <= 0 {
		return FeeBreakdown{}, fmt.Errorf("escrow: fees %d+%d consume amount %d", platform, rail, amount)
	}
	return FeeBreakdown{PlatformFee: platform, RailFee: rail, SellerAmount: seller}, nil
}

func roundFee(amount int64, percent float64, fixed int64) int64 {
	return int64(math.Round(float64(amount)*percent/100 + float64(fixed)))
}
