package escrow

import (
	"testing"

	"escrowd/models"
)

func standardFeeConfig() *models.PlatformConfig {
	return &models.PlatformConfig{
		PlatformFeePercent: 2.5,
		PlatformFeeFixed:   30,
		RailFeePercent:     2.9,
		RailFeeFixed:       30,
	}
}

func TestComputeFeesStandardSplit(t *testing.T) {
	fees, err := ComputeFees(45000, standardFeeConfig())
	if err != nil {
		t.Fatalf("compute fees: %v", err)
	}
	if fees.PlatformFee != 1155 {
		t.Errorf("platform fee = %d, want 1155", fees.PlatformFee)
	}
	if fees.RailFee != 1335 {
		t.Errorf("rail fee = %d, want 1335", fees.RailFee)
	}
	if fees.SellerAmount != 42510 {
		t.Errorf("seller amount = %d, want 42510", fees.SellerAmount)
	}
}

func TestComputeFeesSumInvariant(t *testing.T) {
	cfg := standardFeeConfig()
	for _, amount := range []int64{100, 101, 999, 4999, 45000, 123457, 10_000_000} {
		fees, err := ComputeFees(amount, cfg)
		if err != nil {
			t.Fatalf("amount %d: %v", amount, err)
		}
		if sum := fees.PlatformFee + fees.RailFee + fees.SellerAmount; sum != amount {
			t.Errorf("amount %d: split sums to %d", amount, sum)
		}
	}
}

func TestComputeFeesRejectsNonPositiveAmount(t *testing.T) {
	for _, amount := range []int64{0, -1} {
		if _, err := ComputeFees(amount, standardFeeConfig()); err == nil {
			t.Errorf("amount %d: expected error", amount)
		}
	}
}

func TestComputeFeesRejectsFeeConsumingAmount(t *testing.T) {
	// 60 cents of fixed fees leave nothing of a 50-cent amount.
	if _, err := ComputeFees(50, standardFeeConfig()); err == nil {
		t.Fatal("expected error when fees consume the amount")
	}
}
