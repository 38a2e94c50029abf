package engine

import (
	"github.com/shopspring/decimal"

	"otc_book/internal/domain"
)

// emaWeight is the dampening weight: new observation 1, history 9.
const emaWeight = 9

// feeMarket tracks the floating creation fee. Units: avg is smoothed
// work-unit cost; the published fee is multiplier * avg, denominated
// in the configured fee asset at one unit per work unit. Smoothing is
// applied to the raw cost before multiplying, never to the fee itself.
type feeMarket struct {
	multiplier decimal.Decimal
	bandLow    decimal.Decimal
	bandHigh   decimal.Decimal

	avg     decimal.Decimal // smoothed create cost
	created uint64          // successful creates ever
}

func newFeeMarket(multiplier, bandLow, bandHigh decimal.Decimal) feeMarket {
	return feeMarket{
		multiplier: multiplier,
		bandLow:    bandLow,
		bandHigh:   bandHigh,
		avg:        decimal.Zero,
	}
}

func (f *feeMarket) restore(avg decimal.Decimal, created uint64) {
	f.avg = avg
	f.created = created
}

// currentFee is the published creation fee.
func (f *feeMarket) currentFee() decimal.Decimal {
	return f.avg.Mul(f.multiplier)
}

// accept validates an offered fee against the band in effect before
// the call. The first order ever skips the upper bound (there is no
// established fee yet); the lower bound degenerates to >= 0.
func (f *feeMarket) accept(offered decimal.Decimal) error {
	if offered.IsNegative() {
		return domain.NewValidationError("FEE_NEGATIVE", domain.ErrNegativeFee)
	}
	if f.created == 0 {
		return nil
	}
	fee := f.currentFee()
	if offered.LessThan(fee.Mul(f.bandLow)) || offered.GreaterThan(fee.Mul(f.bandHigh)) {
		return domain.NewValidationError("FEE_OUT_OF_BAND", domain.ErrFeeOutOfBand)
	}
	return nil
}

// observe folds the measured cost of a completed create into the
// moving average: avg' = (9*avg + c) / 10. Runs after the order is
// fully created, so it affects only subsequent orders.
func (f *feeMarket) observe(cost uint64) {
	c := decimal.NewFromUint64(cost)
	f.avg = f.avg.Mul(decimal.NewFromInt(emaWeight)).Add(c).
		Div(decimal.NewFromInt(emaWeight + 1))
	f.created++
}
