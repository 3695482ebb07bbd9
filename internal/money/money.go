// Package money centralizes the decimal arithmetic and billing-increment
// rounding rules so no call site hand-rolls rate math with float64.
package money

import (
    "github.com/shopspring/decimal"
)

// Zero is the canonical zero-value decimal, useful as a comparison base.
var Zero = decimal.Zero

// RoundUpToIncrement rounds billableSeconds up to the next multiple of
// incrementSeconds. A zero or negative increment is treated as 1 (no
// rounding), matching a per-second tariff.
func RoundUpToIncrement(billableSeconds, incrementSeconds int) int {
    if incrementSeconds <= 0 {
        incrementSeconds = 1
    }
    if billableSeconds <= 0 {
        return 0
    }
    return ((billableSeconds + incrementSeconds - 1) / incrementSeconds) * incrementSeconds
}

// CallCost computes the price of a call of durationSeconds at ratePerMinute,
// billed in incrementSeconds blocks, plus a flat connectionFee. Duration is
// rounded up to the increment before being converted to minutes.
func CallCost(durationSeconds, incrementSeconds int, ratePerMinute, connectionFee decimal.Decimal) decimal.Decimal {
    rounded := RoundUpToIncrement(durationSeconds, incrementSeconds)
    minutes := decimal.NewFromInt(int64(rounded)).Div(decimal.NewFromInt(60))
    return minutes.Mul(ratePerMinute).Add(connectionFee).Round(4)
}

// MinutesForAmount inverts CallCost at the per-minute rate only (no
// connection fee), used to size a reservation in minutes for a given
// spend ceiling. Returns 0 if rate is zero or negative.
func MinutesForAmount(amount, ratePerMinute decimal.Decimal) decimal.Decimal {
    if ratePerMinute.LessThanOrEqual(decimal.Zero) {
        return decimal.Zero
    }
    return amount.Div(ratePerMinute)
}

// Clamp restricts v to the inclusive range [min, max].
func Clamp(v, min, max decimal.Decimal) decimal.Decimal {
    if v.LessThan(min) {
        return min
    }
    if v.GreaterThan(max) {
        return max
    }
    return v
}

// ApplyBufferPercent inflates amount by pct percent (e.g. pct=8 adds 8%).
func ApplyBufferPercent(amount decimal.Decimal, pct int) decimal.Decimal {
    if pct <= 0 {
        return amount
    }
    factor := decimal.NewFromInt(100 + int64(pct)).Div(decimal.NewFromInt(100))
    return amount.Mul(factor).Round(4)
}
