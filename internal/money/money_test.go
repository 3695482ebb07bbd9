package money

import (
    "testing"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
    v, err := decimal.NewFromString(s)
    if err != nil {
        panic(err)
    }
    return v
}

func TestRoundUpToIncrement(t *testing.T) {
    cases := []struct {
        name       string
        billsec    int
        increment  int
        wantResult int
    }{
        {"zero duration", 0, 60, 0},
        {"negative duration", -5, 60, 0},
        {"exact multiple", 60, 60, 60},
        {"rounds up one increment", 61, 60, 120},
        {"per-second billing", 37, 1, 37},
        {"non-positive increment treated as one", 37, 0, 37},
        {"six second increment", 13, 6, 18},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            got := RoundUpToIncrement(tc.billsec, tc.increment)
            require.Equal(t, tc.wantResult, got)
        })
    }
}

func TestCallCost(t *testing.T) {
    cases := []struct {
        name          string
        duration      int
        increment     int
        ratePerMinute decimal.Decimal
        connectionFee decimal.Decimal
        want          decimal.Decimal
    }{
        {"one minute exact", 60, 60, d("0.02"), d("0"), d("0.0200")},
        {"rounds to two increments", 61, 60, d("0.02"), d("0"), d("0.0400")},
        {"with connection fee", 60, 60, d("0.02"), d("0.01"), d("0.0300")},
        {"zero duration still charges connection fee", 0, 60, d("0.02"), d("0.01"), d("0.0100")},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            got := CallCost(tc.duration, tc.increment, tc.ratePerMinute, tc.connectionFee)
            require.True(t, tc.want.Equal(got), "want %s got %s", tc.want, got)
        })
    }
}

func TestMinutesForAmount(t *testing.T) {
    require.True(t, d("5").Equal(MinutesForAmount(d("10"), d("2"))))
    require.True(t, decimal.Zero.Equal(MinutesForAmount(d("10"), d("0"))))
    require.True(t, decimal.Zero.Equal(MinutesForAmount(d("10"), d("-1"))))
}

func TestClamp(t *testing.T) {
    require.True(t, d("5").Equal(Clamp(d("5"), d("1"), d("10"))))
    require.True(t, d("1").Equal(Clamp(d("0"), d("1"), d("10"))))
    require.True(t, d("10").Equal(Clamp(d("99"), d("1"), d("10"))))
}

func TestApplyBufferPercent(t *testing.T) {
    require.True(t, d("10.8000").Equal(ApplyBufferPercent(d("10"), 8)))
    require.True(t, d("10").Equal(ApplyBufferPercent(d("10"), 0)))
    require.True(t, d("10").Equal(ApplyBufferPercent(d("10"), -5)))
}
