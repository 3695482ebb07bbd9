package models

import (
    "testing"
    "time"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
    v, err := decimal.NewFromString(s)
    if err != nil {
        panic(err)
    }
    return v
}

func TestAccountCanAuthorizePrepaid(t *testing.T) {
    acct := &Account{Balance: dec("10.00")}
    require.True(t, acct.CanAuthorizePrepaid(dec("10.00")))
    require.True(t, acct.CanAuthorizePrepaid(dec("5.00")))
    require.False(t, acct.CanAuthorizePrepaid(dec("10.01")))
}

func TestAccountCanAuthorizePostpaid(t *testing.T) {
    acct := &Account{Balance: dec("-20.00"), CreditLimit: dec("50.00")}
    // projected debt = 20 + 10 = 30, ceiling = 50 + maxDeficit
    require.True(t, acct.CanAuthorizePostpaid(dec("10.00"), dec("0")))
    require.True(t, acct.CanAuthorizePostpaid(dec("30.00"), dec("0")))
    require.False(t, acct.CanAuthorizePostpaid(dec("31.00"), dec("0")))
    require.True(t, acct.CanAuthorizePostpaid(dec("31.00"), dec("5")))
}

func TestRateTariffCovers(t *testing.T) {
    start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
    end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

    open := &RateTariff{EffectiveStart: start}
    require.True(t, open.Covers(start))
    require.True(t, open.Covers(start.Add(time.Hour*24*365)))
    require.False(t, open.Covers(start.Add(-time.Second)))

    bounded := &RateTariff{EffectiveStart: start, EffectiveEnd: &end}
    require.True(t, bounded.Covers(start))
    require.True(t, bounded.Covers(end.Add(-time.Second)))
    require.False(t, bounded.Covers(end))
    require.False(t, bounded.Covers(end.Add(time.Hour)))
}

func TestReservationRemainingAmount(t *testing.T) {
    r := &Reservation{ReservedAmount: dec("10"), ConsumedAmount: dec("3"), ReleasedAmount: dec("2")}
    require.True(t, dec("5").Equal(r.RemainingAmount()))
}

func TestReservationStatusIsTerminal(t *testing.T) {
    terminal := []ReservationStatus{
        ReservationStatusFullyConsumed, ReservationStatusExpired,
        ReservationStatusReleased, ReservationStatusCancelled,
    }
    for _, s := range terminal {
        require.True(t, s.IsTerminal(), "%s should be terminal", s)
    }

    nonTerminal := []ReservationStatus{ReservationStatusActive, ReservationStatusPartiallyConsumed}
    for _, s := range nonTerminal {
        require.False(t, s.IsTerminal(), "%s should not be terminal", s)
    }
}
