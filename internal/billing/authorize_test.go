package billing

import (
    "testing"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"

    "github.com/telecom/billingcore/internal/models"
    "github.com/telecom/billingcore/pkg/billingerr"
)

func dec(s string) decimal.Decimal {
    v, err := decimal.NewFromString(s)
    if err != nil {
        panic(err)
    }
    return v
}

func TestSizeReservationAppliesBufferAndClamp(t *testing.T) {
    limits := Limits{
        ReservationBufferPercent: 10,
        MinReservation:           dec("0.30"),
        MaxReservation:           dec("50.00"),
    }

    got := sizeReservation(5, dec("0.10"), dec("0.02"), limits)
    // raw = 5*0.10 + 0.02 = 0.52, buffered 10% = 0.572, inside [0.30, 50.00] so unclamped
    require.True(t, dec("0.5720").Equal(got), "got %s", got)
}

func TestSizeReservationClampsToMinimum(t *testing.T) {
    limits := Limits{MinReservation: dec("2.00"), MaxReservation: dec("50.00")}
    got := sizeReservation(1, dec("0.01"), dec("0"), limits)
    require.True(t, dec("2.00").Equal(got))
}

func TestSizeReservationClampsToMaximum(t *testing.T) {
    limits := Limits{MinReservation: dec("1.00"), MaxReservation: dec("10.00")}
    got := sizeReservation(600, dec("1.00"), dec("0"), limits)
    require.True(t, dec("10.00").Equal(got))
}

func TestFeasiblePrepaid(t *testing.T) {
    acct := &models.Account{Type: models.AccountTypePrepaid, Balance: dec("10.00")}
    require.True(t, feasible(acct, dec("10.00"), dec("0")))
    require.False(t, feasible(acct, dec("10.01"), dec("0")))
}

func TestFeasiblePostpaid(t *testing.T) {
    acct := &models.Account{Type: models.AccountTypePostpaid, Balance: dec("-5.00"), CreditLimit: dec("20.00")}
    require.True(t, feasible(acct, dec("14.99"), dec("0")))
    require.False(t, feasible(acct, dec("15.01"), dec("0")))
    require.True(t, feasible(acct, dec("20.00"), dec("5.00")))
}

func TestFeasibleUnknownAccountType(t *testing.T) {
    acct := &models.Account{Type: models.AccountType("prehistoric"), Balance: dec("999")}
    require.False(t, feasible(acct, dec("1"), dec("0")))
}

func TestMaxDurationSeconds(t *testing.T) {
    got := maxDurationSeconds(dec("1.02"), dec("0.02"), dec("0.10"))
    // (1.02 - 0.02) / 0.10 = 10 minutes = 600 seconds
    require.Equal(t, int64(600), got)
}

func TestMaxDurationSecondsZeroRate(t *testing.T) {
    got := maxDurationSeconds(dec("5.00"), dec("0"), dec("0"))
    require.Greater(t, got, int64(0))
}

func TestErrResultFromAppError(t *testing.T) {
    err := billingerr.New(billingerr.ErrInsufficientBalance, "insufficient balance")
    r := errResult("call-1", err)
    require.False(t, r.Authorized)
    require.Equal(t, "call-1", r.CallUUID)
    require.Equal(t, string(billingerr.ErrInsufficientBalance), r.ErrorCode)
    require.Equal(t, "insufficient balance", r.Reason)
}

func TestErrResultFromPlainError(t *testing.T) {
    r := errResult("call-2", errPlain{"boom"})
    require.False(t, r.Authorized)
    require.Equal(t, string(billingerr.ErrInternal), r.ErrorCode)
    require.Equal(t, "boom", r.Reason)
}

type errPlain struct{ msg string }

func (e errPlain) Error() string { return e.msg }
