package billingerr

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestNewSetsStatusFromCode(t *testing.T) {
    err := New(ErrInsufficientBalance, "not enough funds")
    require.Equal(t, 403, err.StatusCode)
    require.Equal(t, "not enough funds", err.Message)
    require.Equal(t, "[INSUFFICIENT_BALANCE] not enough funds", err.Error())
}

func TestNewUnknownCodeDefaultsTo500(t *testing.T) {
    err := New(ErrorCode("SOMETHING_NEW"), "mystery")
    require.Equal(t, 500, err.StatusCode)
}

func TestWrapNilReturnsNil(t *testing.T) {
    require.Nil(t, Wrap(nil, ErrDatabase, "should not matter"))
}

func TestWrapPlainError(t *testing.T) {
    base := errors.New("connection refused")
    wrapped := Wrap(base, ErrDatabase, "failed to query")
    require.Equal(t, ErrDatabase, wrapped.Code)
    require.Equal(t, base, wrapped.Unwrap())
    require.Contains(t, wrapped.Error(), "connection refused")
}

func TestWrapAppErrorPrependsMessage(t *testing.T) {
    inner := New(ErrAccountNotFound, "account 42 missing")
    wrapped := Wrap(inner, ErrDatabase, "lookup failed")
    require.Same(t, inner, wrapped)
    require.Equal(t, "lookup failed: account 42 missing", wrapped.Message)
    require.Equal(t, ErrAccountNotFound, wrapped.Code)
}

func TestWithContextAndStatusCode(t *testing.T) {
    err := New(ErrInvalidRequest, "bad input").
        WithContext("field", "callee").
        WithStatusCode(422)
    require.Equal(t, "callee", err.Context["field"])
    require.Equal(t, 422, err.StatusCode)
}

func TestIsRetryable(t *testing.T) {
    require.True(t, New(ErrDatabase, "x").IsRetryable())
    require.True(t, New(ErrRedis, "x").IsRetryable())
    require.False(t, New(ErrInsufficientBalance, "x").IsRetryable())
}

func TestIsHelper(t *testing.T) {
    err := New(ErrRateNotFound, "no tariff")
    require.True(t, Is(err, ErrRateNotFound))
    require.False(t, Is(err, ErrAccountNotFound))
    require.False(t, Is(errors.New("plain"), ErrRateNotFound))
    require.False(t, Is(nil, ErrRateNotFound))
}
