package httpapi

import (
    "encoding/json"
    "net/http/httptest"
    "testing"

    "github.com/shopspring/decimal"
    "github.com/stretchr/testify/require"

    "github.com/telecom/billingcore/pkg/billingerr"
)

func TestParseDecimalEmptyIsZero(t *testing.T) {
    got, err := parseDecimal("")
    require.NoError(t, err)
    require.True(t, decimal.Zero.Equal(got))
}

func TestParseDecimalValid(t *testing.T) {
    got, err := parseDecimal("1.2345")
    require.NoError(t, err)
    require.True(t, decimal.RequireFromString("1.2345").Equal(got))
}

func TestParseDecimalInvalid(t *testing.T) {
    _, err := parseDecimal("not-a-number")
    require.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
    w := httptest.NewRecorder()
    writeJSON(w, 201, map[string]string{"hello": "world"})

    require.Equal(t, 201, w.Code)
    require.Equal(t, "application/json", w.Header().Get("Content-Type"))

    var body map[string]string
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
    require.Equal(t, "world", body["hello"])
}

func TestWriteErrorFromAppError(t *testing.T) {
    w := httptest.NewRecorder()
    writeError(w, billingerr.New(billingerr.ErrInsufficientBalance, "not enough funds"))

    require.Equal(t, 403, w.Code)

    var body errorBody
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
    require.Equal(t, string(billingerr.ErrInsufficientBalance), body.Error)
    require.Equal(t, "not enough funds", body.Message)
}

func TestWriteErrorFromPlainError(t *testing.T) {
    w := httptest.NewRecorder()
    writeError(w, plainErr("boom"))

    require.Equal(t, 500, w.Code)

    var body errorBody
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
    require.Equal(t, string(billingerr.ErrInternal), body.Error)
    require.Equal(t, "boom", body.Message)
}

type plainErr string

func (e plainErr) Error() string { return string(e) }
