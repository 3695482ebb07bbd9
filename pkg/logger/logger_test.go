package logger

import (
    "context"
    "errors"
    "testing"

    "github.com/sirupsen/logrus"
    "github.com/stretchr/testify/require"
)

func TestInitRejectsInvalidLevel(t *testing.T) {
    err := Init(Config{Level: "not-a-level", Format: "text", Output: "stdout"})
    require.Error(t, err)
}

func TestInitSetsDefaultFields(t *testing.T) {
    require.NoError(t, Init(Config{Level: "info", Format: "json", Output: "stdout"}))
    require.NotNil(t, defaultLogger)
    require.Equal(t, "billingcore", defaultLogger.fields["app"])
}

func TestInitMergesCustomFields(t *testing.T) {
    require.NoError(t, Init(Config{
        Level: "info", Format: "text", Output: "stdout",
        Fields: map[string]interface{}{"region": "us-east"},
    }))
    require.Equal(t, "us-east", defaultLogger.fields["region"])
}

func TestWithFieldsMergesWithoutMutatingParent(t *testing.T) {
    require.NoError(t, Init(Config{Level: "info", Format: "text", Output: "stdout"}))

    child := defaultLogger.WithFields(logrus.Fields{"call_uuid": "abc-1"})
    require.Equal(t, "abc-1", child.fields["call_uuid"])
    _, onParent := defaultLogger.fields["call_uuid"]
    require.False(t, onParent)
}

func TestWithErrorAddsErrorFields(t *testing.T) {
    require.NoError(t, Init(Config{Level: "info", Format: "text", Output: "stdout"}))

    child := defaultLogger.WithError(errors.New("boom"))
    require.Equal(t, "boom", child.fields["error"])
    require.Contains(t, child.fields["error_type"], "errorString")
}

func TestWithContextExtractsKnownKeys(t *testing.T) {
    require.NoError(t, Init(Config{Level: "info", Format: "text", Output: "stdout"}))

    ctx := context.WithValue(context.Background(), "call_uuid", "call-99")
    ctx = context.WithValue(ctx, "account_id", int64(7))

    logger := WithContext(ctx)
    require.Equal(t, "call-99", logger.fields["call_uuid"])
    require.Equal(t, int64(7), logger.fields["account_id"])
}

func TestWithFieldUsesPackageDefault(t *testing.T) {
    require.NoError(t, Init(Config{Level: "info", Format: "text", Output: "stdout"}))

    logger := WithField("key", "value")
    require.Equal(t, "value", logger.fields["key"])
}
