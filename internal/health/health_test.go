package health

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestHealthServiceAllChecksPass(t *testing.T) {
    hs := NewHealthService(0)
    hs.RegisterLivenessCheck("database", CheckFunc(func(ctx context.Context) error { return nil }))
    hs.RegisterReadinessCheck("database", CheckFunc(func(ctx context.Context) error { return nil }))

    req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
    w := httptest.NewRecorder()
    hs.handleReadiness(w, req)

    require.Equal(t, http.StatusOK, w.Code)

    var resp HealthResponse
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
    require.Equal(t, "ok", resp.Status)
    require.Equal(t, "ok", resp.Checks["database"].Status)
}

func TestHealthServiceFailingCheckReturns503(t *testing.T) {
    hs := NewHealthService(0)
    hs.RegisterReadinessCheck("softswitch", CheckFunc(func(ctx context.Context) error {
        return errors.New("not connected")
    }))

    req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
    w := httptest.NewRecorder()
    hs.handleReadiness(w, req)

    require.Equal(t, http.StatusServiceUnavailable, w.Code)

    var resp HealthResponse
    require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
    require.Equal(t, "failed", resp.Status)
    require.Equal(t, "failed", resp.Checks["softswitch"].Status)
    require.Equal(t, "not connected", resp.Checks["softswitch"].Error)
}

func TestHealthServiceLivenessAndReadinessAreIndependent(t *testing.T) {
    hs := NewHealthService(0)
    hs.RegisterLivenessCheck("process", CheckFunc(func(ctx context.Context) error { return nil }))
    hs.RegisterReadinessCheck("database", CheckFunc(func(ctx context.Context) error {
        return errors.New("db down")
    }))

    liveReq := httptest.NewRequest(http.MethodGet, "/health/live", nil)
    liveW := httptest.NewRecorder()
    hs.handleLiveness(liveW, liveReq)
    require.Equal(t, http.StatusOK, liveW.Code)

    readyReq := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
    readyW := httptest.NewRecorder()
    hs.handleReadiness(readyW, readyReq)
    require.Equal(t, http.StatusServiceUnavailable, readyW.Code)
}

func TestHealthServiceNoChecksRegisteredIsOK(t *testing.T) {
    hs := NewHealthService(0)

    req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
    w := httptest.NewRecorder()
    hs.handleLiveness(w, req)

    require.Equal(t, http.StatusOK, w.Code)
}
