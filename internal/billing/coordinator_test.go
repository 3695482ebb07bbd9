package billing

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/telecom/billingcore/internal/esl"
    "github.com/telecom/billingcore/internal/models"
)

type fakeSink struct {
    mu    sync.Mutex
    calls []string
}

func (f *fakeSink) Hangup(ctx context.Context, callUUID, cause string) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.calls = append(f.calls, callUUID+":"+cause)
    return nil
}

func newTestCoordinator(sink CommandSink) *Coordinator {
    return &Coordinator{
        sink:         sink,
        tickInterval: time.Hour,
        monitors:     make(map[string]context.CancelFunc),
    }
}

func TestHandleEventIgnoresEventsWithoutUniqueID(t *testing.T) {
    co := newTestCoordinator(&fakeSink{})
    require.NotPanics(t, func() {
        co.HandleEvent(esl.Event{"Event-Name": "CHANNEL_CREATE"})
    })
}

func TestHandleEventIgnoresUnknownEventNames(t *testing.T) {
    co := newTestCoordinator(&fakeSink{})
    require.NotPanics(t, func() {
        co.HandleEvent(esl.Event{"Event-Name": "CUSTOM", "Unique-ID": "call-1"})
    })
}

func TestStartMonitorReplacesExistingForSameCall(t *testing.T) {
    co := newTestCoordinator(&fakeSink{})

    firstCancelled := make(chan struct{})
    co.monitorsMu.Lock()
    co.monitors["call-1"] = func() { close(firstCancelled) }
    co.monitorsMu.Unlock()

    co.startMonitor("call-1", models.ActiveCallSession{})

    select {
    case <-firstCancelled:
    case <-time.After(time.Second):
        t.Fatal("expected the prior monitor for call-1 to be cancelled")
    }

    co.monitorsMu.Lock()
    _, stillPresent := co.monitors["call-1"]
    co.monitorsMu.Unlock()
    require.True(t, stillPresent)

    co.stopMonitor("call-1")
}

func TestStopMonitorIsNoOpForUnknownCall(t *testing.T) {
    co := newTestCoordinator(&fakeSink{})
    require.NotPanics(t, func() {
        co.stopMonitor("never-started")
    })
}

func TestStopMonitorCancelsContext(t *testing.T) {
    co := newTestCoordinator(&fakeSink{})

    cancelled := make(chan struct{})
    ctx, cancel := context.WithCancel(context.Background())
    co.monitorsMu.Lock()
    co.monitors["call-2"] = cancel
    co.monitorsMu.Unlock()

    go func() {
        <-ctx.Done()
        close(cancelled)
    }()

    co.stopMonitor("call-2")

    select {
    case <-cancelled:
    case <-time.After(time.Second):
        t.Fatal("expected monitor context to be cancelled")
    }

    co.monitorsMu.Lock()
    _, present := co.monitors["call-2"]
    co.monitorsMu.Unlock()
    require.False(t, present)
}
