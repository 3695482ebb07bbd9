package store

import (
    "errors"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
    cases := []struct {
        name string
        err  error
        want bool
    }{
        {"nil error", nil, false},
        {"connection refused", errors.New("dial tcp: connection refused"), true},
        {"connection reset", errors.New("read: connection reset by peer"), true},
        {"broken pipe", errors.New("write: broken pipe"), true},
        {"timeout", errors.New("context deadline exceeded: i/o timeout"), true},
        {"deadlock", errors.New("Error 1213: Deadlock found when trying to get lock"), true},
        {"restart transaction", errors.New("Error 1205: Try restarting transaction"), true},
        {"uppercase variant matches case-insensitively", errors.New("CONNECTION RESET by peer"), true},
        {"unrelated error", errors.New("Error 1062: Duplicate entry"), false},
    }

    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            require.Equal(t, tc.want, isRetryableError(tc.err))
        })
    }
}

