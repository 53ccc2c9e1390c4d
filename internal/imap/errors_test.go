package imap

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLoginError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"bad password", errors.New("Bad username or password"), ErrAuthentication},
		{"invalid credentials", errors.New("[AUTHENTICATIONFAILED] Invalid credentials (Failure)"), ErrAuthentication},
		{"throttled", errors.New("[THROTTLED] Account exceeded command or bandwidth limits"), ErrRateLimited},
		{"too many connections", errors.New("Too many simultaneous connections. (Failure)"), ErrRateLimited},
		{"unavailable", errors.New("[UNAVAILABLE] Temporary System Error"), ErrTransientConnection},
		{"eof", io.EOF, ErrTransientConnection},
		{"closed", errors.New("imap: connection closed during command execution"), ErrTransientConnection},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrTransientConnection},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyLoginError(tc.err)
			assert.ErrorIs(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err)
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classifyLoginError(nil))
	})
}

func TestClassifyCommandError(t *testing.T) {
	t.Run("generic failure is transient", func(t *testing.T) {
		assert.ErrorIs(t, classifyCommandError(errors.New("BAD command")), ErrTransientConnection)
	})

	t.Run("throttling", func(t *testing.T) {
		assert.ErrorIs(t, classifyCommandError(errors.New("[THROTTLED] slow down")), ErrRateLimited)
	})

	t.Run("already classified", func(t *testing.T) {
		wrapped := classifyLoginError(errors.New("Invalid credentials"))
		got := classifyCommandError(wrapped)
		assert.ErrorIs(t, got, ErrAuthentication)
		assert.NotErrorIs(t, got, ErrTransientConnection)
	})
}
