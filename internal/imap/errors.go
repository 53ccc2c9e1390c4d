package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrAuthentication means the server rejected the credential. Accounts failing
	// with it are quarantined until an operator reactivates them.
	ErrAuthentication = errors.New("imap authentication failed")
	// ErrTransientConnection covers network failures, timeouts and dropped sessions.
	ErrTransientConnection = errors.New("imap connection failed")
	// ErrRateLimited means the provider is throttling logins or commands.
	ErrRateLimited = errors.New("imap rate limited")
)

// Response texts providers use when throttling. Matched case-insensitively.
var rateLimitMarkers = []string{
	"throttled",
	"too many simultaneous connections",
	"too many connections",
	"rate limit",
	"bandwidth limits exceeded",
	"try again later",
}

// Response texts that mean the server is temporarily unable to serve the login.
var unavailableMarkers = []string{
	"[unavailable]",
	"temporary",
	"server busy",
}

// classifyLoginError maps a login failure onto one of the sentinel errors.
// Anything that is neither a connection problem nor throttling is treated as a rejected credential.
func classifyLoginError(err error) error {
	if err == nil {
		return nil
	}

	if isConnectionError(err) || hasMarker(err, unavailableMarkers) {
		return fmt.Errorf("%w: %w", ErrTransientConnection, err)
	}

	if hasMarker(err, rateLimitMarkers) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// classifyCommandError maps a failure of an authenticated session command.
func classifyCommandError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientConnection) {
		return err
	}

	if hasMarker(err, rateLimitMarkers) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}

	return fmt.Errorf("%w: %w", ErrTransientConnection, err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "connection closed")
}

func hasMarker(err error, markers []string) bool {
	text := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
