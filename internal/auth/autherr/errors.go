// Package autherr defines the error taxonomy shared by the sign-in flows,
// the coordinator and the session manager. Expected polling states
// (authorization pending, slow down) are NOT errors and live in the flow
// package; everything here is a genuine failure.
package autherr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for terminal conditions that carry no extra detail.
var (
	// ErrUserCancelled is returned when the user aborts an in-flight flow.
	// Terminal, never retried.
	ErrUserCancelled = errors.New("sign-in cancelled by user")

	// ErrTimeout is returned when a device/user code expires before the
	// user authorizes it. Terminal, the user must restart the flow.
	ErrTimeout = errors.New("device authorization timed out")
)

// ConfigurationError reports a missing or unusable OAuth client
// registration for the selected flow. Fatal, surfaced immediately.
type ConfigurationError struct {
	Flow   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("auth configuration error (%s): %s", e.Flow, e.Reason)
}

// NetworkError wraps a transient transport failure. Callers may retry on
// the next poll tick but must respect the provider-mandated interval.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidCredentialError reports a session token that is invalid or
// expired and could not be refreshed. The session must be cleared and a
// fresh sign-in performed.
type InvalidCredentialError struct {
	Reason string
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("invalid session credential: %s", e.Reason)
}

// TokenRefreshError reports a failed OAuth refresh for one account.
// Read paths receive it as a structured result rather than a panic so
// they can degrade gracefully.
type TokenRefreshError struct {
	Provider    string
	AccountType string
	Err         error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for %s/%s: %v", e.Provider, e.AccountType, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// IsPermanentRefreshError reports whether an OAuth refresh failure is
// permanent (revoked/invalid grant) as opposed to transient. Permanent
// failures deactivate the credential; transient ones are retried later.
func IsPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
