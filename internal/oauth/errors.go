package oauth

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the provider's OAuth app is not configured.
	// Not retried; the operator has to fix settings.
	ErrConfiguration = errors.New("oauth: client id not configured")

	// ErrNotAuthenticated means no credential is held for the provider
	ErrNotAuthenticated = errors.New("oauth: not authenticated")

	// ErrTimedOut means no callback arrived within the wait window
	ErrTimedOut = errors.New("oauth: timed out waiting for callback")

	// ErrStateMismatch means the callback state did not match the one
	// generated for this attempt. Treated as a potential CSRF attack and
	// surfaced distinctly from other failures.
	ErrStateMismatch = errors.New("oauth: state mismatch, possible CSRF attack")

	// ErrMalformedCallback means the callback lacked code or state
	ErrMalformedCallback = errors.New("oauth: callback missing code or state")
)

// DeniedError is returned when the provider redirects back with an error
// query parameter instead of an authorization code.
type DeniedError struct {
	Code        string
	Description string
}

func (e *DeniedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth: provider denied authorization: %s", e.Code)
	}
	return fmt.Sprintf("oauth: provider denied authorization: %s: %s", e.Code, e.Description)
}

// RefreshError is returned when a refresh-token exchange fails. It carries
// the provider's status and response body; a failed refresh usually means
// the user has to re-authenticate, so it is surfaced rather than retried.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("oauth: token refresh failed: status %d: %s", e.StatusCode, e.Body)
}
