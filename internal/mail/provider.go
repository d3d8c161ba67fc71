package mail

import (
	"context"
	"time"
)

// Provider is the capability interface every mail provider implements.
// The set of providers is closed: Gmail and Outlook.
type Provider interface {
	// Name returns the provider's source identifier
	Name() Source

	// IsAuthenticated reports whether a refresh token is held. Pure, no I/O.
	IsAuthenticated() bool

	// Authenticate runs the full interactive OAuth authorization-code flow
	Authenticate(ctx context.Context) error

	// StarredMessages fetches starred/flagged messages received after since.
	// A zero since means no lower bound.
	StarredMessages(ctx context.Context, since time.Time) ([]Message, error)

	// UserEmail returns the mail address of the authenticated account
	UserEmail(ctx context.Context) (string, error)
}
