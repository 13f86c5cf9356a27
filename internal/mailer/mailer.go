// Package mailer delivers redemption URLs to users out of band.
package mailer

import (
	"context"
	"time"
)

// A Mailer sends the redemption URL of a freshly issued access token.
type Mailer interface {
	// SendAccessLink sends the redemption URL to the given address.
	// The URL carries the token; the mail body never contains the protected
	// resource itself.
	SendAccessLink(ctx context.Context, toEmail, redemptionURL string, expiresAt time.Time) error
}

type nop struct{}

// NewNop returns a Mailer that silently drops every mail. Used when no mail
// provider is configured and in tests.
func NewNop() Mailer {
	return nop{}
}

func (nop) SendAccessLink(context.Context, string, string, time.Time) error {
	return nil
}
