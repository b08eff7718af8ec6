// Package credential fetches upstream OAuth tokens from the external
// credential store and reports tokens that need operator re-authorization.
package credential

import (
	"context"
	"time"
)

// Token is one user credential as served by the credential store.
type Token struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	Scopes      []string  `json:"scopes"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      string    `json:"status"`
	NeedsReauth bool      `json:"needs_reauth"`
}

// Source hands out tokens and accepts re-auth reports. Implementations must
// be safe for concurrent use.
type Source interface {
	// Token returns the credential for the given user id. A token with
	// NeedsReauth set is returned without error so callers can pause work
	// that depends on it.
	Token(ctx context.Context, userID string) (Token, error)
	// ReportReauth tells the store that upstream rejected the user's
	// credential. Callers treat failures as log-only.
	ReportReauth(ctx context.Context, userID, reason string) error
}
