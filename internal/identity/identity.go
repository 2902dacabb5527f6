// Package identity defines the contract the engine requires from the
// platform's identity provider, plus a static implementation for gateways
// that are bound to a single session at startup.
package identity

import (
	"context"
	"strings"
)

// Status tiers known to the platform. The engine only interprets
// TierRestricted (marketplace-only access) and TierVerified (eligible for
// connection conversations); everything else is treated as standard.
const (
	TierStandard   = "standard"
	TierRestricted = "restricted"
	TierVerified   = "verified"
)

// User is the current session's identity.
type User struct {
	ID   string
	Tier string
}

// IsRestricted reports whether the user's access is limited to the
// marketplace context.
func (u User) IsRestricted() bool { return u.Tier == TierRestricted }

// Provider resolves the current session and the status tier of other
// members. Implementations must be cheap enough to call before most engine
// operations.
type Provider interface {
	// CurrentUser returns the session user. ok is false when there is no
	// session; engine operations then degrade to empty results.
	CurrentUser(ctx context.Context) (User, bool)
	// UserStatus returns the status tier of another member.
	UserStatus(ctx context.Context, userID string) (string, error)
}

// Static is a Provider bound to one fixed session, with peer tiers resolved
// through a lookup function (typically the backend). A zero UserID means no
// session.
type Static struct {
	User   User
	Lookup func(ctx context.Context, userID string) (string, error)
}

// CurrentUser implements Provider.
func (s Static) CurrentUser(ctx context.Context) (User, bool) {
	if strings.TrimSpace(s.User.ID) == "" {
		return User{}, false
	}
	return s.User, true
}

// UserStatus implements Provider. Without a lookup function every peer is
// reported as standard.
func (s Static) UserStatus(ctx context.Context, userID string) (string, error) {
	if s.Lookup == nil {
		return TierStandard, nil
	}
	return s.Lookup(ctx, userID)
}
