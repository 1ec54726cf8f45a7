package vendorauth

import (
	"context"
	"time"
)

// Token is one immutable OAuth2 credential record. Refreshes swap the whole
// record; fields are never mutated in place.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// ValidFor reports whether the token's remaining lifetime at now exceeds
// the safety margin.
func (t Token) ValidFor(margin time.Duration, now time.Time) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// TokenStore persists the live token so a restart does not force a full
// re-authentication against the vendor.
type TokenStore interface {
	Load(ctx context.Context) (*Token, error)
	Save(ctx context.Context, token Token) error
}
