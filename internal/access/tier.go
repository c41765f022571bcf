// Package access decides which booking policy a caller gets. A valid friend
// credential unlocks the FRIEND tier; anything else is PUBLIC.
package access

import (
	"time"

	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// Tier is an access level.
type Tier string

const (
	TierPublic Tier = "PUBLIC"
	TierFriend Tier = "FRIEND"
)

// Policy is the hours window and minimum notice for a tier.
type Policy struct {
	Tier   Tier
	Window slots.HoursWindow
	Notice time.Duration
}

// Config configures a Resolver.
type Config struct {
	Secret   []byte
	Public   Policy
	Friend   Policy
	Location *time.Location
	// TokenTTL overrides the end-of-day expiry of issued tokens when positive.
	TokenTTL time.Duration
}

// Resolver maps credentials to policies.
type Resolver struct {
	cfg Config
	now func() time.Time
}

// NewResolver returns a Resolver. Tier fields on the policies are forced to
// their canonical values.
func NewResolver(cfg Config) *Resolver {
	cfg.Public.Tier = TierPublic
	cfg.Friend.Tier = TierFriend
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Resolver{cfg: cfg, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Resolve never fails: a missing, malformed, expired or wrongly signed token
// yields the PUBLIC policy.
func (r *Resolver) Resolve(token string) Policy {
	if Verify(r.cfg.Secret, token, r.now()) {
		return r.cfg.Friend
	}
	return r.cfg.Public
}

// Issue mints a friend token. It expires at the end of the current day in
// the operating timezone unless a TokenTTL is configured.
func (r *Resolver) Issue() (token string, expiresAt time.Time, err error) {
	now := r.now()
	expiresAt = EndOfDay(now, r.cfg.Location)
	if r.cfg.TokenTTL > 0 {
		expiresAt = now.Add(r.cfg.TokenTTL)
	}
	token, err = Issue(r.cfg.Secret, now, expiresAt)
	return token, expiresAt, err
}
