package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	friendSubject = "friend_access"
	friendType    = "vip"
)

// FriendClaims are the claims carried by a friend credential.
type FriendClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// Issue mints an HS256 friend credential expiring at expiresAt.
func Issue(secret []byte, issuedAt, expiresAt time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	if !expiresAt.After(issuedAt) {
		return "", fmt.Errorf("expiry %s is not after issue time %s", expiresAt, issuedAt)
	}
	claims := FriendClaims{
		Type: friendType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   friendSubject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign friend token: %w", err)
	}
	return signed, nil
}

// Verify reports whether token is a live friend credential at now: the
// signature checks out under secret with HS256, exp is present and in the
// future, and the type claim is "vip". It has no side effects.
func Verify(secret []byte, token string, now time.Time) bool {
	if token == "" || len(secret) == 0 {
		return false
	}
	var claims FriendClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return false
	}
	return claims.Type == friendType
}

// EndOfDay returns 23:59:59 on t's calendar date in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc)
}
