package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptyToken   = errors.New("id token is empty")
	ErrTokenExpired = errors.New("id token expired")
	ErrInvalidToken = errors.New("id token is malformed")
)

// IsUnauthenticated reports whether err means the caller must sign in again.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrEmptyToken) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrInvalidToken)
}

// Identity is the signed-in user as seen by the dashboard. ID is the
// identity-pool id that scopes object-store prefixes and claim requests.
type Identity struct {
	ID        string    `json:"identityId"`
	Subject   string    `json:"sub"`
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Token is the raw ID token, forwarded as the Authorization header of
	// broker calls. Never rendered.
	Token string `json:"-"`
}

// Credentials is what downstream calls need from the session.
type Credentials struct {
	IdentityID   string
	SessionToken string
}

// Claims are the user-pool ID token fields the dashboard displays.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"cognito:username,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims decodes the ID token without verifying its signature; the
// identity pool verifies it during the exchange. Expired tokens are rejected.
func ParseClaims(idToken string, now time.Time) (Claims, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return Claims{}, ErrEmptyToken
	}

	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}
