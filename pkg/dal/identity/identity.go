// Package identity models the delegated identity handed out by the identity provider.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("id token has no subject")

// Identity is an opaque caller identity. Callers should only rely on its textual
// rendering; the raw token is for transports.
type Identity struct {
	principal string
	token     string
	expiry    time.Time
}

// New builds an identity from already validated parts.
func New(principal, token string, expiry time.Time) *Identity {
	return &Identity{principal: principal, token: token, expiry: expiry}
}

// FromIDToken reads the subject and expiry of an OIDC ID token. The signature is not
// checked here, the backend verifies every token it receives.
func FromIDToken(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("error parsing id token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("error reading subject: %w", err)
	}
	if sub == "" {
		return nil, ErrNoSubject
	}

	id := &Identity{principal: sub, token: raw}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("error reading expiry: %w", err)
	}
	if exp != nil {
		id.expiry = exp.Time
	}
	return id, nil
}

func (i *Identity) Principal() string {
	if i == nil {
		return ""
	}
	return i.principal
}

// String is the stable textual rendering of the identity.
func (i *Identity) String() string {
	return i.Principal()
}

func (i *Identity) Token() string {
	if i == nil {
		return ""
	}
	return i.token
}

// Expiry is the zero time when the token carries no exp claim.
func (i *Identity) Expiry() time.Time {
	if i == nil {
		return time.Time{}
	}
	return i.expiry
}

func (i *Identity) Expired(now time.Time) bool {
	if i == nil {
		return true
	}
	return !i.expiry.IsZero() && !now.Before(i.expiry)
}

func (i *Identity) Equal(other *Identity) bool {
	if i == nil || other == nil {
		return i == nil && other == nil
	}
	return i.principal == other.principal && i.token == other.token
}
