// Package session implements the AuthSession collaborator: it runs the login flow
// against an identity provider and owns persistence of the resulting credential.
package session

import (
	"context"
	"errors"

	"github.com/jr0d/delegate-auth/pkg/dal/identity"
)

var ErrNoSession = errors.New("no authenticated session")

// AuthSession is created once per process and shared by every operation.
type AuthSession interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	// Identity returns ErrNoSession when the session is not authenticated.
	Identity(ctx context.Context) (*identity.Identity, error)
	// Login blocks until the provider completes the flow, ctx ends, or the flow fails.
	Login(ctx context.Context, opts LoginOptions) error
	Logout(ctx context.Context) error
}

type LoginOptions struct {
	// IdentityProvider overrides the session's default provider when set.
	IdentityProvider string
	// OnSuccess fires once, after the credential has been stored.
	OnSuccess func()
}
