// Package controller owns the view state of the dal front end and drives the
// AuthSession and RemoteActor collaborators in response to user actions.
//
// The session state has two values, Unauthenticated and Authenticated. Identity is
// non-nil exactly when the state is Authenticated; ApplyIdentity is the only writer of
// both, and it binds the actor's caller identity before the view state changes so a
// greeting call never observes an identity the actor does not carry.
//
// Overlapping SignIn calls, and overlapping FetchGreeting calls, join the operation
// already in flight and receive its result. Each caller waits with its own context; the
// shared operation is bounded by its own timeout and outlives a caller that gives up.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jr0d/delegate-auth/pkg/dal/config"
	"github.com/jr0d/delegate-auth/pkg/dal/identity"
	"github.com/jr0d/delegate-auth/pkg/dal/session"
)

const (
	defaultLoginTimeout = 5 * time.Minute
	defaultCallTimeout  = 30 * time.Second
)

var ErrNotAuthenticated = errors.New("not authenticated")

// AuthFlowError is a failed or aborted login, logout or session check.
type AuthFlowError struct {
	Op  string
	Err error
}

func (e *AuthFlowError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AuthFlowError) Unwrap() error { return e.Err }

// RemoteCallError is a failed call to the backend.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s failed: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// RemoteActor is the backend stub. *actor.Actor satisfies it.
type RemoteActor interface {
	SetCallerIdentity(id *identity.Identity)
	Greet(ctx context.Context, name string) (string, error)
}

// State is a snapshot of the view state.
type State struct {
	Authenticated bool
	Identity      *identity.Identity
	Greeting      string
}

type Controller struct {
	session      session.AuthSession
	actor        RemoteActor
	cfg          *config.Config
	logger       *zap.SugaredLogger
	loginTimeout time.Duration

	flights singleflight.Group

	mu    sync.RWMutex
	state State
}

type Option func(*Controller)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithLoginTimeout(d time.Duration) Option {
	return func(c *Controller) { c.loginTimeout = d }
}

// New captures sess for the lifetime of the controller.
func New(sess session.AuthSession, act RemoteActor, cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		session:      sess,
		actor:        act,
		cfg:          cfg,
		logger:       zap.NewNop().Sugar(),
		loginTimeout: defaultLoginTimeout,
	}
	if cfg != nil && cfg.LoginTimeout > 0 {
		c.loginTimeout = cfg.LoginTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Initialize restores an existing session. Any failure leaves the controller
// unauthenticated.
func (c *Controller) Initialize(ctx context.Context) error {
	ok, err := c.session.IsAuthenticated(ctx)
	if err != nil {
		c.ApplyIdentity(nil)
		return c.authFailed("initialize", err)
	}
	if !ok {
		c.ApplyIdentity(nil)
		return nil
	}

	id, err := c.session.Identity(ctx)
	if err != nil {
		c.ApplyIdentity(nil)
		return c.authFailed("initialize", err)
	}
	c.ApplyIdentity(id)
	c.logger.Debugf("restored session for %s", id)
	return nil
}

// SignIn runs the provider login flow. On failure the session state is left as it was.
func (c *Controller) SignIn(ctx context.Context) error {
	_, shared, err := c.join(ctx, "signIn", func(ctx context.Context) (interface{}, error) {
		return nil, c.signIn(ctx)
	})
	if shared {
		c.logger.Debug("sign in joined an in-flight login")
	}
	var flowErr *AuthFlowError
	if err != nil && !errors.As(err, &flowErr) {
		// this caller gave up; the login itself may still complete
		return c.authFailed("sign in", err)
	}
	return err
}

// join runs fn once per key. The caller stops waiting when ctx ends, while fn keeps
// running for the callers still joined.
func (c *Controller) join(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (c *Controller) signIn(ctx context.Context) error {
	opts := session.LoginOptions{}
	if c.cfg != nil {
		if provider, ok := c.cfg.ProviderURL(); ok {
			opts.IdentityProvider = provider
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	succeeded := make(chan struct{})
	var once sync.Once
	opts.OnSuccess = func() { once.Do(func() { close(succeeded) }) }

	if err := c.session.Login(ctx, opts); err != nil {
		return c.authFailed("sign in", err)
	}
	select {
	case <-succeeded:
	default:
		return c.authFailed("sign in", errors.New("login returned without completing"))
	}

	id, err := c.session.Identity(ctx)
	if err != nil {
		return c.authFailed("sign in", err)
	}
	c.ApplyIdentity(id)
	c.logger.Infof("signed in as %s", id)
	return nil
}

// SignOut always ends unauthenticated, even when the provider logout fails.
func (c *Controller) SignOut(ctx context.Context) error {
	err := c.session.Logout(ctx)
	c.ApplyIdentity(nil)
	if err != nil {
		return c.authFailed("sign out", err)
	}
	c.logger.Info("signed out")
	return nil
}

// ApplyIdentity binds id to the actor and records it in the view state. nil clears
// both and moves the state to Unauthenticated.
func (c *Controller) ApplyIdentity(id *identity.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actor.SetCallerIdentity(id)
	c.state.Identity = id
	c.state.Authenticated = id != nil
}

// FetchGreeting asks the backend to greet the current identity. It returns
// ErrNotAuthenticated without calling the backend when there is no identity. On
// failure the previous greeting is kept.
func (c *Controller) FetchGreeting(ctx context.Context) error {
	id := c.State().Identity
	if id == nil {
		c.logger.Warn("fetch greeting requested without an identity")
		return ErrNotAuthenticated
	}

	v, _, err := c.join(ctx, "greet/"+id.Principal(), func(ctx context.Context) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
		return c.actor.Greet(ctx, id.String())
	})
	if err != nil {
		c.logger.Errorf("error fetching greeting from backend: %v", err)
		return &RemoteCallError{Op: "greet", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.state.Identity; cur == nil || cur.Principal() != id.Principal() {
		c.logger.Debugf("dropping greeting for %s, identity changed during the call", id)
		return nil
	}
	c.state.Greeting = v.(string)
	return nil
}

func (c *Controller) authFailed(op string, err error) error {
	c.logger.Errorf("failed to %s: %v", op, err)
	return &AuthFlowError{Op: op, Err: err}
}
