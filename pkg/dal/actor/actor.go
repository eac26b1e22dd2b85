// Package actor is the client stub for the greeting backend. Calls carry the identity
// most recently bound with SetCallerIdentity.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jr0d/delegate-auth/pkg/dal"
	"github.com/jr0d/delegate-auth/pkg/dal/identity"
)

const defaultTimeout = 30 * time.Second

// CallError is a non-2xx answer from the backend.
type CallError struct {
	Status int
	Body   string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("backend responded with invalid status: %d, body: %s", e.Status, e.Body)
}

type Actor struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu     sync.RWMutex
	caller *identity.Identity
}

type Option func(*Actor)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Actor) { a.httpClient = c }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Actor) { a.logger = l }
}

func New(endpoint string, opts ...Option) *Actor {
	a := &Actor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetCallerIdentity binds id to every later call. nil makes calls anonymous.
func (a *Actor) SetCallerIdentity(id *identity.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caller = id
}

func (a *Actor) CallerIdentity() *identity.Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.caller
}

func (a *Actor) Greet(ctx context.Context, name string) (string, error) {
	out := &dal.GreetResponse{}
	if err := a.call(ctx, dal.GreetEndpoint, &dal.GreetRequest{Name: name}, out); err != nil {
		return "", err
	}
	return out.Greeting, nil
}

func (a *Actor) call(ctx context.Context, endpoint string, in, out interface{}) error {
	target, err := a.url(endpoint)
	if err != nil {
		return err
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("error encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	if caller := a.CallerIdentity(); caller != nil {
		tok := &oauth2.Token{AccessToken: caller.Token(), TokenType: "Bearer"}
		tok.SetAuthHeader(req)
	}

	a.logger.Debugf("calling %s (request %s)", target, requestID)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CallError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (a *Actor) url(endpoint string) (string, error) {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", a.endpoint, err)
	}
	u.Path = path.Join("/", u.Path, endpoint)
	return u.String(), nil
}
