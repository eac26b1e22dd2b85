package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/jr0d/delegate-auth/pkg/dal"
	"github.com/jr0d/delegate-auth/pkg/dal/credentials"
	"github.com/jr0d/delegate-auth/pkg/dal/identity"
)

const (
	requestCodeLength = 12

	defaultQueryInterval = 2 * time.Second
)

type clientState struct {
	provider    string
	authURL     string
	hmac        string
	hmacTTL     int64
	requestCode string
}

// AsyncSession logs in through the asynchronous broker flow: register a request code,
// send the user to the returned auth URL, then poll until the broker holds the token.
type AsyncSession struct {
	provider      string
	resolve       func() string
	httpClient    *http.Client
	noBrowser     bool
	queryInterval time.Duration
	openURL       func(string) error
	store         credentials.Store
	logger        *zap.SugaredLogger
	now           func() time.Time

	mu            sync.Mutex
	loginProvider string
}

type Option func(*AsyncSession)

func WithHTTPClient(c *http.Client) Option {
	return func(s *AsyncSession) { s.httpClient = c }
}

func WithNoBrowser(noBrowser bool) Option {
	return func(s *AsyncSession) { s.noBrowser = noBrowser }
}

func WithQueryInterval(d time.Duration) Option {
	return func(s *AsyncSession) { s.queryInterval = d }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *AsyncSession) { s.logger = l }
}

// WithProviderResolver looks the default provider up on every login and logout
// instead of using the fixed one given to New. An empty result falls back to it.
func WithProviderResolver(resolve func() string) Option {
	return func(s *AsyncSession) { s.resolve = resolve }
}

// WithBrowser replaces the function used to open the auth URL.
func WithBrowser(open func(string) error) Option {
	return func(s *AsyncSession) { s.openURL = open }
}

// New returns a session whose default identity provider is provider.
func New(provider string, store credentials.Store, opts ...Option) *AsyncSession {
	s := &AsyncSession{
		provider:      provider,
		httpClient:    http.DefaultClient,
		queryInterval: defaultQueryInterval,
		openURL:       browser.OpenURL,
		store:         store,
		logger:        zap.NewNop().Sugar(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHTTPClient returns a client trusting the system roots plus caFile and caData.
func NewHTTPClient(caFile string, caData []byte) (*http.Client, error) {
	certPool, err := x509.SystemCertPool()
	if err != nil {
		certPool = x509.NewCertPool()
	}

	if len(caFile) > 0 {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", caFile, err)
		}
		certPool.AppendCertsFromPEM(pem)
	}

	if len(caData) > 0 {
		certPool.AppendCertsFromPEM(caData)
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{RootCAs: certPool, MinVersion: tls.VersionTLS12}

	return &http.Client{Transport: tr}, nil
}

func (s *AsyncSession) IsAuthenticated(_ context.Context) (bool, error) {
	id, err := s.current()
	if err != nil {
		return false, err
	}
	return id != nil, nil
}

func (s *AsyncSession) Identity(_ context.Context) (*identity.Identity, error) {
	id, err := s.current()
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrNoSession
	}
	return id, nil
}

// current returns nil without error when no usable credential is stored.
func (s *AsyncSession) current() (*identity.Identity, error) {
	raw, ok, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("error loading credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	id, err := identity.FromIDToken(raw)
	if err != nil {
		s.logger.Warnf("discarding unreadable credential: %v", err)
		return nil, nil
	}
	if id.Expired(s.now()) {
		s.logger.Debugf("stored credential for %s expired at %s", id, id.Expiry())
		return nil, nil
	}
	return id, nil
}

func (s *AsyncSession) Login(ctx context.Context, opts LoginOptions) error {
	provider := opts.IdentityProvider
	if provider == "" {
		provider = s.defaultProvider()
	}
	if provider == "" {
		return errors.New("no identity provider configured")
	}

	state, err := s.initialize(ctx, provider)
	if err != nil {
		return err
	}

	s.start(state)

	token, err := s.query(ctx, state)
	if err != nil {
		return err
	}

	id, err := identity.FromIDToken(token)
	if err != nil {
		return fmt.Errorf("provider returned an unusable token: %w", err)
	}
	if err := s.store.Save(token); err != nil {
		return fmt.Errorf("error saving credential: %w", err)
	}
	s.mu.Lock()
	s.loginProvider = provider
	s.mu.Unlock()
	s.logger.Infof("signed in as %s", id)

	if opts.OnSuccess != nil {
		opts.OnSuccess()
	}
	return nil
}

func (s *AsyncSession) defaultProvider() string {
	if s.resolve != nil {
		if p := s.resolve(); p != "" {
			return p
		}
	}
	return s.provider
}

// Logout asks the broker to revoke the credential, then forgets it locally whatever
// the broker answered. The broker error, if any, is returned.
func (s *AsyncSession) Logout(ctx context.Context) error {
	raw, ok, err := s.store.Load()
	if err != nil {
		s.logger.Warnf("error loading credential for logout: %v", err)
	}

	var remoteErr error
	if ok {
		remoteErr = s.revoke(ctx, raw)
	}

	if err := s.store.Delete(); err != nil {
		return errors.Join(remoteErr, fmt.Errorf("error deleting credential: %w", err))
	}
	return remoteErr
}

func (s *AsyncSession) initialize(ctx context.Context, provider string) (*clientState, error) {
	code, err := generateRequestCode()
	if err != nil {
		return nil, fmt.Errorf("rng error: %w", err)
	}

	data, err := json.Marshal(&dal.InitAsyncOIDCRequest{RequestCode: code})
	if err != nil {
		return nil, fmt.Errorf("error marshalling initReq: %w", err)
	}

	endpoint, err := join(provider, dal.InitEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error initializing asynchronous workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server responded with invalid status: %d, body: %s", resp.StatusCode, body)
	}

	response := &dal.InitAsyncOIDCResponse{}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return nil, fmt.Errorf("failed to parse server response: %w", err)
	}

	return &clientState{
		provider:    provider,
		authURL:     response.AuthURL,
		hmac:        response.Hmac,
		hmacTTL:     response.HmacTTL,
		requestCode: code,
	}, nil
}

func (s *AsyncSession) start(state *clientState) {
	if !s.noBrowser {
		err := s.openURL(state.authURL)
		if err == nil {
			return
		}
		s.logger.Warnf("failed to open browser: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Auth URL: %s\n", state.authURL)
}

// query polls until the token is ready. It gives up when ctx ends or the HMAC lifetime
// handed out by the broker has passed.
func (s *AsyncSession) query(ctx context.Context, state *clientState) (string, error) {
	endpoint, err := join(state.provider, dal.QueryEndpoint, url.Values{
		"hmac":        []string{state.hmac},
		"requestCode": []string{state.requestCode},
	})
	if err != nil {
		return "", err
	}

	var deadline time.Time
	if state.hmacTTL > 0 {
		deadline = s.now().Add(time.Duration(state.hmacTTL) * time.Second)
	}

	ticker := time.NewTicker(s.queryInterval)
	defer ticker.Stop()

	for {
		tokenResponse, err := s.poll(ctx, endpoint)
		if err != nil {
			return "", err
		}
		if tokenResponse.Ready {
			return tokenResponse.Token, nil
		}
		if !deadline.IsZero() && s.now().After(deadline) {
			return "", errors.New("login timed out waiting for the identity provider")
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("login cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *AsyncSession) poll(ctx context.Context, endpoint string) (*dal.QueryAsyncOIDCResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error accessing query endpoint: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("server responded with invalid status: %d, body: %s",
			res.StatusCode, strings.TrimSpace(string(body)))
	}

	tokenResponse := &dal.QueryAsyncOIDCResponse{}
	if err := json.NewDecoder(res.Body).Decode(tokenResponse); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return tokenResponse, nil
}

func (s *AsyncSession) revoke(ctx context.Context, raw string) error {
	s.mu.Lock()
	provider := s.loginProvider
	s.mu.Unlock()
	if provider == "" {
		provider = s.defaultProvider()
	}

	endpoint, err := join(provider, dal.LogoutEndpoint, nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+raw)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error calling logout endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server responded with invalid status: %d, body: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// join appends endpoint to the provider URL path, keeping the provider's own query
// parameters.
func join(base, endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid identity provider url %q: %w", base, err)
	}
	u.Path = path.Join("/", u.Path, endpoint)
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func generateRequestCode() (string, error) {
	code := make([]byte, requestCodeLength)
	_, err := rand.Read(code)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", code), nil
}
