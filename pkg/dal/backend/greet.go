// Package backend serves the greeting RPC. Only callers presenting a verified, unrevoked
// ID token are answered.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/jr0d/delegate-auth/pkg/dal"
	"github.com/jr0d/delegate-auth/pkg/dal/broker"
)

const maxRequestBytes = 1 << 16

type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// Revocations reports tokens revoked by logout. The broker storage satisfies it.
type Revocations interface {
	Revoked(token string) bool
}

type Service struct {
	Verifier    Verifier
	Revocations Revocations
	Logger      *zap.SugaredLogger
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc(dal.GreetEndpoint, s.Greet)
}

// Greeting is the reply for name.
func Greeting(name string) string {
	return "Hello, " + name
}

func (s *Service) log() *zap.SugaredLogger {
	if s.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return s.Logger
}

func (s *Service) Greet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		s.fail(w, req, nil, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	caller, err := s.authenticate(req)
	if err != nil {
		s.fail(w, req, err, "Unauthorized", http.StatusUnauthorized)
		return
	}

	in := &dal.GreetRequest{}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(in); err != nil {
		s.fail(w, req, fmt.Errorf("error parsing request json: %w", err), "Bad Request", http.StatusBadRequest)
		return
	}
	if in.Name == "" {
		s.fail(w, req, errors.New("name missing from request"), "Bad Request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&dal.GreetResponse{Greeting: Greeting(in.Name)}); err != nil {
		s.log().Warnf("error writing greeting: %v", err)
		return
	}
	s.log().Infow("greeted", "caller", caller.Subject, "name", in.Name,
		"request_id", req.Header.Get("X-Request-ID"))
}

func (s *Service) authenticate(req *http.Request) (*oidc.IDToken, error) {
	raw, ok := broker.BearerToken(req)
	if !ok {
		return nil, errors.New("bearer token missing from request")
	}
	if s.Revocations != nil && s.Revocations.Revoked(raw) {
		return nil, errors.New("token has been revoked")
	}
	if s.Verifier == nil {
		return nil, errors.New("no verifier configured")
	}
	tok, err := s.Verifier.Verify(req.Context(), raw)
	if err != nil {
		return nil, fmt.Errorf("token failed verification: %w", err)
	}
	return tok, nil
}

func (s *Service) fail(w http.ResponseWriter, req *http.Request, err error, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = fmt.Fprintln(w, msg)
	s.log().Errorf("%s %s %s: %v", req.RemoteAddr, req.URL.Path, msg, err)
}
