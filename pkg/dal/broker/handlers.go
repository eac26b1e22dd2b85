// Package broker runs the asynchronous login flow on behalf of CLI clients: it hands out
// an authorization URL, receives the identity provider callback, and releases the ID
// token to the client that started the flow.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jr0d/delegate-auth/pkg/dal"
	"github.com/jr0d/delegate-auth/pkg/dal/broker/storage"
	"github.com/jr0d/delegate-auth/pkg/dal/identity"
)

// Verifier checks ID tokens. *oidc.IDTokenVerifier satisfies it.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

type Server struct {
	// Quiet when true, logging messages will be suppressed
	Quiet bool

	OAuth2Config *oauth2.Config
	// Verifier is optional; when nil the token from the exchange is trusted as is.
	Verifier Verifier

	HmacTTL    int64
	HmacSecret []byte

	Storage storage.TokenStore
	Logger  *zap.SugaredLogger

	now func() time.Time
}

func (k *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	k.Register(mux)
	return mux
}

func (k *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(dal.InitEndpoint, k.AsyncInit)
	mux.HandleFunc(dal.CallbackEndpoint, k.AuthCallback)
	mux.HandleFunc(dal.QueryEndpoint, k.Query)
	mux.HandleFunc(dal.LogoutEndpoint, k.Logout)
}

func (k *Server) clock() time.Time {
	if k.now != nil {
		return k.now()
	}
	return time.Now()
}

func (k *Server) log() *zap.SugaredLogger {
	if k.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return k.Logger
}

func (k *Server) logRequest(req *http.Request, code, n int) {
	if k.Quiet {
		return
	}
	k.log().Infof("%s %s %s %d %d", req.RemoteAddr, req.Method, req.URL.Path, code, n)
}

func (k *Server) logError(err error, req *http.Request, msg string) {
	k.log().Errorf("%s %s %s: %v", req.RemoteAddr, req.URL.Path, msg, err)
}

func (k *Server) handleError(err error, req *http.Request, w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	n, _ := fmt.Fprintln(w, msg)
	if !k.Quiet {
		k.logRequest(req, code, n)
		k.logError(err, req, msg)
	}
}

func (k *Server) writeJSON(req *http.Request, w http.ResponseWriter, code int, v interface{}) {
	entity, err := json.Marshal(v)
	if err != nil {
		k.handleError(fmt.Errorf("could not marshal response: %w", err),
			req, w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	n, err := w.Write(entity)
	if err != nil {
		k.log().Warnf("error writing output stream : %s | %s | %v", req.RemoteAddr, req.URL.Path, err)
		return
	}
	k.logRequest(req, code, n)
}

func (k *Server) AsyncInit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		k.handleError(nil, req, w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	initReq := &dal.InitAsyncOIDCRequest{}
	if err := json.NewDecoder(req.Body).Decode(initReq); err != nil {
		k.handleError(
			fmt.Errorf("error parsing request json: %w", err),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(initReq.RequestCode) == 0 {
		k.handleError(errors.New("request code missing from request"),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}

	mac := k.GenerateHMAC(k.clock().Unix())

	// Create cross referenced storage for token
	if err := k.Storage.Create(mac, initReq.RequestCode, k.HmacTTL); err != nil {
		k.handleError(fmt.Errorf("failed to create token storage: %w", err),
			req, w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	k.writeJSON(req, w, http.StatusCreated, &dal.InitAsyncOIDCResponse{
		AuthURL: k.OAuth2Config.AuthCodeURL(mac),
		Hmac:    mac,
		HmacTTL: k.HmacTTL,
	})
}

func (k *Server) AuthCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		k.handleError(nil, req, w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	query := req.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		k.handleError(fmt.Errorf("provider error: %s - %s", errParam, query.Get("error_description")),
			req, w, "Unauthorized: provider error", http.StatusUnauthorized)
		return
	}

	mac := query.Get("state")
	if len(mac) == 0 {
		k.handleError(errors.New("state missing from request"),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !k.CheckHMAC(mac) {
		k.handleError(errors.New("HMAC failed validation"),
			req, w, "Unauthorized: HMAC", http.StatusUnauthorized)
		return
	}

	code := query.Get("code")
	if len(code) == 0 {
		k.handleError(errors.New("auth code is missing from request"),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}

	token, err := k.OAuth2Config.Exchange(req.Context(), code)
	if err != nil {
		k.handleError(fmt.Errorf("error exchanging code for token: %w", err),
			req, w, "Unauthorized: Token exchange", http.StatusUnauthorized)
		return
	}

	// Extract the ID Token from OAuth2 token.
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		k.handleError(errors.New("failed to extract token from oauth2 payload"),
			req, w, "Bad Gateway: missing token", http.StatusBadGateway)
		return
	}

	if k.Verifier != nil {
		if _, err := k.Verifier.Verify(req.Context(), rawIDToken); err != nil {
			k.handleError(fmt.Errorf("id token failed verification: %w", err),
				req, w, "Unauthorized: ID token", http.StatusUnauthorized)
			return
		}
	}

	if err := k.Storage.Save(mac, rawIDToken); err != nil {
		k.handleError(fmt.Errorf("error saving token: %w", err),
			req, w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write([]byte("OK"))
	k.logRequest(req, http.StatusOK, n)
}

func (k *Server) Query(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		k.handleError(nil, req, w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	mac := req.URL.Query().Get("hmac")
	if len(mac) == 0 {
		k.handleError(errors.New("hmac missing from request"),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}

	if !k.CheckHMAC(mac) {
		k.handleError(errors.New("HMAC failed validation"),
			req, w, "Unauthorized: HMAC", http.StatusUnauthorized)
		return
	}

	requestCode := req.URL.Query().Get("requestCode")
	if len(requestCode) == 0 {
		k.handleError(errors.New("request code missing from request"),
			req, w, "Bad Request", http.StatusBadRequest)
		return
	}

	et, ok, err := k.Storage.Get(mac)
	if !ok || err != nil {
		k.handleError(fmt.Errorf("could not find token resource, ok: %v, err: %w", ok, err),
			req, w, "Not Found", http.StatusNotFound)
		return
	}

	if !hmac.Equal([]byte(et.RequestCode), []byte(requestCode)) {
		k.handleError(errors.New("invalid request code received"),
			req, w, "Unauthorized: RC", http.StatusUnauthorized)
		return
	}

	if et.Expired(k.clock().Unix()) {
		_ = k.Storage.Delete(mac)
		k.handleError(nil, req, w, "HMAC expired", http.StatusBadRequest)
		return
	}

	ready := len(et.Token) > 0
	k.writeJSON(req, w, http.StatusOK, &dal.QueryAsyncOIDCResponse{Token: et.Token, Ready: ready})

	if ready {
		if !k.Quiet {
			k.log().Infof("token retrieved, deleting storage for %s", mac)
		}
		_ = k.Storage.Delete(mac)
	}
}

// Logout revokes the bearer token so the backend stops accepting it.
func (k *Server) Logout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		k.handleError(nil, req, w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, ok := BearerToken(req)
	if !ok {
		k.handleError(errors.New("bearer token missing from request"),
			req, w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	principal, expiry, err := k.logoutClaims(req.Context(), raw)
	if err != nil {
		k.handleError(err, req, w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var until int64
	if !expiry.IsZero() {
		until = expiry.Unix()
	}
	if err := k.Storage.Revoke(raw, until); err != nil {
		k.handleError(fmt.Errorf("error revoking token: %w", err),
			req, w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	k.logRequest(req, http.StatusNoContent, 0)
	if !k.Quiet {
		k.log().Infof("revoked session for %s", principal)
	}
}

// logoutClaims returns the subject and expiry of a token presented for revocation.
// Tokens the issuer did not sign are refused so callers cannot fill the revocation list.
func (k *Server) logoutClaims(ctx context.Context, raw string) (string, time.Time, error) {
	if k.Verifier != nil {
		tok, err := k.Verifier.Verify(ctx, raw)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("failed to verify token: %w", err)
		}
		return tok.Subject, tok.Expiry, nil
	}
	id, err := identity.FromIDToken(raw)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error parsing token: %w", err)
	}
	return id.Principal(), id.Expiry(), nil
}

// BearerToken extracts the credential of an "Authorization: Bearer" header.
func BearerToken(req *http.Request) (string, bool) {
	const prefix = "bearer "
	h := req.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func (k *Server) hmacSignature(timestamp int64) string {
	hash := hmac.New(sha256.New, k.HmacSecret)
	hash.Write([]byte(k.OAuth2Config.RedirectURL))
	hash.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return fmt.Sprintf("%x", hash.Sum(nil))
}

func (k *Server) GenerateHMAC(timestamp int64) string {
	// format hash(secret, redirectURL, unix timestamp).unix timestamp
	return fmt.Sprintf("%s.%d", k.hmacSignature(timestamp), timestamp)
}

// CheckHMAC validates the signature and that the HMAC is younger than HmacTTL.
func (k *Server) CheckHMAC(target string) bool {
	parts := strings.Split(target, ".")
	if len(parts) != 2 {
		return false
	}

	mac := parts[0]
	tstr := parts[1]

	timestamp, err := strconv.ParseInt(tstr, 10, 64)
	if err != nil {
		return false
	}
	if k.HmacTTL > 0 && k.clock().Unix()-timestamp > k.HmacTTL {
		return false
	}
	sig := k.hmacSignature(timestamp)
	return hmac.Equal([]byte(sig), []byte(mac))
}
