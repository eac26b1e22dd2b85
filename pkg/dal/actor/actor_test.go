package actor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jr0d/delegate-auth/pkg/dal"
	"github.com/jr0d/delegate-auth/pkg/dal/identity"
)

type recorded struct {
	auth      string
	requestID string
	name      string
}

func echoBackend(t *testing.T, got *recorded) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, dal.GreetEndpoint, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		in := dal.GreetRequest{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		got.auth = r.Header.Get("Authorization")
		got.requestID = r.Header.Get("X-Request-ID")
		got.name = in.Name
		_ = json.NewEncoder(w).Encode(dal.GreetResponse{Greeting: "Hello, " + in.Name})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGreet(t *testing.T) {
	got := &recorded{}
	srv := echoBackend(t, got)
	a := New(srv.URL)

	id := identity.New("2vxsx-fae", "raw-token", time.Time{})
	a.SetCallerIdentity(id)
	assert.Same(t, id, a.CallerIdentity())

	greeting, err := a.Greet(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, "Hello, 2vxsx-fae", greeting)
	assert.Equal(t, "Bearer raw-token", got.auth)
	assert.Equal(t, "2vxsx-fae", got.name)
	assert.NotEmpty(t, got.requestID)
}

func TestGreetAnonymous(t *testing.T) {
	got := &recorded{}
	srv := echoBackend(t, got)
	a := New(srv.URL + "/")

	a.SetCallerIdentity(identity.New("alice", "t", time.Time{}))
	a.SetCallerIdentity(nil)
	assert.Nil(t, a.CallerIdentity())

	_, err := a.Greet(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, got.auth)
}

func TestGreetCallError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Greet(context.Background(), "alice")
	require.Error(t, err)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, http.StatusUnauthorized, callErr.Status)
	assert.Equal(t, "Unauthorized", callErr.Body)
}

func TestGreetTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Greet(context.Background(), "alice")
	assert.Error(t, err)
}

func TestGreetBadURL(t *testing.T) {
	_, err := New("://nope").Greet(context.Background(), "alice")
	assert.Error(t, err)
}
