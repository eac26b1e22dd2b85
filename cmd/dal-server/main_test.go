package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jr0d/delegate-auth/pkg/dal/broker/storage/memory"
	"github.com/jr0d/delegate-auth/pkg/dal/config"
)

func TestValidate(t *testing.T) {
	o := &options{hmacSecret: "short", hmacTTL: time.Hour, pruneEvery: time.Minute}
	assert.Error(t, o.validate())

	t.Setenv("DAL_HMAC_SECRET", "0123456789abcdef")
	o = &options{hmacTTL: time.Hour, pruneEvery: time.Minute}
	assert.NoError(t, o.validate())
	assert.Equal(t, "0123456789abcdef", o.hmacSecret)

	o.hmacTTL = 0
	assert.Error(t, o.validate())

	for _, every := range []time.Duration{0, -time.Second} {
		o = &options{hmacSecret: "0123456789abcdef", hmacTTL: time.Hour, pruneEvery: every}
		assert.Error(t, o.validate(), "prune interval %s", every)
	}
}

func TestListenMatchesClientDefaults(t *testing.T) {
	listen := newRootCmd().Flags().Lookup("listen").DefValue
	_, port, err := net.SplitHostPort(listen)
	require.NoError(t, err)
	_, clientPort, err := net.SplitHostPort(config.DefaultProviderHost)
	require.NoError(t, err)
	assert.Equal(t, clientPort, port)
	assert.Equal(t, "http://"+config.DefaultProviderHost, config.DefaultBackendURL)
}

func TestWithExchangeClient(t *testing.T) {
	client := &http.Client{}
	var got interface{}
	h := withExchangeClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Context().Value(oauth2.HTTPClient)
	}), client)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Same(t, client, got)
}

func TestPrune(t *testing.T) {
	storage := memory.New()
	_ = storage.Create("mac", "code", -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		prune(ctx, storage, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok, _ := storage.Get("mac")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRequiredFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
