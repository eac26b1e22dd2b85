package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderURL(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		want   string
		wantOK bool
	}{
		{
			name:   "production uses the default provider",
			cfg:    Config{Mode: Production, ProviderEndpointID: "ignored"},
			wantOK: false,
		},
		{
			name:   "development builds a local provider url",
			cfg:    Config{Mode: Development, ProviderEndpointID: "rdmx6-jaaaa-aaaaa-aaadq-cai"},
			want:   "http://localhost:4943/?canisterId=rdmx6-jaaaa-aaaaa-aaadq-cai",
			wantOK: true,
		},
		{
			name:   "development honours the provider host",
			cfg:    Config{Mode: Development, ProviderHost: "127.0.0.1:8000", ProviderEndpointID: "abc"},
			want:   "http://127.0.0.1:8000/?canisterId=abc",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.cfg.ProviderURL()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"production":  Production,
		"PROD":        Production,
		"development": Development,
		"dev":         Development,
		"":            Development,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("staging")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dal.yaml")
	data := `
mode: production
backend_url: https://greeter.example.com
login_timeout: 30s
credential_store: memory
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Production, cfg.Mode)
	assert.Equal(t, "https://greeter.example.com", cfg.BackendURL)
	assert.Equal(t, 30*time.Second, cfg.LoginTimeout)
	assert.Equal(t, 2*time.Second, cfg.QueryInterval)
	assert.Equal(t, DefaultIdentityProvider, cfg.IdentityProvider)
	assert.Equal(t, "memory", cfg.CredentialStore)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, ok := cfg.ProviderURL()
	assert.False(t, ok)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DAL_MODE", "dev")
	t.Setenv("DAL_PROVIDER_ENDPOINT_ID", "be2us-64aaa-aaaaa-qaabq-cai")
	t.Setenv("DAL_CREDENTIAL_STORE", "keyring")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Development, cfg.Mode)
	assert.Equal(t, "keyring", cfg.CredentialStore)

	u, ok := cfg.ProviderURL()
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:4943/?canisterId=be2us-64aaa-aaaaa-qaabq-cai", u)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("DAL_MODE", "development")
	t.Setenv("DAL_PROVIDER_ENDPOINT_ID", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_endpoint_id is required")

	t.Setenv("DAL_MODE", "staging")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{
		Mode:             Production,
		IdentityProvider: DefaultIdentityProvider,
		BackendURL:       "http://localhost:8080",
		LoginTimeout:     time.Minute,
		QueryInterval:    time.Second,
		CredentialStore:  "file",
	}
	require.NoError(t, cfg.Validate())

	cfg.CredentialStore = "vault"
	cfg.QueryInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown credential_store")
	assert.Contains(t, err.Error(), "query_interval must be positive")
}
