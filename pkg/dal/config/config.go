// Package config provides viper based configuration for the dal front end.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects how the identity provider location is resolved.
type Mode string

const (
	Production  Mode = "production"
	Development Mode = "development"
)

const (
	DefaultIdentityProvider = "https://identity.ic0.app"
	// DefaultProviderHost is where a local dal-server listens by default.
	DefaultProviderHost = "localhost:4943"
	DefaultBackendURL   = "http://" + DefaultProviderHost

	// local provider URLs carry the endpoint id as a query parameter
	providerEndpointParam = "canisterId"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Production, "prod":
		return Production, nil
	case Development, "dev", "":
		return Development, nil
	}
	return "", fmt.Errorf("unknown mode: %q", s)
}

type Config struct {
	Mode               Mode   `mapstructure:"mode"`
	ProviderEndpointID string `mapstructure:"provider_endpoint_id"`
	ProviderHost       string `mapstructure:"provider_host"`
	IdentityProvider   string `mapstructure:"identity_provider"`
	BackendURL         string `mapstructure:"backend_url"`

	CAFile          string        `mapstructure:"ca_file"`
	NoBrowser       bool          `mapstructure:"no_browser"`
	LoginTimeout    time.Duration `mapstructure:"login_timeout"`
	QueryInterval   time.Duration `mapstructure:"query_interval"`
	CredentialStore string        `mapstructure:"credential_store"`
	TokenDir        string        `mapstructure:"token_dir"`
	Account         string        `mapstructure:"account"`

	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ProviderURL resolves the identity provider for a login flow. The second return is
// false in production, where the session's default provider is used.
func (c *Config) ProviderURL() (string, bool) {
	if c.Mode == Production {
		return "", false
	}
	host := c.ProviderHost
	if host == "" {
		host = DefaultProviderHost
	}
	u := url.URL{
		Scheme:   "http",
		Host:     host,
		Path:     "/",
		RawQuery: url.Values{providerEndpointParam: []string{c.ProviderEndpointID}}.Encode(),
	}
	return u.String(), true
}

func (c *Config) Validate() error {
	var errs []error
	if c.Mode != Production && c.Mode != Development {
		errs = append(errs, fmt.Errorf("unknown mode: %q", c.Mode))
	}
	if c.Mode == Development && c.ProviderEndpointID == "" {
		errs = append(errs, errors.New("provider_endpoint_id is required in development mode"))
	}
	if c.Mode == Production && c.IdentityProvider == "" {
		errs = append(errs, errors.New("identity_provider is required in production mode"))
	}
	if c.BackendURL == "" {
		errs = append(errs, errors.New("backend_url is required"))
	}
	if c.LoginTimeout <= 0 {
		errs = append(errs, errors.New("login_timeout must be positive"))
	}
	if c.QueryInterval <= 0 {
		errs = append(errs, errors.New("query_interval must be positive"))
	}
	switch c.CredentialStore {
	case "file", "keyring", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown credential_store: %q", c.CredentialStore))
	}
	return errors.Join(errs...)
}

// Load reads configuration from the optional file and DAL_ prefixed environment variables.
func Load(cfgFile string) (*Config, error) {
	return load(viper.New(), cfgFile)
}

// LoadWith is Load for callers that bound flags into their own viper instance.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	return load(v, cfgFile)
}

func load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(".dal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dal")
	}

	v.SetEnvPrefix("DAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	mode, err := ParseMode(v.GetString("mode"))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Mode = mode

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(Development))
	v.SetDefault("provider_endpoint_id", "")
	v.SetDefault("ca_file", "")
	v.SetDefault("no_browser", false)
	v.SetDefault("provider_host", DefaultProviderHost)
	v.SetDefault("identity_provider", DefaultIdentityProvider)
	v.SetDefault("backend_url", DefaultBackendURL)
	v.SetDefault("login_timeout", 5*time.Minute)
	v.SetDefault("query_interval", 2*time.Second)
	v.SetDefault("credential_store", "file")
	v.SetDefault("token_dir", defaultTokenDir())
	v.SetDefault("account", "default")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

func defaultTokenDir() string {
	if home := homeDir(); home != "" {
		return filepath.Join(home, ".dal", "tokens")
	}
	return ""
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // windows
}
