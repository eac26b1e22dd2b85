package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/jr0d/delegate-auth/pkg/dal/backend"
	"github.com/jr0d/delegate-auth/pkg/dal/broker"
	"github.com/jr0d/delegate-auth/pkg/dal/broker/storage/memory"
	"github.com/jr0d/delegate-auth/pkg/dal/logger"
	"github.com/jr0d/delegate-auth/pkg/dal/session"
)

type options struct {
	issuer       string
	caFile       string
	clientID     string
	clientSecret string
	redirectURL  string
	hmacSecret   string
	hmacTTL      time.Duration
	listen       string
	pruneEvery   time.Duration
	logLevel     string
	logFile      string
	quiet        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "dal-server",
		Short:         "Run the login broker and the greeting backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.issuer, "issuer-url", "", "URL of the OIDC issuer")
	f.StringVar(&o.caFile, "ca-file", "", "CA certificate to validate issuer")
	f.StringVar(&o.clientID, "client-id", "", "OAuth2 ClientID")
	f.StringVar(&o.clientSecret, "client-secret", "", "OAuth2 Client Secret")
	f.StringVar(&o.redirectURL, "redirect-url", "", "Redirect URL")
	f.StringVar(&o.hmacSecret, "hmac-secret", "", "Secret used to sign login state (default $DAL_HMAC_SECRET)")
	f.DurationVar(&o.hmacTTL, "hmac-ttl", time.Hour, "How long a pending login stays valid")
	// matches the client's default provider_host and backend_url
	f.StringVar(&o.listen, "listen", ":4943", "Listen address")
	f.DurationVar(&o.pruneEvery, "prune-interval", time.Minute, "How often to drop expired logins and revocations")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level")
	f.StringVar(&o.logFile, "log-file", "", "Also write logs to this file")
	f.BoolVar(&o.quiet, "quiet", false, "Suppress request logging")

	for _, name := range []string{"issuer-url", "client-id", "redirect-url"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (o *options) validate() error {
	if o.hmacSecret == "" {
		o.hmacSecret = os.Getenv("DAL_HMAC_SECRET")
	}
	if len(o.hmacSecret) < 16 {
		return errors.New("--hmac-secret must be at least 16 bytes")
	}
	if o.hmacTTL < time.Second {
		return errors.New("--hmac-ttl must be at least one second")
	}
	if o.pruneEvery <= 0 {
		return errors.New("--prune-interval must be positive")
	}
	return nil
}

func run(ctx context.Context, o *options) error {
	if err := o.validate(); err != nil {
		return err
	}

	log, err := logger.New(o.logLevel, o.logFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient, err := session.NewHTTPClient(o.caFile, nil)
	if err != nil {
		return err
	}
	ctx = oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(ctx, o.issuer)
	if err != nil {
		return fmt.Errorf("error discovering issuer %s: %w", o.issuer, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: o.clientID})

	// Configure an OpenID Connect aware OAuth2 client.
	oauth2Config := &oauth2.Config{
		ClientID:     o.clientID,
		ClientSecret: o.clientSecret,
		RedirectURL:  o.redirectURL,

		// Discovery returns the OAuth2 endpoints.
		Endpoint: provider.Endpoint(),

		// "openid" is a required scope for OpenID Connect flows.
		Scopes: []string{oidc.ScopeOpenID, "profile", "email"},
	}

	storage := memory.New()
	b := &broker.Server{
		Quiet:        o.quiet,
		OAuth2Config: oauth2Config,
		Verifier:     verifier,
		HmacTTL:      int64(o.hmacTTL / time.Second),
		HmacSecret:   []byte(o.hmacSecret),
		Storage:      storage,
		Logger:       log.Named("broker"),
	}
	svc := &backend.Service{
		Verifier:    verifier,
		Revocations: storage,
		Logger:      log.Named("backend"),
	}

	mux := http.NewServeMux()
	b.Register(mux)
	svc.Register(mux)

	server := &http.Server{
		Addr:              o.listen,
		Handler:           withExchangeClient(mux, httpClient),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go prune(ctx, storage, o.pruneEvery)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", o.listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// withExchangeClient makes the code exchange use the client that trusts --ca-file.
func withExchangeClient(next http.Handler, c *http.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), oauth2.HTTPClient, c)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func prune(ctx context.Context, storage *memory.MemTokenStorage, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			storage.Prune()
		}
	}
}
