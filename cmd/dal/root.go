package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jr0d/delegate-auth/pkg/dal/actor"
	"github.com/jr0d/delegate-auth/pkg/dal/config"
	"github.com/jr0d/delegate-auth/pkg/dal/controller"
	"github.com/jr0d/delegate-auth/pkg/dal/credentials"
	"github.com/jr0d/delegate-auth/pkg/dal/logger"
	"github.com/jr0d/delegate-auth/pkg/dal/session"
)

type app struct {
	out     io.Writer
	v       *viper.Viper
	cfgFile string
	verbose bool

	cfg        *config.Config
	log        *zap.SugaredLogger
	controller *controller.Controller
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out, v: viper.New()}

	root := &cobra.Command{
		Use:   "dal",
		Short: "Sign in with a delegated identity and call the greeting backend",
		Long: `dal signs in through an identity provider, keeps the resulting identity
between runs, and calls the greeting backend as that identity.

Example usage:
  dal login      # open the provider and sign in
  dal greet      # ask the backend to greet the signed in principal
  dal status     # show who is signed in
  dal logout     # sign out`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is .dal.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("mode", "", "production or development")
	flags.Bool("no-browser", false, "Do not launch a browser window")
	flags.String("ca-file", "", "CA certificate file")
	flags.String("token-dir", "", "Alternate token directory")

	_ = a.v.BindPFlag("logging.file", flags.Lookup("log-file"))
	_ = a.v.BindPFlag("mode", flags.Lookup("mode"))
	_ = a.v.BindPFlag("no_browser", flags.Lookup("no-browser"))
	_ = a.v.BindPFlag("ca_file", flags.Lookup("ca-file"))
	_ = a.v.BindPFlag("token_dir", flags.Lookup("token-dir"))

	root.AddCommand(
		&cobra.Command{
			Use:   "login",
			Short: "Sign in through the identity provider",
			RunE:  func(cmd *cobra.Command, _ []string) error { return a.login(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Sign out and forget the stored identity",
			RunE:  func(cmd *cobra.Command, _ []string) error { return a.logout(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the signed in principal",
			RunE:  func(*cobra.Command, []string) error { a.render(); return nil },
		},
		&cobra.Command{
			Use:   "greet",
			Short: "Fetch a greeting from the backend as the signed in principal",
			RunE:  func(cmd *cobra.Command, _ []string) error { return a.greet(cmd.Context()) },
		},
	)
	return root
}

// setup builds the collaborators once and restores any stored session.
func (a *app) setup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadWith(a.v, a.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	a.log, err = logger.New(level, cfg.Logging.File)
	if err != nil {
		return err
	}

	httpClient, err := session.NewHTTPClient(cfg.CAFile, nil)
	if err != nil {
		return fmt.Errorf("failed to get HTTP client: %w", err)
	}

	store, err := credentials.New(cfg.CredentialStore, cfg.TokenDir, cfg.Account)
	if err != nil {
		return err
	}

	sess := session.New(cfg.IdentityProvider, store,
		session.WithProviderResolver(func() string {
			u, _ := cfg.ProviderURL()
			return u
		}),
		session.WithHTTPClient(httpClient),
		session.WithNoBrowser(cfg.NoBrowser),
		session.WithQueryInterval(cfg.QueryInterval),
		session.WithLogger(a.log.Named("session")),
	)
	act := actor.New(cfg.BackendURL,
		actor.WithHTTPClient(httpClient),
		actor.WithLogger(a.log.Named("actor")),
	)
	a.controller = controller.New(sess, act, cfg, controller.WithLogger(a.log.Named("controller")))

	// a broken stored session is not fatal, the controller falls back to signed out
	_ = a.controller.Initialize(ctx)
	return nil
}

func (a *app) login(ctx context.Context) error {
	if !a.controller.State().Authenticated {
		if err := a.controller.SignIn(ctx); err != nil {
			return err
		}
	}
	a.render()
	return nil
}

func (a *app) logout(ctx context.Context) error {
	err := a.controller.SignOut(ctx)
	a.render()
	return err
}

func (a *app) greet(ctx context.Context) error {
	if err := a.controller.FetchGreeting(ctx); err != nil {
		if errors.Is(err, controller.ErrNotAuthenticated) {
			return errors.New("not signed in, run `dal login` first")
		}
		return err
	}
	a.render()
	return nil
}

func (a *app) render() {
	renderState(a.out, a.controller.State())
}

func renderState(out io.Writer, s controller.State) {
	if !s.Authenticated {
		fmt.Fprintln(out, "Not signed in.")
		return
	}
	name := "User"
	if s.Identity != nil {
		name = s.Identity.String()
	}
	fmt.Fprintf(out, "Welcome back, %s!\n", name)
	if s.Greeting != "" {
		fmt.Fprintln(out, s.Greeting)
	}
}
