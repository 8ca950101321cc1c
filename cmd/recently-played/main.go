// Command recently-played serves the most recently played Spotify track of
// a single account over HTTP, keeping that account's OAuth token fresh.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/justestif/go-spotify-recently-played/internal/auth"
	"github.com/justestif/go-spotify-recently-played/internal/config"
	"github.com/justestif/go-spotify-recently-played/internal/logging"
	"github.com/justestif/go-spotify-recently-played/internal/spotify"
	"github.com/justestif/go-spotify-recently-played/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newApp().Run(context.Background(), os.Args)
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "recently-played",
		Usage: "Serve the most recently played Spotify track",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Sources: cli.EnvVars("RP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the config file",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "refresh",
				Usage:  "Refresh the access token now and persist it",
				Action: refresh,
			},
			{
				Name:   "login-url",
				Usage:  "Print the Spotify authorization URL",
				Action: loginURL,
			},
		},
	}
}

// env is everything a command needs, built from the flags and config.
type env struct {
	cfg     *config.Config
	logger  *log.Logger
	backend *backend
	manager *auth.Manager
}

func setup(ctx context.Context, cmd *cli.Command) (*env, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cmd.Root().ErrWriter, cfg.LogLevel)

	b, err := openStore(ctx, cfg.Secrets, logger)
	if err != nil {
		return nil, err
	}

	oauth := auth.NewOAuthClient(cfg.Spotify.RedirectURI,
		auth.WithEndpoints(cfg.Spotify.AuthURL, cfg.Spotify.TokenURL),
		auth.WithOAuthTimeout(cfg.Spotify.Timeout.Duration),
	)

	opts := []auth.Option{auth.WithLogger(logger)}
	if b.locker != nil {
		opts = append(opts, auth.WithLocker(b.locker))
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		backend: b,
		manager: auth.NewManager(b.store, oauth, opts...),
	}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.backend.close()

	if err := e.manager.Init(ctx); err != nil {
		return fmt.Errorf("initializing token manager: %w", err)
	}

	tracks := spotify.New(
		spotify.WithBaseURL(e.cfg.Spotify.APIURL),
		spotify.WithTimeout(e.cfg.Spotify.Timeout.Duration),
	)

	server := web.NewServer(web.ServerConfig{
		Addr:          e.cfg.Server.Addr,
		AllowedOrigin: e.cfg.Server.AllowedOrigin,
		RateLimit:     e.cfg.Server.RateLimit,
		Burst:         e.cfg.Server.Burst,
		Logger:        e.logger,
	}, e.manager, tracks)

	return server.Run(ctx)
}

func refresh(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.backend.close()

	if err := e.manager.RefreshNow(ctx); err != nil {
		return err
	}

	st := e.manager.Status()
	fmt.Fprintf(cmd.Root().Writer, "Access token refreshed; expires at %s\n", st.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func loginURL(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.backend.close()

	u, err := e.manager.AuthURL(ctx, uuid.NewString())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, u)
	return nil
}
