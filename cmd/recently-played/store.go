package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-spotify-recently-played/internal/auth"
	"github.com/justestif/go-spotify-recently-played/internal/config"
	"github.com/justestif/go-spotify-recently-played/internal/db"
	"github.com/justestif/go-spotify-recently-played/internal/secrets"
)

// backend is an opened secret store plus what the selected backend offers
// beyond it.
type backend struct {
	store  secrets.Store
	locker auth.Locker // nil unless refreshes are serialized across instances
	close  func()
}

// openStore opens the secret store selected by cfg.
func openStore(ctx context.Context, cfg config.SecretsConfig, logger *log.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		logger.Debug("using file secret store", "path", cfg.Path)
		return &backend{store: secrets.NewFileStore(cfg.Path), close: func() {}}, nil

	case config.BackendSQLite:
		s, err := secrets.OpenSQLiteStore(ctx, cfg.Path, cfg.Name)
		if err != nil {
			return nil, err
		}
		logger.Debug("using sqlite secret store", "path", cfg.Path, "name", cfg.Name)
		return &backend{store: s, close: func() { s.Close() }}, nil

	case config.BackendPostgres:
		d, err := db.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := d.Migrate(ctx); err != nil {
			d.Close()
			return nil, err
		}

		repo := d.Secrets(cfg.Name)
		b := &backend{store: repo, close: d.Close}
		if cfg.Lock {
			b.locker = repo
		}
		logger.Debug("using postgres secret store", "name", cfg.Name, "lock", cfg.Lock)
		return b, nil

	case config.BackendGCP:
		s, err := secrets.NewGCPStore(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		logger.Debug("using Secret Manager store", "name", cfg.Name)
		return &backend{store: s, close: func() { s.Close() }}, nil
	}

	return nil, fmt.Errorf("%w: unknown secrets backend %q", config.ErrInvalidConfig, cfg.Backend)
}
