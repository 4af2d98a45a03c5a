package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/planetatlas/atlas-cli/internal/access"
	"github.com/planetatlas/atlas-cli/internal/reference"
	"github.com/planetatlas/atlas-cli/internal/resilience"
	"github.com/planetatlas/atlas-cli/internal/store"
)

// env bundles the shared collaborators a command needs.
type env struct {
	Store    store.Store
	Access   *access.Controller
	Features *reference.Loader
	Palette  *reference.Palette
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("store database URL is required (ATLAS_STORE_DATABASE_URL)")
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = func(attempt int, err error) {
		zap.L().Warn("retrying remote call", zap.Int("attempt", attempt), zap.Error(err))
	}

	e := &env{
		Store:    st,
		Access:   access.NewController(st, cfg.Scoring.VerifyAward),
		Features: reference.NewLoader(cfg.Reference.URL, retry),
		Palette:  reference.NewPalette(),
	}

	if cfg.Reference.PalettePath != "" {
		f, err := os.Open(cfg.Reference.PalettePath)
		if err != nil {
			e.Close()
			return nil, eris.Wrap(err, "open palette file")
		}
		p, err := reference.LoadPalette(f)
		_ = f.Close()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Palette = p
	}

	return e, nil
}

// initCtx returns a context with a deadline for one-shot commands.
func initCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Minute)
}
