package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okonma/parley/db"
	"github.com/okonma/parley/internal/config"
	"github.com/okonma/parley/internal/convo"
	"github.com/okonma/parley/internal/log"
	"github.com/okonma/parley/internal/ollama"
	"github.com/okonma/parley/internal/thread"
	"github.com/okonma/parley/internal/title"
)

// app bundles the wired components shared by serve and chat.
type app struct {
	Pool   *pgxpool.Pool
	Store  *thread.Store
	Ollama *ollama.Client
	Orch   *convo.Orchestrator
}

// setup migrates the database and wires storage, the model client, and the
// orchestrator. Callers must Close when done.
func setup(ctx context.Context, cfg *config.Config, logger log.Logger) (*app, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := thread.New(thread.NewQueries(pool), pool, logger)
	client := ollama.New(cfg.OllamaHost, logger)
	orch := convo.New(store, client, logger, convo.Options{
		Model:         cfg.Model,
		MaxMessageLen: cfg.MaxMessageChars,
		IdleTimeout:   cfg.StreamIdleTimeout,
		SystemPrompt:  cfg.SystemPrompt,
		TitleOptions: title.Options{
			MaxLength:   cfg.TitleMaxLength,
			Placeholder: cfg.TitlePlaceholder,
		},
	})

	return &app{Pool: pool, Store: store, Ollama: client, Orch: orch}, nil
}

// Close releases the application's resources.
func (a *app) Close() {
	if a.Pool != nil {
		a.Pool.Close()
	}
}
