package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/engine"
	"quorum/internal/migrate"
)

// SystemActor records bootstrap changes when no actor is given.
const SystemActor = "system"

type Options struct {
	Workspace string
	ActorID   string
	// Config overrides quorum.yml when set.
	Config *config.Config
	Log    logrus.FieldLogger
}

// Context is an opened, migrated and seeded workspace.
type Context struct {
	DB            *sql.DB
	Config        *config.Config
	Engine        engine.Engine
	SchemaVersion int
	Seeded        int
}

func (c Context) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Open prepares a workspace for use: opens the database, applies pending
// migrations and seeds the step definitions from config when none exist.
func Open(ctx context.Context, opts Options) (Context, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return Context{}, err
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return Context{}, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return Context{}, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, opts.Log)
	actorID := opts.ActorID
	if actorID == "" {
		actorID = SystemActor
	}
	seeded, err := eng.SeedDefinitions(ctx, cfg.Steps.Seed, actorID)
	if err != nil {
		conn.Close()
		return Context{}, fmt.Errorf("seed step definitions: %w", err)
	}
	return Context{
		DB:            conn,
		Config:        cfg,
		Engine:        eng,
		SchemaVersion: version,
		Seeded:        seeded,
	}, nil
}
