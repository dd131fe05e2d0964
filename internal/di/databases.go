package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/database"
)

// InitializeDatabases opens augur.db and applies its schema.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileDurable,
		Name:    "augur",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize augur database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate augur database: %w", err)
	}
	log.Info().Str("path", cfg.DatabasePath()).Msg("Database ready")

	c := &Container{DB: db}
	c.closers = append(c.closers, db.Close)
	return c, nil
}
