// Package di provides dependency injection wiring and initialization.
package di

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Open the database
// 2. Create repositories
// 3. Create the training stack
// 4. Load models and create serving services
// 5. Create the monitor (not started).
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	if cfg.Policy == nil {
		cfg.Policy = config.DefaultPolicy()
	}

	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, err
	}

	steps := []struct {
		name string
		fn   func(*Container, *config.Config, zerolog.Logger) error
	}{
		{"repositories", InitializeRepositories},
		{"training", InitializeTraining},
		{"serving", InitializeServing},
		{"monitoring", InitializeMonitoring},
	}
	for _, step := range steps {
		if err := step.fn(container, cfg, log); err != nil {
			_ = container.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}

// Close stops the monitor, waits for background retraining and releases
// connections in reverse order of creation.
func (c *Container) Close() error {
	if c.Monitor != nil {
		c.Monitor.Stop()
	} else if c.Retrainer != nil {
		c.Retrainer.Wait()
	}
	if c.Registry != nil {
		c.Registry.Shutdown()
	}

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
