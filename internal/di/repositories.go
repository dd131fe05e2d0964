package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/modules/marketdata"
	"github.com/aristath/augur/internal/modules/monitor"
	"github.com/aristath/augur/internal/modules/training"
)

// InitializeRepositories creates the database-backed repositories.
func InitializeRepositories(c *Container, cfg *config.Config, log zerolog.Logger) error {
	conn := c.DB.Conn()
	c.BarRepo = marketdata.NewBarRepository(conn, log)
	c.SymbolRepo = marketdata.NewSymbolRepository(conn, log)
	c.NewsRepo = marketdata.NewNewsRepository(conn, log)
	c.RunStore = training.NewRunStore(conn, log)
	c.AlertStore = monitor.NewAlertStore(conn, log)
	c.Reports = monitor.NewReportStore(reportsDir(cfg), conn, log)
	c.Importer = marketdata.NewImporter(c.BarRepo, c.SymbolRepo, log)
	return nil
}
