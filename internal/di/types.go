package di

import (
	"github.com/redis/go-redis/v9"

	"github.com/aristath/augur/internal/database"
	"github.com/aristath/augur/internal/metrics"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/features"
	"github.com/aristath/augur/internal/modules/marketdata"
	"github.com/aristath/augur/internal/modules/monitor"
	"github.com/aristath/augur/internal/modules/prediction"
	"github.com/aristath/augur/internal/modules/registry"
	"github.com/aristath/augur/internal/modules/sentiment"
	"github.com/aristath/augur/internal/modules/training"
)

// Container holds every application dependency. It is created by Wire and
// passed to the server and commands.
type Container struct {
	DB *database.DB // augur.db: bars, symbols, news, training runs, alerts, reports

	// Repositories
	BarRepo    *marketdata.BarRepository
	SymbolRepo *marketdata.SymbolRepository
	NewsRepo   *marketdata.NewsRepository
	RunStore   *training.RunStore
	AlertStore *monitor.AlertStore
	Reports    *monitor.ReportStore
	Importer   *marketdata.Importer

	// Training
	Features     *features.Engine
	Trainer      *training.Trainer
	Backtester   *backtest.Backtester
	Artifacts    *artifacts.Store
	Pipeline     *training.Pipeline
	Orchestrator *training.Orchestrator
	Retrainer    *monitor.Retrainer

	// Serving
	Recorder   *metrics.Recorder
	Collector  *drift.Collector
	Registry   *registry.Registry
	Analyzer   *sentiment.Analyzer
	Prediction *prediction.Service
	Redis      *redis.Client // nil when the in-process cache is used

	// Monitoring
	Notifier monitor.Notifier
	Monitor  *monitor.Monitor

	closers []func() error
}
