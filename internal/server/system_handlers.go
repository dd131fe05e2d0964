package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/augur/internal/di"
	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/metrics"
)

// SystemHandlers serves process and storage status.
type SystemHandlers struct {
	container   *di.Container
	startupTime time.Time
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers.
func NewSystemHandlers(container *di.Container, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		container:   container,
		startupTime: time.Now(),
		log:         log.With().Str("handler", "system").Logger(),
	}
}

// StatusResponse is the body of GET /api/system/status.
type StatusResponse struct {
	Status        string                 `json:"status"`
	UptimeHours   float64                `json:"uptime_hours"`
	CPUPercent    float64                `json:"cpu_percent"`
	RAMPercent    float64                `json:"ram_percent"`
	Goroutines    int                    `json:"goroutines"`
	ModelsLoaded  int                    `json:"models_loaded"`
	Database      map[string]interface{} `json:"database"`
	Serving       metrics.Totals         `json:"serving"`
	ErrorRate     float64                `json:"error_rate"`
	AvgLatencyMs  float64                `json:"avg_latency_ms"`
	LastCheckedAt string                 `json:"last_checked_at"`
}

// HandleStatus handles GET /api/system/status.
func (h *SystemHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c := h.container
	cpuPercent, ramPercent := h.getSystemStats()
	totals := c.Recorder.Totals()
	health := c.Registry.HealthCheck()

	resp := StatusResponse{
		Status:        health.Status,
		UptimeHours:   time.Since(h.startupTime).Hours(),
		CPUPercent:    cpuPercent,
		RAMPercent:    ramPercent,
		Goroutines:    runtime.NumGoroutine(),
		ModelsLoaded:  health.ModelsLoaded,
		Database:      h.databaseStatus(r.Context()),
		Serving:       totals,
		ErrorRate:     totals.ErrorRate(),
		AvgLatencyMs:  float64(totals.AverageLatency().Microseconds()) / 1000,
		LastCheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, resp)
}

func (h *SystemHandlers) databaseStatus(ctx context.Context) map[string]interface{} {
	db := h.container.DB
	out := map[string]interface{}{"healthy": true}
	if err := db.QuickCheck(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Database check failed")
		out["healthy"] = false
		return out
	}
	stats, err := db.GetStats()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get database statistics")
		return out
	}
	out["size_bytes"] = stats.SizeBytes
	out["wal_size_bytes"] = stats.WALSizeBytes
	return out
}

// HandleArtifacts handles GET /api/system/artifacts.
func (h *SystemHandlers) HandleArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := h.container.Artifacts.List()
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{"artifacts": infos})
}

// getSystemStats samples CPU over 100ms and reads memory usage.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}
	return cpuPercent[0], memStat.UsedPercent
}
