package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Report is the daily monitoring summary.
type Report struct {
	Date             string             `json:"date"`
	GeneratedAt      time.Time          `json:"generated_at"`
	ModelsMonitored  int                `json:"models_monitored"`
	TotalPredictions int64              `json:"total_predictions"`
	Errors           int64              `json:"errors"`
	ErrorRate        float64            `json:"error_rate"`
	AverageLatencyMs float64            `json:"average_latency_ms"`
	CacheHitRate     float64            `json:"cache_hit_rate"`
	AlertsGenerated  int64              `json:"alerts_generated"`
	Drift            map[string]float64 `json:"drift,omitempty"`
	Accuracy         map[string]float64 `json:"accuracy,omitempty"`
	Recommendations  []string           `json:"recommendations"`
}

// ReportStore writes reports to JSON files and the database.
type ReportStore struct {
	dir string
	db  *sql.DB
	log zerolog.Logger
}

// NewReportStore creates a report store writing files under dir.
func NewReportStore(dir string, db *sql.DB, log zerolog.Logger) *ReportStore {
	return &ReportStore{dir: dir, db: db, log: log.With().Str("repository", "monitor_reports").Logger()}
}

// FileName is the report file name for a day.
func FileName(day time.Time) string {
	return fmt.Sprintf("model_report_%s.json", day.Format("20060102"))
}

// Save writes the report file and row. Both must succeed.
func (s *ReportStore) Save(ctx context.Context, r *Report) (string, error) {
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	path := filepath.Join(s.dir, FileName(r.GeneratedAt))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to install report: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_reports (report_date, payload, created_at) VALUES (?, ?, ?)`,
		r.GeneratedAt.Format("20060102"), string(payload), r.GeneratedAt.Unix()); err != nil {
		return "", fmt.Errorf("failed to store report: %w", err)
	}
	return path, nil
}

// List returns stored reports newest first. limit <= 0 means 30.
func (s *ReportStore) List(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM monitor_reports ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var r Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.log.Warn().Err(err).Msg("Skipping unreadable report")
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
