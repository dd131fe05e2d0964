package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert kinds.
const (
	KindLatency   = "latency"
	KindErrorRate = "error_rate"
	KindProbe     = "probe_failure"
	KindDrift     = "drift"
	KindRetrain   = "retrain"
	KindAccuracy  = "accuracy"
)

// Alert is one monitoring finding.
type Alert struct {
	ID        string     `json:"id"`
	Level     AlertLevel `json:"level"`
	Kind      string     `json:"kind"`
	ModelKey  string     `json:"model_key,omitempty"`
	Message   string     `json:"message"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Delivered bool       `json:"delivered"`
	Timestamp time.Time  `json:"timestamp"`
}

// AlertStore persists alerts.
type AlertStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAlertStore creates an alert store.
func NewAlertStore(db *sql.DB, log zerolog.Logger) *AlertStore {
	return &AlertStore{db: db, log: log.With().Str("repository", "alerts").Logger()}
}

// Insert stores a new alert.
func (s *AlertStore) Insert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, level, kind, model_key, message, value, threshold, delivered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, string(a.Level), a.Kind, a.ModelKey, a.Message, a.Value, a.Threshold, a.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// MarkDelivered flags an alert as delivered to the notifier.
func (s *AlertStore) MarkDelivered(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE alerts SET delivered = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark alert delivered: %w", err)
	}
	return nil
}

// List returns alerts newest first. limit <= 0 means 100.
func (s *AlertStore) List(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, kind, COALESCE(model_key, ''), message, COALESCE(value, 0), COALESCE(threshold, 0), delivered, created_at
		FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a         Alert
			level     string
			delivered int
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &level, &a.Kind, &a.ModelKey, &a.Message, &a.Value, &a.Threshold, &delivered, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Level = AlertLevel(level)
		a.Delivered = delivered == 1
		a.Timestamp = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
