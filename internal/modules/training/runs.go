package training

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/database"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/models"
)

// RunStatus is the outcome of a training run.
type RunStatus string

const (
	RunPromoted RunStatus = "promoted"
	RunRejected RunStatus = "rejected"
	RunFailed   RunStatus = "failed"
	RunTrained  RunStatus = "trained" // Trained outside the promotion flow
)

// Run is one recorded training run.
type Run struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	AssetClass  domain.AssetClass  `json:"asset_class"`
	Family      domain.ModelFamily `json:"family"`
	Params      models.Params      `json:"params"`
	CVScore     float64            `json:"cv_score"`
	Backtest    *backtest.Metrics  `json:"backtest,omitempty"`
	Status      RunStatus          `json:"status"`
	ArtifactRef string             `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	Epochs      []models.EpochLoss `json:"epochs,omitempty"`
}

// RunStore is the append-only run history.
type RunStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRunStore creates a run store over the augur database.
func NewRunStore(db *sql.DB, log zerolog.Logger) *RunStore {
	return &RunStore{db: db, log: log.With().Str("repository", "training_runs").Logger()}
}

// Append records a run and its epoch losses. ID and CreatedAt are assigned when empty.
func (s *RunStore) Append(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to encode run params: %w", err)
	}
	var bt sql.NullString
	if run.Backtest != nil {
		data, err := json.Marshal(run.Backtest)
		if err != nil {
			return fmt.Errorf("failed to encode backtest metrics: %w", err)
		}
		bt = sql.NullString{String: string(data), Valid: true}
	}
	var cv sql.NullFloat64
	if !math.IsNaN(run.CVScore) {
		cv = sql.NullFloat64{Float64: run.CVScore, Valid: true}
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO training_runs (id, name, asset_class, family, params, cv_score, backtest, status, artifact_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Name, string(run.AssetClass), string(run.Family), string(params), cv, bt,
			string(run.Status), nullString(run.ArtifactRef), run.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to insert training run: %w", err)
		}
		for _, e := range run.Epochs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO run_epochs (run_id, epoch, train_loss, val_loss) VALUES (?, ?, ?, ?)`,
				run.ID, e.Epoch, e.TrainLoss, e.ValLoss); err != nil {
				return fmt.Errorf("failed to insert epoch %d: %w", e.Epoch, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Debug().Str("run_id", run.ID).Str("name", run.Name).Str("status", string(run.Status)).Msg("Training run recorded")
	return nil
}

// List returns runs newest first, optionally filtered by name. limit <= 0 means 100.
func (s *RunStore) List(ctx context.Context, name string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, name, asset_class, family, params, cv_score, backtest, status, artifact_ref, created_at
		FROM training_runs`
	args := []interface{}{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Get returns one run with its epoch losses.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, asset_class, family, params, cv_score, backtest, status, artifact_ref, created_at
		FROM training_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "training run", Name: id}
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, train_loss, val_loss FROM run_epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query run epochs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.EpochLoss
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.ValLoss); err != nil {
			return nil, fmt.Errorf("failed to scan run epoch: %w", err)
		}
		run.Epochs = append(run.Epochs, e)
	}
	return run, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run         Run
		asset       string
		family      string
		status      string
		params      string
		cv          sql.NullFloat64
		bt          sql.NullString
		artifactRef sql.NullString
		createdAt   int64
	)
	if err := row.Scan(&run.ID, &run.Name, &asset, &family, &params, &cv, &bt, &status, &artifactRef, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan training run: %w", err)
	}
	run.AssetClass = domain.AssetClass(asset)
	run.Family = domain.ModelFamily(family)
	run.Status = RunStatus(status)
	run.CVScore = cv.Float64
	run.ArtifactRef = artifactRef.String
	run.CreatedAt = time.Unix(createdAt, 0).UTC()

	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to decode run params: %w", err)
	}
	if bt.Valid {
		run.Backtest = &backtest.Metrics{}
		if err := json.Unmarshal([]byte(bt.String), run.Backtest); err != nil {
			return nil, fmt.Errorf("failed to decode run backtest: %w", err)
		}
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
