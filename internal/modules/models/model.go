// Package models holds the model families behind one capability interface:
// fit on samples, predict one sample, serialize.
package models

import (
	"context"
	"fmt"

	"github.com/aristath/augur/internal/domain"
)

// Sample is one model input. Tree models read Flat, sequence models read Seq
// (a window of rows, oldest first).
type Sample struct {
	Flat []float64
	Seq  [][]float64
}

// EpochLoss is the loss of one training epoch.
type EpochLoss struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
}

// FitReport describes a finished fit.
type FitReport struct {
	Epochs []EpochLoss
	// ValidationMSE is the held-out error measured during the fit, 0 when the family
	// does not hold data out internally.
	ValidationMSE float64
}

// Regressor is implemented by every model family.
//
// Fit expects samples in chronological order and may hold the tail out for
// validation. Predict is safe for concurrent use once Fit or UnmarshalBinary
// has returned. The binary form round-trips exactly: a decoded model predicts
// the same values as the one that was encoded.
type Regressor interface {
	Family() domain.ModelFamily
	Fit(ctx context.Context, samples []Sample, targets []float64) (*FitReport, error)
	Predict(s Sample) (float64, error)
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Params is the union of hyperparameters across families. Each family reads
// its own fields and fills zero values with its defaults. Params is recorded
// with every training run, so the JSON names match the grid keys.
type Params struct {
	// Tree ensemble
	MaxDepth     int     `json:"max_depth,omitempty" msgpack:"max_depth"`
	LearningRate float64 `json:"learning_rate,omitempty" msgpack:"learning_rate"`
	NEstimators  int     `json:"n_estimators,omitempty" msgpack:"n_estimators"`
	Subsample    float64 `json:"subsample,omitempty" msgpack:"subsample"`
	MinLeaf      int     `json:"min_leaf,omitempty" msgpack:"min_leaf"`
	Bins         int     `json:"bins,omitempty" msgpack:"bins"`

	// Sequence model
	Hidden          int     `json:"hidden,omitempty" msgpack:"hidden"`
	Epochs          int     `json:"epochs,omitempty" msgpack:"epochs"`
	BatchSize       int     `json:"batch_size,omitempty" msgpack:"batch_size"`
	ValidationSplit float64 `json:"validation_split,omitempty" msgpack:"validation_split"`

	Seed int64 `json:"seed" msgpack:"seed"`
}

// New creates an untrained model of the given family.
func New(family domain.ModelFamily, p Params) (Regressor, error) {
	switch family {
	case domain.FamilyTree:
		return NewBoostedTrees(p), nil
	case domain.FamilySequence:
		return NewRecurrent(p), nil
	}
	return nil, fmt.Errorf("unsupported model family %q", family)
}

// Decode restores a serialized model of the given family.
func Decode(family domain.ModelFamily, data []byte) (Regressor, error) {
	m, err := New(family, Params{})
	if err != nil {
		return nil, err
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode %s model: %w", family, err)
	}
	return m, nil
}

func checkTrainingSet(samples []Sample, targets []float64) error {
	if len(samples) == 0 {
		return domain.NewValidationError("samples", "no training samples")
	}
	if len(samples) != len(targets) {
		return domain.NewValidationError("samples",
			fmt.Sprintf("%d samples but %d targets", len(samples), len(targets)))
	}
	return nil
}
