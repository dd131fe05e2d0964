// Package artifacts persists trained models with everything needed to serve them.
package artifacts

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/backtest"
	"github.com/aristath/augur/internal/modules/dataset"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/features"
	"github.com/aristath/augur/internal/modules/models"
)

// FormatVersion is bumped when the encoded layout changes incompatibly.
const FormatVersion = 1

// FeatureSpec is the exact input transform a model was trained with.
type FeatureSpec struct {
	Columns        []string        `json:"columns" msgpack:"columns"`
	Features       features.Config `json:"features" msgpack:"features"`
	Scaler         *dataset.Scaler `json:"scaler" msgpack:"scaler"`
	Horizon        int             `json:"horizon" msgpack:"horizon"`
	SequenceLength int             `json:"sequence_length,omitempty" msgpack:"sequence_length"`
}

// Artifact is an immutable trained model version.
type Artifact struct {
	FormatVersion  int                `json:"format_version" msgpack:"format_version"`
	Key            domain.ModelKey    `json:"key" msgpack:"key"`
	AssetClass     domain.AssetClass  `json:"asset_class" msgpack:"asset_class"`
	Family         domain.ModelFamily `json:"family" msgpack:"family"`
	Version        string             `json:"version" msgpack:"version"`
	CreatedAt      time.Time          `json:"created_at" msgpack:"created_at"`
	RunID          string             `json:"run_id" msgpack:"run_id"`
	Params         models.Params      `json:"params" msgpack:"params"`
	Model          []byte             `json:"-" msgpack:"model"`
	Spec           FeatureSpec        `json:"spec" msgpack:"spec"`
	Reference      drift.Reference    `json:"-" msgpack:"reference"`
	ValidationRMSE float64            `json:"validation_rmse" msgpack:"validation_rmse"`
	TargetStd      float64            `json:"target_std" msgpack:"target_std"`
	Backtest       backtest.Metrics   `json:"backtest" msgpack:"backtest"`
	SampleInputs   []models.Sample    `json:"-" msgpack:"sample_inputs"` // Raw held-out inputs for health checks
}

// NewVersion derives a sortable version string from a creation time.
func NewVersion(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// Validate checks the fields required to serve the artifact.
func (a *Artifact) Validate() error {
	if a.Key == "" {
		return domain.NewValidationError("key", "artifact key is required")
	}
	if a.Version == "" {
		return domain.NewValidationError("version", "artifact version is required")
	}
	if len(a.Model) == 0 {
		return domain.NewValidationError("model", "artifact has no model payload")
	}
	if len(a.Spec.Columns) == 0 {
		return domain.NewValidationError("spec.columns", "artifact has no feature columns")
	}
	if a.Spec.Scaler == nil || len(a.Spec.Scaler.Mean) != len(a.Spec.Columns) {
		return domain.NewValidationError("spec.scaler", "scaler does not match feature columns")
	}
	if a.Family == domain.FamilySequence && a.Spec.SequenceLength <= 0 {
		return domain.NewValidationError("spec.sequence_length", "sequence artifact needs a window length")
	}
	return nil
}

// Regressor decodes the model payload.
func (a *Artifact) Regressor() (models.Regressor, error) {
	return models.Decode(a.Family, a.Model)
}

// Encode serializes the artifact.
func Encode(a *Artifact) ([]byte, error) {
	if a.FormatVersion == 0 {
		a.FormatVersion = FormatVersion
	}
	data, err := msgpack.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact %s: %w", a.Key, err)
	}
	return data, nil
}

// Decode parses an encoded artifact.
func Decode(data []byte) (*Artifact, error) {
	var a Artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if a.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported artifact format %d", a.FormatVersion)
	}
	return &a, nil
}
