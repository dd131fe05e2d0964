package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Policy holds the tunable ML policy: feature groups, search grid, promotion gate and
// monitoring thresholds. Every field has a default, a YAML file only overrides.
type Policy struct {
	Features FeaturePolicy  `yaml:"features"`
	Training TrainingPolicy `yaml:"training"`
	Gate     GatePolicy     `yaml:"gate"`
	Monitor  MonitorPolicy  `yaml:"monitor"`
}

// FeaturePolicy selects feature groups.
type FeaturePolicy struct {
	Technical      bool     `yaml:"technical" default:"true"`
	Time           bool     `yaml:"time" default:"true"`
	LagColumns     []string `yaml:"lag_columns" default:"[\"close\",\"volume\",\"returns\"]" validate:"dive,required"`
	Lags           []int    `yaml:"lags" default:"[1,2,3,5]" validate:"dive,gt=0"`
	RollingColumns []string `yaml:"rolling_columns" default:"[\"close\",\"volume\"]" validate:"dive,required"`
	RollingWindows []int    `yaml:"rolling_windows" default:"[5,10,20]" validate:"dive,gt=0"`
}

// GridPolicy is the tree-ensemble hyperparameter grid.
type GridPolicy struct {
	MaxDepth     []int     `yaml:"max_depth" default:"[3,5,7]" validate:"min=1,dive,gt=0"`
	LearningRate []float64 `yaml:"learning_rate" default:"[0.01,0.1,0.2]" validate:"min=1,dive,gt=0,lte=1"`
	NEstimators  []int     `yaml:"n_estimators" default:"[100,200,300]" validate:"min=1,dive,gt=0"`
	Subsample    []float64 `yaml:"subsample" default:"[0.8,0.9,1.0]" validate:"min=1,dive,gt=0,lte=1"`
}

// TrainingPolicy configures the training pipeline.
type TrainingPolicy struct {
	Horizon       int           `yaml:"horizon" default:"1" validate:"gt=0"`
	TestFraction  float64       `yaml:"test_fraction" default:"0.2" validate:"gt=0,lt=1"`
	CVFolds       int           `yaml:"cv_folds" default:"5" validate:"gte=2"`
	Workers       int           `yaml:"workers" default:"4" validate:"gt=0"`
	Seed          int64         `yaml:"seed" default:"42"`
	MinRows       int           `yaml:"min_rows" default:"200" validate:"gt=0"`
	MinSymbolBars int           `yaml:"min_symbol_bars" default:"100" validate:"gt=0"` // Shorter series are left out
	Timeout       time.Duration `yaml:"timeout" default:"30m" validate:"gt=0"`         // Bounds one asset class retraining
	Grid          GridPolicy    `yaml:"grid"`

	SequenceLength  int     `yaml:"sequence_length" default:"30" validate:"gt=1"`
	HiddenSize      int     `yaml:"hidden_size" default:"32" validate:"gt=0"`
	Epochs          int     `yaml:"epochs" default:"50" validate:"gt=0"`
	BatchSize       int     `yaml:"batch_size" default:"32" validate:"gt=0"`
	ValidationSplit float64 `yaml:"validation_split" default:"0.2" validate:"gt=0,lt=1"`
	SequenceLR      float64 `yaml:"sequence_learning_rate" default:"0.001" validate:"gt=0"`
	SampleInputs    int     `yaml:"sample_inputs" default:"20" validate:"gt=0"`
}

// GatePolicy is the backtest promotion policy.
type GatePolicy struct {
	MinDirectionalAccuracy float64 `yaml:"min_directional_accuracy" default:"0.5" validate:"gte=0,lte=1"`
	MaxMSE                 float64 `yaml:"max_mse" validate:"gte=0"` // 0 disables the bound
	RequireBeatNaive       bool    `yaml:"require_beat_naive" default:"true"`
	MinSamples             int     `yaml:"min_samples" default:"20" validate:"gt=0"`
}

// MonitorPolicy configures the monitoring control loop.
type MonitorPolicy struct {
	HealthSchedule string        `yaml:"health_schedule" default:"@every 5m" validate:"required"`
	DriftSchedule  string        `yaml:"drift_schedule" default:"@hourly" validate:"required"`
	ReportSchedule string        `yaml:"report_schedule" default:"0 2 * * *" validate:"required"`
	TaskTimeout    time.Duration `yaml:"task_timeout" default:"2m" validate:"gt=0"`
	Tick           time.Duration `yaml:"tick" default:"15s" validate:"gt=0"`

	LatencyMultiplier     float64 `yaml:"latency_multiplier" default:"2.0" validate:"gt=1"`
	LatencyEWMAAlpha      float64 `yaml:"latency_ewma_alpha" default:"0.2" validate:"gt=0,lte=1"`
	ErrorRateThreshold    float64 `yaml:"error_rate_threshold" default:"0.05" validate:"gt=0,lte=1"`
	AccuracyDropThreshold float64 `yaml:"accuracy_drop_threshold" default:"0.1" validate:"gt=0,lte=1"`
	DriftAlertThreshold   float64 `yaml:"drift_alert_threshold" default:"0.2" validate:"gt=0"`
	DriftRetrainThreshold float64 `yaml:"drift_retrain_threshold" default:"0.3" validate:"gtfield=DriftAlertThreshold"`
	DriftBins             int     `yaml:"drift_bins" default:"10" validate:"gte=2"`
	MinDriftSamples       int     `yaml:"min_drift_samples" default:"50" validate:"gt=0"`
	LiveBufferSize        int     `yaml:"live_buffer_size" default:"1000" validate:"gtefield=MinDriftSamples"`
	AutoRetrain           bool    `yaml:"auto_retrain" default:"true"`
}

var policyValidator = validator.New()

// DefaultPolicy returns the policy with every default applied.
func DefaultPolicy() *Policy {
	p := &Policy{}
	if err := defaults.Set(p); err != nil {
		// Default tags are static; failing here is a programming error
		panic(fmt.Sprintf("invalid policy defaults: %v", err))
	}
	return p
}

// LoadPolicy reads the YAML policy file on top of the defaults.
// An empty path returns the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, p); err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the policy bounds.
func (p *Policy) Validate() error {
	if err := policyValidator.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
