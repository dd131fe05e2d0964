// Package registry serves predictions from loaded model artifacts.
//
// Lifecycle: New, LoadAll, serve (Predict, HealthCheck), Shutdown. Each model key has
// a slot; the slot table is an immutable snapshot replaced atomically on load and
// reload, so predictions never take a lock.
package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/artifacts"
	"github.com/aristath/augur/internal/modules/drift"
	"github.com/aristath/augur/internal/modules/models"
)

const (
	// Features further than this many reference std from the mean count as out of range
	outOfRangeZ   = 4.0
	minConfidence = 0.01
)

// ArtifactLoader reads artifacts by name.
type ArtifactLoader interface {
	Load(ctx context.Context, name string) (*artifacts.Artifact, error)
}

// Observer receives the raw feature vector of every served prediction.
// Observers run on the request goroutine and must not block; the drift
// collector only copies the vector into its buffer.
type Observer func(key domain.ModelKey, input []float64)

// Recorder receives the outcome of every prediction.
type Recorder interface {
	RecordPrediction(key domain.ModelKey, latency time.Duration, err error)
}

// Request asks one model for a prediction. Rows are feature maps, oldest first;
// tree models read the last row, sequence models the last SequenceLength rows.
type Request struct {
	AssetClass domain.AssetClass
	Family     domain.ModelFamily
	Rows       []map[string]float64
}

// Result is a served prediction.
type Result struct {
	Value      float64         `json:"value"`
	Confidence float64         `json:"confidence"`
	ModelKey   domain.ModelKey `json:"model_key"`
	Version    string          `json:"version"`
}

// Health summarizes the slot table.
type Health struct {
	Status       string       `json:"status"`
	ModelsLoaded int          `json:"models_loaded"`
	Slots        []SlotStatus `json:"slots"`
}

// Registry holds one slot per model key.
//
// Reads go through an atomic snapshot of the slot table, so Predict never
// waits on a load. Loads and reloads are serialized by mu and publish a new
// snapshot when they finish.
type Registry struct {
	loader ArtifactLoader
	keys   []domain.ModelKey

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex // Serializes snapshot writers

	obsMu     sync.RWMutex
	observers []Observer
	recorder  Recorder

	log zerolog.Logger
}

// New creates a registry with an unloaded slot for every key.
func New(loader ArtifactLoader, keys []domain.ModelKey, log zerolog.Logger) *Registry {
	r := &Registry{
		loader: loader,
		keys:   keys,
		log:    log.With().Str("component", "model_registry").Logger(),
	}
	snap := &snapshot{slots: make(map[domain.ModelKey]*slot)}
	for _, k := range keys {
		snap = snap.with(&slot{key: k, state: StateUnloaded})
	}
	r.current.Store(snap)
	return r
}

// AddObserver registers an input observer.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// SetRecorder sets the prediction outcome recorder.
func (r *Registry) SetRecorder(rec Recorder) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.recorder = rec
}

// LoadAll loads every configured key. A key that fails to load is marked
// load_failed and does not affect the others.
func (r *Registry) LoadAll(ctx context.Context) error {
	for _, key := range r.keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Reload(ctx, key); err != nil {
			r.log.Warn().Err(err).Str("model_key", string(key)).Msg("Model not loaded")
		}
	}
	h := r.HealthCheck()
	r.log.Info().Int("models_loaded", h.ModelsLoaded).Str("status", h.Status).Msg("Model registry loaded")
	return nil
}

// Reload loads the latest artifact for key and swaps it in. When loading fails
// and the key was serving, the previous model keeps serving.
func (r *Registry) Reload(ctx context.Context, key domain.ModelKey) error {
	if _, _, err := key.Split(); err != nil {
		return err
	}
	next, err := r.load(ctx, key)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	snap := r.current.Load()
	if err != nil {
		if prev, ok := snap.slots[key]; ok && prev.state == StateServing {
			r.log.Error().Err(err).Str("model_key", string(key)).Msg("Reload failed, keeping previous model")
			return err
		}
		r.current.Store(snap.with(&slot{key: key, state: StateLoadFailed, err: err.Error()}))
		return err
	}
	r.current.Store(snap.with(next))
	r.log.Info().Str("model_key", string(key)).Str("version", next.artifact.Version).Msg("Model serving")
	return nil
}

// load decodes the artifact and runs a warm-up prediction on its first sample input.
func (r *Registry) load(ctx context.Context, key domain.ModelKey) (*slot, error) {
	art, err := r.loader.Load(ctx, string(key))
	if err != nil {
		return nil, err
	}
	if art.Key != key {
		return nil, fmt.Errorf("artifact %s holds model %s", key, art.Key)
	}
	if err := art.Validate(); err != nil {
		return nil, err
	}
	model, err := art.Regressor()
	if err != nil {
		return nil, err
	}
	s := &slot{key: key, state: StateLoaded, artifact: art, model: model, loadedAt: time.Now().UTC()}

	if len(art.SampleInputs) > 0 {
		if _, err := predictRows(s, sampleRows(art.SampleInputs[0])); err != nil {
			return nil, fmt.Errorf("warm-up prediction failed: %w", err)
		}
	}
	s.state = StateServing
	return s, nil
}

// Predict serves one prediction through the artifact's feature transform.
// It returns ModelNotFoundError when the key is not serving and a
// ValidationError when the rows are too few or lack training columns.
// Successful calls are recorded and the last row goes to every observer.
func (r *Registry) Predict(ctx context.Context, req Request) (*Result, error) {
	key := domain.NewModelKey(req.AssetClass, req.Family)
	start := time.Now()
	res, vec, err := r.predict(ctx, key, req)
	r.record(key, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	r.observe(key, vec)
	return res, nil
}

func (r *Registry) predict(ctx context.Context, key domain.ModelKey, req Request) (*Result, []float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return nil, nil, &domain.ModelNotFoundError{Key: string(key)}
	}
	if len(req.Rows) == 0 {
		return nil, nil, domain.NewValidationError("features", "no feature rows supplied")
	}

	columns := s.artifact.Spec.Columns
	need := 1
	if s.artifact.Family == domain.FamilySequence {
		need = s.artifact.Spec.SequenceLength
		if len(req.Rows) < need {
			return nil, nil, domain.NewValidationError("features",
				fmt.Sprintf("model %s needs %d rows of history, got %d", key, need, len(req.Rows)))
		}
	}
	rows, err := vectorize(columns, req.Rows[len(req.Rows)-need:])
	if err != nil {
		return nil, nil, err
	}

	res, err := predictRows(s, rows)
	if err != nil {
		return nil, nil, err
	}
	return res, rows[len(rows)-1], nil
}

// Probe runs the first stored sample input of key through the model and
// returns the latency. The monitor uses it as a synthetic health check, so it
// is recorded like a prediction but not shown to observers.
func (r *Registry) Probe(ctx context.Context, key domain.ModelKey) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return 0, &domain.ModelNotFoundError{Key: string(key)}
	}
	if len(s.artifact.SampleInputs) == 0 {
		return 0, domain.NewValidationError("sample_inputs", fmt.Sprintf("artifact %s has no sample inputs", key))
	}
	start := time.Now()
	_, err := predictRows(s, sampleRows(s.artifact.SampleInputs[0]))
	latency := time.Since(start)
	r.record(key, latency, err)
	return latency, err
}

// Replay predicts every position of rows that has a full input window, oldest
// first, without recording metrics or notifying observers. The first prediction
// belongs to row Window(key)-1.
func (r *Registry) Replay(ctx context.Context, key domain.ModelKey, rows []map[string]float64) ([]float64, error) {
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return nil, &domain.ModelNotFoundError{Key: string(key)}
	}
	need := window(s.artifact)
	if len(rows) < need {
		return nil, nil
	}

	vecs, err := vectorize(s.artifact.Spec.Columns, rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows)-need+1)
	for end := need; end <= len(vecs); end++ {
		if end%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		res, err := predictRows(s, vecs[end-need:end])
		if err != nil {
			return nil, err
		}
		out = append(out, res.Value)
	}
	return out, nil
}

// Window is the number of feature rows one prediction of key consumes.
func (r *Registry) Window(key domain.ModelKey) (int, bool) {
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return 0, false
	}
	return window(s.artifact), true
}

func window(a *artifacts.Artifact) int {
	if a.Family == domain.FamilySequence {
		return a.Spec.SequenceLength
	}
	return 1
}

// predictRows scales raw rows with the artifact scaler and predicts.
func predictRows(s *slot, raw [][]float64) (*Result, error) {
	spec := s.artifact.Spec
	var sample models.Sample
	if s.artifact.Family == domain.FamilySequence {
		sample.Seq = spec.Scaler.TransformMatrix(raw)
	} else {
		sample.Flat = spec.Scaler.Transform(raw[len(raw)-1])
	}

	value, err := s.model.Predict(sample)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("model %s produced a non-finite prediction", s.key)
	}
	return &Result{
		Value:      value,
		Confidence: confidence(s.artifact, raw[len(raw)-1]),
		ModelKey:   s.key,
		Version:    s.artifact.Version,
	}, nil
}

// confidence is s/(s+rmse) scaled down by the share of out-of-range features,
// where s is the training target std and rmse the validation error.
func confidence(a *artifacts.Artifact, current []float64) float64 {
	base := 1.0
	if denom := a.TargetStd + a.ValidationRMSE; denom > 0 {
		base = a.TargetStd / denom
	}
	f := a.Reference.OutOfRangeFraction(current, outOfRangeZ)
	return math.Min(math.Max(base*(1-0.5*f), minConfidence), 1)
}

// vectorize lays rows out in the artifact's column order. Every training
// column must be present in every row; extra keys are ignored.
func vectorize(columns []string, rows []map[string]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	var missing map[string]struct{}
	for r, m := range rows {
		v := make([]float64, len(columns))
		for i, c := range columns {
			x, ok := m[c]
			if !ok {
				if missing == nil {
					missing = make(map[string]struct{})
				}
				missing[c] = struct{}{}
			}
			v[i] = x
		}
		out[r] = v
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for c := range missing {
			names = append(names, c)
		}
		sort.Strings(names)
		return nil, domain.NewValidationError("features", "missing features: "+strings.Join(names, ", "))
	}
	return out, nil
}

func sampleRows(s models.Sample) [][]float64 {
	if len(s.Seq) > 0 {
		return s.Seq
	}
	return [][]float64{s.Flat}
}

func (r *Registry) record(key domain.ModelKey, d time.Duration, err error) {
	r.obsMu.RLock()
	rec := r.recorder
	r.obsMu.RUnlock()
	if rec != nil {
		rec.RecordPrediction(key, d, err)
	}
}

func (r *Registry) observe(key domain.ModelKey, vec []float64) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o(key, vec)
	}
}

// HealthCheck reports slot states. It never fails: the status is healthy when
// every slot serves, degraded when some do and no_models when none do.
func (r *Registry) HealthCheck() Health {
	snap := r.current.Load()
	h := Health{Slots: make([]SlotStatus, 0, len(snap.order))}
	for _, k := range snap.order {
		s := snap.slots[k]
		if s.state == StateServing {
			h.ModelsLoaded++
		}
		h.Slots = append(h.Slots, s.status())
	}
	switch {
	case h.ModelsLoaded == 0:
		h.Status = "no_models"
	case h.ModelsLoaded == len(h.Slots):
		h.Status = "healthy"
	default:
		h.Status = "degraded"
	}
	return h
}

// Serving returns the keys currently serving, in slot order.
func (r *Registry) Serving() []domain.ModelKey {
	snap := r.current.Load()
	var out []domain.ModelKey
	for _, k := range snap.order {
		if snap.slots[k].state == StateServing {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns every configured key.
func (r *Registry) Keys() []domain.ModelKey {
	return append([]domain.ModelKey(nil), r.keys...)
}

// Reference returns the training feature distribution of a serving key.
func (r *Registry) Reference(key domain.ModelKey) (drift.Reference, bool) {
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return drift.Reference{}, false
	}
	return s.artifact.Reference, true
}

// Artifact returns the artifact metadata of a serving key.
func (r *Registry) Artifact(key domain.ModelKey) (*artifacts.Artifact, bool) {
	s, ok := r.current.Load().slots[key]
	if !ok || s.state != StateServing {
		return nil, false
	}
	return s.artifact, true
}

// Shutdown unloads every slot. Later predictions return ModelNotFoundError.
func (r *Registry) Shutdown() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	snap := &snapshot{slots: make(map[domain.ModelKey]*slot)}
	for _, k := range r.current.Load().order {
		snap = snap.with(&slot{key: k, state: StateUnloaded})
	}
	r.current.Store(snap)
	r.log.Info().Msg("Model registry shut down")
}
