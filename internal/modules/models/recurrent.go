package models

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/aristath/augur/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Sequence model defaults.
const (
	defaultHidden          = 32
	defaultEpochs          = 50
	defaultBatchSize       = 32
	defaultSeqLearningRate = 0.001
	defaultValidationSplit = 0.2
	gradientClipNorm       = 5.0
)

// rnnWeights is the flat parameter set of an Elman network:
//
//	h_t = tanh(Wx x_t + Wh h_{t-1} + B)
//	y   = Wo . h_T + Bo
type rnnWeights struct {
	Wx []float64 `msgpack:"wx"` // Hidden x Input, row-major
	Wh []float64 `msgpack:"wh"` // Hidden x Hidden, row-major
	B  []float64 `msgpack:"b"`
	Wo []float64 `msgpack:"wo"`
	Bo float64   `msgpack:"bo"`
}

func newRNNWeights(input, hidden int) *rnnWeights {
	return &rnnWeights{
		Wx: make([]float64, hidden*input),
		Wh: make([]float64, hidden*hidden),
		B:  make([]float64, hidden),
		Wo: make([]float64, hidden),
	}
}

func (w *rnnWeights) clone() *rnnWeights {
	return &rnnWeights{
		Wx: append([]float64(nil), w.Wx...),
		Wh: append([]float64(nil), w.Wh...),
		B:  append([]float64(nil), w.B...),
		Wo: append([]float64(nil), w.Wo...),
		Bo: w.Bo,
	}
}

// slices returns every parameter block, with Bo exposed through a one-element slice.
func (w *rnnWeights) slices(bo []float64) [][]float64 {
	return [][]float64{w.Wx, w.Wh, w.B, w.Wo, bo}
}

// Recurrent is a single-layer recurrent regressor trained with backpropagation
// through time and Adam. Targets are standardized internally.
type Recurrent struct {
	Params     Params      `msgpack:"params"`
	Input      int         `msgpack:"input"`
	Weights    *rnnWeights `msgpack:"weights"`
	TargetMean float64     `msgpack:"target_mean"`
	TargetStd  float64     `msgpack:"target_std"`
}

// NewRecurrent creates an untrained sequence model, filling unset parameters with defaults.
func NewRecurrent(p Params) *Recurrent {
	if p.Hidden <= 0 {
		p.Hidden = defaultHidden
	}
	if p.Epochs <= 0 {
		p.Epochs = defaultEpochs
	}
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.LearningRate <= 0 {
		p.LearningRate = defaultSeqLearningRate
	}
	if p.ValidationSplit <= 0 || p.ValidationSplit >= 1 {
		p.ValidationSplit = defaultValidationSplit
	}
	return &Recurrent{Params: p}
}

// Family returns the sequence family.
func (m *Recurrent) Family() domain.ModelFamily {
	return domain.FamilySequence
}

// Fit trains on windows. The last ValidationSplit share of samples (in the order
// given, which callers keep chronological) is held out; the weights with the lowest
// validation loss are kept.
func (m *Recurrent) Fit(ctx context.Context, samples []Sample, targets []float64) (*FitReport, error) {
	if err := checkTrainingSet(samples, targets); err != nil {
		return nil, err
	}
	if len(samples) < 2 {
		return nil, domain.NewValidationError("samples", "need at least two windows")
	}
	input := 0
	for i, s := range samples {
		if len(s.Seq) == 0 || len(s.Seq[0]) == 0 {
			return nil, domain.NewValidationError("samples", fmt.Sprintf("window %d is empty", i))
		}
		if i == 0 {
			input = len(s.Seq[0])
		}
		for _, row := range s.Seq {
			if len(row) != input {
				return nil, domain.NewValidationError("samples", fmt.Sprintf("window %d has inconsistent width", i))
			}
		}
	}

	m.Input = input
	m.TargetMean, m.TargetStd = stat.MeanStdDev(targets, nil)
	if m.TargetStd < 1e-12 || math.IsNaN(m.TargetStd) {
		m.TargetStd = 1
	}
	scaled := make([]float64, len(targets))
	for i, y := range targets {
		scaled[i] = (y - m.TargetMean) / m.TargetStd
	}

	cut := len(samples) - max(int(float64(len(samples))*m.Params.ValidationSplit), 1)
	trainIdx := make([]int, cut)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	valIdx := make([]int, 0, len(samples)-cut)
	for i := cut; i < len(samples); i++ {
		valIdx = append(valIdx, i)
	}

	rng := rand.New(rand.NewSource(m.Params.Seed))
	m.Weights = newRNNWeights(input, m.Params.Hidden)
	scale := 1 / math.Sqrt(float64(m.Params.Hidden))
	for _, block := range m.Weights.slices(make([]float64, 1)) {
		for i := range block {
			block[i] = (rng.Float64()*2 - 1) * scale
		}
	}
	m.Weights.Bo = 0

	opt := newAdam(m.Weights, m.Params.LearningRate)
	report := &FitReport{}
	best := math.Inf(1)
	var bestWeights *rnnWeights

	for epoch := 1; epoch <= m.Params.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })

		trainLoss := 0.0
		for start := 0; start < len(trainIdx); start += m.Params.BatchSize {
			batch := trainIdx[start:min(start+m.Params.BatchSize, len(trainIdx))]
			grad := newRNNWeights(input, m.Params.Hidden)
			for _, i := range batch {
				trainLoss += m.backward(samples[i].Seq, scaled[i], float64(len(batch)), grad)
			}
			clipGradient(grad, gradientClipNorm)
			opt.step(m.Weights, grad)
		}
		trainLoss /= float64(len(trainIdx))

		valLoss := m.loss(samples, scaled, valIdx)
		report.Epochs = append(report.Epochs, EpochLoss{
			Epoch:     epoch,
			TrainLoss: trainLoss * m.TargetStd * m.TargetStd,
			ValLoss:   valLoss * m.TargetStd * m.TargetStd,
		})
		if valLoss < best {
			best = valLoss
			bestWeights = m.Weights.clone()
		}
	}

	if bestWeights != nil {
		m.Weights = bestWeights
	}
	report.ValidationMSE = best * m.TargetStd * m.TargetStd
	return report, nil
}

// Predict returns the estimate for one window, in target units. Any window
// length works; every step must have the training feature width.
func (m *Recurrent) Predict(s Sample) (float64, error) {
	if m.Weights == nil {
		return 0, fmt.Errorf("model is not trained")
	}
	if len(s.Seq) == 0 {
		return 0, domain.NewValidationError("window", "empty window")
	}
	for _, row := range s.Seq {
		if len(row) != m.Input {
			return 0, domain.NewValidationError("features",
				fmt.Sprintf("expected %d features per step, got %d", m.Input, len(row)))
		}
	}
	y, _ := m.forward(s.Seq)
	return y*m.TargetStd + m.TargetMean, nil
}

// recurrentWire is Recurrent without its methods; see boostedTreesWire.
type recurrentWire Recurrent

// MarshalBinary encodes the weights together with the target scaling used to
// turn network outputs back into returns.
func (m *Recurrent) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*recurrentWire)(m))
}

// UnmarshalBinary decodes a model produced by MarshalBinary.
func (m *Recurrent) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*recurrentWire)(m))
}

// forward runs the network and returns the output with the hidden states h_0..h_T.
func (m *Recurrent) forward(seq [][]float64) (float64, [][]float64) {
	H, I := m.Params.Hidden, m.Input
	w := m.Weights
	hs := make([][]float64, len(seq)+1)
	hs[0] = make([]float64, H)
	for t, x := range seq {
		h := make([]float64, H)
		prev := hs[t]
		for k := 0; k < H; k++ {
			a := w.B[k] + floats.Dot(w.Wx[k*I:(k+1)*I], x) + floats.Dot(w.Wh[k*H:(k+1)*H], prev)
			h[k] = math.Tanh(a)
		}
		hs[t+1] = h
	}
	return floats.Dot(w.Wo, hs[len(seq)]) + w.Bo, hs
}

// backward accumulates d(loss)/d(weights) scaled by 1/batch into grad and returns
// the squared error of the sample.
func (m *Recurrent) backward(seq [][]float64, target, batch float64, grad *rnnWeights) float64 {
	H, I := m.Params.Hidden, m.Input
	w := m.Weights
	y, hs := m.forward(seq)
	diff := y - target
	dy := 2 * diff / batch

	last := hs[len(seq)]
	floats.AddScaled(grad.Wo, dy, last)
	grad.Bo += dy

	dh := make([]float64, H)
	floats.AddScaled(dh, dy, w.Wo)
	da := make([]float64, H)
	for t := len(seq); t >= 1; t-- {
		h, prev, x := hs[t], hs[t-1], seq[t-1]
		for k := 0; k < H; k++ {
			da[k] = dh[k] * (1 - h[k]*h[k])
		}
		next := make([]float64, H)
		for k := 0; k < H; k++ {
			if da[k] == 0 {
				continue
			}
			floats.AddScaled(grad.Wx[k*I:(k+1)*I], da[k], x)
			floats.AddScaled(grad.Wh[k*H:(k+1)*H], da[k], prev)
			grad.B[k] += da[k]
			// dh_{t-1} = Wh^T da
			floats.AddScaled(next, da[k], w.Wh[k*H:(k+1)*H])
		}
		dh = next
	}
	return diff * diff
}

func (m *Recurrent) loss(samples []Sample, targets []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	total := 0.0
	for _, i := range idx {
		y, _ := m.forward(samples[i].Seq)
		d := y - targets[i]
		total += d * d
	}
	return total / float64(len(idx))
}

func clipGradient(g *rnnWeights, maxNorm float64) {
	bo := []float64{g.Bo}
	sq := 0.0
	for _, block := range g.slices(bo) {
		sq += floats.Dot(block, block)
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, block := range g.slices(bo) {
		floats.Scale(scale, block)
	}
	g.Bo = bo[0]
}

// adam keeps first and second moment estimates for every parameter block.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  [][]float64
}

func newAdam(w *rnnWeights, lr float64) *adam {
	a := &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8}
	for _, block := range w.slices(make([]float64, 1)) {
		a.m = append(a.m, make([]float64, len(block)))
		a.v = append(a.v, make([]float64, len(block)))
	}
	return a
}

func (a *adam) step(w, g *rnnWeights) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))

	wbo, gbo := []float64{w.Bo}, []float64{g.Bo}
	params, grads := w.slices(wbo), g.slices(gbo)
	for b := range params {
		p, gr, m, v := params[b], grads[b], a.m[b], a.v[b]
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*gr[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*gr[i]*gr[i]
			p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
	w.Bo = wbo[0]
}
