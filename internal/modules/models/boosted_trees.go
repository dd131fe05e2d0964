package models

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/aristath/augur/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/stat"
)

// Tree ensemble defaults.
const (
	defaultMaxDepth     = 3
	defaultLearningRate = 0.1
	defaultNEstimators  = 100
	defaultMinLeaf      = 5
	defaultBins         = 32
)

// treeNode is an array-backed tree node. Rows with x[Feature] <= Threshold go Left.
type treeNode struct {
	Feature   int     `msgpack:"f"`
	Threshold float64 `msgpack:"t"`
	Left      int     `msgpack:"l"`
	Right     int     `msgpack:"r"`
	Value     float64 `msgpack:"v"`
	Leaf      bool    `msgpack:"leaf"`
}

type regressionTree struct {
	Nodes []treeNode `msgpack:"nodes"`
}

func (t *regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// BoostedTrees is a least-squares gradient-boosted regression tree ensemble.
// Splits are searched over per-feature quantile thresholds.
type BoostedTrees struct {
	Params   Params           `msgpack:"params"`
	Base     float64          `msgpack:"base"`
	Trees    []regressionTree `msgpack:"trees"`
	Features int              `msgpack:"features"`
}

// NewBoostedTrees creates an untrained ensemble, filling unset parameters with defaults.
func NewBoostedTrees(p Params) *BoostedTrees {
	if p.MaxDepth <= 0 {
		p.MaxDepth = defaultMaxDepth
	}
	if p.LearningRate <= 0 {
		p.LearningRate = defaultLearningRate
	}
	if p.NEstimators <= 0 {
		p.NEstimators = defaultNEstimators
	}
	if p.Subsample <= 0 || p.Subsample > 1 {
		p.Subsample = 1
	}
	if p.MinLeaf <= 0 {
		p.MinLeaf = defaultMinLeaf
	}
	if p.Bins < 2 {
		p.Bins = defaultBins
	}
	// Bin indices are stored as uint8
	p.Bins = min(p.Bins, 255)
	return &BoostedTrees{Params: p}
}

// Family returns the tree ensemble family.
func (m *BoostedTrees) Family() domain.ModelFamily {
	return domain.FamilyTree
}

// Fit trains the ensemble. Row subsampling is seeded, so a fit is reproducible.
func (m *BoostedTrees) Fit(ctx context.Context, samples []Sample, targets []float64) (*FitReport, error) {
	if err := checkTrainingSet(samples, targets); err != nil {
		return nil, err
	}
	x := make([][]float64, len(samples))
	for i, s := range samples {
		if len(s.Flat) == 0 || (i > 0 && len(s.Flat) != len(x[0])) {
			return nil, domain.NewValidationError("samples", fmt.Sprintf("sample %d has inconsistent width", i))
		}
		x[i] = s.Flat
	}

	n, d := len(x), len(x[0])
	m.Features = d
	m.Base = stat.Mean(targets, nil)
	m.Trees = m.Trees[:0]

	thresholds := quantileThresholds(x, m.Params.Bins)
	bins := binMatrix(x, thresholds)

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = m.Base
	}
	residual := make([]float64, n)
	rng := rand.New(rand.NewSource(m.Params.Seed))
	sampleSize := max(int(float64(n)*m.Params.Subsample), 1)

	for round := 0; round < m.Params.NEstimators; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range residual {
			residual[i] = targets[i] - pred[i]
		}

		rows := rng.Perm(n)[:sampleSize]
		sort.Ints(rows)

		b := &treeBuilder{
			bins:       bins,
			thresholds: thresholds,
			residual:   residual,
			maxDepth:   m.Params.MaxDepth,
			minLeaf:    m.Params.MinLeaf,
		}
		b.build(rows, 0)
		tree := regressionTree{Nodes: b.nodes}
		for i := range pred {
			pred[i] += m.Params.LearningRate * tree.predict(x[i])
		}
		m.Trees = append(m.Trees, tree)
	}

	return &FitReport{}, nil
}

// Predict returns the ensemble estimate for one flat sample. It fails with a
// ValidationError when the sample width differs from the training width.
func (m *BoostedTrees) Predict(s Sample) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, fmt.Errorf("model is not trained")
	}
	if len(s.Flat) != m.Features {
		return 0, domain.NewValidationError("features",
			fmt.Sprintf("expected %d features, got %d", m.Features, len(s.Flat)))
	}
	out := m.Base
	for i := range m.Trees {
		out += m.Params.LearningRate * m.Trees[i].predict(s.Flat)
	}
	return out, nil
}

// boostedTreesWire has the fields of BoostedTrees but none of its methods, so
// msgpack encodes the struct instead of calling back into MarshalBinary.
type boostedTreesWire BoostedTrees

// MarshalBinary encodes the ensemble with msgpack. The payload holds the
// parameters, the base value and every tree, which is all Predict needs.
func (m *BoostedTrees) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal((*boostedTreesWire)(m))
}

// UnmarshalBinary decodes an ensemble produced by MarshalBinary, replacing
// the receiver's state.
func (m *BoostedTrees) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*boostedTreesWire)(m))
}

// quantileThresholds returns the sorted distinct split candidates of every feature.
func quantileThresholds(x [][]float64, bins int) [][]float64 {
	d := len(x[0])
	out := make([][]float64, d)
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		sort.Float64s(col)
		var th []float64
		for q := 1; q < bins; q++ {
			v := stat.Quantile(float64(q)/float64(bins), stat.Empirical, col, nil)
			if v >= col[len(col)-1] {
				// A threshold at the maximum cannot split anything off
				continue
			}
			if len(th) == 0 || v > th[len(th)-1] {
				th = append(th, v)
			}
		}
		out[j] = th
	}
	return out
}

// binMatrix maps every value to the index of the first threshold >= value.
// x <= thresholds[k] exactly when bin <= k.
func binMatrix(x [][]float64, thresholds [][]float64) [][]uint8 {
	out := make([][]uint8, len(x))
	for i, row := range x {
		b := make([]uint8, len(row))
		for j, v := range row {
			b[j] = uint8(sort.SearchFloat64s(thresholds[j], v))
		}
		out[i] = b
	}
	return out
}

type treeBuilder struct {
	bins       [][]uint8
	thresholds [][]float64
	residual   []float64
	maxDepth   int
	minLeaf    int
	nodes      []treeNode
}

// build grows the subtree for rows and returns its node index.
func (b *treeBuilder) build(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{})

	sum := 0.0
	for _, r := range rows {
		sum += b.residual[r]
	}
	leafValue := sum / float64(len(rows))

	if depth >= b.maxDepth || len(rows) < 2*b.minLeaf {
		b.nodes[idx] = treeNode{Leaf: true, Value: leafValue}
		return idx
	}

	feature, split, ok := b.bestSplit(rows, sum)
	if !ok {
		b.nodes[idx] = treeNode{Leaf: true, Value: leafValue}
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if int(b.bins[r][feature]) <= split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.build(left, depth+1)
	rt := b.build(right, depth+1)
	b.nodes[idx] = treeNode{
		Feature:   feature,
		Threshold: b.thresholds[feature][split],
		Left:      l,
		Right:     rt,
	}
	return idx
}

// bestSplit scans residual histograms per feature and returns the split with the
// largest reduction in squared error.
func (b *treeBuilder) bestSplit(rows []int, total float64) (feature, split int, ok bool) {
	n := float64(len(rows))
	base := total * total / n
	bestGain := 1e-12

	for j := range b.thresholds {
		th := b.thresholds[j]
		if len(th) == 0 {
			continue
		}
		sums := make([]float64, len(th)+1)
		counts := make([]int, len(th)+1)
		for _, r := range rows {
			k := b.bins[r][j]
			sums[k] += b.residual[r]
			counts[k]++
		}

		leftSum, leftCount := 0.0, 0
		for k := 0; k < len(th); k++ {
			leftSum += sums[k]
			leftCount += counts[k]
			rightCount := len(rows) - leftCount
			if leftCount < b.minLeaf || rightCount < b.minLeaf {
				continue
			}
			rightSum := total - leftSum
			gain := leftSum*leftSum/float64(leftCount) + rightSum*rightSum/float64(rightCount) - base
			if gain > bestGain {
				bestGain, feature, split, ok = gain, j, k, true
			}
		}
	}
	return feature, split, ok
}
