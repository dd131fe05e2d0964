package backtest

import (
	"fmt"

	"github.com/aristath/augur/internal/config"
)

// Gate decides whether a backtested model may replace the serving one.
type Gate struct {
	MinDirectionalAccuracy float64
	MaxMSE                 float64 // 0 disables the check
	RequireBeatNaive       bool
	MinSamples             int
}

// NewGate builds a gate from the configured policy.
func NewGate(p config.GatePolicy) Gate {
	return Gate{
		MinDirectionalAccuracy: p.MinDirectionalAccuracy,
		MaxMSE:                 p.MaxMSE,
		RequireBeatNaive:       p.RequireBeatNaive,
		MinSamples:             p.MinSamples,
	}
}

// Check returns whether m passes and the reasons it does not. Every failed
// threshold is listed, not just the first, so a rejected run records the full
// picture.
func (g Gate) Check(m Metrics) (bool, []string) {
	var reasons []string
	if m.Samples < g.MinSamples {
		reasons = append(reasons, fmt.Sprintf("only %d held-out samples, need %d", m.Samples, g.MinSamples))
	}
	if m.DirectionalAccuracy < g.MinDirectionalAccuracy {
		reasons = append(reasons, fmt.Sprintf("directional accuracy %.3f below %.3f", m.DirectionalAccuracy, g.MinDirectionalAccuracy))
	}
	if g.MaxMSE > 0 && m.MSE > g.MaxMSE {
		reasons = append(reasons, fmt.Sprintf("mse %.6g above %.6g", m.MSE, g.MaxMSE))
	}
	if g.RequireBeatNaive && !m.BeatsNaive() {
		reasons = append(reasons, fmt.Sprintf("mse %.6g does not beat naive %.6g", m.MSE, m.NaiveMSE))
	}
	return len(reasons) == 0, reasons
}
