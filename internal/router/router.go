// Package router implements the Intelligence Router: a pure decision
// function that chooses among caller-supplied processing pipelines by
// predicted cost, latency, and quality under a set of constraints.
package router

import (
	"fmt"
	"time"
)

// Pipeline is one candidate processing strategy (e.g. "metadata-only scan"
// vs "full-body scan"), described by its predicted resource cost. The
// router consumes no LLM client directly; predictions are supplied by the
// caller.
type Pipeline struct {
	Name             string
	PredictedCostUSD float64
	PredictedLatency time.Duration
	PredictedQuality float64 // 0..1
}

// Constraints bounds an acceptable candidate. A zero value for any field
// means "no bound" on that dimension.
type Constraints struct {
	MaxCostUSD float64
	MaxLatency time.Duration
	MinQuality float64
}

func (c Constraints) satisfiedBy(p Pipeline) bool {
	if c.MaxCostUSD > 0 && p.PredictedCostUSD > c.MaxCostUSD {
		return false
	}
	if c.MaxLatency > 0 && p.PredictedLatency > c.MaxLatency {
		return false
	}
	if c.MinQuality > 0 && p.PredictedQuality < c.MinQuality {
		return false
	}
	return true
}

// Decision is Choose's return value: the selected Pipeline plus whether a
// fallback (no candidate satisfied every constraint) was taken.
type Decision struct {
	Selected Pipeline
	Fallback bool
	Warning  string
}

// Choose selects the highest-quality candidate satisfying every
// constraint. When no candidate satisfies all constraints, it falls back
// to the lowest-cost candidate and records a warning, mirroring the
// graceful-degradation behavior of a cost/latency-aware router rather
// than failing the run outright.
func Choose(candidates []Pipeline, c Constraints) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{}, fmt.Errorf("router: no candidates supplied")
	}

	var best *Pipeline
	for i := range candidates {
		p := candidates[i]
		if !c.satisfiedBy(p) {
			continue
		}
		if best == nil || p.PredictedQuality > best.PredictedQuality {
			cp := p
			best = &cp
		}
	}
	if best != nil {
		return Decision{Selected: *best}, nil
	}

	cheapest := candidates[0]
	for _, p := range candidates[1:] {
		if p.PredictedCostUSD < cheapest.PredictedCostUSD {
			cheapest = p
		}
	}
	return Decision{
		Selected: cheapest,
		Fallback: true,
		Warning:  fmt.Sprintf("no candidate satisfied all constraints; falling back to lowest-cost pipeline %q", cheapest.Name),
	}, nil
}
