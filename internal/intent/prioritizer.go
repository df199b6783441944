package intent

import (
	"context"
	"errors"
	"math"
	"sort"
)

// Prioritizer computes a priority for an intent. Implementations may fail;
// callers fall back to the intent's existing priority.
type Prioritizer interface {
	CalculatePriority(ctx context.Context, in *Intent) (int, error)
}

// ErrNoFeatures is returned when an intent carries no scoring features.
var ErrNoFeatures = errors.New("intent has no features")

// HeuristicPrioritizer scores intents as a weighted sum of their features,
// clamped to [0,1], then scaled by 10 into the priority range.
type HeuristicPrioritizer struct {
	Weights map[string]float64
}

// DefaultFeatureWeights favors volatile, impactful, large intents.
func DefaultFeatureWeights() map[string]float64 {
	return map[string]float64{
		"volatility":          0.35,
		"market_impact":       0.25,
		"position_size_ratio": 0.2,
		"spread":              0.1,
		"mempool_congestion":  0.1,
	}
}

func NewHeuristicPrioritizer(weights map[string]float64) *HeuristicPrioritizer {
	if weights == nil {
		weights = DefaultFeatureWeights()
	}
	return &HeuristicPrioritizer{Weights: weights}
}

func (p *HeuristicPrioritizer) CalculatePriority(ctx context.Context, in *Intent) (int, error) {
	if err := ctx.Err(); err != nil {
		return in.Priority, err
	}
	if len(in.Features) == 0 {
		return in.Priority, ErrNoFeatures
	}

	// Stable summation order.
	names := make([]string, 0, len(in.Features))
	for name := range in.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var score float64
	for _, name := range names {
		v := in.Features[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return in.Priority, errors.New("non-finite feature " + name)
		}
		score += p.Weights[name] * v
	}
	score = math.Max(0, math.Min(1, score))
	return ClampPriority(int(score * 10)), nil
}

// Prioritize applies p to in and only ever raises its priority.
// A failing or absent prioritizer leaves the priority unchanged.
func Prioritize(ctx context.Context, p Prioritizer, in *Intent) (int, error) {
	if p == nil {
		return in.Priority, nil
	}
	computed, err := p.CalculatePriority(ctx, in)
	if err != nil {
		return in.Priority, err
	}
	in.Priority = max(in.Priority, ClampPriority(computed))
	return in.Priority, nil
}
