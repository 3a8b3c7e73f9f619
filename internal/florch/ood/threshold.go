package ood

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// AcceptanceBand is the half-width of the tolerated acceptance rate around the target.
const AcceptanceBand = 0.05

// Threshold is the server-side OOD threshold. It starts open (+Inf), is anchored to the target
// quantile of the first observed scores and then moves by exactly Delta per round to keep the
// share of accepted votes inside [target-band, target+band].
type Threshold struct {
	value            float64
	delta            float64
	targetAcceptance float64
	initialized      bool
	updates          int
}

func NewThreshold(delta float64, targetAcceptance float64) *Threshold {
	return &Threshold{
		value:            math.Inf(1),
		delta:            delta,
		targetAcceptance: targetAcceptance,
	}
}

func (t *Threshold) Value() float64 {
	return t.value
}

// Exceeds reports whether a vote with this score must be excluded.
func (t *Threshold) Exceeds(score float64) bool {
	return score > t.value
}

// Acceptance is the share of scores that pass the current threshold.
func (t *Threshold) Acceptance(scores []float64) float64 {
	if len(scores) == 0 {
		return 1
	}
	accepted := 0
	for _, s := range scores {
		if !t.Exceeds(s) {
			accepted++
		}
	}
	return float64(accepted) / float64(len(scores))
}

// Update adapts the threshold to the scores observed in one round and returns the step that
// was applied (0 when the acceptance rate is already inside the band).
func (t *Threshold) Update(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	t.updates++

	if !t.initialized {
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		t.value = stat.Quantile(t.targetAcceptance, stat.Empirical, sorted, nil)
		t.initialized = true
		return 0
	}

	acceptance := t.Acceptance(scores)
	step := 0.0
	switch {
	case acceptance < t.targetAcceptance-AcceptanceBand:
		step = t.delta
	case acceptance > t.targetAcceptance+AcceptanceBand:
		step = -t.delta
	}
	t.value += step
	return step
}

func (t *Threshold) Updates() int {
	return t.updates
}
