// Package ood scores public-sample predictions for distribution shift and keeps the adaptive
// threshold used to drop suspicious votes from aggregation. Every score follows the same
// convention: higher means more likely out of distribution.
package ood

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// genGamma is the exponent of the generalized entropy score.
const genGamma = 0.1

// Scorer maps one row of logits to an OOD score.
type Scorer interface {
	Name() string
	Score(logits []float64) float64
}

// NewScorer returns the scoring function with the given name. seed is only used by the
// random control scorer.
func NewScorer(name string, seed uint64) (Scorer, error) {
	switch name {
	case common.OOD_SCORE_ENERGY:
		return energyScorer{}, nil
	case common.OOD_SCORE_MSP:
		return mspScorer{}, nil
	case common.OOD_SCORE_MAX_LOGIT:
		return maxLogitScorer{}, nil
	case common.OOD_SCORE_GEN:
		return genScorer{gamma: genGamma}, nil
	case common.OOD_SCORE_RANDOM:
		return &randomScorer{rng: rand.New(rand.NewPCG(seed, seed+1))}, nil
	default:
		return nil, fmt.Errorf("invalid ood detection score: %q", name)
	}
}

// ScoreAll scores every row of logits.
func ScoreAll(scorer Scorer, logits *mat.Dense) []float64 {
	n, _ := logits.Dims()
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		scores[i] = scorer.Score(logits.RawRowView(i))
	}
	return scores
}

// energyScorer is the free energy -logsumexp(z).
type energyScorer struct{}

func (energyScorer) Name() string { return common.OOD_SCORE_ENERGY }

func (energyScorer) Score(logits []float64) float64 {
	return -floats.LogSumExp(logits)
}

// mspScorer is one minus the maximum softmax probability.
type mspScorer struct{}

func (mspScorer) Name() string { return common.OOD_SCORE_MSP }

func (mspScorer) Score(logits []float64) float64 {
	return 1 - floats.Max(softmax(logits))
}

type maxLogitScorer struct{}

func (maxLogitScorer) Name() string { return common.OOD_SCORE_MAX_LOGIT }

func (maxLogitScorer) Score(logits []float64) float64 {
	return -floats.Max(logits)
}

// genScorer is the generalized entropy sum_i p_i^g (1 - p_i)^g.
type genScorer struct {
	gamma float64
}

func (genScorer) Name() string { return common.OOD_SCORE_GEN }

func (s genScorer) Score(logits []float64) float64 {
	score := 0.0
	for _, p := range softmax(logits) {
		score += math.Pow(p, s.gamma) * math.Pow(1-p, s.gamma)
	}
	return score
}

// randomScorer ignores the prediction. It is the control for the other scores.
type randomScorer struct {
	rng *rand.Rand
}

func (*randomScorer) Name() string { return common.OOD_SCORE_RANDOM }

func (s *randomScorer) Score(_ []float64) float64 {
	return s.rng.Float64()
}

func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	p := make([]float64, len(logits))
	for i, z := range logits {
		p[i] = math.Exp(z - lse)
	}
	return p
}
