package performance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogarithmicRegression_RecoversExactCurve(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4, 5}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 0.3 + 0.2*math.Log(x+1)
	}

	lr, err := NewLogarithmicRegression(xs, ys)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, lr.a, 1e-9)
	assert.InDelta(t, 0.2, lr.b, 1e-9)
	assert.InDelta(t, 0.3+0.2*math.Log(11), lr.PredictY(10), 1e-9)
	assert.InDelta(t, 10, lr.PredictX(0.3+0.2*math.Log(11)), 1e-6)
	assert.Equal(t, "f(x) = 0.3000 + 0.2000 * ln(x+1)", lr.PrintFunction())
}

func TestLogarithmicRegression_Errors(t *testing.T) {
	_, err := NewLogarithmicRegression([]float64{1}, []float64{0.5})
	assert.ErrorIs(t, err, ErrNotEnoughPoints)

	_, err = NewLogarithmicRegression([]float64{1, 2}, []float64{0.5})
	assert.Error(t, err)

	flat := &LogarithmicRegression{a: 0.5}
	assert.True(t, math.IsNaN(flat.PredictX(0.9)))
}

func TestPerformancePrediction_PredictRounds(t *testing.T) {
	rounds := []int{0, 1, 2, 3, 4}
	accuracies := make([]float64, len(rounds))
	losses := make([]float64, len(rounds))
	for i, r := range rounds {
		accuracies[i] = 0.1 + 0.25*math.Log(float64(r)+1)
		losses[i] = 2.0 - 0.5*math.Log(float64(r)+1)
	}

	pp, err := NewPerformancePrediction(rounds, accuracies, losses, LogarithmicRegression_PredictionType)
	require.NoError(t, err)

	assert.InDelta(t, 0.1+0.25*math.Log(8), pp.PredictAccuracy(7), 1e-9)
	assert.InDelta(t, 2.0-0.5*math.Log(8), pp.PredictLoss(7), 1e-9)
	// accuracy 0.6 is reached at ln(x+1) = 2, x = e^2-1 ~ 6.39
	assert.Equal(t, 7, pp.PredictRoundForAccuracy(0.6))
	assert.Equal(t, 7, pp.PredictRoundForLoss(1.0))
	assert.Contains(t, pp.PrintPrediction(), "ln(x+1)")

	_, err = NewPerformancePrediction(rounds, accuracies, losses, "poly")
	assert.Error(t, err)
}

func TestCeilRound(t *testing.T) {
	assert.Equal(t, -1, ceilRound(math.NaN()))
	assert.Equal(t, -1, ceilRound(math.Inf(1)))
	assert.Equal(t, 0, ceilRound(-3.2))
	assert.Equal(t, 4, ceilRound(3.0001))
}
