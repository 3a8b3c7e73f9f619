package performance

import (
	"fmt"
	"math"
)

const LogarithmicRegression_PredictionType = "log-reg"

type Regression interface {
	PredictY(x float64) float64
	PredictX(y float64) float64
	PrintFunction() string
}

// PerformancePrediction extrapolates the evaluated accuracy and loss series of a run.
type PerformancePrediction struct {
	regressionFunctionAccuracies Regression
	regressionFunctionLosses     Regression
}

// NewPerformancePrediction fits the series recorded at the given rounds.
func NewPerformancePrediction(rounds []int, accuracies []float64, losses []float64, predictionType string) (*PerformancePrediction, error) {
	if predictionType != LogarithmicRegression_PredictionType {
		return nil, fmt.Errorf("invalid prediction type: %s", predictionType)
	}

	xs := make([]float64, len(rounds))
	for i, round := range rounds {
		xs[i] = float64(round)
	}

	accuracyFit, err := NewLogarithmicRegression(xs, accuracies)
	if err != nil {
		return nil, err
	}
	lossFit, err := NewLogarithmicRegression(xs, losses)
	if err != nil {
		return nil, err
	}

	return &PerformancePrediction{
		regressionFunctionAccuracies: accuracyFit,
		regressionFunctionLosses:     lossFit,
	}, nil
}

func (pp *PerformancePrediction) PredictAccuracy(round int) float64 {
	return pp.regressionFunctionAccuracies.PredictY(float64(round))
}

// PredictRoundForAccuracy returns the first round the fit reaches accuracy, or -1 when it never does.
func (pp *PerformancePrediction) PredictRoundForAccuracy(accuracy float64) int {
	return ceilRound(pp.regressionFunctionAccuracies.PredictX(accuracy))
}

func (pp *PerformancePrediction) PredictLoss(round int) float64 {
	return pp.regressionFunctionLosses.PredictY(float64(round))
}

func (pp *PerformancePrediction) PredictRoundForLoss(loss float64) int {
	return ceilRound(pp.regressionFunctionLosses.PredictX(loss))
}

func (pp *PerformancePrediction) PrintPrediction() string {
	return pp.regressionFunctionAccuracies.PrintFunction()
}

func ceilRound(x float64) int {
	if math.IsNaN(x) || math.IsInf(x, 0) || x > math.MaxInt32 {
		return -1
	}
	return int(math.Max(0, math.Ceil(x)))
}
