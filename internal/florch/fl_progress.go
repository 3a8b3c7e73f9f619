package florch

import (
	"math"

	"github.com/Kitsuya0828/DSFLplus/internal/florch/performance"
)

const (
	convergenceThreshold  = 0.01
	convergencePatience   = 5
	convergenceWindowSize = 3
)

// FlProgress tracks the evaluated series and the communication spent so far.
type FlProgress struct {
	rounds               []int
	accuracies           []float64
	losses               []float64
	accuracyHasConverged bool
	currentCost          float64
	costPerGlobalRound   float64
}

func newFlProgress() *FlProgress {
	return &FlProgress{
		rounds:     []int{},
		accuracies: []float64{},
		losses:     []float64{},
	}
}

func (progress *FlProgress) addEvaluation(round int, accuracy float64, loss float64) {
	progress.rounds = append(progress.rounds, round)
	progress.accuracies = append(progress.accuracies, accuracy)
	progress.losses = append(progress.losses, loss)
	progress.accuracyHasConverged = hasConverged(progress.accuracies, convergenceThreshold, convergencePatience,
		convergenceWindowSize)
}

func (progress *FlProgress) addCost(roundCost float64) {
	progress.costPerGlobalRound = roundCost
	progress.currentCost += roundCost
}

// predictRoundForAccuracy extrapolates the accuracy curve; ok is false while there is too little data.
func (progress *FlProgress) predictRoundForAccuracy(target float64) (int, string, bool) {
	pp, err := performance.NewPerformancePrediction(progress.rounds, progress.accuracies, progress.losses,
		performance.LogarithmicRegression_PredictionType)
	if err != nil {
		return 0, "", false
	}
	return pp.PredictRoundForAccuracy(target), pp.PrintPrediction(), true
}

func movingAverage(values []float64, windowSize int) []float64 {
	if len(values) < windowSize {
		return nil
	}
	averages := make([]float64, len(values)-windowSize+1)
	for i := 0; i <= len(values)-windowSize; i++ {
		sum := 0.0
		for j := i; j < i+windowSize; j++ {
			sum += values[j]
		}
		averages[i] = sum / float64(windowSize)
	}
	return averages
}

// hasConverged reports whether the moving average moved by at most threshold over the last
// patience steps.
func hasConverged(accuracies []float64, threshold float64, patience int, windowSize int) bool {
	averages := movingAverage(accuracies, windowSize)
	if len(averages) < patience+1 {
		return false
	}

	for i := len(averages) - patience; i < len(averages); i++ {
		if math.Abs(averages[i]-averages[i-1]) > threshold {
			return false
		}
	}
	return true
}
