package common

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// NewRunId returns a run identifier that starts with the run timestamp and is unique across
// concurrent runs started within the same second.
func NewRunId(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.Format("2006-01-02_15-04-05"), uuid.New().String()[:8])
}

func GetStateDirPath(stateRoot string, runId string) string {
	return filepath.Join(stateRoot, STATE_DIR_PREFIX+runId)
}

func GetResultsFilePath(resultsDir string, runId string) string {
	return filepath.Join(resultsDir, fmt.Sprintf("results_%s.csv", runId))
}

func GetLogFilePath(logDir string, runId string) string {
	return filepath.Join(logDir, fmt.Sprintf("%s.log", runId))
}

// SampleCount is round(ratio * total) clamped to [0, total].
func SampleCount(ratio float64, total int) int {
	n := int(math.Round(ratio * float64(total)))
	if n < 0 {
		return 0
	}
	if n > total {
		return total
	}
	return n
}

func CalculateAverageFloat64(numbers []float64) float64 {
	if len(numbers) == 0 {
		return 0
	}

	var sum float64
	for _, number := range numbers {
		sum += number
	}

	return sum / float64(len(numbers))
}

// KlDivergence computes KL(p || q). Entries of q that are zero are skipped.
func KlDivergence(p, q []float64) float64 {
	if len(p) != len(q) {
		panic("Distributions must have the same number of parameters")
	}

	klDiv := 0.0
	for i := 0; i < len(p); i++ {
		if q[i] == 0 || p[i] == 0 {
			continue
		}
		klDiv += p[i] * math.Log(p[i]/q[i])
	}
	return klDiv
}
