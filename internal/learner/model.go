// Package learner provides the trainable model capability used by the server and the clients.
// The orchestration code only depends on the Model interface.
package learner

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Batch is a labeled mini-batch. Rows of X are samples.
type Batch struct {
	X *mat.Dense
	Y []int
}

func (b Batch) Len() int {
	return len(b.Y)
}

type TrainOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Momentum     float64
}

// Model is a classifier whose full trainable state (weights and optimizer state) can be
// snapshotted and restored.
type Model interface {
	NumFeatures() int
	NumClasses() int
	// Train runs supervised updates over the batches and returns the mean loss of the last epoch.
	Train(batches []Batch, opts TrainOptions) float64
	// Distill fits the model toward soft targets (rows of targets are distributions).
	Distill(x *mat.Dense, targets *mat.Dense, opts TrainOptions) float64
	// Logits returns unnormalized class scores, one row per sample.
	Logits(x *mat.Dense) *mat.Dense
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
	Clone() Model
}

// Softmax converts logits to row-wise probability distributions.
func Softmax(logits mat.Matrix) *mat.Dense {
	r, c := logits.Dims()
	probs := mat.NewDense(r, c, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, logits)
		lse := floats.LogSumExp(row)
		for j := range row {
			probs.Set(i, j, math.Exp(row[j]-lse))
		}
	}
	return probs
}

// OneHot encodes labels as an n x numClasses matrix.
func OneHot(labels []int, numClasses int) *mat.Dense {
	m := mat.NewDense(len(labels), numClasses, nil)
	for i, y := range labels {
		m.Set(i, y, 1)
	}
	return m
}

// Evaluate returns accuracy and mean cross-entropy of the model on a labeled batch.
func Evaluate(model Model, batch Batch) (float64, float64) {
	if batch.Len() == 0 {
		return 0, 0
	}

	probs := Softmax(model.Logits(batch.X))
	correct := 0
	loss := 0.0
	for i, y := range batch.Y {
		row := probs.RawRowView(i)
		if floats.MaxIdx(row) == y {
			correct++
		}
		loss -= math.Log(row[y] + 1e-12)
	}

	n := float64(batch.Len())
	return float64(correct) / n, loss / n
}

// Split cuts the rows of x into consecutive batches of at most batchSize rows.
func Split(x *mat.Dense, labels []int, batchSize int) []Batch {
	n, c := x.Dims()
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}
	batches := []Batch{}
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		batches = append(batches, Batch{
			X: x.Slice(start, end, 0, c).(*mat.Dense),
			Y: labels[start:end],
		})
	}
	return batches
}
