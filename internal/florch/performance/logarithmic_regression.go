package performance

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var ErrNotEnoughPoints = errors.New("logarithmic fit needs at least two distinct rounds")

// LogarithmicRegression fits y = a + b*ln(x+1) by least squares.
type LogarithmicRegression struct {
	a float64
	b float64
}

func NewLogarithmicRegression(xs, ys []float64) (*LogarithmicRegression, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("got %d rounds for %d values", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, ErrNotEnoughPoints
	}

	design := mat.NewDense(len(xs), 2, nil)
	for i, x := range xs {
		design.Set(i, 0, 1)
		design.Set(i, 1, math.Log(x+1))
	}
	target := mat.NewVecDense(len(ys), ys)

	var coef mat.VecDense
	if err := coef.SolveVec(design, target); err != nil {
		return nil, fmt.Errorf("solve logarithmic fit: %w", err)
	}

	return &LogarithmicRegression{a: coef.AtVec(0), b: coef.AtVec(1)}, nil
}

func (lr *LogarithmicRegression) PredictY(x float64) float64 {
	return lr.a + lr.b*math.Log(x+1)
}

// PredictX inverts the fit; NaN when the curve is flat.
func (lr *LogarithmicRegression) PredictX(y float64) float64 {
	if lr.b == 0 {
		return math.NaN()
	}
	return math.Exp((y-lr.a)/lr.b) - 1
}

func (lr *LogarithmicRegression) PrintFunction() string {
	return fmt.Sprintf("f(x) = %.4f + %.4f * ln(x+1)", lr.a, lr.b)
}
