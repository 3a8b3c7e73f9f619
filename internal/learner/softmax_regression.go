package learner

import (
	"bytes"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SoftmaxRegression is a multinomial logistic regression trained with momentum SGD.
// The momentum buffers are part of its state so that a restored client resumes exactly
// where it stopped.
type SoftmaxRegression struct {
	w    *mat.Dense
	b    *mat.Dense
	velW *mat.Dense
	velB *mat.Dense
}

func NewSoftmaxRegression(numFeatures int, numClasses int) *SoftmaxRegression {
	return &SoftmaxRegression{
		w:    mat.NewDense(numFeatures, numClasses, nil),
		b:    mat.NewDense(1, numClasses, nil),
		velW: mat.NewDense(numFeatures, numClasses, nil),
		velB: mat.NewDense(1, numClasses, nil),
	}
}

func (m *SoftmaxRegression) NumFeatures() int {
	r, _ := m.w.Dims()
	return r
}

func (m *SoftmaxRegression) NumClasses() int {
	_, c := m.w.Dims()
	return c
}

func (m *SoftmaxRegression) Logits(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	z := mat.NewDense(n, m.NumClasses(), nil)
	z.Mul(x, m.w)
	bias := m.b.RawRowView(0)
	for i := 0; i < n; i++ {
		floats.Add(z.RawRowView(i), bias)
	}
	return z
}

func (m *SoftmaxRegression) Train(batches []Batch, opts TrainOptions) float64 {
	lastLoss := 0.0
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		epochLoss := 0.0
		seen := 0
		for _, batch := range batches {
			if batch.Len() == 0 {
				continue
			}
			loss := m.step(batch.X, OneHot(batch.Y, m.NumClasses()), opts)
			epochLoss += loss * float64(batch.Len())
			seen += batch.Len()
		}
		if seen > 0 {
			lastLoss = epochLoss / float64(seen)
		}
	}
	return lastLoss
}

func (m *SoftmaxRegression) Distill(x *mat.Dense, targets *mat.Dense, opts TrainOptions) float64 {
	n, _ := x.Dims()
	if n == 0 {
		return 0
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > n {
		batchSize = n
	}
	_, xc := x.Dims()
	_, tc := targets.Dims()

	lastLoss := 0.0
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		epochLoss := 0.0
		for start := 0; start < n; start += batchSize {
			end := start + batchSize
			if end > n {
				end = n
			}
			xb := x.Slice(start, end, 0, xc).(*mat.Dense)
			tb := targets.Slice(start, end, 0, tc).(*mat.Dense)
			epochLoss += m.step(xb, tb, opts) * float64(end-start)
		}
		lastLoss = epochLoss / float64(n)
	}
	return lastLoss
}

// step applies one momentum SGD update for cross-entropy against (possibly soft) targets.
func (m *SoftmaxRegression) step(x *mat.Dense, targets *mat.Dense, opts TrainOptions) float64 {
	n, _ := x.Dims()
	probs := Softmax(m.Logits(x))

	loss := 0.0
	for i := 0; i < n; i++ {
		p := probs.RawRowView(i)
		t := targets.RawRowView(i)
		for j := range p {
			if t[j] > 0 {
				loss -= t[j] * math.Log(p[j]+1e-12)
			}
		}
	}

	var g mat.Dense
	g.Sub(probs, targets)
	g.Scale(1/float64(n), &g)

	var gradW mat.Dense
	gradW.Mul(x.T(), &g)
	gradB := mat.NewDense(1, m.NumClasses(), nil)
	for j := 0; j < m.NumClasses(); j++ {
		gradB.Set(0, j, mat.Sum(g.ColView(j)))
	}

	gradW.Scale(opts.LearningRate, &gradW)
	gradB.Scale(opts.LearningRate, gradB)

	m.velW.Scale(opts.Momentum, m.velW)
	m.velW.Sub(m.velW, &gradW)
	m.velB.Scale(opts.Momentum, m.velB)
	m.velB.Sub(m.velB, gradB)

	m.w.Add(m.w, m.velW)
	m.b.Add(m.b, m.velB)

	return loss / float64(n)
}

func (m *SoftmaxRegression) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	for _, d := range []*mat.Dense{m.w, m.b, m.velW, m.velB} {
		if _, err := d.MarshalBinaryTo(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *SoftmaxRegression) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	parts := make([]*mat.Dense, 4)
	for i := range parts {
		d := &mat.Dense{}
		if _, err := d.UnmarshalBinaryFrom(r); err != nil {
			return fmt.Errorf("decode matrix %d: %w", i, err)
		}
		parts[i] = d
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after model state", r.Len())
	}

	wr, wc := parts[0].Dims()
	for i, d := range parts[1:] {
		r, c := d.Dims()
		wantRows := 1
		if i == 1 {
			wantRows = wr
		}
		if r != wantRows || c != wc {
			return fmt.Errorf("inconsistent model state shape %dx%d for weights %dx%d", r, c, wr, wc)
		}
	}

	m.w, m.b, m.velW, m.velB = parts[0], parts[1], parts[2], parts[3]
	return nil
}

func (m *SoftmaxRegression) Clone() Model {
	return &SoftmaxRegression{
		w:    mat.DenseCopyOf(m.w),
		b:    mat.DenseCopyOf(m.b),
		velW: mat.DenseCopyOf(m.velW),
		velB: mat.DenseCopyOf(m.velB),
	}
}
