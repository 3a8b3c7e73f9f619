// Package softlabel converts model outputs on the public dataset into soft labels and moves
// them over the (simulated) wire.
package softlabel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tolerance for the sum-to-one check.
const Tolerance = 1e-6

// FromLogits turns a logits matrix into one soft label per row.
func FromLogits(logits *mat.Dense) []model.SoftLabel {
	probs := learner.Softmax(logits)
	n, _ := probs.Dims()
	labels := make([]model.SoftLabel, n)
	for i := 0; i < n; i++ {
		labels[i] = append(model.SoftLabel(nil), probs.RawRowView(i)...)
	}
	return labels
}

// Sharpen applies power temperature scaling p_i^(1/T) / sum_j p_j^(1/T). T < 1 sharpens,
// T == 1 returns a copy, argmax is preserved for any T > 0.
func Sharpen(p model.SoftLabel, temperature float64) model.SoftLabel {
	out := make(model.SoftLabel, len(p))
	if temperature == 1 {
		copy(out, p)
		return out
	}

	// work in log space so small temperatures do not underflow
	inv := 1 / temperature
	for i, v := range p {
		if v <= 0 {
			out[i] = math.Inf(-1)
			continue
		}
		out[i] = math.Log(v) * inv
	}
	lse := floats.LogSumExp(out)
	for i := range out {
		out[i] = math.Exp(out[i] - lse)
	}
	return out
}

// Entropy is the Shannon entropy in nats.
func Entropy(p model.SoftLabel) float64 {
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}

// Validate checks that p is a probability distribution over numClasses classes.
func Validate(p model.SoftLabel, numClasses int) error {
	if len(p) != numClasses {
		return fmt.Errorf("soft label has %d classes, want %d", len(p), numClasses)
	}
	sum := 0.0
	for i, v := range p {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("soft label entry %d is %v", i, v)
		}
		sum += v
	}
	if math.Abs(sum-1) > Tolerance {
		return fmt.Errorf("soft label sums to %v", sum)
	}
	return nil
}

// ToDense stacks soft labels into a matrix, one row per label.
func ToDense(labels []model.SoftLabel) *mat.Dense {
	if len(labels) == 0 {
		return nil
	}
	m := mat.NewDense(len(labels), len(labels[0]), nil)
	for i, l := range labels {
		m.SetRow(i, l)
	}
	return m
}

// EncodedSize is the number of bytes Encode produces for n labels over numClasses classes.
func EncodedSize(n int, numClasses int) int {
	return 8 + 4*n*numClasses
}

// Encode packs labels as float32 values behind an (n, classes) header. This is the compact form
// a client uploads; float32 is ample precision for probabilities.
func Encode(labels []model.SoftLabel) []byte {
	numClasses := 0
	if len(labels) > 0 {
		numClasses = len(labels[0])
	}
	buf := make([]byte, EncodedSize(len(labels), numClasses))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(labels)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(numClasses))
	off := 8
	for _, l := range labels {
		for _, v := range l {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
			off += 4
		}
	}
	return buf
}

// Decode is the inverse of Encode. Every label is renormalized to absorb float32 rounding.
func Decode(data []byte) ([]model.SoftLabel, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("soft label payload too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	numClasses := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) != EncodedSize(n, numClasses) {
		return nil, fmt.Errorf("soft label payload is %d bytes, header needs %d", len(data), EncodedSize(n, numClasses))
	}

	labels := make([]model.SoftLabel, n)
	off := 8
	for i := range labels {
		l := make(model.SoftLabel, numClasses)
		for j := range l {
			l[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
			off += 4
		}
		if sum := floats.Sum(l); sum > 0 {
			floats.Scale(1/sum, l)
		}
		labels[i] = l
	}
	return labels, nil
}
