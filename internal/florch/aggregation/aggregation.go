// Package aggregation fuses the clients' soft labels on the round's public slice into the
// consensus set.
package aggregation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Kitsuya0828/DSFLplus/internal/florch/ood"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/softlabel"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
)

var ErrSliceMismatch = errors.New("client output does not match the public slice")

// entropyEpsilon keeps the weight of a one-hot vote finite.
const entropyEpsilon = 1e-6

type Aggregator interface {
	Aggregate(round int, indices []int, outputs []*model.ClientOutput) (*model.ConsensusSet, error)
}

// excludeFunc reports whether the vote of output at position j of the slice must be ignored.
type excludeFunc func(output *model.ClientOutput, j int) bool

// EntropyWeighted averages the votes weighted by inverse entropy and sharpens the result.
type EntropyWeighted struct {
	temperature float64
	numClasses  int
}

func NewEntropyWeighted(temperature float64, numClasses int) *EntropyWeighted {
	return &EntropyWeighted{temperature: temperature, numClasses: numClasses}
}

func (a *EntropyWeighted) Aggregate(round int, indices []int, outputs []*model.ClientOutput) (*model.ConsensusSet, error) {
	return a.aggregate(round, indices, outputs, nil)
}

// OODFiltered drops every vote whose OOD score exceeds the threshold before the entropy
// weighting. A sample that loses all its votes is left out of the consensus.
type OODFiltered struct {
	inner     *EntropyWeighted
	threshold *ood.Threshold
}

func NewOODFiltered(inner *EntropyWeighted, threshold *ood.Threshold) *OODFiltered {
	return &OODFiltered{inner: inner, threshold: threshold}
}

func (a *OODFiltered) Aggregate(round int, indices []int, outputs []*model.ClientOutput) (*model.ConsensusSet, error) {
	for _, output := range outputs {
		if len(output.Scores) != len(indices) {
			return nil, fmt.Errorf("client %d sent %d ood scores for %d samples: %w",
				output.ClientId, len(output.Scores), len(indices), ErrSliceMismatch)
		}
	}
	return a.inner.aggregate(round, indices, outputs, func(output *model.ClientOutput, j int) bool {
		return a.threshold.Exceeds(output.Scores[j])
	})
}

func (a *EntropyWeighted) aggregate(round int, indices []int, outputs []*model.ClientOutput, exclude excludeFunc) (*model.ConsensusSet, error) {
	ordered, err := a.validate(indices, outputs)
	if err != nil {
		return nil, err
	}

	consensus := &model.ConsensusSet{
		Round:   round,
		Indices: []int{},
		Labels:  []model.SoftLabel{},
		Dropped: []int{},
	}

	votes := make([]model.SoftLabel, 0, len(ordered))
	for j, index := range indices {
		votes = votes[:0]
		for _, output := range ordered {
			if exclude != nil && exclude(output, j) {
				continue
			}
			votes = append(votes, output.Labels[j])
		}
		if len(votes) == 0 {
			consensus.Dropped = append(consensus.Dropped, index)
			continue
		}

		consensus.Indices = append(consensus.Indices, index)
		consensus.Labels = append(consensus.Labels, softlabel.Sharpen(fuse(votes, a.numClasses), a.temperature))
	}

	return consensus, nil
}

// validate checks every output against the slice and returns the outputs ordered by client id,
// which fixes the summation order and makes aggregation deterministic.
func (a *EntropyWeighted) validate(indices []int, outputs []*model.ClientOutput) ([]*model.ClientOutput, error) {
	ordered := append([]*model.ClientOutput(nil), outputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ClientId < ordered[j].ClientId
	})

	for i, output := range ordered {
		if i > 0 && ordered[i-1].ClientId == output.ClientId {
			return nil, fmt.Errorf("client %d reported twice: %w", output.ClientId, ErrSliceMismatch)
		}
		if len(output.Indices) != len(indices) || len(output.Labels) != len(indices) {
			return nil, fmt.Errorf("client %d sent %d labels for %d samples: %w",
				output.ClientId, len(output.Labels), len(indices), ErrSliceMismatch)
		}
		for j := range indices {
			if output.Indices[j] != indices[j] {
				return nil, fmt.Errorf("client %d position %d is sample %d, want %d: %w",
					output.ClientId, j, output.Indices[j], indices[j], ErrSliceMismatch)
			}
			if err := softlabel.Validate(output.Labels[j], a.numClasses); err != nil {
				return nil, fmt.Errorf("client %d sample %d: %v: %w", output.ClientId, indices[j], err, ErrSliceMismatch)
			}
		}
	}
	return ordered, nil
}

// EntropyWeights returns the normalized weight of each vote: 1/(H+eps) rescaled to sum to one.
func EntropyWeights(votes []model.SoftLabel) []float64 {
	weights := make([]float64, len(votes))
	total := 0.0
	for k, vote := range votes {
		weights[k] = 1 / (softlabel.Entropy(vote) + entropyEpsilon)
		total += weights[k]
	}
	for k := range weights {
		weights[k] /= total
	}
	return weights
}

func fuse(votes []model.SoftLabel, numClasses int) model.SoftLabel {
	weights := EntropyWeights(votes)
	fused := make(model.SoftLabel, numClasses)
	for k, vote := range votes {
		for i, p := range vote {
			fused[i] += weights[k] * p
		}
	}
	return fused
}
