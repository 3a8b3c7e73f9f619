package handler

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/dataset"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/aggregation"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/ood"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/softlabel"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/hashicorp/go-hclog"
)

// Sampler picks count distinct client ids out of totalClients for a round.
type Sampler func(round int, totalClients int, count int) []int

type HandlerConfig struct {
	Algorithm          string
	TotalClients       int
	SampleRatio        float64
	PublicSizePerRound int
	Temperature        float64
	ThresholdDelta     float64
	TargetAcceptance   float64
	KdOptions          learner.TrainOptions
	Seed               uint64
}

// RoundUpdate summarizes what GlobalUpdate changed.
type RoundUpdate struct {
	Consensus     *model.ConsensusSet
	Threshold     float64
	ThresholdStep float64
	Acceptance    float64
	DistillLoss   float64
}

// ServerHandler owns the global model, the consensus of the latest round and, for dsflplus,
// the OOD threshold. It is driven by a single goroutine.
type ServerHandler struct {
	config           HandlerConfig
	dataset          dataset.Provider
	globalModel      learner.Model
	aggregator       aggregation.Aggregator
	threshold        *ood.Threshold
	rng              *rand.Rand
	sampler          Sampler
	consensus        *model.ConsensusSet
	consensusPayload []byte
	logger           hclog.Logger
}

func NewServerHandler(config HandlerConfig, provider dataset.Provider, globalModel learner.Model,
	logger hclog.Logger) (*ServerHandler, error) {
	handler := &ServerHandler{
		config:      config,
		dataset:     provider,
		globalModel: globalModel,
		rng:         rand.New(rand.NewPCG(config.Seed, config.Seed+1)),
		logger:      logger,
	}

	entropyWeighted := aggregation.NewEntropyWeighted(config.Temperature, provider.NumClasses())
	switch config.Algorithm {
	case common.ALGORITHM_SINGLE:
	case common.ALGORITHM_DSFL:
		handler.aggregator = entropyWeighted
	case common.ALGORITHM_DSFL_PLUS:
		handler.threshold = ood.NewThreshold(config.ThresholdDelta, config.TargetAcceptance)
		handler.aggregator = aggregation.NewOODFiltered(entropyWeighted, handler.threshold)
	default:
		return nil, fmt.Errorf("invalid algorithm: %s", config.Algorithm)
	}

	handler.sampler = handler.uniformSample
	return handler, nil
}

// SetSampler replaces the uniform client sampler.
func (handler *ServerHandler) SetSampler(sampler Sampler) {
	handler.sampler = sampler
}

// SampleClients draws round(sample_ratio * total_clients) distinct clients.
func (handler *ServerHandler) SampleClients(round int) []int {
	count := common.SampleCount(handler.config.SampleRatio, handler.config.TotalClients)
	return handler.sampler(round, handler.config.TotalClients, count)
}

func (handler *ServerHandler) uniformSample(_ int, totalClients int, count int) []int {
	if count >= totalClients {
		all := make([]int, totalClients)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return handler.rng.Perm(totalClients)[:count]
}

// SelectPublicSlice draws min(public_size_per_round, pool size) distinct public indices, sorted.
func (handler *ServerHandler) SelectPublicSlice(_ int) []int {
	poolSize := handler.dataset.PublicSize()
	size := handler.config.PublicSizePerRound
	if size > poolSize {
		size = poolSize
	}

	indices := handler.rng.Perm(poolSize)[:size]
	sort.Ints(indices)
	return indices
}

// Broadcast packages the round's slice with the consensus of the previous round. The consensus
// labels are sent encoded.
func (handler *ServerHandler) Broadcast(round int, indices []int) *model.RoundPackage {
	pkg := &model.RoundPackage{
		Round:         round,
		PublicIndices: indices,
	}
	if handler.consensus != nil {
		pkg.Consensus = &model.ConsensusSet{
			Round:   handler.consensus.Round,
			Indices: handler.consensus.Indices,
			Dropped: handler.consensus.Dropped,
		}
		pkg.ConsensusPayload = handler.consensusPayload
	}
	return pkg
}

// decodeOutputs unpacks uploaded payloads. Outputs without a payload already carry their labels.
func decodeOutputs(outputs []*model.ClientOutput) ([]*model.ClientOutput, error) {
	decoded := make([]*model.ClientOutput, len(outputs))
	for i, output := range outputs {
		if output.Payload == nil {
			decoded[i] = output
			continue
		}
		labels, err := softlabel.Decode(output.Payload)
		if err != nil {
			return nil, fmt.Errorf("client %d upload: %w", output.ClientId, err)
		}
		clone := *output
		clone.Labels = labels
		decoded[i] = &clone
	}
	return decoded, nil
}

// GlobalUpdate fuses the client outputs into the new consensus, replacing the previous one,
// adapts the OOD threshold once and distills the global model toward the consensus.
func (handler *ServerHandler) GlobalUpdate(round int, indices []int, outputs []*model.ClientOutput) (*RoundUpdate, error) {
	update := &RoundUpdate{Threshold: handler.Threshold(), Acceptance: 1}
	if handler.aggregator == nil {
		return update, nil
	}

	decoded, err := decodeOutputs(outputs)
	if err != nil {
		return nil, fmt.Errorf("round %d: %w", round, err)
	}

	consensus, err := handler.aggregator.Aggregate(round, indices, decoded)
	if err != nil {
		return nil, fmt.Errorf("round %d aggregation: %w", round, err)
	}
	handler.consensus = consensus
	handler.consensusPayload = softlabel.Encode(consensus.Labels)
	update.Consensus = consensus

	if len(consensus.Dropped) > 0 {
		handler.logger.Warn("public samples without eligible votes dropped from consensus",
			"round", round, "dropped", len(consensus.Dropped), "kept", consensus.Len())
	}

	if handler.threshold != nil {
		scores := make([]float64, 0, len(indices)*len(outputs))
		for _, output := range outputs {
			scores = append(scores, output.Scores...)
		}
		update.Acceptance = handler.threshold.Acceptance(scores)
		update.ThresholdStep = handler.threshold.Update(scores)
		update.Threshold = handler.threshold.Value()
		handler.logger.Debug("ood threshold updated", "round", round, "threshold", update.Threshold,
			"step", update.ThresholdStep, "acceptance", update.Acceptance)
	}

	if consensus.Len() > 0 {
		x := handler.dataset.PublicInputs(consensus.Indices)
		update.DistillLoss = handler.globalModel.Distill(x, softlabel.ToDense(consensus.Labels), handler.config.KdOptions)
	}

	return update, nil
}

// Evaluate runs the global model over the test split; it mutates nothing.
func (handler *ServerHandler) Evaluate() (float64, float64) {
	return learner.Evaluate(handler.globalModel, handler.dataset.Test())
}

func (handler *ServerHandler) GlobalModel() learner.Model {
	return handler.globalModel
}

// Consensus is the latest round's consensus, nil before the first aggregation.
func (handler *ServerHandler) Consensus() *model.ConsensusSet {
	return handler.consensus
}

// Threshold is the current OOD threshold, NaN when OOD filtering is off.
func (handler *ServerHandler) Threshold() float64 {
	if handler.threshold == nil {
		return math.NaN()
	}
	return handler.threshold.Value()
}
