// Package trainer simulates the selected clients one after another on a single host.
package trainer

import (
	"context"
	"fmt"

	"github.com/Kitsuya0828/DSFLplus/internal/clientstore"
	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/dataset"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/ood"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/softlabel"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/hashicorp/go-hclog"
)

type TrainerConfig struct {
	Algorithm    string
	TrainOptions learner.TrainOptions
	KdOptions    learner.TrainOptions
}

// ClientTrainer runs local_process for one client at a time. For the distillation algorithms
// every client's weights live in the state store between rounds and a single scratch model
// holds the checked-out client, so memory stays at one client's footprint.
type ClientTrainer struct {
	config      TrainerConfig
	dataset     dataset.Provider
	store       *clientstore.ClientStateStore
	globalModel learner.Model
	scratch     learner.Model
	scorer      ood.Scorer
	logger      hclog.Logger
}

// NewClientTrainer builds the trainer. store may be nil for the single algorithm; scorer is
// only used by dsflplus.
func NewClientTrainer(config TrainerConfig, provider dataset.Provider, store *clientstore.ClientStateStore,
	globalModel learner.Model, scorer ood.Scorer, logger hclog.Logger) (*ClientTrainer, error) {
	trainer := &ClientTrainer{
		config:      config,
		dataset:     provider,
		store:       store,
		globalModel: globalModel,
		logger:      logger,
	}

	switch config.Algorithm {
	case common.ALGORITHM_SINGLE:
	case common.ALGORITHM_DSFL, common.ALGORITHM_DSFL_PLUS:
		if store == nil {
			return nil, fmt.Errorf("%s needs a client state store", config.Algorithm)
		}
		trainer.scratch = globalModel.Clone()
		if config.Algorithm == common.ALGORITHM_DSFL_PLUS {
			if scorer == nil {
				return nil, fmt.Errorf("%s needs an ood scorer", config.Algorithm)
			}
			trainer.scorer = scorer
		}
	default:
		return nil, fmt.Errorf("invalid algorithm: %s", config.Algorithm)
	}

	return trainer, nil
}

// LocalProcess runs the client's round task. The single algorithm trains the global model on the
// client's partition and returns nil. The distillation algorithms train the client's own model,
// vote on the public slice and then distill toward the previous consensus.
func (trainer *ClientTrainer) LocalProcess(ctx context.Context, clientId int, pkg *model.RoundPackage) (*model.ClientOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batches := trainer.dataset.PrivateBatches(clientId, trainer.config.TrainOptions.BatchSize)
	if trainer.config.Algorithm == common.ALGORITHM_SINGLE {
		loss := trainer.globalModel.Train(batches, trainer.config.TrainOptions)
		trainer.logger.Trace("client trained global model", "client", clientId, "round", pkg.Round, "loss", loss)
		return nil, nil
	}

	lease, err := trainer.store.Checkout(clientId)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if err := trainer.restore(lease); err != nil {
		return nil, err
	}

	output, err := trainer.distillationTask(clientId, pkg, batches)
	if err != nil {
		return nil, err
	}

	blob, err := trainer.scratch.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("snapshot client %d: %w", clientId, err)
	}
	if err := lease.Commit(pkg.Round, blob); err != nil {
		return nil, err
	}

	return output, nil
}

// restore loads the leased state into the scratch model; a fresh client starts from the global model.
func (trainer *ClientTrainer) restore(lease *clientstore.Lease) error {
	blob := lease.Blob
	if lease.Fresh {
		var err error
		blob, err = trainer.globalModel.MarshalBinary()
		if err != nil {
			return fmt.Errorf("snapshot global model for client %d: %w", lease.ClientId, err)
		}
		trainer.logger.Debug("client initialized from global model", "client", lease.ClientId)
	}

	if err := trainer.scratch.UnmarshalBinary(blob); err != nil {
		return fmt.Errorf("restore client %d (round %d): %v: %w", lease.ClientId, lease.Round, err, clientstore.ErrCorruptState)
	}
	return nil
}

func (trainer *ClientTrainer) distillationTask(clientId int, pkg *model.RoundPackage,
	batches []learner.Batch) (*model.ClientOutput, error) {
	consensus, err := consensusLabels(pkg)
	if err != nil {
		return nil, fmt.Errorf("client %d round %d: %w", clientId, pkg.Round, err)
	}

	trainLoss := trainer.scratch.Train(batches, trainer.config.TrainOptions)

	output := &model.ClientOutput{
		ClientId: clientId,
		Indices:  pkg.PublicIndices,
	}
	labels := []model.SoftLabel{}
	if len(pkg.PublicIndices) > 0 {
		logits := trainer.scratch.Logits(trainer.dataset.PublicInputs(pkg.PublicIndices))
		labels = softlabel.FromLogits(logits)
		if trainer.scorer != nil {
			output.Scores = ood.ScoreAll(trainer.scorer, logits)
		}
	}
	output.Payload = softlabel.Encode(labels)

	kdLoss := 0.0
	if len(consensus) > 0 {
		x := trainer.dataset.PublicInputs(pkg.Consensus.Indices)
		kdLoss = trainer.scratch.Distill(x, softlabel.ToDense(consensus), trainer.config.KdOptions)
	}

	trainer.logger.Trace("client processed", "client", clientId, "round", pkg.Round, "train_loss", trainLoss,
		"kd_loss", kdLoss)
	return output, nil
}

// consensusLabels decodes the broadcast consensus, falling back to labels handed over in process.
func consensusLabels(pkg *model.RoundPackage) ([]model.SoftLabel, error) {
	if pkg.Consensus.Len() == 0 {
		return nil, nil
	}
	if pkg.ConsensusPayload == nil {
		return pkg.Consensus.Labels, nil
	}

	labels, err := softlabel.Decode(pkg.ConsensusPayload)
	if err != nil {
		return nil, fmt.Errorf("consensus payload: %w", err)
	}
	if len(labels) != pkg.Consensus.Len() {
		return nil, fmt.Errorf("consensus payload has %d labels for %d indices", len(labels), pkg.Consensus.Len())
	}
	return labels, nil
}
