package florch

import (
	"fmt"
	"time"

	"github.com/Kitsuya0828/DSFLplus/internal/clientstore"
	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/dataset"
	"github.com/Kitsuya0828/DSFLplus/internal/events"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/flconfig"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/handler"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/ood"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/trainer"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/hashicorp/go-hclog"
)

// NewRunContext names a new run and its state namespace under stateRoot.
func NewRunContext(stateRoot string, now time.Time) model.RunContext {
	runId := common.NewRunId(now)
	return model.RunContext{
		RunId:     runId,
		StartedAt: now,
		StateDir:  common.GetStateDirPath(stateRoot, runId),
	}
}

// BuildPipeline wires dataset, global model, state store, server handler and client trainer for
// one run. A nil sink writes the results CSV under config.ResultsDir. Configuration problems are
// reported before anything touches the disk.
func BuildPipeline(config *flconfig.FlConfiguration, runCtx model.RunContext, sink MetricsSink, eventBus *events.EventBus,
	logger hclog.Logger) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Configuration:\n%s", config.String()))

	var scorer ood.Scorer
	if config.Algorithm == common.ALGORITHM_DSFL_PLUS {
		var err error
		if scorer, err = ood.NewScorer(config.OodDetectionScore, config.Seed); err != nil {
			return nil, fmt.Errorf("%v: %w", err, flconfig.ErrInvalidConfiguration)
		}
	}

	provider, err := dataset.NewSynthetic(config.Dataset, config.TotalClients, config.Seed)
	if err != nil {
		return nil, fmt.Errorf("dataset: %v: %w", err, flconfig.ErrInvalidConfiguration)
	}
	logClientStats(provider.ClientStats(), logger)

	globalModel := learner.NewSoftmaxRegression(provider.NumFeatures(), provider.NumClasses())
	snapshot, err := globalModel.MarshalBinary()
	if err != nil {
		return nil, err
	}

	trainOptions := learner.TrainOptions{
		Epochs:       config.Epochs,
		BatchSize:    config.BatchSize,
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
	}
	kdOptions := learner.TrainOptions{
		Epochs:       config.KdEpochs,
		BatchSize:    config.KdBatchSize,
		LearningRate: config.KdLr,
		Momentum:     config.Momentum,
	}

	serverHandler, err := handler.NewServerHandler(handler.HandlerConfig{
		Algorithm:          config.Algorithm,
		TotalClients:       config.TotalClients,
		SampleRatio:        config.SampleRatio,
		PublicSizePerRound: config.PublicSizePerRound,
		Temperature:        config.Temperature,
		ThresholdDelta:     config.OodDetectionThresholdDelta,
		TargetAcceptance:   config.OodTargetAcceptance,
		KdOptions:          kdOptions,
		Seed:               config.Seed,
	}, provider, globalModel, logger.Named("handler"))
	if err != nil {
		return nil, err
	}

	var store *clientstore.ClientStateStore
	if config.Algorithm != common.ALGORITHM_SINGLE {
		if store, err = clientstore.Open(config.StateBackend, runCtx.StateDir, 1, logger.Named("store")); err != nil {
			return nil, err
		}
	}
	destroyStore := func() error {
		if store == nil {
			return nil
		}
		return store.Destroy()
	}

	clientTrainer, err := trainer.NewClientTrainer(trainer.TrainerConfig{
		Algorithm:    config.Algorithm,
		TrainOptions: trainOptions,
		KdOptions:    kdOptions,
	}, provider, store, globalModel, scorer, logger.Named("trainer"))
	if err != nil {
		destroyStore()
		return nil, err
	}

	if sink == nil {
		csvSink, err := NewCsvSink(common.GetResultsFilePath(config.ResultsDir, runCtx.RunId), logger.Named("results"))
		if err != nil {
			destroyStore()
			return nil, err
		}
		sink = csvSink
	}

	pipeline := NewPipeline(PipelineConfig{
		Algorithm:  config.Algorithm,
		ComRounds:  config.ComRounds,
		EvalEvery:  config.EvalEvery,
		NumClasses: provider.NumClasses(),
		ModelBytes: len(snapshot),
		Cost:       config.Cost,
	}, runCtx, serverHandler, clientTrainer, sink, eventBus, logger.Named("pipeline"))
	pipeline.AddCleanup(destroyStore)

	return pipeline, nil
}

func logClientStats(stats []model.ClientStats, logger hclog.Logger) {
	klds := make([]float64, 0, len(stats))
	for _, s := range stats {
		klds = append(klds, s.KlFromOverall)
		logger.Trace("client partition", "client", s.ClientId, "samples", s.NumSamples, "classes", s.ClassCounts,
			"kld", s.KlFromOverall)
	}
	logger.Info(fmt.Sprintf("%d clients, average KL divergence from pooled labels: %.4f", len(stats),
		common.CalculateAverageFloat64(klds)))
}
