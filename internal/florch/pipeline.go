package florch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/events"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/cost"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/handler"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/hashicorp/go-hclog"
)

type IServerHandler interface {
	SampleClients(round int) []int
	SelectPublicSlice(round int) []int
	Broadcast(round int, indices []int) *model.RoundPackage
	GlobalUpdate(round int, indices []int, outputs []*model.ClientOutput) (*handler.RoundUpdate, error)
	Evaluate() (float64, float64)
}

type IClientTrainer interface {
	LocalProcess(ctx context.Context, clientId int, pkg *model.RoundPackage) (*model.ClientOutput, error)
}

type PipelineConfig struct {
	Algorithm  string
	ComRounds  int
	EvalEvery  int
	NumClasses int
	ModelBytes int
	Cost       cost.CostConfiguration
}

// Pipeline drives the rounds: Init, then ComRounds times selection, client execution,
// aggregation and evaluation, then Finalize. Metrics are recorded under step round+1; step 0
// holds the baseline taken at Init.
type Pipeline struct {
	config   PipelineConfig
	runCtx   model.RunContext
	handler  IServerHandler
	trainer  IClientTrainer
	sink     MetricsSink
	eventBus *events.EventBus
	logger   hclog.Logger
	cleanups []func() error
	progress *FlProgress
}

func NewPipeline(config PipelineConfig, runCtx model.RunContext, serverHandler IServerHandler, trainer IClientTrainer,
	sink MetricsSink, eventBus *events.EventBus, logger hclog.Logger) *Pipeline {
	if config.EvalEvery < 1 {
		config.EvalEvery = 1
	}
	return &Pipeline{
		config:   config,
		runCtx:   runCtx,
		handler:  serverHandler,
		trainer:  trainer,
		sink:     sink,
		eventBus: eventBus,
		logger:   logger,
		progress: newFlProgress(),
	}
}

// AddCleanup registers a release function for Finalize. Cleanups run in reverse order.
func (p *Pipeline) AddCleanup(cleanup func() error) {
	p.cleanups = append(p.cleanups, cleanup)
}

// Run executes the whole run. Finalize runs on every exit path, including cancellation of ctx
// and panics inside a round.
func (p *Pipeline) Run(ctx context.Context) (result *RunResult) {
	result = &RunResult{RunId: p.runCtx.RunId, Status: RunCompleted, Rounds: []RoundResult{}}
	defer func() {
		if r := recover(); r != nil {
			result.Status = RunAborted
			result.Err = fmt.Errorf("panic in round %d: %v", len(result.Rounds), r)
		}
		p.finalize(result)
	}()

	p.init(result)

	for round := 0; round < p.config.ComRounds; round++ {
		if err := ctx.Err(); err != nil {
			result.Status = RunInterrupted
			result.Err = err
			return result
		}

		roundResult, err := p.runRound(ctx, round)
		if err != nil {
			result.Status = statusForError(err)
			result.Err = err
			return result
		}
		result.Rounds = append(result.Rounds, *roundResult)
		if roundResult.Evaluated {
			result.FinalAccuracy = roundResult.Accuracy
			result.FinalLoss = roundResult.Loss
		}
		result.TotalCost = p.progress.currentCost

		if reason, stop := p.shouldStop(roundResult); stop {
			result.Status = RunStopped
			result.StopReason = reason
			return result
		}
	}

	return result
}

func (p *Pipeline) init(result *RunResult) {
	p.logger.Info(fmt.Sprintf("Starting run %s: %s, %d rounds", p.runCtx.RunId, p.config.Algorithm, p.config.ComRounds))

	accuracy, loss := p.handler.Evaluate()
	p.progress.addEvaluation(0, accuracy, loss)
	p.sink.Record(0, common.METRIC_ACCURACY, accuracy)
	p.sink.Record(0, common.METRIC_LOSS, loss)
	p.flush()

	result.BaselineAccuracy = accuracy
	result.FinalAccuracy = accuracy
	result.FinalLoss = loss
	p.logger.Info("baseline evaluated", "accuracy", accuracy, "loss", loss)
}

func (p *Pipeline) runRound(ctx context.Context, round int) (*RoundResult, error) {
	start := time.Now()
	step := round + 1
	roundResult := &RoundResult{Round: round, Status: RoundDone, Threshold: math.NaN()}

	selection := p.handler.SampleClients(round)
	roundResult.NumSampled = len(selection)
	p.sink.Record(step, common.METRIC_NUM_SAMPLED, float64(len(selection)))

	if len(selection) == 0 {
		p.logger.Warn("no clients sampled, skipping round", "round", round)
		roundResult.Status = RoundSkipped
	} else if err := p.exchange(ctx, round, selection, roundResult); err != nil {
		return nil, err
	}

	if step%p.config.EvalEvery == 0 || step == p.config.ComRounds {
		roundResult.Evaluated = true
		roundResult.Accuracy, roundResult.Loss = p.handler.Evaluate()
		p.progress.addEvaluation(step, roundResult.Accuracy, roundResult.Loss)
		p.sink.Record(step, common.METRIC_ACCURACY, roundResult.Accuracy)
		p.sink.Record(step, common.METRIC_LOSS, roundResult.Loss)
		p.logger.Info(fmt.Sprintf("Round %d accuracy: %.4f loss: %.4f", round, roundResult.Accuracy, roundResult.Loss))
		if p.progress.accuracyHasConverged {
			p.logger.Info("Accuracy has converged!", "round", round)
		}
	}
	p.flush()

	roundResult.Duration = time.Since(start)
	p.publishRoundFinished(roundResult)
	p.logger.Debug("round finished", "round", round, "status", roundResult.Status, "duration", roundResult.Duration)
	return roundResult, nil
}

// exchange runs the selected clients one at a time, then aggregates once all of them reported.
func (p *Pipeline) exchange(ctx context.Context, round int, selection []int, roundResult *RoundResult) error {
	step := round + 1

	indices := []int{}
	if p.config.Algorithm != common.ALGORITHM_SINGLE {
		indices = p.handler.SelectPublicSlice(round)
	}
	pkg := p.handler.Broadcast(round, indices)

	outputs := make([]*model.ClientOutput, 0, len(selection))
	for _, clientId := range selection {
		output, err := p.trainer.LocalProcess(ctx, clientId, pkg)
		if err != nil {
			return fmt.Errorf("round %d client %d: %w", round, clientId, err)
		}
		if output != nil {
			outputs = append(outputs, output)
		}
	}

	update, err := p.handler.GlobalUpdate(round, indices, outputs)
	if err != nil {
		return err
	}

	if update.Consensus != nil {
		roundResult.ConsensusSize = update.Consensus.Len()
		roundResult.Dropped = len(update.Consensus.Dropped)
		p.sink.Record(step, common.METRIC_CONSENSUS_SIZE, float64(roundResult.ConsensusSize))
		p.sink.Record(step, common.METRIC_CONSENSUS_DROPPED, float64(roundResult.Dropped))
		p.sink.Record(step, common.METRIC_KD_LOSS, update.DistillLoss)
	}
	if !math.IsNaN(update.Threshold) {
		roundResult.Threshold = update.Threshold
		p.sink.Record(step, common.METRIC_OOD_THRESHOLD, update.Threshold)
		p.sink.Record(step, common.METRIC_OOD_ACCEPTANCE, update.Acceptance)
	}

	var roundCost cost.RoundCost
	if p.config.Algorithm == common.ALGORITHM_SINGLE {
		roundCost = cost.GetModelExchangeRoundCost(len(selection), p.config.ModelBytes, p.config.Cost.Source)
	} else {
		roundCost = cost.GetDistillationRoundCost(pkg, outputs, len(selection), p.config.NumClasses, p.config.Cost.Source)
	}
	p.progress.addCost(roundCost.Total())
	roundResult.RoundCost = roundCost.Total()
	p.sink.Record(step, common.METRIC_COMM_ROUND_BYTES, roundCost.Total())
	p.sink.Record(step, common.METRIC_COMM_TOTAL_BYTES, p.progress.currentCost)

	return nil
}

func (p *Pipeline) shouldStop(roundResult *RoundResult) (string, bool) {
	costConfig := p.config.Cost

	if roundResult.Evaluated && costConfig.TargetReached(roundResult.Accuracy) {
		return fmt.Sprintf("target accuracy %.4f reached (%.4f), total cost %.0f", costConfig.TargetAccuracy,
			roundResult.Accuracy, p.progress.currentCost), true
	}
	if costConfig.TargetAccuracy > 0 && roundResult.Evaluated {
		if predicted, function, ok := p.progress.predictRoundForAccuracy(costConfig.TargetAccuracy); ok {
			p.logger.Debug("accuracy prediction", "fit", function, "target", costConfig.TargetAccuracy,
				"predicted_step", predicted)
		}
	}

	if costConfig.BudgetExhausted(p.progress.currentCost, p.progress.costPerGlobalRound) {
		p.logger.Warn("communication budget exhausted", "total", p.progress.currentCost, "budget", costConfig.Budget)
		return fmt.Sprintf("budget %.0f exhausted, total cost %.0f", costConfig.Budget, p.progress.currentCost), true
	}
	return "", false
}

// finalize releases every run resource and announces the outcome; it is the single terminal state.
func (p *Pipeline) finalize(result *RunResult) {
	if err := p.sink.Close(); err != nil {
		p.logger.Warn(fmt.Sprintf("Failed to close metrics sink: %v", err))
	}
	for i := len(p.cleanups) - 1; i >= 0; i-- {
		if err := p.cleanups[i](); err != nil {
			p.logger.Error(fmt.Sprintf("Cleanup failed: %v", err))
		}
	}

	switch result.Status {
	case RunAborted:
		p.logger.Error("run aborted", "run", result.RunId, "error", result.Err)
	case RunInterrupted:
		p.logger.Warn("run interrupted", "run", result.RunId, "error", result.Err)
	default:
		p.logger.Info(fmt.Sprintf("FL finished! Exit message: %s", result.ExitMessage()))
	}

	if p.eventBus != nil {
		p.eventBus.Publish(events.Event{
			Type:      common.FL_FINISHED_EVENT_TYPE,
			Timestamp: time.Now(),
			Data: events.FlFinishedEvent{
				RunId:       result.RunId,
				ExitCode:    int32(result.ExitCode()),
				ExitMessage: result.ExitMessage(),
			},
		})
	}
}

func (p *Pipeline) flush() {
	if flusher, ok := p.sink.(interface{ Flush() }); ok {
		flusher.Flush()
	}
}

func (p *Pipeline) publishRoundFinished(roundResult *RoundResult) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(events.Event{
		Type:      common.ROUND_FINISHED_EVENT_TYPE,
		Timestamp: time.Now(),
		Data: events.RoundFinishedEvent{
			RunId:     p.runCtx.RunId,
			Round:     roundResult.Round,
			Skipped:   roundResult.Status == RoundSkipped,
			Evaluated: roundResult.Evaluated,
			Accuracy:  roundResult.Accuracy,
			Loss:      roundResult.Loss,
		},
	})
}
