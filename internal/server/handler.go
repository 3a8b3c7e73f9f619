package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/events"
	"github.com/Kitsuya0828/DSFLplus/internal/florch"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/flconfig"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
)

type flRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	status RunStatus
}

// Handler serves the run control API. Every started run gets its own pipeline goroutine.
type Handler struct {
	logger   hclog.Logger
	eventBus *events.EventBus
	cron     *cron.Cron

	mu   sync.Mutex
	runs map[string]*flRun
}

func NewHandler(logger hclog.Logger, eventBus *events.EventBus) *Handler {
	handler := &Handler{
		logger:   logger,
		eventBus: eventBus,
		runs:     map[string]*flRun{},
	}

	roundFinishedChan := make(chan events.Event, 256)
	eventBus.Subscribe(common.ROUND_FINISHED_EVENT_TYPE, roundFinishedChan)
	go handler.roundFinishedHandler(roundFinishedChan)

	return handler
}

// NewRouter registers the API routes on a fresh router.
func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/fl/start", handler.StartFl).Methods(http.MethodPost)
	router.HandleFunc("/fl/status", handler.ListFl).Methods(http.MethodGet)
	router.HandleFunc("/fl/status/{runId}", handler.StatusFl).Methods(http.MethodGet)
	router.HandleFunc("/fl/stop/{runId}", handler.StopFl).Methods(http.MethodPost)
	return router
}

func (handler *Handler) StartFl(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	config := flconfig.DefaultFlConfiguration()
	if err := fromJSON(config, r.Body); err != nil {
		handler.logger.Error("error starting FL", "error", err)
		rw.WriteHeader(http.StatusBadRequest)
		toJSON(ErrorResponse{Error: err.Error()}, rw)
		return
	}

	runCtx := florch.NewRunContext(config.StateRoot, time.Now())
	pipeline, err := florch.BuildPipeline(config, runCtx, nil, handler.eventBus, handler.logger.Named(runCtx.RunId))
	if err != nil {
		handler.logger.Error("error starting FL", "error", err)
		if errors.Is(err, flconfig.ErrInvalidConfiguration) {
			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusInternalServerError)
		}
		toJSON(ErrorResponse{Error: err.Error()}, rw)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &flRun{
		cancel: cancel,
		done:   make(chan struct{}),
		status: RunStatus{
			RunId:     runCtx.RunId,
			Algorithm: config.Algorithm,
			State:     RUNNING_STATE,
			StartedAt: runCtx.StartedAt,
			ComRounds: config.ComRounds,
		},
	}

	handler.mu.Lock()
	handler.runs[runCtx.RunId] = run
	handler.mu.Unlock()

	handler.logger.Info(fmt.Sprintf("Starting FL run %s with algorithm %s for %d rounds", runCtx.RunId, config.Algorithm,
		config.ComRounds))

	go func() {
		defer close(run.done)
		defer cancel()
		result := pipeline.Run(ctx)
		handler.finishRun(result)
	}()

	rw.WriteHeader(http.StatusOK)
	toJSON(StartFlResponse{RunId: runCtx.RunId}, rw)
}

func (handler *Handler) StatusFl(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	status, ok := handler.runStatus(getURLParameter(r, "runId"))
	if !ok {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Error: "no run with the given ID"}, rw)
		return
	}

	rw.WriteHeader(http.StatusOK)
	toJSON(status, rw)
}

func (handler *Handler) ListFl(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	toJSON(handler.allRunStatuses(), rw)
}

func (handler *Handler) StopFl(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Add("Content-Type", "application/json")

	runId := getURLParameter(r, "runId")
	handler.logger.Info(fmt.Sprintf("Stopping FL with run ID: %s", runId))

	handler.mu.Lock()
	run := handler.runs[runId]
	handler.mu.Unlock()

	if run == nil {
		rw.WriteHeader(http.StatusNotFound)
		toJSON(ErrorResponse{Error: "no run with the given ID"}, rw)
		return
	}

	run.cancel()
	<-run.done

	status, _ := handler.runStatus(runId)
	rw.WriteHeader(http.StatusOK)
	toJSON(status, rw)
}

// StartStatusNotifier logs the active runs on the given cron schedule, e.g. "@every 30s".
func (handler *Handler) StartStatusNotifier(schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, handler.logActiveRuns); err != nil {
		return fmt.Errorf("invalid status schedule %q: %w", schedule, err)
	}
	c.Start()
	handler.cron = c
	return nil
}

// Shutdown stops the notifier and cancels every active run, waiting for their cleanup.
func (handler *Handler) Shutdown() {
	if handler.cron != nil {
		<-handler.cron.Stop().Done()
	}

	handler.mu.Lock()
	runs := make([]*flRun, 0, len(handler.runs))
	for _, run := range handler.runs {
		runs = append(runs, run)
	}
	handler.mu.Unlock()

	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}

func (handler *Handler) logActiveRuns() {
	active := 0
	for _, status := range handler.allRunStatuses() {
		if status.State != RUNNING_STATE {
			continue
		}
		active++
		handler.logger.Info(fmt.Sprintf("Run %s: round %d/%d, accuracy %.4f", status.RunId, status.RoundsDone,
			status.ComRounds, status.Accuracy))
	}
	handler.logger.Debug("active runs", "count", active)
}

func (handler *Handler) roundFinishedHandler(eventChan <-chan events.Event) {
	for event := range eventChan {
		roundFinishedEvent, ok := event.Data.(events.RoundFinishedEvent)
		if !ok {
			handler.logger.Info("Invalid event data")
			continue
		}

		handler.mu.Lock()
		run := handler.runs[roundFinishedEvent.RunId]
		if run != nil && run.status.State == RUNNING_STATE && roundFinishedEvent.Round+1 > run.status.RoundsDone {
			run.status.RoundsDone = roundFinishedEvent.Round + 1
			if roundFinishedEvent.Skipped {
				run.status.SkippedRounds++
			}
			if roundFinishedEvent.Evaluated {
				run.status.Accuracy = roundFinishedEvent.Accuracy
				run.status.Loss = roundFinishedEvent.Loss
			}
		}
		handler.mu.Unlock()
	}
}

func (handler *Handler) finishRun(result *florch.RunResult) {
	exitCode := int32(result.ExitCode())

	handler.mu.Lock()
	defer handler.mu.Unlock()
	run := handler.runs[result.RunId]
	if run == nil {
		return
	}
	run.status.State = string(result.Status)
	run.status.RoundsDone = len(result.Rounds)
	run.status.SkippedRounds = result.SkippedRounds()
	run.status.Accuracy = result.FinalAccuracy
	run.status.Loss = result.FinalLoss
	run.status.ExitCode = &exitCode
	run.status.ExitMessage = result.ExitMessage()
}

func (handler *Handler) runStatus(runId string) (RunStatus, bool) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	run, ok := handler.runs[runId]
	if !ok {
		return RunStatus{}, false
	}
	return run.status, true
}

func (handler *Handler) allRunStatuses() []RunStatus {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	statuses := make([]RunStatus, 0, len(handler.runs))
	for _, run := range handler.runs {
		statuses = append(statuses, run.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].RunId < statuses[j].RunId
	})
	return statuses
}

func getURLParameter(r *http.Request, parameter string) string {
	vars := mux.Vars(r)
	id := vars[parameter]
	return id
}
