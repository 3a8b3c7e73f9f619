package florch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
)

type RunStatus string

const (
	RunCompleted   RunStatus = "completed"
	RunStopped     RunStatus = "stopped"
	RunAborted     RunStatus = "aborted"
	RunInterrupted RunStatus = "interrupted"
)

type RoundStatus string

const (
	RoundDone    RoundStatus = "done"
	RoundSkipped RoundStatus = "skipped"
)

type RoundResult struct {
	Round         int
	Status        RoundStatus
	NumSampled    int
	ConsensusSize int
	Dropped       int
	Threshold     float64
	Evaluated     bool
	Accuracy      float64
	Loss          float64
	RoundCost     float64
	Duration      time.Duration
}

// RunResult is what Run returns on every exit path.
type RunResult struct {
	RunId            string
	Status           RunStatus
	StopReason       string
	Rounds           []RoundResult
	BaselineAccuracy float64
	FinalAccuracy    float64
	FinalLoss        float64
	TotalCost        float64
	Err              error
}

func (result *RunResult) SkippedRounds() int {
	skipped := 0
	for _, round := range result.Rounds {
		if round.Status == RoundSkipped {
			skipped++
		}
	}
	return skipped
}

// ExitCode maps the run outcome to the process exit code.
func (result *RunResult) ExitCode() int {
	switch result.Status {
	case RunCompleted, RunStopped:
		return common.EXIT_OK
	case RunInterrupted:
		return common.EXIT_INTERRUPTED
	default:
		return common.EXIT_FATAL
	}
}

func (result *RunResult) ExitMessage() string {
	switch result.Status {
	case RunStopped:
		return fmt.Sprintf("stopped after %d rounds: %s", len(result.Rounds), result.StopReason)
	case RunAborted, RunInterrupted:
		return fmt.Sprintf("%s after %d rounds: %v", result.Status, len(result.Rounds), result.Err)
	default:
		return fmt.Sprintf("completed %d rounds (%d skipped), final accuracy %.4f", len(result.Rounds),
			result.SkippedRounds(), result.FinalAccuracy)
	}
}

func statusForError(err error) RunStatus {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RunInterrupted
	}
	return RunAborted
}
