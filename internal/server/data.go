package server

import (
	"encoding/json"
	"io"
	"time"
)

func toJSON(i interface{}, w io.Writer) error {
	e := json.NewEncoder(w)
	return e.Encode(i)
}

func fromJSON(i interface{}, r io.Reader) error {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	return d.Decode(i)
}

type StartFlResponse struct {
	RunId string `json:"runId"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// RunStatus is the externally visible state of one simulation run.
type RunStatus struct {
	RunId         string    `json:"runId"`
	Algorithm     string    `json:"algorithm"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
	ComRounds     int       `json:"comRounds"`
	RoundsDone    int       `json:"roundsDone"`
	SkippedRounds int       `json:"skippedRounds"`
	Accuracy      float64   `json:"accuracy"`
	Loss          float64   `json:"loss"`
	ExitCode      *int32    `json:"exitCode,omitempty"`
	ExitMessage   string    `json:"exitMessage,omitempty"`
}

const RUNNING_STATE = "running"
