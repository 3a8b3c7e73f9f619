package model

import "time"

// RunContext identifies one simulation run. StateDir is the per-run namespace used by the
// client state store and is removed when the run finishes.
type RunContext struct {
	RunId     string
	StartedAt time.Time
	StateDir  string
}

// ClientStats describes a client's private partition.
type ClientStats struct {
	ClientId      int
	NumSamples    int
	ClassCounts   []int
	KlFromOverall float64
}
