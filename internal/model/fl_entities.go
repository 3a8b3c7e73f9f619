package model

// SoftLabel is a probability distribution over the classes for one public sample.
type SoftLabel []float64

// ClientOutput is what one client reports to the server in a round. Labels and Scores are
// aligned with Indices. Scores is nil unless OOD detection is enabled. A client uploads its labels
// as Payload; the server fills Labels when it decodes them.
type ClientOutput struct {
	ClientId int
	Indices  []int
	Labels   []SoftLabel
	Payload  []byte
	Scores   []float64
}

// ConsensusSet maps the public samples that survived aggregation to their fused soft label.
// It is replaced every round.
type ConsensusSet struct {
	Round   int
	Indices []int
	Labels  []SoftLabel
	Dropped []int
}

func (c *ConsensusSet) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Indices)
}

// RoundPackage is broadcast by the server to every client selected for a round. The consensus
// labels travel encoded in ConsensusPayload; Consensus only carries its indices then.
type RoundPackage struct {
	Round            int
	PublicIndices    []int
	Consensus        *ConsensusSet
	ConsensusPayload []byte
}
