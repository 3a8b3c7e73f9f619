// Package dataset provides the data the simulation runs on: a shared unlabeled public pool
// addressed by index, one private labeled partition per client and a held-out test split.
package dataset

import (
	"fmt"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"gonum.org/v1/gonum/mat"
)

type Provider interface {
	NumClients() int
	NumClasses() int
	NumFeatures() int
	PublicSize() int
	// PublicInputs returns the inputs of the given public samples, in the given order.
	PublicInputs(indices []int) *mat.Dense
	// PrivateBatches returns the client's private partition cut into batches.
	PrivateBatches(clientId int, batchSize int) []learner.Batch
	Test() learner.Batch
	ClientStats() []model.ClientStats
}

// InMemory keeps every split in memory. Private partitions are row indices into the
// private pool.
type InMemory struct {
	numClasses int
	public     *mat.Dense
	private    learner.Batch
	partitions [][]int
	test       learner.Batch
}

func NewInMemory(numClasses int, public *mat.Dense, private learner.Batch, partitions [][]int, test learner.Batch) (*InMemory, error) {
	pr, pc := public.Dims()
	if pr == 0 {
		return nil, fmt.Errorf("public pool is empty")
	}
	if private.X != nil {
		if _, c := private.X.Dims(); c != pc {
			return nil, fmt.Errorf("private features %d do not match public features %d", c, pc)
		}
	}
	for clientId, part := range partitions {
		for _, row := range part {
			if row < 0 || row >= private.Len() {
				return nil, fmt.Errorf("client %d partition references private row %d out of %d", clientId, row, private.Len())
			}
		}
	}

	return &InMemory{
		numClasses: numClasses,
		public:     public,
		private:    private,
		partitions: partitions,
		test:       test,
	}, nil
}

func (d *InMemory) NumClients() int {
	return len(d.partitions)
}

func (d *InMemory) NumClasses() int {
	return d.numClasses
}

func (d *InMemory) NumFeatures() int {
	_, c := d.public.Dims()
	return c
}

func (d *InMemory) PublicSize() int {
	r, _ := d.public.Dims()
	return r
}

func (d *InMemory) PublicInputs(indices []int) *mat.Dense {
	return gatherRows(d.public, indices)
}

func (d *InMemory) PrivateBatches(clientId int, batchSize int) []learner.Batch {
	if clientId < 0 || clientId >= len(d.partitions) || len(d.partitions[clientId]) == 0 {
		return nil
	}
	rows := d.partitions[clientId]
	x := gatherRows(d.private.X, rows)
	y := make([]int, len(rows))
	for i, row := range rows {
		y[i] = d.private.Y[row]
	}
	return learner.Split(x, y, batchSize)
}

func (d *InMemory) Test() learner.Batch {
	return d.test
}

func (d *InMemory) ClientStats() []model.ClientStats {
	overallCounts := make([]int, d.numClasses)
	stats := make([]model.ClientStats, len(d.partitions))
	for clientId, rows := range d.partitions {
		counts := make([]int, d.numClasses)
		for _, row := range rows {
			counts[d.private.Y[row]]++
			overallCounts[d.private.Y[row]]++
		}
		stats[clientId] = model.ClientStats{
			ClientId:    clientId,
			NumSamples:  len(rows),
			ClassCounts: counts,
		}
	}

	overall := toDistribution(overallCounts)
	for i := range stats {
		if stats[i].NumSamples == 0 {
			continue
		}
		stats[i].KlFromOverall = common.KlDivergence(toDistribution(stats[i].ClassCounts), overall)
	}
	return stats
}

func gatherRows(src *mat.Dense, rows []int) *mat.Dense {
	_, c := src.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, row := range rows {
		out.SetRow(i, src.RawRowView(row))
	}
	return out
}

func toDistribution(counts []int) []float64 {
	total := 0
	for _, c := range counts {
		total += c
	}
	dist := make([]float64, len(counts))
	if total == 0 {
		return dist
	}
	for i, c := range counts {
		dist[i] = float64(c) / float64(total)
	}
	return dist
}
