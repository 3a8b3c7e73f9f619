package dataset

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"gonum.org/v1/gonum/stat/distmv"
)

// Partition assigns every private row to exactly one client.
func Partition(strategy string, labels []int, numClasses int, numClients int, numShardsPerClient int,
	dirAlpha float64, rng *rand.Rand) ([][]int, error) {
	switch strategy {
	case common.PARTITION_SHARDS:
		return partitionShards(labels, numClients, numShardsPerClient, rng)
	case common.PARTITION_HETERO_DIR:
		return partitionHeteroDirichlet(labels, numClasses, numClients, dirAlpha, rng)
	case common.PARTITION_CLIENT_INNER_DIR:
		return partitionClientInnerDirichlet(labels, numClasses, numClients, dirAlpha, rng)
	default:
		return nil, fmt.Errorf("invalid partition: %s", strategy)
	}
}

// partitionShards sorts rows by label, cuts them into numClients*numShardsPerClient shards and
// deals the shards out at random.
func partitionShards(labels []int, numClients int, numShardsPerClient int, rng *rand.Rand) ([][]int, error) {
	numShards := numClients * numShardsPerClient
	if numShards == 0 || numShards > len(labels) {
		return nil, fmt.Errorf("cannot cut %d samples into %d shards", len(labels), numShards)
	}

	rows := make([]int, len(labels))
	for i := range rows {
		rows[i] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return labels[rows[i]] < labels[rows[j]]
	})

	shardSize := len(rows) / numShards
	order := rng.Perm(numShards)
	partitions := make([][]int, numClients)
	for i, shard := range order {
		client := i / numShardsPerClient
		start := shard * shardSize
		end := start + shardSize
		if shard == numShards-1 {
			end = len(rows)
		}
		partitions[client] = append(partitions[client], rows[start:end]...)
	}
	for _, part := range partitions {
		sort.Ints(part)
	}
	return partitions, nil
}

// partitionHeteroDirichlet splits each class across clients with proportions drawn from
// Dirichlet(alpha).
func partitionHeteroDirichlet(labels []int, numClasses int, numClients int, alpha float64, rng *rand.Rand) ([][]int, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("dir_alpha must be positive, got %f", alpha)
	}

	alphas := make([]float64, numClients)
	for i := range alphas {
		alphas[i] = alpha
	}
	dirichlet := distmv.NewDirichlet(alphas, rand.NewPCG(rng.Uint64(), rng.Uint64()))

	byClass := make([][]int, numClasses)
	for row, y := range labels {
		byClass[y] = append(byClass[y], row)
	}

	partitions := make([][]int, numClients)
	for _, rows := range byClass {
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		proportions := dirichlet.Rand(nil)

		start := 0
		cumulative := 0.0
		for client := 0; client < numClients; client++ {
			cumulative += proportions[client]
			end := int(cumulative * float64(len(rows)))
			if client == numClients-1 || end > len(rows) {
				end = len(rows)
			}
			if end < start {
				end = start
			}
			partitions[client] = append(partitions[client], rows[start:end]...)
			start = end
		}
	}
	for _, part := range partitions {
		sort.Ints(part)
	}
	return partitions, nil
}

// partitionClientInnerDirichlet gives every client the same number of rows (the remainder goes to
// the lowest ids) and draws each client's class mix from Dirichlet(alpha) over the classes.
// Clients fill their quota one row at a time in random order; an exhausted class is dropped from
// every client's mix.
func partitionClientInnerDirichlet(labels []int, numClasses int, numClients int, alpha float64,
	rng *rand.Rand) ([][]int, error) {
	if alpha <= 0 {
		return nil, fmt.Errorf("dir_alpha must be positive, got %f", alpha)
	}
	if numClients == 0 || numClients > len(labels) {
		return nil, fmt.Errorf("cannot split %d samples evenly across %d clients", len(labels), numClients)
	}

	byClass := make([][]int, numClasses)
	for row, y := range labels {
		byClass[y] = append(byClass[y], row)
	}
	for _, rows := range byClass {
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	}

	alphas := make([]float64, numClasses)
	for i := range alphas {
		alphas[i] = alpha
	}
	dirichlet := distmv.NewDirichlet(alphas, rand.NewPCG(rng.Uint64(), rng.Uint64()))

	quotas := make([]int, numClients)
	mixes := make([][]float64, numClients)
	active := make([]int, numClients)
	for client := range quotas {
		quotas[client] = len(labels) / numClients
		if client < len(labels)%numClients {
			quotas[client]++
		}
		mixes[client] = dirichlet.Rand(nil)
		active[client] = client
	}

	partitions := make([][]int, numClients)
	for len(active) > 0 {
		slot := rng.IntN(len(active))
		client := active[slot]

		class := drawClass(mixes[client], byClass, rng)
		last := len(byClass[class]) - 1
		partitions[client] = append(partitions[client], byClass[class][last])
		byClass[class] = byClass[class][:last]

		if len(partitions[client]) == quotas[client] {
			active[slot] = active[len(active)-1]
			active = active[:len(active)-1]
		}
	}
	for _, part := range partitions {
		sort.Ints(part)
	}
	return partitions, nil
}

// drawClass samples a class from mix restricted to the classes that still have rows.
func drawClass(mix []float64, byClass [][]int, rng *rand.Rand) int {
	total := 0.0
	for k, rows := range byClass {
		if len(rows) > 0 {
			total += mix[k]
		}
	}

	u := rng.Float64() * total
	last := -1
	for k, rows := range byClass {
		if len(rows) == 0 {
			continue
		}
		last = k
		u -= mix[k]
		if u < 0 {
			return k
		}
	}
	return last
}

// SplitPublicPrivate picks publicSize rows of a labeled pool for the public set; the rest become
// private. even_class takes the same number of rows from every class, random_sample ignores labels.
func SplitPublicPrivate(strategy string, labels []int, numClasses int, publicSize int,
	rng *rand.Rand) ([]int, []int, error) {
	if publicSize <= 0 || publicSize >= len(labels) {
		return nil, nil, fmt.Errorf("cannot take %d public rows out of %d", publicSize, len(labels))
	}

	isPublic := make([]bool, len(labels))
	switch strategy {
	case common.SPLIT_EVEN_CLASS:
		byClass := make([][]int, numClasses)
		for row, y := range labels {
			byClass[y] = append(byClass[y], row)
		}
		for k, rows := range byClass {
			take := publicSize / numClasses
			if k < publicSize%numClasses {
				take++
			}
			if take > len(rows) {
				return nil, nil, fmt.Errorf("class %d has %d rows, even split needs %d", k, len(rows), take)
			}
			for _, i := range rng.Perm(len(rows))[:take] {
				isPublic[rows[i]] = true
			}
		}
	case common.SPLIT_RANDOM_SAMPLE:
		for _, row := range rng.Perm(len(labels))[:publicSize] {
			isPublic[row] = true
		}
	default:
		return nil, nil, fmt.Errorf("invalid public/private split: %s", strategy)
	}

	public := make([]int, 0, publicSize)
	private := make([]int, 0, len(labels)-publicSize)
	for row, ok := range isPublic {
		if ok {
			public = append(public, row)
		} else {
			private = append(private, row)
		}
	}
	return public, private, nil
}
