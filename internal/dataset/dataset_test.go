package dataset

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testSyntheticConfig(partition string) SyntheticConfig {
	return SyntheticConfig{
		NumClasses:         4,
		NumFeatures:        3,
		PublicSize:         40,
		PrivateSize:        200,
		TestSize:           40,
		ClassSeparation:    3,
		Partition:          partition,
		NumShardsPerClient: 2,
		PublicPrivateSplit: common.SPLIT_EVEN_CLASS,
		DirAlpha:           0.5,
	}
}

func assertDisjointCover(t *testing.T, partitions [][]int, n int) {
	t.Helper()
	all := []int{}
	for _, part := range partitions {
		all = append(all, part...)
	}
	sort.Ints(all)
	require.Len(t, all, n)
	for i, row := range all {
		assert.Equal(t, i, row)
	}
}

func TestPartition_Shards(t *testing.T) {
	labels := make([]int, 100)
	for i := range labels {
		labels[i] = i % 5
	}
	partitions, err := Partition(common.PARTITION_SHARDS, labels, 5, 5, 2, 0, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	require.Len(t, partitions, 5)
	assertDisjointCover(t, partitions, 100)

	for _, part := range partitions {
		classes := map[int]bool{}
		for _, row := range part {
			classes[labels[row]] = true
		}
		assert.LessOrEqual(t, len(classes), 2, "two label-sorted shards span at most two classes")
	}
}

func TestPartition_HeteroDirichlet(t *testing.T) {
	labels := make([]int, 300)
	for i := range labels {
		labels[i] = i % 3
	}
	partitions, err := Partition(common.PARTITION_HETERO_DIR, labels, 3, 6, 0, 0.3, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	assertDisjointCover(t, partitions, 300)
}

func TestPartition_ClientInnerDirichlet(t *testing.T) {
	labels := make([]int, 302)
	for i := range labels {
		labels[i] = i % 3
	}
	partitions, err := Partition(common.PARTITION_CLIENT_INNER_DIR, labels, 3, 6, 0, 0.3, rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	require.Len(t, partitions, 6)
	assertDisjointCover(t, partitions, 302)

	for client, part := range partitions {
		want := 50
		if client < 2 {
			want = 51
		}
		assert.Len(t, part, want)
	}

	again, err := Partition(common.PARTITION_CLIENT_INNER_DIR, labels, 3, 6, 0, 0.3, rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	assert.Equal(t, partitions, again)
}

func TestPartition_ClientInnerDirichletSkewsClients(t *testing.T) {
	labels := make([]int, 1000)
	for i := range labels {
		labels[i] = i % 10
	}
	partitions, err := Partition(common.PARTITION_CLIENT_INNER_DIR, labels, 10, 10, 0, 0.05, rand.New(rand.NewPCG(7, 8)))
	require.NoError(t, err)

	skewed := 0
	for _, part := range partitions {
		counts := make([]int, 10)
		for _, row := range part {
			counts[labels[row]]++
		}
		for _, c := range counts {
			if c > len(part)/2 {
				skewed++
				break
			}
		}
	}
	assert.Greater(t, skewed, 0, "a small alpha concentrates some client on one class")
}

func TestPartition_ClientInnerDirichletValidation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	_, err := Partition(common.PARTITION_CLIENT_INNER_DIR, []int{0, 1}, 2, 1, 0, 0, rng)
	assert.Error(t, err)
	_, err = Partition(common.PARTITION_CLIENT_INNER_DIR, []int{0, 1}, 2, 3, 0, 0.5, rng)
	assert.Error(t, err)
}

func TestSplitPublicPrivate(t *testing.T) {
	labels := make([]int, 120)
	for i := range labels {
		labels[i] = i % 4
	}

	for _, strategy := range []string{common.SPLIT_EVEN_CLASS, common.SPLIT_RANDOM_SAMPLE} {
		t.Run(strategy, func(t *testing.T) {
			public, private, err := SplitPublicPrivate(strategy, labels, 4, 42, rand.New(rand.NewPCG(9, 10)))
			require.NoError(t, err)
			assert.Len(t, public, 42)
			assert.Len(t, private, 78)
			assertDisjointCover(t, [][]int{public, private}, 120)

			if strategy == common.SPLIT_EVEN_CLASS {
				counts := make([]int, 4)
				for _, row := range public {
					counts[labels[row]]++
				}
				assert.Equal(t, []int{11, 11, 10, 10}, counts)
			}
		})
	}

	_, _, err := SplitPublicPrivate("stratified", labels, 4, 10, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
	_, _, err = SplitPublicPrivate(common.SPLIT_RANDOM_SAMPLE, labels, 4, 120, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
	// class 0 is padded to 50 rows, the others hold 30 and an even split of 124 needs 31 of each
	lopsided := append([]int{}, labels...)
	for i := 0; i < 20; i++ {
		lopsided = append(lopsided, 0)
	}
	_, _, err = SplitPublicPrivate(common.SPLIT_EVEN_CLASS, lopsided, 4, 124, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
}

func TestNewSynthetic_SplitStrategies(t *testing.T) {
	for _, strategy := range []string{common.SPLIT_EVEN_CLASS, common.SPLIT_RANDOM_SAMPLE} {
		config := testSyntheticConfig(common.PARTITION_CLIENT_INNER_DIR)
		config.PublicPrivateSplit = strategy
		d, err := NewSynthetic(config, 5, 3)
		require.NoError(t, err)
		assert.Equal(t, 40, d.PublicSize())

		total := 0
		for _, stats := range d.ClientStats() {
			for _, c := range stats.ClassCounts {
				total += c
			}
		}
		assert.Equal(t, 200, total)
	}

	config := testSyntheticConfig(common.PARTITION_SHARDS)
	config.PublicPrivateSplit = ""
	_, err := NewSynthetic(config, 5, 3)
	assert.Error(t, err)
}

func TestPartition_UnknownStrategy(t *testing.T) {
	_, err := Partition("iid", []int{0, 1}, 2, 1, 1, 0, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
}

func TestNewSynthetic_IsDeterministicPerSeed(t *testing.T) {
	a, err := NewSynthetic(testSyntheticConfig(common.PARTITION_SHARDS), 5, 42)
	require.NoError(t, err)
	b, err := NewSynthetic(testSyntheticConfig(common.PARTITION_SHARDS), 5, 42)
	require.NoError(t, err)

	assert.Equal(t, 40, a.PublicSize())
	assert.Equal(t, 5, a.NumClients())
	assert.True(t, mat.Equal(a.PublicInputs([]int{0, 7, 39}), b.PublicInputs([]int{0, 7, 39})))
	assert.Equal(t, a.ClientStats(), b.ClientStats())
}

func TestInMemory_PrivateBatchesAndStats(t *testing.T) {
	public := mat.NewDense(2, 1, []float64{0, 1})
	private := learner.Batch{X: mat.NewDense(4, 1, []float64{0, 1, 2, 3}), Y: []int{0, 0, 1, 1}}
	d, err := NewInMemory(2, public, private, [][]int{{0, 1}, {2, 3}}, learner.Batch{})
	require.NoError(t, err)

	batches := d.PrivateBatches(1, 1)
	require.Len(t, batches, 2)
	assert.Equal(t, 2.0, batches[0].X.At(0, 0))
	assert.Equal(t, []int{1}, batches[1].Y)

	stats := d.ClientStats()
	assert.Equal(t, []int{2, 0}, stats[0].ClassCounts)
	assert.InDelta(t, 0.6931, stats[0].KlFromOverall, 1e-3)
	assert.Nil(t, d.PrivateBatches(7, 1))
}

func TestNewInMemory_RejectsOutOfRangePartition(t *testing.T) {
	public := mat.NewDense(1, 1, []float64{0})
	private := learner.Batch{X: mat.NewDense(1, 1, []float64{0}), Y: []int{0}}
	_, err := NewInMemory(2, public, private, [][]int{{3}}, learner.Batch{})
	assert.Error(t, err)
}
