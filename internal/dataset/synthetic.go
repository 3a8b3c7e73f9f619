package dataset

import (
	"fmt"
	"math/rand/v2"

	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"gonum.org/v1/gonum/mat"
)

// SyntheticConfig describes a Gaussian-blob classification task: one isotropic cluster per
// class, centers drawn at random with the given separation.
type SyntheticConfig struct {
	NumClasses         int     `yaml:"num_classes" json:"numClasses"`
	NumFeatures        int     `yaml:"num_features" json:"numFeatures"`
	PublicSize         int     `yaml:"public_size" json:"publicSize"`
	PrivateSize        int     `yaml:"private_size" json:"privateSize"`
	TestSize           int     `yaml:"test_size" json:"testSize"`
	ClassSeparation    float64 `yaml:"class_separation" json:"classSeparation"`
	Partition          string  `yaml:"partition" json:"partition"`
	NumShardsPerClient int     `yaml:"num_shards_per_client" json:"numShardsPerClient"`
	DirAlpha           float64 `yaml:"dir_alpha" json:"dirAlpha"`
	PublicPrivateSplit string  `yaml:"public_private_split" json:"publicPrivateSplit"`
}

// NewSynthetic draws one pool for the public and private sets, splits it with the configured
// strategy, draws the test set and partitions the private rows across numClients clients. The
// same seed always yields the same dataset.
func NewSynthetic(config SyntheticConfig, numClients int, seed uint64) (*InMemory, error) {
	if config.NumClasses < 2 || config.NumFeatures < 1 {
		return nil, fmt.Errorf("synthetic task needs at least 2 classes and 1 feature")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	centers := mat.NewDense(config.NumClasses, config.NumFeatures, nil)
	for k := 0; k < config.NumClasses; k++ {
		for f := 0; f < config.NumFeatures; f++ {
			centers.Set(k, f, rng.NormFloat64()*config.ClassSeparation)
		}
	}

	pool := sampleBlobs(centers, config.PublicSize+config.PrivateSize, rng)
	test := sampleBlobs(centers, config.TestSize, rng)

	publicRows, privateRows, err := SplitPublicPrivate(config.PublicPrivateSplit, pool.Y, config.NumClasses,
		config.PublicSize, rng)
	if err != nil {
		return nil, err
	}
	public := gatherRows(pool.X, publicRows)
	private := learner.Batch{X: gatherRows(pool.X, privateRows), Y: make([]int, len(privateRows))}
	for i, row := range privateRows {
		private.Y[i] = pool.Y[row]
	}

	partitions, err := Partition(config.Partition, private.Y, config.NumClasses, numClients,
		config.NumShardsPerClient, config.DirAlpha, rng)
	if err != nil {
		return nil, err
	}

	return NewInMemory(config.NumClasses, public, private, partitions, test)
}

func sampleBlobs(centers *mat.Dense, n int, rng *rand.Rand) learner.Batch {
	numClasses, numFeatures := centers.Dims()
	x := mat.NewDense(n, numFeatures, nil)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		k := i % numClasses
		y[i] = k
		for f := 0; f < numFeatures; f++ {
			x.Set(i, f, centers.At(k, f)+rng.NormFloat64())
		}
	}
	return learner.Batch{X: x, Y: y}
}
