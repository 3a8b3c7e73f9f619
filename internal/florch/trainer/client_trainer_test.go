package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Kitsuya0828/DSFLplus/internal/clientstore"
	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/Kitsuya0828/DSFLplus/internal/dataset"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/ood"
	"github.com/Kitsuya0828/DSFLplus/internal/florch/softlabel"
	"github.com/Kitsuya0828/DSFLplus/internal/learner"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newProvider(t *testing.T) *dataset.InMemory {
	provider, err := dataset.NewSynthetic(dataset.SyntheticConfig{
		NumClasses:         3,
		NumFeatures:        4,
		PublicSize:         12,
		PrivateSize:        48,
		TestSize:           9,
		ClassSeparation:    3,
		Partition:          common.PARTITION_SHARDS,
		NumShardsPerClient: 2,
		PublicPrivateSplit: common.SPLIT_EVEN_CLASS,
	}, 4, 11)
	require.NoError(t, err)
	return provider
}

type fixture struct {
	provider *dataset.InMemory
	store    *clientstore.ClientStateStore
	global   learner.Model
	trainer  *ClientTrainer
}

func newFixture(t *testing.T, algorithm string) *fixture {
	t.Helper()
	provider := newProvider(t)
	store, err := clientstore.Open(common.STATE_BACKEND_DIR, filepath.Join(t.TempDir(), "run"), 1, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Destroy() })

	scorer, err := ood.NewScorer(common.OOD_SCORE_ENERGY, 1)
	require.NoError(t, err)

	global := learner.NewSoftmaxRegression(provider.NumFeatures(), provider.NumClasses())
	trainer, err := NewClientTrainer(TrainerConfig{
		Algorithm:    algorithm,
		TrainOptions: learner.TrainOptions{Epochs: 2, BatchSize: 4, LearningRate: 0.1},
		KdOptions:    learner.TrainOptions{Epochs: 2, BatchSize: 4, LearningRate: 0.1},
	}, provider, store, global, scorer, hclog.NewNullLogger())
	require.NoError(t, err)

	return &fixture{provider: provider, store: store, global: global, trainer: trainer}
}

func roundPackage(round int, consensus *model.ConsensusSet) *model.RoundPackage {
	return &model.RoundPackage{Round: round, PublicIndices: []int{0, 3, 5, 7}, Consensus: consensus}
}

func TestNewClientTrainer_Validation(t *testing.T) {
	provider := newProvider(t)
	global := learner.NewSoftmaxRegression(provider.NumFeatures(), provider.NumClasses())

	_, err := NewClientTrainer(TrainerConfig{Algorithm: "fedprox"}, provider, nil, global, nil, hclog.NewNullLogger())
	assert.Error(t, err)

	_, err = NewClientTrainer(TrainerConfig{Algorithm: common.ALGORITHM_DSFL}, provider, nil, global, nil, hclog.NewNullLogger())
	assert.Error(t, err)

	_, err = NewClientTrainer(TrainerConfig{Algorithm: common.ALGORITHM_SINGLE}, provider, nil, global, nil, hclog.NewNullLogger())
	assert.NoError(t, err)
}

func TestLocalProcess_SingleTrainsGlobalModel(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_SINGLE)
	before, err := f.global.MarshalBinary()
	require.NoError(t, err)

	output, err := f.trainer.LocalProcess(context.Background(), 0, roundPackage(0, nil))
	require.NoError(t, err)
	assert.Nil(t, output)

	after, err := f.global.MarshalBinary()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, 0, f.store.NumClients())
}

func TestLocalProcess_DistillationVotesOnSlice(t *testing.T) {
	for _, algorithm := range []string{common.ALGORITHM_DSFL, common.ALGORITHM_DSFL_PLUS} {
		t.Run(algorithm, func(t *testing.T) {
			f := newFixture(t, algorithm)
			pkg := roundPackage(0, nil)

			output, err := f.trainer.LocalProcess(context.Background(), 2, pkg)
			require.NoError(t, err)
			assert.Equal(t, 2, output.ClientId)
			assert.Equal(t, pkg.PublicIndices, output.Indices)
			assert.Nil(t, output.Labels)
			labels, err := softlabel.Decode(output.Payload)
			require.NoError(t, err)
			require.Len(t, labels, len(pkg.PublicIndices))
			for _, label := range labels {
				require.NoError(t, softlabel.Validate(label, 3))
			}

			if algorithm == common.ALGORITHM_DSFL_PLUS {
				assert.Len(t, output.Scores, len(pkg.PublicIndices))
			} else {
				assert.Nil(t, output.Scores)
			}
			assert.Equal(t, 1, f.store.NumClients())
		})
	}
}

func TestLocalProcess_GlobalModelIsNotTouchedByClients(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	before, err := f.global.MarshalBinary()
	require.NoError(t, err)

	for clientId := 0; clientId < 4; clientId++ {
		_, err := f.trainer.LocalProcess(context.Background(), clientId, roundPackage(0, nil))
		require.NoError(t, err)
	}

	after, err := f.global.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLocalProcess_AtMostOneClientResident(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL_PLUS)
	for round := 0; round < 3; round++ {
		for clientId := 0; clientId < 4; clientId++ {
			_, err := f.trainer.LocalProcess(context.Background(), clientId, roundPackage(round, nil))
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 1, f.store.HighWaterMark())
	assert.Equal(t, 4, f.store.NumClients())
}

func TestLocalProcess_PersistedStateReproducesInference(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	_, err := f.trainer.LocalProcess(context.Background(), 1, roundPackage(0, nil))
	require.NoError(t, err)

	lease, err := f.store.Checkout(1)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 0, lease.Round)

	restored := learner.NewSoftmaxRegression(1, 1)
	require.NoError(t, restored.UnmarshalBinary(lease.Blob))

	x := f.provider.PublicInputs([]int{0, 1, 2})
	assert.True(t, mat.Equal(f.trainer.scratch.Logits(x), restored.Logits(x)))
}

func TestLocalProcess_ConsensusIsDistilled(t *testing.T) {
	consensus := &model.ConsensusSet{
		Round:   0,
		Indices: []int{1, 2},
		Labels:  []model.SoftLabel{{1, 0, 0}, {1, 0, 0}},
	}

	blobs := [][]byte{}
	for _, c := range []*model.ConsensusSet{nil, consensus} {
		f := newFixture(t, common.ALGORITHM_DSFL)
		_, err := f.trainer.LocalProcess(context.Background(), 0, roundPackage(1, c))
		require.NoError(t, err)
		blob, err := f.trainer.scratch.MarshalBinary()
		require.NoError(t, err)
		blobs = append(blobs, blob)
	}
	assert.NotEqual(t, blobs[0], blobs[1])
}

func TestLocalProcess_DistillsBroadcastPayload(t *testing.T) {
	labels := []model.SoftLabel{{1, 0, 0}, {1, 0, 0}}
	inProcess := &model.ConsensusSet{Round: 0, Indices: []int{1, 2}, Labels: labels}

	direct := newFixture(t, common.ALGORITHM_DSFL)
	_, err := direct.trainer.LocalProcess(context.Background(), 0, roundPackage(1, inProcess))
	require.NoError(t, err)

	encoded := newFixture(t, common.ALGORITHM_DSFL)
	pkg := roundPackage(1, &model.ConsensusSet{Round: 0, Indices: []int{1, 2}})
	pkg.ConsensusPayload = softlabel.Encode(labels)
	_, err = encoded.trainer.LocalProcess(context.Background(), 0, pkg)
	require.NoError(t, err)

	// one-hot labels survive float32 exactly
	x := direct.provider.PublicInputs([]int{0, 1, 2})
	assert.True(t, mat.Equal(direct.trainer.scratch.Logits(x), encoded.trainer.scratch.Logits(x)))
}

func TestLocalProcess_MalformedConsensusPayload(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	pkg := roundPackage(1, &model.ConsensusSet{Round: 0, Indices: []int{1, 2}})
	pkg.ConsensusPayload = softlabel.Encode([]model.SoftLabel{{1, 0, 0}})

	_, err := f.trainer.LocalProcess(context.Background(), 0, pkg)
	assert.Error(t, err)

	pkg.ConsensusPayload = []byte{1, 2, 3}
	_, err = f.trainer.LocalProcess(context.Background(), 0, pkg)
	assert.Error(t, err)
}

func TestLocalProcess_MissingStateIsFatal(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	_, err := f.trainer.LocalProcess(context.Background(), 3, roundPackage(0, nil))
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.store.Dir(), "client_000003.state")))

	_, err = f.trainer.LocalProcess(context.Background(), 3, roundPackage(1, nil))
	assert.ErrorIs(t, err, clientstore.ErrMissingState)

	_, err = os.Stat(filepath.Join(f.store.Dir(), "client_000003.state"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalProcess_UndecodableStateIsFatal(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	lease, err := f.store.Checkout(1)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(0, []byte("not a model")))

	_, err = f.trainer.LocalProcess(context.Background(), 1, roundPackage(1, nil))
	assert.ErrorIs(t, err, clientstore.ErrCorruptState)

	// the failed lease was released
	lease, err = f.store.Checkout(2)
	require.NoError(t, err)
	lease.Release()
}

func TestLocalProcess_CancelledContext(t *testing.T) {
	f := newFixture(t, common.ALGORITHM_DSFL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.trainer.LocalProcess(ctx, 0, roundPackage(0, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.store.NumClients())
}
