package clientstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []string{common.STATE_BACKEND_DIR, common.STATE_BACKEND_BOLT}

func openStore(t *testing.T, backend string) *ClientStateStore {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run")
	store, err := Open(backend, dir, 1, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Destroy())
	})
	return store
}

func TestClientStateStore_FirstCheckoutIsFresh(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := openStore(t, backend)

			lease, err := store.Checkout(3)
			require.NoError(t, err)
			assert.True(t, lease.Fresh)
			assert.Nil(t, lease.Blob)
			lease.Release()
		})
	}
}

func TestClientStateStore_CommitThenCheckoutRoundTrips(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			store := openStore(t, backend)

			lease, err := store.Checkout(1)
			require.NoError(t, err)
			require.NoError(t, lease.Commit(0, []byte("weights-v1")))

			lease, err = store.Checkout(1)
			require.NoError(t, err)
			assert.False(t, lease.Fresh)
			assert.Equal(t, []byte("weights-v1"), lease.Blob)
			assert.Equal(t, 0, lease.Round)

			// rewriting the same round replaces the state instead of merging
			require.NoError(t, lease.Commit(0, []byte("weights-v1")))
			lease, err = store.Checkout(1)
			require.NoError(t, err)
			assert.Equal(t, []byte("weights-v1"), lease.Blob)
			require.NoError(t, lease.Commit(1, []byte("w2")))

			lease, err = store.Checkout(1)
			require.NoError(t, err)
			assert.Equal(t, []byte("w2"), lease.Blob)
			assert.Equal(t, 1, lease.Round)
			lease.Release()
			assert.Equal(t, 1, store.NumClients())
		})
	}
}

func TestClientStateStore_OnlyOneLeaseAtATime(t *testing.T) {
	store := openStore(t, common.STATE_BACKEND_DIR)

	first, err := store.Checkout(0)
	require.NoError(t, err)

	_, err = store.Checkout(1)
	assert.ErrorIs(t, err, ErrAlreadyCheckedOut)
	_, err = store.Checkout(0)
	assert.ErrorIs(t, err, ErrAlreadyCheckedOut)

	first.Release()
	second, err := store.Checkout(1)
	require.NoError(t, err)
	second.Release()

	assert.Equal(t, 1, store.HighWaterMark())
}

func TestClientStateStore_MissingStateIsFatal(t *testing.T) {
	store := openStore(t, common.STATE_BACKEND_DIR)

	lease, err := store.Checkout(2)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(0, []byte("state")))

	require.NoError(t, os.Remove(filepath.Join(store.Dir(), "client_000002.state")))

	_, err = store.Checkout(2)
	assert.ErrorIs(t, err, ErrMissingState)
}

func TestClientStateStore_CorruptedStateIsFatal(t *testing.T) {
	store := openStore(t, common.STATE_BACKEND_DIR)

	lease, err := store.Checkout(2)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(0, []byte("state")))

	path := filepath.Join(store.Dir(), "client_000002.state")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = store.Checkout(2)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestClientStateStore_StateOfAnotherClientIsRejected(t *testing.T) {
	store := openStore(t, common.STATE_BACKEND_BOLT)

	for _, id := range []int{4, 5} {
		lease, err := store.Checkout(id)
		require.NoError(t, err)
		require.NoError(t, lease.Commit(0, []byte{byte(id)}))
	}

	foreign, err := store.backend.Get(5)
	require.NoError(t, err)
	require.NoError(t, store.backend.Put(4, foreign))

	_, err = store.Checkout(4)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestOpen_RefusesExistingRunDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(common.STATE_BACKEND_DIR, dir, 1, hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestOpen_UnknownBackendLeavesNoDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	_, err := Open("redis", dir, 1, hclog.NewNullLogger())
	require.Error(t, err)
	assert.NoDirExists(t, dir)
}

func TestClientStateStore_DestroyRemovesRunDirectory(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "run")
			store, err := Open(backend, dir, 1, hclog.NewNullLogger())
			require.NoError(t, err)

			lease, err := store.Checkout(0)
			require.NoError(t, err)
			require.NoError(t, lease.Commit(0, []byte("state")))

			require.NoError(t, store.Destroy())
			assert.NoDirExists(t, dir)
			require.NoError(t, store.Destroy())

			_, err = store.Checkout(0)
			assert.ErrorIs(t, err, ErrDestroyed)
		})
	}
}
