package clientstore

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ClientStateStore enforces the load -> mutate -> store discipline on top of a backend.
// A client's state is checked out as a Lease and is written back by Commit. At most
// maxCheckouts leases can be open at once; the serial trainer runs with a limit of one.
type ClientStateStore struct {
	backend      IClientStateStore
	dir          string
	logger       hclog.Logger
	maxCheckouts int

	mu            sync.Mutex
	seen          map[int]bool
	checkedOut    map[int]bool
	highWaterMark int
	destroyed     bool
}

// Lease is a checked-out client state. Blob is nil when the client has never been stored.
type Lease struct {
	store    *ClientStateStore
	ClientId int
	Blob     []byte
	Round    int
	Fresh    bool
	closed   bool
}

// Open creates the run directory dir, which must not exist yet, and opens the named backend in it.
func Open(backend string, dir string, maxCheckouts int, logger hclog.Logger) (*ClientStateStore, error) {
	if maxCheckouts < 1 {
		maxCheckouts = 1
	}
	if err := createRunDir(dir); err != nil {
		return nil, err
	}

	b, err := NewBackend(backend, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	logger.Debug("client state store opened", "backend", backend, "dir", dir)

	return &ClientStateStore{
		backend:      b,
		dir:          dir,
		logger:       logger,
		maxCheckouts: maxCheckouts,
		seen:         make(map[int]bool),
		checkedOut:   make(map[int]bool),
	}, nil
}

func (store *ClientStateStore) Dir() string {
	return store.dir
}

// Checkout loads the client's state. A client that was committed earlier in this run must
// still have a valid state; otherwise ErrMissingState or ErrCorruptState is returned and the
// caller must not fall back to a fresh state.
func (store *ClientStateStore) Checkout(clientId int) (*Lease, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.destroyed {
		return nil, ErrDestroyed
	}
	if store.checkedOut[clientId] {
		return nil, fmt.Errorf("client %d is already checked out: %w", clientId, ErrAlreadyCheckedOut)
	}
	if len(store.checkedOut) >= store.maxCheckouts {
		return nil, fmt.Errorf("client %d: %d of %d leases open: %w", clientId, len(store.checkedOut), store.maxCheckouts, ErrAlreadyCheckedOut)
	}

	lease := &Lease{store: store, ClientId: clientId}
	data, err := store.backend.Get(clientId)
	switch {
	case errors.Is(err, ErrNotFound):
		if store.seen[clientId] {
			return nil, fmt.Errorf("client %d: %w", clientId, ErrMissingState)
		}
		lease.Fresh = true
	case err != nil:
		return nil, fmt.Errorf("read client %d state: %w", clientId, err)
	default:
		if !store.seen[clientId] {
			return nil, fmt.Errorf("client %d: state present before first commit: %w", clientId, ErrCorruptState)
		}
		payload, round, err := decodeEnvelope(clientId, data)
		if err != nil {
			return nil, err
		}
		lease.Blob = payload
		lease.Round = round
	}

	store.checkedOut[clientId] = true
	if len(store.checkedOut) > store.highWaterMark {
		store.highWaterMark = len(store.checkedOut)
	}
	return lease, nil
}

// Commit writes the new state and releases the lease.
func (lease *Lease) Commit(round int, blob []byte) error {
	if lease.closed {
		return fmt.Errorf("client %d: lease already closed", lease.ClientId)
	}
	store := lease.store
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.destroyed {
		return ErrDestroyed
	}
	lease.closed = true
	delete(store.checkedOut, lease.ClientId)

	if err := store.backend.Put(lease.ClientId, encodeEnvelope(lease.ClientId, round, blob)); err != nil {
		return fmt.Errorf("write client %d state: %w", lease.ClientId, err)
	}
	store.seen[lease.ClientId] = true
	lease.Blob = nil
	return nil
}

// Release drops the lease without writing anything back.
func (lease *Lease) Release() {
	if lease.closed {
		return
	}
	store := lease.store
	store.mu.Lock()
	defer store.mu.Unlock()
	lease.closed = true
	lease.Blob = nil
	delete(store.checkedOut, lease.ClientId)
}

// HighWaterMark is the largest number of leases that were open at the same time.
func (store *ClientStateStore) HighWaterMark() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.highWaterMark
}

// NumClients returns how many distinct clients have a committed state.
func (store *ClientStateStore) NumClients() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.seen)
}

// Destroy closes the backend and removes the run directory. It is safe to call more than once.
func (store *ClientStateStore) Destroy() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.destroyed {
		return nil
	}
	store.destroyed = true

	closeErr := store.backend.Close()
	if err := os.RemoveAll(store.dir); err != nil {
		return err
	}
	store.logger.Debug("client state store removed", "dir", store.dir, "clients", len(store.seen))
	return closeErr
}
