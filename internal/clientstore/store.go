// Package clientstore persists every simulated client's trainable state between rounds so that
// only one client's state has to be resident in memory at a time.
package clientstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Kitsuya0828/DSFLplus/internal/common"
)

var (
	ErrNotFound          = errors.New("client state not found")
	ErrCorruptState      = errors.New("client state is corrupted")
	ErrMissingState      = errors.New("client state is missing for a client that was already trained")
	ErrAlreadyCheckedOut = errors.New("client state checkout limit reached")
	ErrDestroyed         = errors.New("client state store was destroyed")
)

// IClientStateStore is a key-value backend keyed by client id and scoped to one run directory.
type IClientStateStore interface {
	// Get returns ErrNotFound when nothing was stored for the client.
	Get(clientId int) ([]byte, error)
	// Put replaces the client's blob atomically.
	Put(clientId int, blob []byte) error
	Close() error
}

// NewBackend opens the named backend inside dir. dir must already exist.
func NewBackend(backend string, dir string) (IClientStateStore, error) {
	switch backend {
	case common.STATE_BACKEND_DIR:
		return NewDirStore(dir), nil
	case common.STATE_BACKEND_BOLT:
		return NewBoltStore(filepath.Join(dir, boltFileName))
	default:
		return nil, fmt.Errorf("invalid state backend: %s", backend)
	}
}

// createRunDir creates the per-run directory and refuses to reuse an existing one, so a run can
// never pick up another run's client state.
func createRunDir(dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o700); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("state directory %s already exists", dir)
		}
		return err
	}
	return nil
}
