package clientstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DirStore keeps one file per client.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (store *DirStore) path(clientId int) string {
	return filepath.Join(store.dir, fmt.Sprintf("client_%06d.state", clientId))
}

func (store *DirStore) Get(clientId int) ([]byte, error) {
	data, err := os.ReadFile(store.path(clientId))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes to a temporary file and renames it over the previous state, so a crash mid-write
// never leaves a half-written state behind.
func (store *DirStore) Put(clientId int, blob []byte) error {
	tmp, err := os.CreateTemp(store.dir, fmt.Sprintf("client_%06d.*.tmp", clientId))
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, store.path(clientId))
}

func (store *DirStore) Close() error {
	return nil
}
