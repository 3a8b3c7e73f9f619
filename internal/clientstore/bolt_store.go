package clientstore

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const boltFileName = "clients.db"

var bucketClients = []byte("clients")

// BoltStore keeps all client states of a run in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClients)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func clientKey(clientId int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(clientId))
	return key
}

func (store *BoltStore) Get(clientId int) ([]byte, error) {
	var blob []byte
	err := store.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketClients).Get(clientKey(clientId))
		if value == nil {
			return ErrNotFound
		}
		// bolt memory is only valid inside the transaction
		blob = append([]byte(nil), value...)
		return nil
	})
	return blob, err
}

func (store *BoltStore) Put(clientId int, blob []byte) error {
	return store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClients).Put(clientKey(clientId), blob)
	})
}

func (store *BoltStore) Close() error {
	return store.db.Close()
}
