package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// BoltDB implements the document store using a BoltDB backend. Every collection is a bucket keyed by
// document ID, paired with an order bucket that records insertion order, so listings come back in
// the order documents were first written.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. The database file is created
// with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func orderBucketName(collection string) []byte {
	return []byte(fmt.Sprintf("%s/order", collection))
}

// Put stores payload under id in collection, replacing any previous version, and returns id. A
// document keeps its position in the listing when it is replaced.
func (b BoltDB) Put(_ context.Context, collection, id string, payload []byte) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		docs, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", collection, err)
		}
		order, err := tx.CreateBucketIfNotExists(orderBucketName(collection))
		if err != nil {
			return fmt.Errorf("failed to create order bucket %s: %w", collection, err)
		}

		if docs.Get([]byte(id)) == nil {
			seq, err := order.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := order.Put(key, []byte(id)); err != nil {
				return fmt.Errorf("failed to record order: %w", err)
			}
		}

		return docs.Put([]byte(id), payload)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the document stored under id, or ErrNotFound.
func (b BoltDB) Get(_ context.Context, collection, id string) ([]byte, error) {
	var payload []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(collection))
		if docs == nil {
			return ErrNotFound
		}
		v := docs.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		payload = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return payload, nil
}

// List returns every document of collection in insertion order. A missing collection is empty.
func (b BoltDB) List(_ context.Context, collection string) ([][]byte, error) {
	var payloads [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(collection))
		order := tx.Bucket(orderBucketName(collection))
		if docs == nil || order == nil {
			return nil
		}

		return order.ForEach(func(_, id []byte) error {
			v := docs.Get(id)
			if v == nil {
				return nil
			}
			payloads = append(payloads, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return payloads, nil
}
