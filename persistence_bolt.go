package mq

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var _ PersistenceAdapter = (*BoltStore)(nil)

// BoltStore is a PersistenceAdapter backed by a go.etcd.io/bbolt database,
// with all keys for one client namespaced into a single bucket named
// "<uri>\x00<clientId>". Each Set and Remove runs in its own bbolt update
// transaction, so a single write is atomic; no transaction spans several
// calls.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBoltStore opens (creating if necessary) the bbolt database at path
// and returns an adapter scoped to the bucket for (uri, clientId).
func OpenBoltStore(path, uri, clientID string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("mq: open bolt store: %w", err)
	}

	bucket := []byte(uri + "\x00" + clientID)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("mq: create bolt bucket: %w", err)
	}

	return &BoltStore{db: db, bucket: bucket}, nil
}

// Close releases the underlying bbolt database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) Get(key string) (string, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("mq: bolt get %q: %w", key, err)
	}
	if value == nil {
		return "", false, nil
	}
	return string(value), true, nil
}

func (b *BoltStore) Set(key, value string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("mq: bolt set %q: %w", key, err)
	}
	return nil
}

func (b *BoltStore) Remove(key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("mq: bolt remove %q: %w", key, err)
	}
	return nil
}

func (b *BoltStore) EnumerateKeys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mq: bolt enumerate keys: %w", err)
	}
	return keys, nil
}
