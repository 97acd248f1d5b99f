package keyvalue

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltDirPerm  = fs.FileMode(0o700)
	boltFilePerm = fs.FileMode(0o600)

	boltOpenTimeout = 5 * time.Second
)

var entriesBucket = []byte("entries")

type boltEntry struct {
	Count     int64 `json:"count"`
	ExpiresAt int64 `json:"expires_at"`
}

// Bolt is a Store backed by a bbolt database so revoked access tokens and
// login counters survive a restart.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entries bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		entry, ok := decodeEntry(bucket.Get([]byte(key)))
		if !ok || expired(entry) {
			entry = boltEntry{Count: 0, ExpiresAt: time.Now().Add(ttl).UnixNano()}
		}
		entry.Count++
		count = entry.Count

		return putEntry(bucket, key, entry)
	})
	if err != nil {
		return 0, fmt.Errorf("incr %q: %w", key, err)
	}

	return count, nil
}

func (b *Bolt) Get(_ context.Context, key string) (int64, bool, error) {
	var (
		count int64
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		entry, ok := decodeEntry(tx.Bucket(entriesBucket).Get([]byte(key)))
		if ok && !expired(entry) {
			count = entry.Count
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("get %q: %w", key, err)
	}

	return count, found, nil
}

func (b *Bolt) Put(_ context.Context, key string, ttl time.Duration) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		entry := boltEntry{Count: 1, ExpiresAt: time.Now().Add(ttl).UnixNano()}
		return putEntry(tx.Bucket(entriesBucket), key, entry)
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}

	return nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}

	return nil
}

func (b *Bolt) Sweep(_ context.Context) (int, error) {
	dropped := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)

		var stale [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			entry, ok := decodeEntry(v)
			if !ok || expired(entry) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			dropped++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	return dropped, nil
}

func decodeEntry(raw []byte) (boltEntry, bool) {
	if len(raw) == 0 {
		return boltEntry{}, false
	}

	var entry boltEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return boltEntry{}, false
	}

	return entry, true
}

func putEntry(bucket *bolt.Bucket, key string, entry boltEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return bucket.Put([]byte(key), raw)
}

func expired(entry boltEntry) bool {
	return time.Now().UnixNano() > entry.ExpiresAt
}
