package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("cache")

// BoltTier is a single-file persistent tier for field devices. Each value is
// stored as an 8-byte big-endian expiry (unix nanos, 0 for none) followed by
// the payload.
type BoltTier struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltTier opens or creates the bolt file at path.
func OpenBoltTier(path string) (*BoltTier, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open bolt tier: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init bolt tier: %w", err)
	}
	return &BoltTier{db: db, now: time.Now}, nil
}

func (t *BoltTier) Get(_ context.Context, key string) (Item, bool, error) {
	var it Item
	found, expired := false, false
	err := t.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get([]byte(key))
		if len(raw) < 8 {
			return nil
		}
		if exp := int64(binary.BigEndian.Uint64(raw[:8])); exp != 0 {
			left := time.Duration(exp - t.now().UnixNano())
			if left <= 0 {
				expired = true
				return nil
			}
			it.TTL = left
		}
		it.Value = append([]byte{}, raw[8:]...)
		found = true
		return nil
	})
	if err != nil {
		return Item{}, false, fmt.Errorf("%w: bolt get: %w", ErrTierUnavailable, err)
	}
	if expired {
		_ = t.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(boltBucket).Delete([]byte(key)) })
		return Item{}, false, nil
	}
	return it, found, nil
}

func (t *BoltTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	raw := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(raw[:8], uint64(t.now().Add(ttl).UnixNano()))
	}
	copy(raw[8:], value)
	if err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), raw)
	}); err != nil {
		return fmt.Errorf("%w: bolt put: %w", ErrTierUnavailable, err)
	}
	return nil
}

func (t *BoltTier) Delete(_ context.Context, key string) (bool, error) {
	var had bool
	if err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		raw := b.Get([]byte(key))
		had = len(raw) >= 8 && !t.expired(raw)
		return b.Delete([]byte(key))
	}); err != nil {
		return false, fmt.Errorf("%w: bolt delete: %w", ErrTierUnavailable, err)
	}
	return had, nil
}

// Keys lists unexpired keys.
func (t *BoltTier) Keys(_ context.Context) ([]string, error) {
	var out []string
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			if len(v) >= 8 && !t.expired(v) {
				out = append(out, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt keys: %w", ErrTierUnavailable, err)
	}
	return out, nil
}

func (t *BoltTier) expired(raw []byte) bool {
	exp := int64(binary.BigEndian.Uint64(raw[:8]))
	return exp != 0 && t.now().UnixNano() >= exp
}

func (t *BoltTier) Clear(_ context.Context) error {
	if err := t.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	}); err != nil {
		return fmt.Errorf("%w: bolt clear: %w", ErrTierUnavailable, err)
	}
	return nil
}

func (t *BoltTier) Close() error { return t.db.Close() }
