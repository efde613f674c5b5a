package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var actionsBucket = []byte("actions")

// boltLockTimeout bounds how long an operation waits for another process
// holding the file.
const boltLockTimeout = 5 * time.Second

// BoltStore keeps one JSON record per action in a bbolt file. Each Put and
// Delete is its own transaction. The file is opened per operation so the
// agent daemon and one-shot commands can share it; bbolt's file lock
// serialises them.
type BoltStore struct {
	path string
	mu   sync.Mutex
}

func OpenBoltStore(path string) (*BoltStore, error) {
	s := &BoltStore{path: path}
	if err := s.update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(actionsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: init %s: %w", ErrPersistence, path, err)
	}
	return s, nil
}

func (s *BoltStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: boltLockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(*bolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.open()
	if err != nil {
		return err
	}
	if err := db.Update(fn); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func (s *BoltStore) view(fn func(*bolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (s *BoltStore) Load(context.Context) ([]Action, error) {
	var out []Action
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(actionsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var a Action
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}
	return out, nil
}

func (s *BoltStore) Put(_ context.Context, a Action) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrPersistence, a.ID, err)
	}
	if err := s.update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(actionsBucket)
		if err != nil {
			return err
		}
		return bk.Put([]byte(a.ID), b)
	}); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrPersistence, a.ID, err)
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	if err := s.update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(actionsBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(id))
	}); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrPersistence, id, err)
	}
	return nil
}

func (s *BoltStore) Close() error { return nil }
