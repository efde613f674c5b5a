package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	queueFileName = "queue.json"
	lockFileName  = "queue.lock"
)

// FileStore keeps the whole queue as one JSON document in dir. Every
// mutation re-reads the document under an exclusive lock on dir/queue.lock,
// applies one change and rewrites it through a temp file and rename. Several
// processes may share dir; a crash leaves either the old or the new
// snapshot on disk.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the full path to the queue document.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, queueFileName)
}

// Load reads the document. A missing file is an empty queue.
func (s *FileStore) Load(context.Context) ([]Action, error) {
	var out []Action
	err := s.locked(func() error {
		actions, err := s.read()
		if err != nil {
			return err
		}
		out = make([]Action, 0, len(actions))
		for _, a := range actions {
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (s *FileStore) Put(_ context.Context, a Action) error {
	return s.locked(func() error {
		actions, err := s.read()
		if err != nil {
			return err
		}
		actions[a.ID] = a.clone()
		return s.write(actions)
	})
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	return s.locked(func() error {
		actions, err := s.read()
		if err != nil {
			return err
		}
		if _, ok := actions[id]; !ok {
			return nil
		}
		delete(actions, id)
		return s.write(actions)
	})
}

func (s *FileStore) Close() error { return nil }

// locked runs fn holding both the in-process mutex and the directory lock.
func (s *FileStore) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrPersistence, s.dir, err)
	}
	path := filepath.Join(s.dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrPersistence, path, err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("%w: lock %s: %w", ErrPersistence, path, err)
	}
	defer unlockFile(f)
	return fn()
}

func (s *FileStore) read() (map[string]Action, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPersistence, s.Path(), err)
	}
	var list []Action
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", ErrPersistence, s.Path(), err)
		}
	}
	actions := make(map[string]Action, len(list))
	for _, a := range list {
		actions[a.ID] = a
	}
	return actions, nil
}

func (s *FileStore) write(actions map[string]Action) error {
	list := make([]Action, 0, len(actions))
	for _, a := range actions {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrPersistence, err)
	}
	path := s.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", ErrPersistence, tmp, err)
	}
	return nil
}
