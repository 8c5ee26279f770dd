package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v2"
)

// KeyringService is the keyring service name active ids are stored under
const KeyringService = "fauxnetctl"

// Store persists the active operation id of each job family across restarts
type Store interface {
	// Get returns the id persisted for family. ok is false when none is stored.
	Get(family string) (id string, ok bool, err error)
	Put(family, id string) error
	Clear(family string) error
}

// MemoryStore keeps ids for the life of the process
type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]string)}
}

func (s *MemoryStore) Get(family string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[family]
	return id, ok, nil
}

func (s *MemoryStore) Put(family, id string) error {
	s.mu.Lock()
	s.ids[family] = id
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(family string) error {
	s.mu.Lock()
	delete(s.ids, family)
	s.mu.Unlock()
	return nil
}

// FileStore keeps ids in a YAML file. Writes go to a temp file that is renamed
// over the original.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path. The file is created on first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStorePath is ~/.config/fauxnetctl/active.yaml
func DefaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "fauxnetctl", "active.yaml")
}

func (s *FileStore) Get(family string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.read()
	if err != nil {
		return "", false, err
	}
	id, ok := ids[family]
	return id, ok, nil
}

func (s *FileStore) Put(family, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.read()
	if err != nil {
		return err
	}
	ids[family] = id
	return s.write(ids)
}

func (s *FileStore) Clear(family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := ids[family]; !ok {
		return nil
	}
	delete(ids, family)
	return s.write(ids)
}

func (s *FileStore) read() (map[string]string, error) {
	ids := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return ids, nil
}

func (s *FileStore) write(ids map[string]string) error {
	data, err := yaml.Marshal(ids)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".active-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// KeyringStore keeps ids in the system keyring
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring-backed store
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: KeyringService}
}

func (s *KeyringStore) Get(family string) (string, bool, error) {
	id, err := keyring.Get(s.service, family)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("keyring get %s: %w", family, err)
	}
	return id, true, nil
}

func (s *KeyringStore) Put(family, id string) error {
	if err := keyring.Set(s.service, family, id); err != nil {
		return fmt.Errorf("keyring set %s: %w", family, err)
	}
	return nil
}

func (s *KeyringStore) Clear(family string) error {
	err := keyring.Delete(s.service, family)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", family, err)
	}
	return nil
}

// NewStore builds the store named by kind: memory, file or keyring
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "file":
		if path == "" {
			path = DefaultStorePath()
		}
		return NewFileStore(path), nil
	case "memory":
		return NewMemoryStore(), nil
	case "keyring":
		return NewKeyringStore(), nil
	}
	return nil, fmt.Errorf("unknown store %q (want memory, file or keyring)", kind)
}
