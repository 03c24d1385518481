// Package globalconfig persists the user's API key and default project.
package globalconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings is the on-disk representation.
type Settings struct {
	Key            string `json:"key,omitempty"`
	DefaultProject string `json:"defaultProject,omitempty"`
}

// Store reads and writes the settings file. Methods are safe for concurrent
// use.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by path. The file is created on first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Load returns the stored settings. A missing file yields empty settings.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (Settings, error) {
	var st Settings
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return st, nil
}

func (s *Store) save(st Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600) // Only user can read/write
}

func (s *Store) update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	fn(&st)
	return s.save(st)
}

// APIKey returns the stored key, or "" when none is stored or the file is
// unreadable.
func (s *Store) APIKey() string {
	st, err := s.Load()
	if err != nil {
		return ""
	}
	return st.Key
}

// SetAPIKey stores key.
func (s *Store) SetAPIKey(key string) error {
	return s.update(func(st *Settings) { st.Key = key })
}

// ClearAPIKey removes the stored key, keeping other settings.
func (s *Store) ClearAPIKey() error {
	return s.update(func(st *Settings) { st.Key = "" })
}

// DefaultProject returns the stored default project id.
func (s *Store) DefaultProject() string {
	st, err := s.Load()
	if err != nil {
		return ""
	}
	return st.DefaultProject
}

// SetDefaultProject stores the default project id.
func (s *Store) SetDefaultProject(id string) error {
	return s.update(func(st *Settings) { st.DefaultProject = id })
}
