package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// FileStore keeps the two entries in a small JSON file. It is the no-infra
// default backend.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type fileEntries struct {
	Phase string          `json:"lobby_phase,omitempty"`
	State *PersistedLobby `json:"lobby_state,omitempty"`
}

func (s *FileStore) Save(_ context.Context, l PersistedLobby) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(fileEntries{Phase: l.Phase, State: &l})
	if err != nil {
		return fmt.Errorf("encode persisted lobby: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write persisted lobby: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context) (*PersistedLobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persisted lobby: %w", err)
	}

	var entries fileEntries
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt file is treated as absent rather than fatal.
		return nil, nil
	}
	if entries.State == nil || entries.Phase == "" {
		return nil, nil
	}
	return entries.State, nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear persisted lobby: %w", err)
	}
	return nil
}
