package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/docraft/docraft/internal/types"
)

// StableStore persists the term/vote pair that must survive restarts so a
// node can never vote twice in the same term.
type StableStore interface {
	Load() (types.Term, types.NodeID, error)
	Save(term types.Term, votedFor types.NodeID) error
}

// MemStableStore is an in-memory StableStore for tests and single-run nodes.
type MemStableStore struct {
	mu       sync.Mutex
	term     types.Term
	votedFor types.NodeID
}

func NewMemStableStore() *MemStableStore {
	return &MemStableStore{}
}

func (s *MemStableStore) Load() (types.Term, types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.votedFor, nil
}

func (s *MemStableStore) Save(term types.Term, votedFor types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	s.votedFor = votedFor
	return nil
}

// FileStableStore keeps the term/vote pair in a small JSON file, rewritten
// and synced on every change.
type FileStableStore struct {
	mu   sync.Mutex
	path string
}

type stableState struct {
	Term     types.Term   `json:"term"`
	VotedFor types.NodeID `json:"voted_for"`
}

func NewFileStableStore(path string) *FileStableStore {
	return &FileStableStore{path: path}
}

func (s *FileStableStore) Load() (types.Term, types.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("raft: read stable state: %w", err)
	}
	var st stableState
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, "", fmt.Errorf("raft: decode stable state: %w", err)
	}
	return st.Term, st.VotedFor, nil
}

func (s *FileStableStore) Save(term types.Term, votedFor types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(stableState{Term: term, VotedFor: votedFor})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("raft: write stable state: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
