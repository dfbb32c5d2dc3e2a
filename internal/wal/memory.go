package wal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryManager is an in-memory Manager. It provides the same contract as the
// file-backed variant without persistence, for node-local log storage in the
// Raft layer and for tests.
type MemoryManager struct {
	mu      sync.Mutex
	entries []Entry
	seq     uint64
	closed  bool
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

func (m *MemoryManager) WriteEntry(e Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.seq++
	e.SequenceNumber = m.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Checksum = entryChecksum(e)
	m.entries = append(m.entries, e)
	return e.SequenceNumber, nil
}

func (m *MemoryManager) ReadEntries(fromSeq uint64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Entry
	for _, e := range m.entries {
		if e.SequenceNumber >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryManager) Truncate(beforeSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.SequenceNumber >= beforeSeq {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *MemoryManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryManager) CreateCheckpoint() (Checkpoint, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Checkpoint{}, ErrClosed
	}
	txIDs := make(map[string]bool)
	for _, e := range m.entries {
		if e.TransactionID != "" {
			txIDs[e.TransactionID] = true
		}
	}
	cp := Checkpoint{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
	}
	for id := range txIDs {
		cp.Transactions = append(cp.Transactions, id)
	}
	m.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	seq, err := m.WriteEntry(Entry{Type: EntryCheckpoint, Data: data})
	if err != nil {
		return Checkpoint{}, err
	}
	cp.SequenceNumber = seq
	return cp, nil
}

func (m *MemoryManager) Recover() (RecoveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RecoveryResult{}, ErrClosed
	}
	return replay(m.entries), nil
}

func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
