package raftlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docraft/docraft/internal/types"
	"github.com/docraft/docraft/internal/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(wal.NewMemoryManager(), nil)
}

func entry(term types.Term, index types.LogIndex) Entry {
	return Entry{
		Term:  term,
		Index: index,
		Command: types.Command{
			Type:       types.CmdCreate,
			Collection: "users",
			Data:       map[string]any{"id": "u1"},
		},
		NodeID: "node-1",
	}
}

func TestAppendAndRead(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(2, 3)}))
	assert.Equal(t, types.LogIndex(3), m.LastIndex())
	assert.Equal(t, types.Term(2), m.LastTerm())

	e, err := m.Entry(2)
	require.NoError(t, err)
	assert.Equal(t, types.Term(1), e.Term)

	all, err := m.Entries(1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAppendRejectsGap(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1)}))

	err := m.Append([]Entry{entry(1, 3)})
	assert.ErrorIs(t, err, ErrIndexGap)

	// A non-contiguous batch is rejected as a whole.
	err = m.Append([]Entry{entry(1, 2), entry(1, 4)})
	assert.ErrorIs(t, err, ErrIndexGap)
	assert.Equal(t, types.LogIndex(1), m.LastIndex())
}

func TestAppendSkipsDuplicates(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2)}))

	// Re-appending the same prefix plus one new entry only adds the tail.
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3)}))
	assert.Equal(t, types.LogIndex(3), m.LastIndex())
}

func TestAppendTruncatesOnTermConflict(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3)}))

	// A higher-term entry at index 2 replaces the old suffix.
	require.NoError(t, m.Append([]Entry{entry(2, 2)}))
	assert.Equal(t, types.LogIndex(2), m.LastIndex())

	term, err := m.TermAt(2)
	require.NoError(t, err)
	assert.Equal(t, types.Term(2), term)

	_, err = m.Entry(3)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSetCommitIndexMonotonic(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2)}))

	require.NoError(t, m.SetCommitIndex(2))
	assert.Equal(t, types.LogIndex(2), m.CommitIndex())

	err := m.SetCommitIndex(1)
	assert.ErrorIs(t, err, ErrCommitRegression)
	assert.Equal(t, types.LogIndex(2), m.CommitIndex())
}

func TestCompact(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3), entry(2, 4)}))
	require.NoError(t, m.SetCommitIndex(3))

	require.NoError(t, m.Compact(3, 1))

	idx, term := m.SnapshotBoundary()
	assert.Equal(t, types.LogIndex(3), idx)
	assert.Equal(t, types.Term(1), term)
	assert.Equal(t, types.LogIndex(4), m.LastIndex())

	// Reads at or below the boundary are gone; the boundary term survives.
	_, err := m.Entry(3)
	assert.ErrorIs(t, err, ErrCompacted)
	boundaryTerm, err := m.TermAt(3)
	require.NoError(t, err)
	assert.Equal(t, types.Term(1), boundaryTerm)

	e, err := m.Entry(4)
	require.NoError(t, err)
	assert.Equal(t, types.Term(2), e.Term)

	// Appending below the boundary is rejected.
	err = m.Append([]Entry{entry(1, 2)})
	assert.ErrorIs(t, err, ErrCompacted)
}

func TestCompactFullLog(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2)}))
	require.NoError(t, m.Compact(2, 1))

	assert.Equal(t, types.LogIndex(2), m.LastIndex())
	assert.Equal(t, types.Term(1), m.LastTerm())

	// The log continues above the boundary.
	require.NoError(t, m.Append([]Entry{entry(2, 3)}))
	assert.Equal(t, types.LogIndex(3), m.LastIndex())
}

func TestRecoverRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.wal")

	w, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	m := New(w, nil)
	require.NoError(t, m.Recover())

	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(2, 3)}))
	require.NoError(t, m.SetCommitIndex(2))
	require.NoError(t, m.Persist())
	require.NoError(t, w.Close())

	w2, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	defer w2.Close()
	m2 := New(w2, nil)
	require.NoError(t, m2.Recover())

	assert.Equal(t, types.LogIndex(3), m2.LastIndex())
	assert.Equal(t, types.Term(2), m2.LastTerm())
	assert.Equal(t, types.LogIndex(2), m2.CommitIndex())

	e, err := m2.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, "users", e.Command.Collection)
}

func TestRecoverAfterCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.wal")

	w, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	m := New(w, nil)
	require.NoError(t, m.Recover())

	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3), entry(2, 4)}))
	require.NoError(t, m.SetCommitIndex(4))
	require.NoError(t, m.Compact(3, 1))
	require.NoError(t, w.Close())

	w2, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	defer w2.Close()
	m2 := New(w2, nil)
	require.NoError(t, m2.Recover())

	idx, term := m2.SnapshotBoundary()
	assert.Equal(t, types.LogIndex(3), idx)
	assert.Equal(t, types.Term(1), term)
	assert.Equal(t, types.LogIndex(4), m2.LastIndex())
	assert.Equal(t, types.LogIndex(4), m2.CommitIndex())
}

func TestRecoverAppliesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.wal")

	w, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	m := New(w, nil)
	require.NoError(t, m.Recover())

	require.NoError(t, m.Append([]Entry{entry(1, 1), entry(1, 2), entry(1, 3)}))
	require.NoError(t, m.Append([]Entry{entry(2, 2)}))
	require.NoError(t, w.Close())

	w2, err := wal.OpenFileManager(path, nil)
	require.NoError(t, err)
	defer w2.Close()
	m2 := New(w2, nil)
	require.NoError(t, m2.Recover())

	assert.Equal(t, types.LogIndex(2), m2.LastIndex())
	term, err := m2.TermAt(2)
	require.NoError(t, err)
	assert.Equal(t, types.Term(2), term)
}
