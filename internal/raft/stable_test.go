package raft

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docraft/docraft/internal/types"
)

func TestFileStableStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable.json")
	s := NewFileStableStore(path)

	// A fresh store loads zero values.
	term, votedFor, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, types.Term(0), term)
	assert.Equal(t, types.NodeID(""), votedFor)

	require.NoError(t, s.Save(7, "node-2"))

	// A new store instance reads what the first one persisted.
	reopened := NewFileStableStore(path)
	term, votedFor, err = reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, types.Term(7), term)
	assert.Equal(t, types.NodeID("node-2"), votedFor)

	require.NoError(t, s.Save(8, ""))
	term, votedFor, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, types.Term(8), term)
	assert.Equal(t, types.NodeID(""), votedFor)
}
