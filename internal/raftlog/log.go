// Package raftlog stores the replicated Raft log on top of a WAL manager.
// Every mutation (append, conflict truncation, compaction, metadata) is
// journaled as a committed WAL transaction before it is visible in memory,
// so a crash recovers to the exact pre-crash log.
package raftlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docraft/docraft/internal/types"
	"github.com/docraft/docraft/internal/wal"
)

var (
	ErrCompacted        = errors.New("raftlog: index compacted into snapshot")
	ErrIndexGap         = errors.New("raftlog: append would create an index gap")
	ErrOutOfRange       = errors.New("raftlog: index out of range")
	ErrCommitRegression = errors.New("raftlog: commit index may not decrease")
)

// Entry is one replicated operation in the Raft log.
type Entry struct {
	Term      types.Term     `json:"term"`
	Index     types.LogIndex `json:"index"`
	Command   types.Command  `json:"command"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    types.NodeID   `json:"node_id"`
	Checksum  uint32         `json:"checksum"`
}

func entryChecksum(e Entry) uint32 {
	e.Checksum = 0
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(b)
}

// journal operation names recorded in WAL DATA entries.
const (
	opAppend       = "append"
	opTruncateFrom = "truncate_from"
	opCompact      = "compact"
	opMeta         = "meta"
)

type truncateRecord struct {
	Index types.LogIndex `json:"index"`
}

type compactRecord struct {
	Index types.LogIndex `json:"index"`
	Term  types.Term     `json:"term"`
}

type metaRecord struct {
	CommitIndex   types.LogIndex `json:"commit_index"`
	SnapshotIndex types.LogIndex `json:"snapshot_index"`
	SnapshotTerm  types.Term     `json:"snapshot_term"`
}

// Manager wraps a WAL instance and tracks commit index, snapshot boundary
// and the in-memory entry window above the boundary.
type Manager struct {
	mu            sync.Mutex
	w             wal.Manager
	entries       []Entry // entries[i].Index == snapshotIndex + i + 1
	commitIndex   types.LogIndex
	snapshotIndex types.LogIndex
	snapshotTerm  types.Term
	logger        *slog.Logger
}

func New(w wal.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{w: w, logger: logger}
}

// journalOp is one pending mutation to write before applying it in memory.
type journalOp struct {
	op   string
	data any
}

// journal writes the given ops as a single committed WAL transaction.
func (m *Manager) journal(ops []journalOp) error {
	txID := uuid.NewString()
	if _, err := m.w.WriteEntry(wal.Entry{
		TransactionID: txID,
		Type:          wal.EntryBegin,
	}); err != nil {
		return fmt.Errorf("raftlog: journal begin: %w", err)
	}
	for _, op := range ops {
		data, err := json.Marshal(op.data)
		if err != nil {
			return fmt.Errorf("raftlog: encode %s: %w", op.op, err)
		}
		if _, err := m.w.WriteEntry(wal.Entry{
			TransactionID: txID,
			Type:          wal.EntryData,
			Operation:     op.op,
			Data:          data,
		}); err != nil {
			return fmt.Errorf("raftlog: journal %s: %w", op.op, err)
		}
	}
	if _, err := m.w.WriteEntry(wal.Entry{
		TransactionID: txID,
		Type:          wal.EntryCommit,
	}); err != nil {
		return fmt.Errorf("raftlog: journal commit: %w", err)
	}
	return m.w.Flush()
}

// Append validates strict index monotonicity against the current tail and
// writes the entries. Entries overlapping the existing tail with matching
// terms are skipped; the first term conflict truncates the conflicting
// suffix before the remainder is appended. An index gap is rejected.
func (m *Manager) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("%w: batch not contiguous at %d", ErrIndexGap, entries[i].Index)
		}
	}

	first := entries[0].Index
	last := m.lastIndexLocked()
	if first > last+1 {
		return fmt.Errorf("%w: append %d after tail %d", ErrIndexGap, first, last)
	}
	if first <= m.snapshotIndex {
		return fmt.Errorf("%w: append %d at or below boundary %d", ErrCompacted, first, m.snapshotIndex)
	}

	// Skip entries already present with the same term; find the first
	// conflict or the first genuinely new entry.
	start := 0
	truncateAt := types.LogIndex(0)
	for start < len(entries) {
		e := entries[start]
		if e.Index > last {
			break
		}
		existing := m.entries[m.pos(e.Index)]
		if existing.Term != e.Term {
			truncateAt = e.Index
			break
		}
		start++
	}
	if start == len(entries) {
		return nil // everything already in the log
	}

	toAppend := make([]Entry, len(entries)-start)
	copy(toAppend, entries[start:])
	for i := range toAppend {
		if toAppend[i].Timestamp.IsZero() {
			toAppend[i].Timestamp = time.Now()
		}
		if toAppend[i].Checksum == 0 {
			toAppend[i].Checksum = entryChecksum(toAppend[i])
		}
	}

	var ops []journalOp
	if truncateAt > 0 {
		ops = append(ops, journalOp{opTruncateFrom, truncateRecord{Index: truncateAt}})
	}
	for _, e := range toAppend {
		ops = append(ops, journalOp{opAppend, e})
	}
	if err := m.journal(ops); err != nil {
		return err
	}

	if truncateAt > 0 {
		m.entries = m.entries[:m.pos(truncateAt)]
	}
	m.entries = append(m.entries, toAppend...)
	return nil
}

func (m *Manager) pos(index types.LogIndex) int {
	return int(index - m.snapshotIndex - 1)
}

func (m *Manager) lastIndexLocked() types.LogIndex {
	return m.snapshotIndex + types.LogIndex(len(m.entries))
}

func (m *Manager) LastIndex() types.LogIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexLocked()
}

func (m *Manager) LastTerm() types.Term {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return m.snapshotTerm
	}
	return m.entries[len(m.entries)-1].Term
}

// TermAt returns the term of the entry at index. The snapshot boundary
// itself is still answerable; anything below it is compacted.
func (m *Manager) TermAt(index types.LogIndex) (types.Term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == m.snapshotIndex {
		return m.snapshotTerm, nil
	}
	if index < m.snapshotIndex {
		return 0, fmt.Errorf("%w: term at %d, boundary %d", ErrCompacted, index, m.snapshotIndex)
	}
	if index > m.lastIndexLocked() {
		return 0, fmt.Errorf("%w: term at %d, tail %d", ErrOutOfRange, index, m.lastIndexLocked())
	}
	return m.entries[m.pos(index)].Term, nil
}

// Entry returns the entry at index.
func (m *Manager) Entry(index types.LogIndex) (Entry, error) {
	entries, err := m.Entries(index, index)
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Entries returns entries in [start, end] inclusive. end == 0 means through
// the last entry.
func (m *Manager) Entries(start, end types.LogIndex) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end == 0 {
		end = m.lastIndexLocked()
	}
	if start <= m.snapshotIndex {
		return nil, fmt.Errorf("%w: read from %d, boundary %d", ErrCompacted, start, m.snapshotIndex)
	}
	if start > end || end > m.lastIndexLocked() {
		return nil, fmt.Errorf("%w: read [%d, %d], tail %d", ErrOutOfRange, start, end, m.lastIndexLocked())
	}
	out := make([]Entry, end-start+1)
	copy(out, m.entries[m.pos(start):m.pos(end)+1])
	return out, nil
}

func (m *Manager) CommitIndex() types.LogIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitIndex
}

// SetCommitIndex advances the commit index. Decreasing it is a caller error.
func (m *Manager) SetCommitIndex(index types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < m.commitIndex {
		return fmt.Errorf("%w: %d -> %d", ErrCommitRegression, m.commitIndex, index)
	}
	m.commitIndex = index
	return nil
}

// SnapshotBoundary reports the index/term of the last entry folded into a
// snapshot. Reads at or below the boundary fail with ErrCompacted.
func (m *Manager) SnapshotBoundary() (types.LogIndex, types.Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotIndex, m.snapshotTerm
}

// Compact drops all entries at or below lastIncludedIndex and records the
// snapshot boundary. The journal is rewritten so only live entries remain,
// then the WAL is checkpointed and truncated below the rewrite.
func (m *Manager) Compact(lastIncludedIndex types.LogIndex, lastIncludedTerm types.Term) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lastIncludedIndex <= m.snapshotIndex {
		return nil // already compacted past this point
	}

	var retained []Entry
	if lastIncludedIndex < m.lastIndexLocked() {
		retained = make([]Entry, len(m.entries)-int(lastIncludedIndex-m.snapshotIndex))
		copy(retained, m.entries[m.pos(lastIncludedIndex)+1:])
	}

	ops := []journalOp{
		{opCompact, compactRecord{Index: lastIncludedIndex, Term: lastIncludedTerm}},
	}
	for _, e := range retained {
		ops = append(ops, journalOp{opAppend, e})
	}
	ops = append(ops, journalOp{opMeta, metaRecord{
		CommitIndex:   m.commitIndex,
		SnapshotIndex: lastIncludedIndex,
		SnapshotTerm:  lastIncludedTerm,
	}})
	if err := m.journal(ops); err != nil {
		return err
	}

	m.snapshotIndex = lastIncludedIndex
	m.snapshotTerm = lastIncludedTerm
	m.entries = retained

	// Everything before the rewrite transaction is now redundant.
	cp, err := m.w.CreateCheckpoint()
	if err != nil {
		return fmt.Errorf("raftlog: checkpoint after compact: %w", err)
	}
	firstLive := cp.SequenceNumber - uint64(len(ops)) - 2 // BEGIN + ops + COMMIT
	if err := m.w.Truncate(firstLive); err != nil {
		return fmt.Errorf("raftlog: truncate after compact: %w", err)
	}
	m.logger.Info("compacted log",
		"boundary_index", lastIncludedIndex,
		"boundary_term", lastIncludedTerm,
		"retained", len(retained))
	return nil
}

// Persist checkpoints manager metadata (commit index, snapshot boundary)
// into the journal.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journal([]journalOp{{opMeta, metaRecord{
		CommitIndex:   m.commitIndex,
		SnapshotIndex: m.snapshotIndex,
		SnapshotTerm:  m.snapshotTerm,
	}}})
}

// Recover rebuilds the manager from the WAL's committed transactions. It
// must be called before the manager is used; the WAL's own recovery has
// already dropped corrupt lines and uncommitted transactions.
func (m *Manager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.w.Recover()
	if err != nil {
		return fmt.Errorf("raftlog: wal recovery: %w", err)
	}
	if res.Corrupted > 0 {
		m.logger.Warn("wal recovery dropped corrupt records", "count", res.Corrupted)
	}

	m.entries = nil
	m.commitIndex = 0
	m.snapshotIndex = 0
	m.snapshotTerm = 0

	for _, rec := range res.Committed {
		switch rec.Operation {
		case opAppend:
			var e Entry
			if err := json.Unmarshal(rec.Data, &e); err != nil {
				return fmt.Errorf("raftlog: decode journaled entry: %w", err)
			}
			if e.Checksum != 0 && e.Checksum != entryChecksum(e) {
				// A record that passed the WAL line checksum but fails its
				// own is treated like a torn tail: stop rolling forward.
				m.logger.Warn("stopping replay at entry with bad checksum", "index", e.Index)
				return nil
			}
			if e.Index <= m.lastIndexLocked() && e.Index > m.snapshotIndex {
				m.entries = m.entries[:m.pos(e.Index)]
			}
			m.entries = append(m.entries, e)
		case opTruncateFrom:
			var t truncateRecord
			if err := json.Unmarshal(rec.Data, &t); err != nil {
				return fmt.Errorf("raftlog: decode truncate record: %w", err)
			}
			if t.Index > m.snapshotIndex && t.Index <= m.lastIndexLocked() {
				m.entries = m.entries[:m.pos(t.Index)]
			}
		case opCompact:
			var c compactRecord
			if err := json.Unmarshal(rec.Data, &c); err != nil {
				return fmt.Errorf("raftlog: decode compact record: %w", err)
			}
			m.snapshotIndex = c.Index
			m.snapshotTerm = c.Term
			m.entries = nil
		case opMeta:
			var meta metaRecord
			if err := json.Unmarshal(rec.Data, &meta); err != nil {
				return fmt.Errorf("raftlog: decode meta record: %w", err)
			}
			if meta.CommitIndex > m.commitIndex {
				m.commitIndex = meta.CommitIndex
			}
		default:
			m.logger.Warn("ignoring unknown journal operation", "operation", rec.Operation)
		}
	}
	m.logger.Info("recovered raft log",
		"last_index", m.lastIndexLocked(),
		"commit_index", m.commitIndex,
		"boundary_index", m.snapshotIndex)
	return nil
}
