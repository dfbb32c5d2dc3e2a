// Package wal implements the append-only, checksum-validated write-ahead log
// that backs both the Raft log and lower-level mutation journaling.
package wal

import (
	"encoding/json"
	"errors"
	"hash/crc32"
	"time"
)

var ErrClosed = errors.New("wal: manager is closed")

// EntryType is the kind of a WAL record.
type EntryType int

const (
	EntryBegin EntryType = iota
	EntryPrepare
	EntryCommit
	EntryRollback
	EntryData
	EntryCheckpoint
)

func (t EntryType) String() string {
	switch t {
	case EntryBegin:
		return "begin"
	case EntryPrepare:
		return "prepare"
	case EntryCommit:
		return "commit"
	case EntryRollback:
		return "rollback"
	case EntryData:
		return "data"
	case EntryCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Entry is a single durable journal record. SequenceNumber is assigned by the
// manager on write and is strictly increasing within one manager lifetime.
type Entry struct {
	TransactionID  string          `json:"transaction_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           EntryType       `json:"type"`
	Collection     string          `json:"collection,omitempty"`
	Operation      string          `json:"operation,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Checksum       uint32          `json:"checksum"`
}

// Checkpoint summarizes all transactions observed up to a sequence number,
// enabling safe truncation of everything before it.
type Checkpoint struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
	Transactions   []string  `json:"transactions"`
}

// RecoveryResult reports the outcome of replaying the log on startup.
// Committed holds the DATA entries of transactions terminated by a COMMIT
// record, in sequence order. Incomplete lists transaction ids that were
// rolled back or never committed; their entries are discarded, not applied.
type RecoveryResult struct {
	Committed  []Entry
	Incomplete []string
	Corrupted  int
}

// Manager is the durability primitive everything else is built on.
// WriteEntry assigns the next sequence number and appends durably; a write
// failure is fatal to the caller. ReadEntries returns all entries with
// sequence >= fromSeq in order. Truncate discards entries strictly before a
// sequence. Recover replays the log, rolling committed transactions forward.
type Manager interface {
	WriteEntry(e Entry) (uint64, error)
	ReadEntries(fromSeq uint64) ([]Entry, error)
	Truncate(beforeSeq uint64) error
	Flush() error
	CreateCheckpoint() (Checkpoint, error)
	Recover() (RecoveryResult, error)
	Close() error
}

// entryChecksum computes the CRC32 (IEEE) of the canonical JSON encoding of
// the entry with its Checksum field zeroed.
func entryChecksum(e Entry) uint32 {
	e.Checksum = 0
	b, err := json.Marshal(e)
	if err != nil {
		// Entry fields are all JSON-encodable; treat a failure as an
		// empty body so the mismatch surfaces on verification.
		return 0
	}
	return crc32.ChecksumIEEE(b)
}

// verifyEntry reports whether the stored checksum matches the entry body.
func verifyEntry(e Entry) bool {
	return e.Checksum == entryChecksum(e)
}

// replay partitions entries by transaction outcome: entries of transactions
// terminated by COMMIT roll forward, everything else is discarded.
func replay(entries []Entry) RecoveryResult {
	committed := make(map[string]bool)
	rolledBack := make(map[string]bool)
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.TransactionID == "" {
			continue
		}
		seen[e.TransactionID] = true
		switch e.Type {
		case EntryCommit:
			committed[e.TransactionID] = true
		case EntryRollback:
			rolledBack[e.TransactionID] = true
		}
	}

	var res RecoveryResult
	for _, e := range entries {
		if e.Type != EntryData {
			continue
		}
		if committed[e.TransactionID] && !rolledBack[e.TransactionID] {
			res.Committed = append(res.Committed, e)
		}
	}
	for txID := range seen {
		if !committed[txID] || rolledBack[txID] {
			res.Incomplete = append(res.Incomplete, txID)
		}
	}
	return res
}
