package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileManager is a file-backed Manager. It persists one JSON record per line
// with a content checksum. On open it scans the file line by line, verifying
// each checksum independently and silently skipping any line that fails, so
// corruption is isolated to the offending line.
type FileManager struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	w         *bufio.Writer
	entries   []Entry
	seq       uint64
	corrupted int
	closed    bool
	logger    *slog.Logger
}

// OpenFileManager opens or creates the WAL file at path and scans existing
// records.
func OpenFileManager(path string, logger *slog.Logger) (*FileManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	m := &FileManager{
		path:   path,
		file:   file,
		logger: logger.With("wal", path),
	}
	if err := m.scan(); err != nil {
		file.Close()
		return nil, err
	}

	// Appends go to the tail.
	if _, err := file.Seek(0, 2); err != nil {
		file.Close()
		return nil, err
	}
	m.w = bufio.NewWriter(file)
	return m, nil
}

// scan reads every line, dropping lines whose checksum does not verify.
func (m *FileManager) scan() error {
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	sc := bufio.NewScanner(m.file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			m.corrupted++
			m.logger.Warn("skipping unparsable wal line", "error", err)
			continue
		}
		if !verifyEntry(e) {
			m.corrupted++
			m.logger.Warn("skipping wal line with bad checksum",
				"sequence", e.SequenceNumber)
			continue
		}
		m.entries = append(m.entries, e)
		if e.SequenceNumber > m.seq {
			m.seq = e.SequenceNumber
		}
	}
	return sc.Err()
}

func (m *FileManager) WriteEntry(e Entry) (uint64, error) {
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

	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("wal: encode entry: %w", err)
	}
	if _, err := m.w.Write(line); err != nil {
		return 0, fmt.Errorf("wal: append entry %d: %w", e.SequenceNumber, err)
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return 0, fmt.Errorf("wal: append entry %d: %w", e.SequenceNumber, err)
	}
	m.entries = append(m.entries, e)
	return e.SequenceNumber, nil
}

func (m *FileManager) ReadEntries(fromSeq uint64) ([]Entry, error) {
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

// Truncate rewrites the file keeping only entries with sequence >= beforeSeq.
func (m *FileManager) Truncate(beforeSeq uint64) error {
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
	return m.rewrite()
}

// rewrite replaces the file contents with the in-memory entries and syncs.
func (m *FileManager) rewrite() error {
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush before rewrite: %w", err)
	}
	if err := m.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := m.file.Seek(0, 0); err != nil {
		return err
	}
	m.w = bufio.NewWriter(m.file)
	for _, e := range m.entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("wal: encode entry %d: %w", e.SequenceNumber, err)
		}
		if _, err := m.w.Write(line); err != nil {
			return fmt.Errorf("wal: rewrite entry %d: %w", e.SequenceNumber, err)
		}
		if err := m.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("wal: rewrite entry %d: %w", e.SequenceNumber, err)
		}
	}
	if err := m.w.Flush(); err != nil {
		return err
	}
	return m.file.Sync()
}

func (m *FileManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

func (m *FileManager) CreateCheckpoint() (Checkpoint, error) {
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
	return cp, m.Flush()
}

// Recover replays the scanned log, rolling forward entries of committed
// transactions and discarding the rest. Corrupted reflects lines dropped
// during the open-time scan.
func (m *FileManager) Recover() (RecoveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return RecoveryResult{}, ErrClosed
	}
	res := replay(m.entries)
	res.Corrupted = m.corrupted
	return res, nil
}

func (m *FileManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return err
	}
	if err := m.file.Sync(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
