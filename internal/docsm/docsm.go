// Package docsm is the deterministic state machine that applies committed
// Raft commands to named document collections and produces/restores
// snapshots.
package docsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/types"
)

var (
	ErrStaleIndex     = errors.New("docsm: index not greater than last applied")
	ErrUnknownCommand = errors.New("docsm: unknown command type")
)

// CollectionStore is the document-collection collaborator the state machine
// applies commands to. *docstore.Store satisfies it.
type CollectionStore interface {
	EnsureCollection(name string)
	Create(collection string, doc docstore.Document) error
	Update(collection, id string, updates map[string]any) (docstore.Document, error)
	Delete(collection, id string) error
	Find(collection string, query map[string]any) ([]docstore.Document, error)
	Count() int
	Export() map[string]docstore.CollectionDump
	Import(dumps map[string]docstore.CollectionDump) error
}

// Snapshot is the serialized form of all applied state plus bookkeeping.
type Snapshot struct {
	LastAppliedIndex    types.LogIndex                     `json:"last_applied_index"`
	LastAppliedTerm     types.Term                         `json:"last_applied_term"`
	AppliedEntriesCount uint64                             `json:"applied_entries_count"`
	Collections         map[string]docstore.CollectionDump `json:"collections"`
	Timestamp           time.Time                          `json:"timestamp"`
	NodeID              types.NodeID                       `json:"node_id"`
}

// SnapshotEvent is delivered to registered observers when an automatic
// snapshot is taken.
type SnapshotEvent struct {
	Index         types.LogIndex
	Term          types.Term
	SnapshotCount uint64
	Data          []byte
}

// Metrics is the applied-state bookkeeping exposed to the node and tooling.
type Metrics struct {
	LastAppliedIndex    types.LogIndex `json:"last_applied_index"`
	LastAppliedTerm     types.Term     `json:"last_applied_term"`
	AppliedEntriesCount uint64         `json:"applied_entries_count"`
	SnapshotCount       uint64         `json:"snapshot_count"`
	CollectionsCount    int            `json:"collections_count"`
}

// StateMachine applies committed entries strictly in order through a single
// apply path. Commands carrying a transaction id are buffered until the
// transaction commits; commit applies the group, rollback discards it.
type StateMachine struct {
	mu               sync.Mutex
	store            CollectionStore
	nodeID           types.NodeID
	snapshotInterval uint64

	lastAppliedIndex types.LogIndex
	lastAppliedTerm  types.Term
	applied          uint64
	snapshots        uint64

	pendingTxns map[string][]types.Command
	onSnapshot  []func(SnapshotEvent)
	logger      *slog.Logger
}

func New(store CollectionStore, nodeID types.NodeID, snapshotInterval uint64, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		store:            store,
		nodeID:           nodeID,
		snapshotInterval: snapshotInterval,
		pendingTxns:      make(map[string][]types.Command),
		logger:           logger,
	}
}

// OnSnapshot registers an observer for automatic snapshot events. Each
// observer runs on its own goroutine so the apply path never blocks on a
// consumer.
func (sm *StateMachine) OnSnapshot(fn func(SnapshotEvent)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onSnapshot = append(sm.onSnapshot, fn)
}

// Apply applies one committed entry. The entry index must be strictly
// greater than the last applied index; an unknown command type fails the
// call and the entry is not counted as applied. Domain-level failures
// (missing document, duplicate id) are deterministic outcomes and are
// reported in the ApplyResult instead.
func (sm *StateMachine) Apply(entry raftlog.Entry) (types.ApplyResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if entry.Index <= sm.lastAppliedIndex {
		return types.ApplyResult{}, fmt.Errorf(
			"%w: %d <= %d", ErrStaleIndex, entry.Index, sm.lastAppliedIndex)
	}

	result, err := sm.dispatch(entry.Command)
	if err != nil {
		return types.ApplyResult{}, err
	}

	sm.lastAppliedIndex = entry.Index
	sm.lastAppliedTerm = entry.Term
	sm.applied++

	if sm.snapshotInterval > 0 && sm.applied%sm.snapshotInterval == 0 {
		sm.takeSnapshotLocked()
	}
	return result, nil
}

func (sm *StateMachine) dispatch(cmd types.Command) (types.ApplyResult, error) {
	switch cmd.Type {
	case types.CmdTxnBegin:
		if cmd.TransactionID == "" {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "transaction id is required"}, nil
		}
		sm.pendingTxns[cmd.TransactionID] = nil
		return types.ApplyResult{Ok: true}, nil

	case types.CmdTxnCommit:
		buffered, ok := sm.pendingTxns[cmd.TransactionID]
		if !ok {
			return types.ApplyResult{Ok: false, ErrCode: "unknown_transaction", ErrMsg: cmd.TransactionID}, nil
		}
		delete(sm.pendingTxns, cmd.TransactionID)
		for _, c := range buffered {
			if res := sm.applyMutation(c); !res.Ok {
				return res, nil
			}
		}
		return types.ApplyResult{Ok: true}, nil

	case types.CmdTxnRollback:
		if _, ok := sm.pendingTxns[cmd.TransactionID]; !ok {
			return types.ApplyResult{Ok: false, ErrCode: "unknown_transaction", ErrMsg: cmd.TransactionID}, nil
		}
		delete(sm.pendingTxns, cmd.TransactionID)
		return types.ApplyResult{Ok: true}, nil

	case types.CmdCreate, types.CmdUpdate, types.CmdDelete:
		if cmd.TransactionID != "" {
			if _, ok := sm.pendingTxns[cmd.TransactionID]; !ok {
				return types.ApplyResult{Ok: false, ErrCode: "unknown_transaction", ErrMsg: cmd.TransactionID}, nil
			}
			sm.pendingTxns[cmd.TransactionID] = append(sm.pendingTxns[cmd.TransactionID], cmd)
			return types.ApplyResult{Ok: true}, nil
		}
		return sm.applyMutation(cmd), nil

	default:
		return types.ApplyResult{}, fmt.Errorf("%w: %d", ErrUnknownCommand, cmd.Type)
	}
}

func (sm *StateMachine) applyMutation(cmd types.Command) types.ApplyResult {
	if cmd.Collection == "" {
		return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "collection name is required"}
	}
	switch cmd.Type {
	case types.CmdCreate:
		sm.store.EnsureCollection(cmd.Collection)
		if err := sm.store.Create(cmd.Collection, cmd.Data); err != nil {
			return failure(err)
		}
		return types.ApplyResult{Ok: true, Doc: cmd.Data}

	case types.CmdUpdate:
		id, err := docstore.DocumentID(cmd.Data)
		if err != nil {
			return failure(err)
		}
		updates, _ := cmd.Data["updates"].(map[string]any)
		if updates == nil {
			return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "updates are required"}
		}
		doc, err := sm.store.Update(cmd.Collection, id, updates)
		if err != nil {
			return failure(err)
		}
		return types.ApplyResult{Ok: true, Doc: doc}

	case types.CmdDelete:
		id, err := docstore.DocumentID(cmd.Data)
		if err != nil {
			return failure(err)
		}
		if err := sm.store.Delete(cmd.Collection, id); err != nil {
			return failure(err)
		}
		return types.ApplyResult{Ok: true}

	default:
		return types.ApplyResult{Ok: false, ErrCode: "bad_request", ErrMsg: "not a mutation"}
	}
}

func failure(err error) types.ApplyResult {
	code := "apply_failed"
	switch {
	case errors.Is(err, docstore.ErrCollectionNotFound), errors.Is(err, docstore.ErrDocumentNotFound):
		code = "not_found"
	case errors.Is(err, docstore.ErrDuplicateID):
		code = "duplicate_id"
	case errors.Is(err, docstore.ErrMissingID):
		code = "bad_request"
	}
	return types.ApplyResult{Ok: false, ErrCode: code, ErrMsg: err.Error()}
}

func (sm *StateMachine) takeSnapshotLocked() {
	data, err := sm.snapshotLocked()
	if err != nil {
		sm.logger.Error("automatic snapshot failed", "error", err)
		return
	}
	sm.snapshots++
	event := SnapshotEvent{
		Index:         sm.lastAppliedIndex,
		Term:          sm.lastAppliedTerm,
		SnapshotCount: sm.snapshots,
		Data:          data,
	}
	sm.logger.Info("snapshot created",
		"index", event.Index, "count", event.SnapshotCount)
	for _, fn := range sm.onSnapshot {
		go fn(event)
	}
}

func (sm *StateMachine) snapshotLocked() ([]byte, error) {
	snap := Snapshot{
		LastAppliedIndex:    sm.lastAppliedIndex,
		LastAppliedTerm:     sm.lastAppliedTerm,
		AppliedEntriesCount: sm.applied,
		Collections:         sm.store.Export(),
		Timestamp:           time.Now(),
		NodeID:              sm.nodeID,
	}
	return json.Marshal(snap)
}

// CreateSnapshot serializes all collections plus bookkeeping state.
func (sm *StateMachine) CreateSnapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshotLocked()
}

// RestoreSnapshot replaces all collections and bookkeeping atomically.
func (sm *StateMachine) RestoreSnapshot(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("docsm: decode snapshot: %w", err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.store.Import(snap.Collections); err != nil {
		return err
	}
	sm.lastAppliedIndex = snap.LastAppliedIndex
	sm.lastAppliedTerm = snap.LastAppliedTerm
	sm.applied = snap.AppliedEntriesCount
	sm.pendingTxns = make(map[string][]types.Command)
	return nil
}

// Read serves a query against applied state. It fails if the collection
// does not exist.
func (sm *StateMachine) Read(collection string, query map[string]any) ([]docstore.Document, error) {
	return sm.store.Find(collection, query)
}

func (sm *StateMachine) LastAppliedIndex() types.LogIndex {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastAppliedIndex
}

// SetLastAppliedIndex is strictly monotonic; attempting to decrease it fails
// immediately.
func (sm *StateMachine) SetLastAppliedIndex(index types.LogIndex) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if index < sm.lastAppliedIndex {
		return fmt.Errorf("%w: %d < %d", ErrStaleIndex, index, sm.lastAppliedIndex)
	}
	sm.lastAppliedIndex = index
	return nil
}

func (sm *StateMachine) Metrics() Metrics {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return Metrics{
		LastAppliedIndex:    sm.lastAppliedIndex,
		LastAppliedTerm:     sm.lastAppliedTerm,
		AppliedEntriesCount: sm.applied,
		SnapshotCount:       sm.snapshots,
		CollectionsCount:    sm.store.Count(),
	}
}
