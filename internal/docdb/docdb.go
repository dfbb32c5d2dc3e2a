// Package docdb wraps the Raft node and the document state machine into a
// single API for the HTTP layer and operational tooling.
package docdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/docraft/docraft/internal/docsm"
	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
)

// RaftNode is the subset of raft.Node that DB needs.
type RaftNode interface {
	Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error)
	IsLeader() bool
	LeaderHint() types.LeaderHint
	Status() types.NodeStatus
	PeerMetrics() map[types.NodeID]transport.PeerMetrics
}

// DB routes writes through consensus and serves reads from applied state.
type DB struct {
	node RaftNode
	sm   *docsm.StateMachine
}

func New(node RaftNode, sm *docsm.StateMachine) *DB {
	return &DB{node: node, sm: sm}
}

func (d *DB) IsLeader() bool               { return d.node.IsLeader() }
func (d *DB) LeaderHint() types.LeaderHint { return d.node.LeaderHint() }
func (d *DB) Status() types.NodeStatus     { return d.node.Status() }
func (d *DB) Metrics() docsm.Metrics       { return d.sm.Metrics() }

func (d *DB) PeerMetrics() map[types.NodeID]transport.PeerMetrics {
	return d.node.PeerMetrics()
}

// Create proposes a document creation.
func (d *DB) Create(ctx context.Context, collection string, doc map[string]any) (types.ApplyResult, error) {
	return d.node.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: collection,
		Data:       doc,
	})
}

// Update proposes a merge of updates into the document with the given id.
func (d *DB) Update(ctx context.Context, collection string, id any, updates map[string]any) (types.ApplyResult, error) {
	return d.node.Propose(ctx, types.Command{
		Type:       types.CmdUpdate,
		Collection: collection,
		Data:       map[string]any{"id": id, "updates": updates},
	})
}

// Delete proposes removal of the document with the given id.
func (d *DB) Delete(ctx context.Context, collection string, id any) (types.ApplyResult, error) {
	return d.node.Propose(ctx, types.Command{
		Type:       types.CmdDelete,
		Collection: collection,
		Data:       map[string]any{"id": id},
	})
}

// Find reads from local applied state. Results may trail the leader by the
// replication lag.
func (d *DB) Find(collection string, query map[string]any) ([]docstore.Document, error) {
	return d.sm.Read(collection, query)
}

// Txn groups commands proposed through it into one transaction that applies
// atomically on commit.
type Txn struct {
	db *DB
	id string
}

// Begin proposes a transaction begin and returns a handle for the group.
func (d *DB) Begin(ctx context.Context) (*Txn, error) {
	id := uuid.NewString()
	_, err := d.node.Propose(ctx, types.Command{Type: types.CmdTxnBegin, TransactionID: id})
	if err != nil {
		return nil, err
	}
	return &Txn{db: d, id: id}, nil
}

func (t *Txn) Create(ctx context.Context, collection string, doc map[string]any) (types.ApplyResult, error) {
	return t.db.node.Propose(ctx, types.Command{
		Type:          types.CmdCreate,
		Collection:    collection,
		Data:          doc,
		TransactionID: t.id,
	})
}

func (t *Txn) Update(ctx context.Context, collection string, id any, updates map[string]any) (types.ApplyResult, error) {
	return t.db.node.Propose(ctx, types.Command{
		Type:          types.CmdUpdate,
		Collection:    collection,
		Data:          map[string]any{"id": id, "updates": updates},
		TransactionID: t.id,
	})
}

func (t *Txn) Delete(ctx context.Context, collection string, id any) (types.ApplyResult, error) {
	return t.db.node.Propose(ctx, types.Command{
		Type:          types.CmdDelete,
		Collection:    collection,
		Data:          map[string]any{"id": id},
		TransactionID: t.id,
	})
}

func (t *Txn) Commit(ctx context.Context) (types.ApplyResult, error) {
	return t.db.node.Propose(ctx, types.Command{Type: types.CmdTxnCommit, TransactionID: t.id})
}

func (t *Txn) Rollback(ctx context.Context) (types.ApplyResult, error) {
	return t.db.node.Propose(ctx, types.Command{Type: types.CmdTxnRollback, TransactionID: t.id})
}
