// Package raft composes leader election, log replication, the network
// client and the state machine into one addressable Raft participant.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/docraft/docraft/internal/docsm"
	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
)

const (
	RoleLeader    = "leader"
	RoleFollower  = "follower"
	RoleCandidate = "candidate"
)

var ErrNotLeader = errors.New("raft: not leader")

// TimingConfig holds configurable timing parameters for elections and
// heartbeats. The heartbeat interval must be strictly shorter than the
// election timeout range.
type TimingConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// Config holds configuration for a Raft node.
type Config struct {
	ID        types.NodeID
	Peers     []types.NodeID // other nodes, not including self
	Addr      string         // this node's advertised address
	Timing    TimingConfig
	BatchSize int        // max entries per AppendEntries
	Rand      *rand.Rand // optional: deterministic randomness in tests
}

// RoleChange is delivered to registered observers on every role transition.
type RoleChange struct {
	From string
	To   string
	Term types.Term
}

// Node is a Raft node.
type Node struct {
	cfg    Config
	log    *raftlog.Manager
	sm     *docsm.StateMachine
	client *transport.Client
	stable StableStore

	mu          sync.Mutex
	role        string
	currentTerm types.Term
	votedFor    types.NodeID
	leaderHint  types.LeaderHint
	peers       map[types.NodeID]*peerState
	snapshot    []byte // latest state machine snapshot, for InstallSnapshot

	ctx             context.Context
	cancel          context.CancelFunc
	applierDone     chan struct{}
	applierCh       chan struct{}
	replicateCh     chan struct{}
	electionResetCh chan struct{}
	heartbeatStopCh chan struct{}

	pendingMu sync.Mutex
	pending   map[types.LogIndex]chan types.ApplyResult

	roleObservers []func(RoleChange)
	rand          *rand.Rand
	logger        *slog.Logger
}

// NewNode creates a new Raft node. The log manager must already be
// recovered; term and vote are restored from the stable store.
func NewNode(cfg Config, log *raftlog.Manager, sm *docsm.StateMachine, client *transport.Client, stable StableStore, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing = DefaultTimingConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	term, votedFor, err := stable.Load()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:             cfg,
		log:             log,
		sm:              sm,
		client:          client,
		stable:          stable,
		role:            RoleFollower,
		currentTerm:     term,
		votedFor:        votedFor,
		peers:           make(map[types.NodeID]*peerState, len(cfg.Peers)),
		applierCh:       make(chan struct{}, 1),
		replicateCh:     make(chan struct{}, 1),
		electionResetCh: make(chan struct{}, 1),
		pending:         make(map[types.LogIndex]chan types.ApplyResult),
		rand:            r,
		logger:          logger.With("node_id", cfg.ID),
	}
	for _, p := range cfg.Peers {
		n.peers[p] = &peerState{id: p}
	}

	// Compact the log whenever the state machine takes an automatic
	// snapshot, and keep the snapshot for lagging followers.
	sm.OnSnapshot(func(ev docsm.SnapshotEvent) {
		n.mu.Lock()
		n.snapshot = ev.Data
		n.mu.Unlock()
		if err := n.log.Compact(ev.Index, ev.Term); err != nil {
			n.logger.Error("log compaction failed", "index", ev.Index, "error", err)
		}
	})

	return n, nil
}

// OnRoleChange registers an observer for role transitions.
func (n *Node) OnRoleChange(fn func(RoleChange)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roleObservers = append(n.roleObservers, fn)
}

// setRoleLocked transitions the role and notifies observers. Caller holds mu.
func (n *Node) setRoleLocked(role string) {
	if n.role == role {
		return
	}
	change := RoleChange{From: n.role, To: role, Term: n.currentTerm}
	n.role = role
	n.logger.Info("role changed", "from", change.From, "to", change.To, "term", change.Term)
	for _, fn := range n.roleObservers {
		go fn(change)
	}
}

// Start starts the applier loop and election timer.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.applierDone = make(chan struct{})
	go n.applierLoop()
	go n.electionLoop()
	n.client.StartProbe(n.ctx)
	return nil
}

// Stop shuts down the node, cancelling every timer and in-flight request.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()
	n.client.StopProbe()
	n.mu.Lock()
	if n.heartbeatStopCh != nil {
		close(n.heartbeatStopCh)
		n.heartbeatStopCh = nil
	}
	n.mu.Unlock()
	select {
	case <-n.applierDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.log.Persist()
}

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) LeaderHint() types.LeaderHint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

func (n *Node) Status() types.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return types.NodeStatus{
		ID:          n.cfg.ID,
		Role:        n.role,
		Term:        n.currentTerm,
		CommitIndex: n.log.CommitIndex(),
		LastApplied: n.sm.LastAppliedIndex(),
		LastIndex:   n.log.LastIndex(),
		LeaderHint:  n.leaderHint,
	}
}

// PeerMetrics exposes the transport's per-peer health records.
func (n *Node) PeerMetrics() map[types.NodeID]transport.PeerMetrics {
	return n.client.AllMetrics()
}

// Propose appends a command on the leader and waits until it is committed
// and applied, returning the state machine's result.
func (n *Node) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return types.ApplyResult{}, ErrNotLeader
	}
	term := n.currentTerm
	index := n.log.LastIndex() + 1
	entry := raftlog.Entry{
		Term:      term,
		Index:     index,
		Command:   cmd,
		Timestamp: time.Now(),
		NodeID:    n.cfg.ID,
	}
	// Durable before anything is sent: the WAL write is the commit barrier.
	if err := n.log.Append([]raftlog.Entry{entry}); err != nil {
		n.mu.Unlock()
		return types.ApplyResult{}, err
	}
	n.mu.Unlock()

	resultCh := make(chan types.ApplyResult, 1)
	n.pendingMu.Lock()
	n.pending[index] = resultCh
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, index)
		n.pendingMu.Unlock()
	}()

	n.signalReplication()

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return types.ApplyResult{}, ctx.Err()
	case <-n.ctx.Done():
		return types.ApplyResult{}, n.ctx.Err()
	}
}

// HandleAppendEntries handles an incoming AppendEntries RPC.
func (n *Node) HandleAppendEntries(ctx context.Context, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.currentTerm {
		return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	// Valid leader for the current term.
	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID, LeaderAddr: req.LeaderAddr}
	if n.role == RoleCandidate {
		n.setRoleLocked(RoleFollower)
	}

	// Log matching check on (prevLogIndex, prevLogTerm).
	if req.PrevLogIndex > 0 {
		lastIdx := n.log.LastIndex()
		if req.PrevLogIndex > lastIdx {
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: lastIdx + 1,
			}, nil
		}
		prevTerm, err := n.log.TermAt(req.PrevLogIndex)
		if err != nil {
			if errors.Is(err, raftlog.ErrCompacted) {
				// prev entry is inside our snapshot. Only the boundary is
				// known to match the leader; a retained suffix above it may
				// still conflict, so do not claim anything past it.
				boundary, _ := n.log.SnapshotBoundary()
				return transport.AppendEntriesResponse{Term: n.currentTerm, Success: true,
					MatchIndex: boundary}, nil
			}
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: req.PrevLogIndex,
			}, nil
		}
		if prevTerm != req.PrevLogTerm {
			// Conflict-term hint: report the first index of the
			// conflicting term so the leader can jump back in one step.
			conflictIndex := req.PrevLogIndex
			for conflictIndex > 1 {
				t, err := n.log.TermAt(conflictIndex - 1)
				if err != nil || t != prevTerm {
					break
				}
				conflictIndex--
			}
			return transport.AppendEntriesResponse{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: conflictIndex,
				ConflictTerm:  prevTerm,
			}, nil
		}
	}

	if len(req.Entries) > 0 {
		if err := n.log.Append(req.Entries); err != nil {
			return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false},
				fmt.Errorf("append replicated entries: %w", err)
		}
	}

	matchIndex := req.PrevLogIndex + types.LogIndex(len(req.Entries))
	newCommit := req.LeaderCommit
	if last := n.log.LastIndex(); newCommit > last {
		newCommit = last
	}
	if newCommit > n.log.CommitIndex() {
		if err := n.log.SetCommitIndex(newCommit); err != nil {
			return transport.AppendEntriesResponse{Term: n.currentTerm, Success: false}, err
		}
		n.signalApplier()
	}

	return transport.AppendEntriesResponse{
		Term:       n.currentTerm,
		Success:    true,
		MatchIndex: matchIndex,
	}, nil
}

// HandleRequestVote handles an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(ctx context.Context, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.currentTerm {
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	// Candidate's log must be at least as up to date: compare last-log
	// term first, then last-log index.
	lastIdx := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	logOK := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)

	if canVote && logOK {
		n.votedFor = req.CandidateID
		n.persistStableLocked()
		n.resetElectionTimer()
		return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
	}
	return transport.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
}

// HandleInstallSnapshot handles an incoming InstallSnapshot RPC. The leader
// sends snapshots in a single frame, so Offset is always 0 and Done true.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req transport.InstallSnapshotRequest) (transport.InstallSnapshotResponse, error) {
	n.mu.Lock()
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return transport.InstallSnapshotResponse{Term: term}, nil
	}
	n.resetElectionTimer()
	n.leaderHint = types.LeaderHint{LeaderID: req.LeaderID}
	term := n.currentTerm
	n.mu.Unlock()

	if !req.Done || req.LastIncludedIndex <= n.sm.LastAppliedIndex() {
		return transport.InstallSnapshotResponse{Term: term}, nil
	}

	if err := n.sm.RestoreSnapshot(req.Data); err != nil {
		return transport.InstallSnapshotResponse{Term: term},
			fmt.Errorf("restore snapshot: %w", err)
	}
	if err := n.log.Compact(req.LastIncludedIndex, req.LastIncludedTerm); err != nil {
		return transport.InstallSnapshotResponse{Term: term}, err
	}
	if req.LastIncludedIndex > n.log.CommitIndex() {
		if err := n.log.SetCommitIndex(req.LastIncludedIndex); err != nil {
			return transport.InstallSnapshotResponse{Term: term}, err
		}
	}
	n.logger.Info("installed snapshot",
		"last_included_index", req.LastIncludedIndex,
		"last_included_term", req.LastIncludedTerm)
	return transport.InstallSnapshotResponse{Term: term}, nil
}

func (n *Node) signalApplier() {
	select {
	case n.applierCh <- struct{}{}:
	default:
	}
}

func (n *Node) signalReplication() {
	select {
	case n.replicateCh <- struct{}{}:
	default:
	}
}

func (n *Node) applierLoop() {
	defer close(n.applierDone)
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applierCh:
			n.applyCommitted()
		}
	}
}

// applyCommitted applies everything between last-applied and commit index,
// strictly in order. This is the single apply path.
func (n *Node) applyCommitted() {
	for {
		lo := n.sm.LastAppliedIndex() + 1
		hi := n.log.CommitIndex()
		if lo > hi {
			return
		}
		entries, err := n.log.Entries(lo, hi)
		if err != nil {
			n.logger.Error("reading committed entries failed", "lo", lo, "hi", hi, "error", err)
			return
		}
		for _, e := range entries {
			result, err := n.sm.Apply(e)
			if err != nil {
				n.logger.Error("apply failed", "index", e.Index, "error", err)
				result = types.ApplyResult{Ok: false, ErrCode: "apply_failed", ErrMsg: err.Error()}
				// Step over the failed entry so the loop keeps making
				// progress; it is committed and will fail identically on
				// every node.
				if serr := n.sm.SetLastAppliedIndex(e.Index); serr != nil {
					n.logger.Error("skipping failed entry", "index", e.Index, "error", serr)
					return
				}
			}
			n.pendingMu.Lock()
			if ch, ok := n.pending[e.Index]; ok {
				// Single-shot buffered channel; the proposer may already be
				// gone.
				select {
				case ch <- result:
				default:
				}
			}
			n.pendingMu.Unlock()
		}
	}
}

func (n *Node) persistStableLocked() {
	if err := n.stable.Save(n.currentTerm, n.votedFor); err != nil {
		n.logger.Error("persisting term/vote failed", "error", err)
	}
}
