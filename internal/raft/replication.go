package raft

import (
	"errors"
	"time"

	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
)

// peerState is the leader's view of one follower. It is owned by the
// replication component; all mutation happens under the node mutex.
type peerState struct {
	id          types.NodeID
	nextIndex   types.LogIndex
	matchIndex  types.LogIndex
	inFlight    bool
	lastAttempt time.Time
	failures    int
}

func (p *peerState) reset(lastIndex types.LogIndex) {
	p.nextIndex = lastIndex + 1
	p.matchIndex = 0
	p.inFlight = false
	p.failures = 0
}

// replicationLoop is the leader's periodic replication/heartbeat timer. It
// keeps idle peers synchronized even without new proposals and fans out
// fresh entries as soon as a proposal signals.
func (n *Node) replicationLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(n.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	n.replicateToAll()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stopCh:
			return
		case <-n.replicateCh:
			n.replicateToAll()
		case <-ticker.C:
			n.replicateToAll()
		}
	}
}

// replicateToAll fans AppendEntries out to every peer concurrently and
// independently. Requests to the same peer never overlap: the in-flight
// flag serializes them.
func (n *Node) replicateToAll() {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	var targets []types.NodeID
	for id, p := range n.peers {
		if p.inFlight {
			continue
		}
		p.inFlight = true
		p.lastAttempt = time.Now()
		targets = append(targets, id)
	}
	n.mu.Unlock()

	// A leader with no peers is its own majority; commit on the local
	// append since no replication round will ever run.
	if len(n.peers) == 0 {
		n.tryAdvanceCommitIndex()
		return
	}

	for _, id := range targets {
		go n.replicateToPeer(id)
	}
}

// replicateToPeer sends entries from nextIndex onward, capped at the batch
// size, and resolves conflicts with the follower's conflict-term hints.
func (n *Node) replicateToPeer(peer types.NodeID) {
	n.mu.Lock()
	p := n.peers[peer]
	defer func() {
		n.mu.Lock()
		p.inFlight = false
		n.mu.Unlock()
	}()

	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	nextIdx := p.nextIndex
	boundaryIdx, boundaryTerm := n.log.SnapshotBoundary()

	// A follower that has fallen behind the snapshot boundary cannot be
	// caught up from the log; ship the snapshot instead.
	if nextIdx <= boundaryIdx {
		snapshot := n.snapshot
		n.mu.Unlock()
		n.sendSnapshot(peer, term, boundaryIdx, boundaryTerm, snapshot)
		return
	}

	prevLogIndex := nextIdx - 1
	var prevLogTerm types.Term
	if prevLogIndex > 0 {
		var err error
		prevLogTerm, err = n.log.TermAt(prevLogIndex)
		if err != nil {
			n.mu.Unlock()
			n.logger.Error("replication prev-term lookup failed",
				"peer", peer, "index", prevLogIndex, "error", err)
			return
		}
	}

	var entries []raftlog.Entry
	lastIdx := n.log.LastIndex()
	if nextIdx <= lastIdx {
		end := lastIdx
		if max := nextIdx + types.LogIndex(n.cfg.BatchSize) - 1; end > max {
			end = max
		}
		var err error
		entries, err = n.log.Entries(nextIdx, end)
		if err != nil {
			n.mu.Unlock()
			n.logger.Error("replication read failed",
				"peer", peer, "from", nextIdx, "error", err)
			return
		}
	}

	req := transport.AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.cfg.ID,
		LeaderAddr:   n.cfg.Addr,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.log.CommitIndex(),
	}
	n.mu.Unlock()

	resp, err := n.client.AppendEntries(n.ctx, peer, req)

	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	if err != nil {
		p.failures++
		n.mu.Unlock()
		if !errors.Is(err, transport.ErrPartitioned) {
			n.logger.Warn("replication failed", "peer", peer, "error", err)
		}
		return
	}
	p.failures = 0

	if resp.Term > term {
		n.mu.Unlock()
		n.stepDown(resp.Term)
		return
	}

	if resp.Success {
		// MatchIndex is authoritative: a follower whose snapshot covers
		// prevLogIndex acks without appending the batch, so counting
		// prevLogIndex+len(entries) here would overstate what it holds.
		if resp.MatchIndex > p.matchIndex {
			p.matchIndex = resp.MatchIndex
		}
		p.nextIndex = p.matchIndex + 1
		more := p.nextIndex <= n.log.LastIndex()
		n.mu.Unlock()

		n.tryAdvanceCommitIndex()
		if more {
			n.signalReplication()
		}
		return
	}

	// Log conflict: jump using the conflict-term hint when present,
	// otherwise fall back to the follower's reported index.
	n.backOffLocked(p, resp)
	n.mu.Unlock()
	n.signalReplication()
}

// backOffLocked rewinds nextIndex after a conflict response. Caller holds mu.
func (n *Node) backOffLocked(p *peerState, resp transport.AppendEntriesResponse) {
	next := resp.ConflictIndex
	if resp.ConflictTerm != 0 {
		// If we also hold entries of the conflict term, resume right
		// after our last entry of that term.
		lastIdx := n.log.LastIndex()
		for idx := lastIdx; idx > resp.ConflictIndex; idx-- {
			t, err := n.log.TermAt(idx)
			if err != nil {
				break
			}
			if t == resp.ConflictTerm {
				next = idx + 1
				break
			}
		}
	}
	if next < 1 {
		next = 1
	}
	if next < p.nextIndex {
		p.nextIndex = next
	} else if p.nextIndex > 1 {
		p.nextIndex--
	}
}

// sendSnapshot ships the latest snapshot to a follower whose log position
// was already compacted away.
func (n *Node) sendSnapshot(peer types.NodeID, term types.Term, lastIncludedIndex types.LogIndex, lastIncludedTerm types.Term, snapshot []byte) {
	if snapshot == nil {
		data, err := n.sm.CreateSnapshot()
		if err != nil {
			n.logger.Error("snapshot for lagging follower failed", "peer", peer, "error", err)
			return
		}
		snapshot = data
	}

	req := transport.InstallSnapshotRequest{
		Term:              term,
		LeaderID:          n.cfg.ID,
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Offset:            0,
		Data:              snapshot,
		Done:              true,
	}
	resp, err := n.client.InstallSnapshot(n.ctx, peer, req)
	if err != nil {
		n.logger.Warn("install snapshot failed", "peer", peer, "error", err)
		return
	}
	if resp.Term > term {
		n.stepDown(resp.Term)
		return
	}

	n.mu.Lock()
	p := n.peers[peer]
	if p.matchIndex < lastIncludedIndex {
		p.matchIndex = lastIncludedIndex
	}
	p.nextIndex = lastIncludedIndex + 1
	n.mu.Unlock()
	n.logger.Info("snapshot installed on peer", "peer", peer, "index", lastIncludedIndex)
}

// tryAdvanceCommitIndex recomputes the commit index as the highest index
// replicated to a majority and belonging to the current term. Entries from
// prior terms commit transitively, never directly.
func (n *Node) tryAdvanceCommitIndex() {
	n.mu.Lock()

	if n.role != RoleLeader {
		n.mu.Unlock()
		return
	}

	lastIdx := n.log.LastIndex()
	commit := n.log.CommitIndex()
	majority := (len(n.cfg.Peers)+1)/2 + 1
	advanced := false

	for idx := commit + 1; idx <= lastIdx; idx++ {
		term, err := n.log.TermAt(idx)
		if err != nil || term != n.currentTerm {
			continue
		}
		replicas := 1 // self
		for _, p := range n.peers {
			if p.matchIndex >= idx {
				replicas++
			}
		}
		if replicas >= majority {
			if err := n.log.SetCommitIndex(idx); err != nil {
				n.logger.Error("commit index advance failed", "index", idx, "error", err)
				break
			}
			advanced = true
		}
	}
	n.mu.Unlock()

	if advanced {
		n.signalApplier()
		// Propagate the new commit index to followers promptly.
		n.signalReplication()
	}
}
