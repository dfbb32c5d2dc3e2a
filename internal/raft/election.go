package raft

import (
	"context"
	"time"

	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
)

// randomElectionTimeout redraws a fresh timeout from
// [ElectionTimeoutMin, ElectionTimeoutMax) to reduce split votes.
func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.Timing.ElectionTimeoutMin
	max := n.cfg.Timing.ElectionTimeoutMax
	return min + time.Duration(n.rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

// electionLoop owns the election timer. Any valid heartbeat or granted vote
// resets it; when it fires on a non-leader the node starts an election.
func (n *Node) electionLoop() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			role := n.role
			n.mu.Unlock()
			if role != RoleLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// startElection transitions to candidate: increment term, vote for self,
// broadcast RequestVote, and become leader on a majority of grants.
func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	n.setRoleLocked(RoleCandidate)
	n.votedFor = n.cfg.ID
	n.persistStableLocked()
	term := n.currentTerm

	req := transport.RequestVoteRequest{
		Term:         term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	peers := make([]types.NodeID, len(n.cfg.Peers))
	copy(peers, n.cfg.Peers)
	n.mu.Unlock()

	n.logger.Info("starting election", "term", term)

	majority := (len(peers)+1)/2 + 1
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timing.ElectionTimeoutMin)
	defer cancel()

	// Short-circuits once enough peer grants arrive for a majority
	// including our own vote.
	results := n.client.BroadcastRequestVote(ctx, peers, req, majority-1)

	votes := 1 // self
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		if r.Resp.Term > term {
			n.stepDown(r.Resp.Term)
			return
		}
		if r.Resp.VoteGranted {
			votes++
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate || n.currentTerm != term {
		return // someone else won, or a higher term appeared meanwhile
	}
	if votes >= majority {
		n.becomeLeaderLocked()
	}
}

// becomeLeaderLocked initializes per-peer replication state, starts the
// heartbeat ticker and immediately asserts authority with an empty
// AppendEntries round. Caller holds mu.
func (n *Node) becomeLeaderLocked() {
	n.setRoleLocked(RoleLeader)
	n.leaderHint = types.LeaderHint{LeaderID: n.cfg.ID, LeaderAddr: n.cfg.Addr}

	lastIdx := n.log.LastIndex()
	for _, p := range n.peers {
		p.reset(lastIdx)
	}

	n.heartbeatStopCh = make(chan struct{})
	go n.replicationLoop(n.heartbeatStopCh)
	n.logger.Info("won election", "term", n.currentTerm, "last_index", lastIdx)
}

// stepDown adopts the higher term and reverts to follower.
func (n *Node) stepDown(newTerm types.Term) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stepDownLocked(newTerm)
}

// stepDownLocked cancels leader timers and resets election state for the
// new term. Caller holds mu.
func (n *Node) stepDownLocked(newTerm types.Term) {
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		n.votedFor = ""
		n.persistStableLocked()
	}
	if n.heartbeatStopCh != nil {
		close(n.heartbeatStopCh)
		n.heartbeatStopCh = nil
	}
	n.setRoleLocked(RoleFollower)
}
