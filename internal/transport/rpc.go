// Package transport carries the three Raft RPCs between nodes and layers
// retry, backoff and partition detection on top of a pluggable wire
// implementation.
package transport

import (
	"context"
	"errors"

	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/types"
)

var (
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrPartitioned = errors.New("transport: peer suspected partitioned")
)

type RequestVoteRequest struct {
	Term         types.Term     `json:"term"`
	CandidateID  types.NodeID   `json:"candidate_id"`
	LastLogIndex types.LogIndex `json:"last_log_index"`
	LastLogTerm  types.Term     `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        types.Term `json:"term"`
	VoteGranted bool       `json:"vote_granted"`
}

type AppendEntriesRequest struct {
	Term         types.Term      `json:"term"`
	LeaderID     types.NodeID    `json:"leader_id"`
	LeaderAddr   string          `json:"leader_addr"`
	PrevLogIndex types.LogIndex  `json:"prev_log_index"`
	PrevLogTerm  types.Term      `json:"prev_log_term"`
	Entries      []raftlog.Entry `json:"entries,omitempty"`
	LeaderCommit types.LogIndex  `json:"leader_commit"`
}

type AppendEntriesResponse struct {
	Term          types.Term     `json:"term"`
	Success       bool           `json:"success"`
	MatchIndex    types.LogIndex `json:"match_index,omitempty"`
	ConflictIndex types.LogIndex `json:"conflict_index,omitempty"`
	ConflictTerm  types.Term     `json:"conflict_term,omitempty"`
}

type InstallSnapshotRequest struct {
	Term              types.Term     `json:"term"`
	LeaderID          types.NodeID   `json:"leader_id"`
	LastIncludedIndex types.LogIndex `json:"last_included_index"`
	LastIncludedTerm  types.Term     `json:"last_included_term"`
	Offset            int64          `json:"offset"`
	Data              []byte         `json:"data"`
	Done              bool           `json:"done"`
}

type InstallSnapshotResponse struct {
	Term types.Term `json:"term"`
}

// Transport is the wire-level sender for the three Raft RPCs plus a
// lightweight reachability probe.
type Transport interface {
	RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, to types.NodeID, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
	Ping(ctx context.Context, to types.NodeID) error
}

// RPCHandler is implemented by the Raft node to serve incoming RPCs.
type RPCHandler interface {
	HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req InstallSnapshotRequest) (InstallSnapshotResponse, error)
}
