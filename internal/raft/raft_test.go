package raft_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docraft/docraft/internal/docsm"
	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/raft"
	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
	"github.com/docraft/docraft/internal/wal"
)

// fakeNetwork routes RPCs between in-process nodes and can cut links to
// simulate partitions.
type fakeNetwork struct {
	mu       sync.Mutex
	handlers map[types.NodeID]transport.RPCHandler
	down     map[types.NodeID]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		handlers: make(map[types.NodeID]transport.RPCHandler),
		down:     make(map[types.NodeID]bool),
	}
}

func (n *fakeNetwork) register(id types.NodeID, h transport.RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

func (n *fakeNetwork) setDown(id types.NodeID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

func (n *fakeNetwork) route(from, to types.NodeID) (transport.RPCHandler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[from] || n.down[to] {
		return nil, fmt.Errorf("link %s -> %s is down", from, to)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, transport.ErrUnknownPeer
	}
	return h, nil
}

// fakeTransport is one node's view of the fake network.
type fakeTransport struct {
	net  *fakeNetwork
	self types.NodeID
}

func (t *fakeTransport) RequestVote(ctx context.Context, to types.NodeID, req transport.RequestVoteRequest) (transport.RequestVoteResponse, error) {
	h, err := t.net.route(t.self, to)
	if err != nil {
		return transport.RequestVoteResponse{}, err
	}
	return h.HandleRequestVote(ctx, req)
}

func (t *fakeTransport) AppendEntries(ctx context.Context, to types.NodeID, req transport.AppendEntriesRequest) (transport.AppendEntriesResponse, error) {
	h, err := t.net.route(t.self, to)
	if err != nil {
		return transport.AppendEntriesResponse{}, err
	}
	return h.HandleAppendEntries(ctx, req)
}

func (t *fakeTransport) InstallSnapshot(ctx context.Context, to types.NodeID, req transport.InstallSnapshotRequest) (transport.InstallSnapshotResponse, error) {
	h, err := t.net.route(t.self, to)
	if err != nil {
		return transport.InstallSnapshotResponse{}, err
	}
	return h.HandleInstallSnapshot(ctx, req)
}

func (t *fakeTransport) Ping(ctx context.Context, to types.NodeID) error {
	_, err := t.net.route(t.self, to)
	return err
}

type cluster struct {
	net   *fakeNetwork
	nodes map[types.NodeID]*raft.Node
	sms   map[types.NodeID]*docsm.StateMachine
	ids   []types.NodeID
}

func newCluster(t *testing.T, size int, snapshotInterval uint64) *cluster {
	t.Helper()
	c := &cluster{
		net:   newFakeNetwork(),
		nodes: make(map[types.NodeID]*raft.Node),
		sms:   make(map[types.NodeID]*docsm.StateMachine),
	}
	for i := 0; i < size; i++ {
		c.ids = append(c.ids, types.NodeID(fmt.Sprintf("n%d", i+1)))
	}

	policy := transport.RetryPolicy{
		MaxAttempts:        2,
		CallTimeout:        100 * time.Millisecond,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         5 * time.Millisecond,
		PartitionThreshold: 1000,
		ProbeInterval:      10 * time.Millisecond,
	}
	timing := raft.TimingConfig{
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
	}

	for _, id := range c.ids {
		var peers []types.NodeID
		for _, other := range c.ids {
			if other != id {
				peers = append(peers, other)
			}
		}

		logm := raftlog.New(wal.NewMemoryManager(), nil)
		require.NoError(t, logm.Recover())
		sm := docsm.New(docstore.New(), id, snapshotInterval, nil)
		client := transport.NewClient(&fakeTransport{net: c.net, self: id}, peers, policy, nil)

		node, err := raft.NewNode(raft.Config{
			ID:        id,
			Peers:     peers,
			Addr:      "http://" + string(id),
			Timing:    timing,
			BatchSize: 8,
		}, logm, sm, client, raft.NewMemStableStore(), nil)
		require.NoError(t, err)

		c.net.register(id, node)
		c.nodes[id] = node
		c.sms[id] = sm
	}

	for _, id := range c.ids {
		require.NoError(t, c.nodes[id].Start(context.Background()))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, node := range c.nodes {
			node.Stop(ctx)
		}
	})
	return c
}

func (c *cluster) leader() *raft.Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *cluster) waitForLeader(t *testing.T) *raft.Node {
	t.Helper()
	var leader *raft.Node
	require.Eventually(t, func() bool {
		leader = c.leader()
		return leader != nil
	}, 3*time.Second, 10*time.Millisecond, "no leader elected")
	return leader
}

func TestClusterElectsSingleLeader(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)

	// Give heartbeats a moment to settle, then check exactly one leader.
	time.Sleep(150 * time.Millisecond)
	leaders := 0
	for _, node := range c.nodes {
		if node.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)

	leaderID := leader.Status().ID
	require.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if node.LeaderHint().LeaderID != leaderID {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "followers should learn the leader")
}

func TestProposeCommitsAndApplies(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := leader.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: "users",
		Data:       map[string]any{"id": "u1", "name": "John Doe"},
	})
	require.NoError(t, err)
	assert.True(t, res.Ok)

	// Every node converges on the applied document.
	require.Eventually(t, func() bool {
		for _, sm := range c.sms {
			docs, err := sm.Read("users", map[string]any{"id": "u1"})
			if err != nil || len(docs) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProposeOnFollowerRejected(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)

	for _, node := range c.nodes {
		if node == leader {
			continue
		}
		_, err := node.Propose(context.Background(), types.Command{
			Type:       types.CmdCreate,
			Collection: "users",
			Data:       map[string]any{"id": "u1"},
		})
		assert.ErrorIs(t, err, raft.ErrNotLeader)
	}
}

func TestLeaderStepsDownOnHigherTerm(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)
	term := leader.Status().Term

	resp, err := leader.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{
		Term:     term + 5,
		LeaderID: "intruder",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, term+5, resp.Term)
	assert.False(t, leader.IsLeader())
}

func TestNoCommitWithoutMajority(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)
	leaderID := leader.Status().ID

	for _, id := range c.ids {
		if id != leaderID {
			c.net.setDown(id, true)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_, err := leader.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: "users",
		Data:       map[string]any{"id": "u1"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st := leader.Status()
	assert.Equal(t, types.LogIndex(0), st.CommitIndex)
	assert.Equal(t, types.LogIndex(1), st.LastIndex, "entry is appended but never committed")
}

func TestDisconnectedFollowerCatchesUp(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)
	leaderID := leader.Status().ID

	var lagging types.NodeID
	for _, id := range c.ids {
		if id != leaderID {
			lagging = id
			break
		}
	}
	c.net.setDown(lagging, true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		res, err := leader.Propose(ctx, types.Command{
			Type:       types.CmdCreate,
			Collection: "users",
			Data:       map[string]any{"id": fmt.Sprintf("u%d", i)},
		})
		require.NoError(t, err)
		require.True(t, res.Ok)
	}

	c.net.setDown(lagging, false)

	require.Eventually(t, func() bool {
		return c.nodes[lagging].Status().LastApplied == 3
	}, 2*time.Second, 10*time.Millisecond, "reconnected follower should replay the log")
}

func TestRequestVoteRejectsStaleLog(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := leader.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: "users",
		Data:       map[string]any{"id": "u1"},
	})
	require.NoError(t, err)

	st := leader.Status()
	resp, err := leader.HandleRequestVote(context.Background(), transport.RequestVoteRequest{
		Term:         st.Term + 1,
		CandidateID:  "behind",
		LastLogIndex: 0,
		LastLogTerm:  0,
	})
	require.NoError(t, err)
	assert.False(t, resp.VoteGranted, "a candidate with an older log must not win the vote")
}

func TestSnapshotShipsToLaggingFollower(t *testing.T) {
	c := newCluster(t, 3, 2)
	leader := c.waitForLeader(t)
	leaderID := leader.Status().ID

	var lagging types.NodeID
	for _, id := range c.ids {
		if id != leaderID {
			lagging = id
			break
		}
	}
	c.net.setDown(lagging, true)

	// Enough proposals to trigger automatic snapshots and compaction, so the
	// lagging follower's position falls behind the boundary.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 1; i <= 6; i++ {
		res, err := leader.Propose(ctx, types.Command{
			Type:       types.CmdCreate,
			Collection: "users",
			Data:       map[string]any{"id": fmt.Sprintf("u%d", i)},
		})
		require.NoError(t, err)
		require.True(t, res.Ok)
	}

	c.net.setDown(lagging, false)

	require.Eventually(t, func() bool {
		docs, err := c.sms[lagging].Read("users", nil)
		return err == nil && len(docs) == 6
	}, 3*time.Second, 10*time.Millisecond, "follower should be restored from snapshot and caught up")
}

func TestSingleNodeCommitsOwnProposals(t *testing.T) {
	c := newCluster(t, 1, 0)
	leader := c.waitForLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := leader.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: "users",
		Data:       map[string]any{"id": "u1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Ok)

	st := leader.Status()
	assert.Equal(t, types.LogIndex(1), st.CommitIndex)
	assert.Equal(t, types.LogIndex(1), st.LastApplied)
}

func TestUnknownCommandDoesNotStallApplier(t *testing.T) {
	c := newCluster(t, 3, 0)
	leader := c.waitForLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := leader.Propose(ctx, types.Command{
		Type:       types.CommandType(99),
		Collection: "users",
	})
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Equal(t, "apply_failed", res.ErrCode)

	// The bad entry is committed and skipped; later proposals still apply.
	res, err = leader.Propose(ctx, types.Command{
		Type:       types.CmdCreate,
		Collection: "users",
		Data:       map[string]any{"id": "u1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Ok)

	require.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if node.Status().LastApplied != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "every node steps over the failed entry")
}

func TestAppendEntriesInsideSnapshotAcksBoundaryOnly(t *testing.T) {
	logm := raftlog.New(wal.NewMemoryManager(), nil)
	require.NoError(t, logm.Recover())
	var entries []raftlog.Entry
	for i := 1; i <= 7; i++ {
		entries = append(entries, raftlog.Entry{
			Term:   1,
			Index:  types.LogIndex(i),
			NodeID: "n1",
			Command: types.Command{
				Type:       types.CmdCreate,
				Collection: "users",
				Data:       map[string]any{"id": fmt.Sprintf("u%d", i)},
			},
		})
	}
	require.NoError(t, logm.Append(entries))
	// Compact through 5 while keeping an unconfirmed suffix at 6 and 7.
	require.NoError(t, logm.Compact(5, 1))

	sm := docsm.New(docstore.New(), "n1", 0, nil)
	client := transport.NewClient(&fakeTransport{net: newFakeNetwork(), self: "n1"}, nil, transport.DefaultRetryPolicy(), nil)
	node, err := raft.NewNode(raft.Config{ID: "n1", Addr: "http://n1"}, logm, sm, client, raft.NewMemStableStore(), nil)
	require.NoError(t, err)

	resp, err := node.HandleAppendEntries(context.Background(), transport.AppendEntriesRequest{
		Term:         2,
		LeaderID:     "n2",
		LeaderAddr:   "http://n2",
		PrevLogIndex: 3,
		PrevLogTerm:  1,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, types.LogIndex(5), resp.MatchIndex,
		"the retained suffix above the snapshot is not confirmed to match the leader")
}
