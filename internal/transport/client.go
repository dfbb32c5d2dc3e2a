package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docraft/docraft/internal/types"
)

// RetryPolicy controls per-call timeouts, retry backoff and partition
// suspicion.
type RetryPolicy struct {
	MaxAttempts        int
	CallTimeout        time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	PartitionThreshold int
	ProbeInterval      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		CallTimeout:        100 * time.Millisecond,
		BaseBackoff:        20 * time.Millisecond,
		MaxBackoff:         500 * time.Millisecond,
		PartitionThreshold: 5,
		ProbeInterval:      time.Second,
	}
}

// PeerMetrics is the rolling health record for one peer.
type PeerMetrics struct {
	Successes           uint64
	Failures            uint64
	ConsecutiveFailures int
	Partitioned         bool
	LastAttempt         time.Time
	LastLatency         time.Duration
}

// Client wraps a Transport with timeout, retry-with-backoff and per-peer
// partition detection. A peer whose consecutive failures cross the threshold
// is suspected partitioned; calls to it fail fast until the background probe
// reaches it again.
type Client struct {
	tp     Transport
	policy RetryPolicy
	logger *slog.Logger

	mu    sync.Mutex
	peers map[types.NodeID]*PeerMetrics

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

func NewClient(tp Transport, peers []types.NodeID, policy RetryPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	c := &Client{
		tp:     tp,
		policy: policy,
		logger: logger,
		peers:  make(map[types.NodeID]*PeerMetrics, len(peers)),
	}
	for _, p := range peers {
		c.peers[p] = &PeerMetrics{}
	}
	return c
}

func (c *Client) RequestVote(ctx context.Context, to types.NodeID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := c.sendWithRetry(ctx, to, func(ctx context.Context) error {
		var err error
		resp, err = c.tp.RequestVote(ctx, to, req)
		return err
	})
	return resp, err
}

func (c *Client) AppendEntries(ctx context.Context, to types.NodeID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := c.sendWithRetry(ctx, to, func(ctx context.Context) error {
		var err error
		resp, err = c.tp.AppendEntries(ctx, to, req)
		return err
	})
	return resp, err
}

func (c *Client) InstallSnapshot(ctx context.Context, to types.NodeID, req InstallSnapshotRequest) (InstallSnapshotResponse, error) {
	var resp InstallSnapshotResponse
	err := c.sendWithRetry(ctx, to, func(ctx context.Context) error {
		var err error
		resp, err = c.tp.InstallSnapshot(ctx, to, req)
		return err
	})
	return resp, err
}

// sendWithRetry applies the per-call timeout and retries with exponential
// backoff up to MaxAttempts. No partial state is applied on timeout; the
// caller sees either a response or the final error.
func (c *Client) sendWithRetry(ctx context.Context, to types.NodeID, call func(ctx context.Context) error) error {
	if c.suspected(to) {
		return fmt.Errorf("%w: %s", ErrPartitioned, to)
	}

	backoff := c.policy.BaseBackoff
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.policy.MaxBackoff {
				backoff = c.policy.MaxBackoff
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		start := time.Now()
		err := call(callCtx)
		cancel()

		if err == nil {
			c.recordSuccess(to, time.Since(start))
			return nil
		}
		lastErr = err
		c.recordFailure(to)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("transport: %s unreachable after %d attempts: %w",
		to, c.policy.MaxAttempts, lastErr)
}

// VoteResult is one peer's answer to a broadcast RequestVote.
type VoteResult struct {
	Peer types.NodeID
	Resp RequestVoteResponse
	Err  error
}

// BroadcastRequestVote fans the request out to every peer concurrently and
// collects answers, short-circuiting once need votes have been granted.
// Results gathered up to that point are returned.
func (c *Client) BroadcastRequestVote(ctx context.Context, peers []types.NodeID, req RequestVoteRequest, need int) []VoteResult {
	results := make(chan VoteResult, len(peers))
	for _, p := range peers {
		go func(peer types.NodeID) {
			resp, err := c.RequestVote(ctx, peer, req)
			results <- VoteResult{Peer: peer, Resp: resp, Err: err}
		}(p)
	}

	granted := 0
	collected := make([]VoteResult, 0, len(peers))
	for range peers {
		select {
		case <-ctx.Done():
			return collected
		case r := <-results:
			collected = append(collected, r)
			if r.Err == nil && r.Resp.VoteGranted {
				granted++
				if need > 0 && granted >= need {
					return collected
				}
			}
		}
	}
	return collected
}

func (c *Client) suspected(to types.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.peers[to]
	return ok && m.Partitioned
}

func (c *Client) recordSuccess(to types.NodeID, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metricsLocked(to)
	m.Successes++
	m.ConsecutiveFailures = 0
	m.LastAttempt = time.Now()
	m.LastLatency = latency
	if m.Partitioned {
		m.Partitioned = false
		c.logger.Info("peer recovered from suspected partition", "peer", to)
	}
}

func (c *Client) recordFailure(to types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metricsLocked(to)
	m.Failures++
	m.ConsecutiveFailures++
	m.LastAttempt = time.Now()
	if !m.Partitioned && m.ConsecutiveFailures >= c.policy.PartitionThreshold {
		m.Partitioned = true
		c.logger.Warn("peer suspected partitioned",
			"peer", to, "consecutive_failures", m.ConsecutiveFailures)
	}
}

func (c *Client) metricsLocked(to types.NodeID) *PeerMetrics {
	m, ok := c.peers[to]
	if !ok {
		m = &PeerMetrics{}
		c.peers[to] = m
	}
	return m
}

// Metrics returns a copy of the health record for one peer.
func (c *Client) Metrics(to types.NodeID) (PeerMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.peers[to]
	if !ok {
		return PeerMetrics{}, false
	}
	return *m, true
}

// AllMetrics returns a copy of every peer's health record.
func (c *Client) AllMetrics() map[types.NodeID]PeerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.NodeID]PeerMetrics, len(c.peers))
	for id, m := range c.peers {
		out[id] = *m
	}
	return out
}

// StartProbe runs the background recovery loop: suspected peers are pinged
// every ProbeInterval and cleared on success.
func (c *Client) StartProbe(ctx context.Context) {
	ctx, c.probeCancel = context.WithCancel(ctx)
	c.probeDone = make(chan struct{})
	go func() {
		defer close(c.probeDone)
		ticker := time.NewTicker(c.policy.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probeSuspected(ctx)
			}
		}
	}()
}

func (c *Client) probeSuspected(ctx context.Context) {
	c.mu.Lock()
	var suspects []types.NodeID
	for id, m := range c.peers {
		if m.Partitioned {
			suspects = append(suspects, id)
		}
	}
	c.mu.Unlock()

	for _, id := range suspects {
		probeCtx, cancel := context.WithTimeout(ctx, c.policy.CallTimeout)
		err := c.tp.Ping(probeCtx, id)
		cancel()
		if err == nil {
			c.recordSuccess(id, 0)
		}
	}
}

// StopProbe stops the background recovery loop and waits for it to exit.
func (c *Client) StopProbe() {
	if c.probeCancel != nil {
		c.probeCancel()
		<-c.probeDone
	}
}
