package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docraft/docraft/internal/docdb"
	"github.com/docraft/docraft/internal/docsm"
	"github.com/docraft/docraft/internal/docstore"
	"github.com/docraft/docraft/internal/raft"
	"github.com/docraft/docraft/internal/raftlog"
	"github.com/docraft/docraft/internal/transport"
	"github.com/docraft/docraft/internal/types"
)

// localNode applies proposals directly, or refuses them when demoted.
type localNode struct {
	mu     sync.Mutex
	sm     *docsm.StateMachine
	index  types.LogIndex
	leader bool
}

func (n *localNode) Propose(ctx context.Context, cmd types.Command) (types.ApplyResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.leader {
		return types.ApplyResult{}, raft.ErrNotLeader
	}
	n.index++
	return n.sm.Apply(raftlog.Entry{Term: 1, Index: n.index, Command: cmd})
}

func (n *localNode) IsLeader() bool { return n.leader }
func (n *localNode) LeaderHint() types.LeaderHint {
	return types.LeaderHint{LeaderID: "n2", LeaderAddr: "http://localhost:8082"}
}
func (n *localNode) Status() types.NodeStatus {
	return types.NodeStatus{ID: "n1", Role: "leader", Term: 1, CommitIndex: n.index}
}
func (n *localNode) PeerMetrics() map[types.NodeID]transport.PeerMetrics { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *localNode) {
	t.Helper()
	sm := docsm.New(docstore.New(), "n1", 0, nil)
	node := &localNode{sm: sm, leader: true}
	srv := httptest.NewServer(New(docdb.New(node, sm)).Handler())
	t.Cleanup(srv.Close)
	return srv, node
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestCreateAndFindDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1", "name": "John Doe"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["ok"])

	resp, err = http.Get(srv.URL + "/collections/users/?name=John+Doe")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	data, ok := body["data"].([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
}

func TestUpdateDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1", "name": "John Doe"}`))
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPatch, srv.URL+"/collections/users/u1",
		strings.NewReader(`{"name": "Jane Doe"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	doc, ok := body["doc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", doc["name"])
}

func TestDeleteDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1"}`))
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/collections/users/u1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/collections/users/")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Nil(t, body["data"])
}

func TestNotLeaderRedirectsWithHint(t *testing.T) {
	srv, node := newTestServer(t)
	node.mu.Lock()
	node.leader = false
	node.mu.Unlock()

	resp, err := http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "not_leader", body["err_code"])
	hint, ok := body["leader_hint"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "n2", hint["leader_id"])
}

func TestDomainErrorsSurfaceInResult(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1"}`))
	require.NoError(t, err)
	resp.Body.Close()

	// A duplicate id comes back as a deterministic failed result, not an
	// HTTP transport error.
	resp, err = http.Post(srv.URL+"/collections/users/", "application/json",
		strings.NewReader(`{"id": "u1"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "duplicate_id", body["err_code"])
}

func TestFindUnknownCollection(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/collections/ghosts/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusAndHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "n1", body["id"])
	assert.Equal(t, "leader", body["role"])
}
