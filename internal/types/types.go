package types

// NodeID identifies a node in the cluster.
type NodeID string

// Term is a logical election epoch. It increases monotonically and is used
// to detect stale leaders and candidates.
type Term uint64

// LogIndex is the position of an entry in the replicated log, starting at 1.
// Index 0 means "no entry".
type LogIndex uint64

// CommandType identifies the operation carried by a replicated command.
type CommandType int

const (
	CmdCreate CommandType = iota
	CmdUpdate
	CmdDelete
	CmdTxnBegin
	CmdTxnCommit
	CmdTxnRollback
)

func (c CommandType) String() string {
	switch c {
	case CmdCreate:
		return "create"
	case CmdUpdate:
		return "update"
	case CmdDelete:
		return "delete"
	case CmdTxnBegin:
		return "txn_begin"
	case CmdTxnCommit:
		return "txn_commit"
	case CmdTxnRollback:
		return "txn_rollback"
	default:
		return "unknown"
	}
}

// Command represents an operation to be applied to the document state machine.
// Data carries the document for create, {id, updates} for update and {id} for
// delete. TransactionID groups commands into a lightweight transaction; empty
// means the command applies immediately.
type Command struct {
	Type          CommandType    `json:"type"`
	Collection    string         `json:"collection,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
}

// ApplyResult is the result of applying a command.
type ApplyResult struct {
	Ok      bool           `json:"ok"`
	Doc     map[string]any `json:"doc,omitempty"`
	ErrCode string         `json:"err_code,omitempty"`
	ErrMsg  string         `json:"err_msg,omitempty"`
}

// LeaderHint tells clients where the leader is.
type LeaderHint struct {
	LeaderID   NodeID `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// NodeStatus holds status info about a Raft node.
type NodeStatus struct {
	ID          NodeID     `json:"id"`
	Role        string     `json:"role"`
	Term        Term       `json:"term"`
	CommitIndex LogIndex   `json:"commit_index"`
	LastApplied LogIndex   `json:"last_applied"`
	LastIndex   LogIndex   `json:"last_index"`
	LeaderHint  LeaderHint `json:"leader_hint"`
}
