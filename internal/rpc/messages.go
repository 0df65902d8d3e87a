// Package rpc carries the replication protocol between nodes: the request and
// response envelopes, the Messenger transport contract with an in-process and
// an HTTP implementation, the storage-side Server every node runs, and the
// Client shim the recovery code calls.
//
// Every Send completes exactly once, on the sender's scheduler, with either
// the peer's response or a transport status (StatusTimeout, StatusNodeDead).
// Nothing at this layer retries.
package rpc

import (
	"errors"
	"fmt"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/storage"
)

// MsgType identifies a request.
type MsgType int

const (
	// Client operations, dispatched by the coordinator.
	MsgGet MsgType = iota + 1
	MsgPut
	MsgDelete
	MsgCreateShard
	MsgDeleteShard
	MsgCommand

	// Node-level operations, served by Server.
	MsgCreateContainer
	MsgDeleteContainer
	MsgContainerStats
	MsgReplicaGet
	MsgReplicaWrite
	MsgReplicaRemove
	MsgGetLastSeqno
	MsgGetSeqno
	MsgGetCursors
	MsgGetByCursor
	MsgGetMsgByCursor
)

var msgNames = map[MsgType]string{
	MsgGet:             "GET",
	MsgPut:             "PUT",
	MsgDelete:          "DELETE",
	MsgCreateShard:     "CREATE_SHARD",
	MsgDeleteShard:     "DELETE_SHARD",
	MsgCommand:         "COMMAND",
	MsgCreateContainer: "CREATE_CONTAINER",
	MsgDeleteContainer: "DELETE_CONTAINER",
	MsgContainerStats:  "CONTAINER_STATS",
	MsgReplicaGet:      "REPLICA_GET",
	MsgReplicaWrite:    "REPLICA_WRITE",
	MsgReplicaRemove:   "REPLICA_REMOVE",
	MsgGetLastSeqno:    "GET_LAST_SEQNO",
	MsgGetSeqno:        "GET_SEQNO",
	MsgGetCursors:      "GET_CURSORS",
	MsgGetByCursor:     "GET_BY_CURSOR",
	MsgGetMsgByCursor:  "GET_MSG_BY_CURSOR",
}

func (t MsgType) String() string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MSG(%d)", int(t))
}

// NodeLevel reports whether the message is served directly by Server rather
// than by the coordinator's operation dispatch.
func (t MsgType) NodeLevel() bool { return t >= MsgCreateContainer }

// Status is the outcome of a request.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusTimeout
	StatusNodeDead
	StatusWrongNode
	StatusNotReady
	StatusContainerExists
	StatusContainerUnknown
	StatusObjectUnknown
	StatusStaleLtime
	StatusShutdown
	StatusInvalid
)

var (
	ErrFailed           = errors.New("operation failed")
	ErrTimeout          = errors.New("timeout")
	ErrNodeDead         = errors.New("node dead")
	ErrWrongNode        = errors.New("wrong node")
	ErrNotReady         = errors.New("shard not ready")
	ErrContainerExists  = errors.New("container exists")
	ErrContainerUnknown = errors.New("container unknown")
	ErrObjectUnknown    = errors.New("object unknown")
	ErrStaleLtime       = errors.New("stale ltime")
	ErrShutdown         = errors.New("shutting down")
	ErrInvalid          = errors.New("invalid request")
)

var statusErrs = map[Status]error{
	StatusFailed:           ErrFailed,
	StatusTimeout:          ErrTimeout,
	StatusNodeDead:         ErrNodeDead,
	StatusWrongNode:        ErrWrongNode,
	StatusNotReady:         ErrNotReady,
	StatusContainerExists:  ErrContainerExists,
	StatusContainerUnknown: ErrContainerUnknown,
	StatusObjectUnknown:    ErrObjectUnknown,
	StatusStaleLtime:       ErrStaleLtime,
	StatusShutdown:         ErrShutdown,
	StatusInvalid:          ErrInvalid,
}

// Err returns the sentinel error for s, or nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrs[s]; ok {
		return err
	}
	return fmt.Errorf("status %d", int(s))
}

func (s Status) String() string {
	if s == StatusOK {
		return "ok"
	}
	return s.Err().Error()
}

// StatusOf maps an error back to a status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for s, e := range statusErrs {
		if errors.Is(err, e) {
			return s
		}
	}
	switch {
	case errors.Is(err, storage.ErrContainerExists), errors.Is(err, meta.ErrContainerExists):
		return StatusContainerExists
	case errors.Is(err, storage.ErrContainerUnknown):
		return StatusContainerUnknown
	case errors.Is(err, storage.ErrKeyNotFound):
		return StatusObjectUnknown
	}
	return StatusFailed
}

// Request is the envelope for every message. Fields not used by a message
// type are left zero.
type Request struct {
	Type  MsgType      `json:"type"`
	From  string       `json:"from,omitempty"`
	Shard meta.ShardID `json:"shard,omitempty"`

	Key       string            `json:"key,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Seqno     uint64            `json:"seqno,omitempty"`
	Tombstone bool              `json:"tombstone,omitempty"`
	Ltime     uint64            `json:"ltime,omitempty"`
	Mode      storage.WriteMode `json:"mode,omitempty"`

	// Cursor iteration.
	Start  uint64          `json:"start,omitempty"`
	Max    uint64          `json:"max,omitempty"`
	Resume *storage.Cursor `json:"resume,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Cursor storage.Cursor  `json:"cursor"`

	// Shard creation.
	Nodes           []string             `json:"nodes,omitempty"`
	ReplicationType meta.ReplicationType `json:"replication_type,omitempty"`
	VIPGroupID      int                  `json:"vip_group_id,omitempty"`

	Command string `json:"command,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Status Status `json:"status"`
	// Node is the responder.
	Node string `json:"node,omitempty"`
	// Home hints at the shard's home node on StatusWrongNode.
	Home   string `json:"home,omitempty"`
	Detail string `json:"detail,omitempty"`

	Record  *storage.Record     `json:"record,omitempty"`
	Seqno   uint64              `json:"seqno,omitempty"`
	Applied bool                `json:"applied,omitempty"`
	Cursors []storage.Cursor    `json:"cursors,omitempty"`
	Done    bool                `json:"done,omitempty"`
	Msg     *Request            `json:"msg,omitempty"`
	Stats   *storage.StoreStats `json:"stats,omitempty"`
}

// Err returns the response status as an error.
func (r *Response) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Detail != "" {
		return fmt.Errorf("%w: %s", r.Status.Err(), r.Detail)
	}
	return r.Status.Err()
}

// Fail builds a failure response carrying err's status and text.
func Fail(err error) *Response {
	st := StatusOf(err)
	resp := &Response{Status: st}
	if err != st.Err() {
		resp.Detail = err.Error()
	}
	return resp
}

// ContainerOf returns the storage container holding a shard's data.
func ContainerOf(id meta.ShardID) storage.ContainerID {
	return storage.ContainerID(id)
}
