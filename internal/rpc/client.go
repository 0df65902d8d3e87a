package rpc

import (
	"time"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/storage"
)

// Client wraps a Messenger with typed calls against a remote Server. Each
// call completes exactly once; failures arrive as errors wrapping the
// status sentinels. Callers retry by calling again.
type Client struct {
	m       Messenger
	timeout time.Duration
}

// NewClient returns a Client sending through m, giving every call timeout
// to complete.
func NewClient(m Messenger, timeout time.Duration) *Client {
	return &Client{m: m, timeout: timeout}
}

// Messenger returns the underlying transport.
func (c *Client) Messenger() Messenger { return c.m }

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) call(node string, req *Request, cb func(*Response, error)) {
	c.m.Send(node, req, c.timeout, func(resp *Response) {
		cb(resp, resp.Err())
	})
}

// GetLastSeqno returns the highest seqno the node has applied for shard.
func (c *Client) GetLastSeqno(node string, shard meta.ShardID, cb func(uint64, error)) {
	c.call(node, &Request{Type: MsgGetLastSeqno, Shard: shard}, func(resp *Response, err error) {
		cb(resp.Seqno, err)
	})
}

// KeyVersion is a key's seqno on one replica.
type KeyVersion struct {
	Seqno     uint64
	Tombstone bool
	// Unknown is set when the replica has no trace of the key.
	Unknown bool
}

// Live reports whether the replica holds a value for the key.
func (v KeyVersion) Live() bool { return !v.Unknown && !v.Tombstone }

// GetSeqno returns the version of key on node. A key the node has never
// seen is reported as Unknown, not as an error.
func (c *Client) GetSeqno(node string, shard meta.ShardID, key string, cb func(KeyVersion, error)) {
	c.call(node, &Request{Type: MsgGetSeqno, Shard: shard, Key: key}, func(resp *Response, err error) {
		if resp.Status == StatusObjectUnknown {
			cb(KeyVersion{Unknown: true}, nil)
			return
		}
		if err != nil {
			cb(KeyVersion{}, err)
			return
		}
		v := KeyVersion{Seqno: resp.Seqno}
		if resp.Record != nil {
			v.Tombstone = resp.Record.Tombstone
		}
		cb(v, nil)
	})
}

// GetRecord returns key's current record on node.
func (c *Client) GetRecord(node string, shard meta.ShardID, key string, cb func(storage.Record, error)) {
	c.call(node, &Request{Type: MsgReplicaGet, Shard: shard, Key: key}, func(resp *Response, err error) {
		if err != nil {
			cb(storage.Record{}, err)
			return
		}
		cb(*resp.Record, nil)
	})
}

// CursorPage is one page of an iteration.
type CursorPage struct {
	Cursors []storage.Cursor
	// Resume continues the iteration strictly after this page.
	Resume *storage.Cursor
	// Done is set on an empty page.
	Done bool
}

// GetIterationCursors returns the page of cursors in [start, max] following
// resume (from the start when resume is nil).
func (c *Client) GetIterationCursors(node string, shard meta.ShardID, start, max uint64, resume *storage.Cursor, limit int, cb func(CursorPage, error)) {
	req := &Request{Type: MsgGetCursors, Shard: shard, Start: start, Max: max, Resume: resume, Limit: limit}
	c.call(node, req, func(resp *Response, err error) {
		if err != nil {
			cb(CursorPage{}, err)
			return
		}
		page := CursorPage{Cursors: resp.Cursors, Done: len(resp.Cursors) == 0}
		if !page.Done {
			last := resp.Cursors[len(resp.Cursors)-1]
			page.Resume = &last
		}
		cb(page, nil)
	})
}

// GetByCursor returns the record a cursor points at. A rewritten key
// reports ErrObjectUnknown.
func (c *Client) GetByCursor(node string, shard meta.ShardID, cur storage.Cursor, cb func(storage.Record, error)) {
	c.call(node, &Request{Type: MsgGetByCursor, Shard: shard, Cursor: cur}, func(resp *Response, err error) {
		if err != nil {
			cb(storage.Record{}, err)
			return
		}
		cb(*resp.Record, nil)
	})
}

// GetMsgByCursor returns the record a cursor points at as a write-if-newer
// replica write ready to replay on another node.
func (c *Client) GetMsgByCursor(node string, shard meta.ShardID, cur storage.Cursor, cb func(*Request, error)) {
	c.call(node, &Request{Type: MsgGetMsgByCursor, Shard: shard, Cursor: cur}, func(resp *Response, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cb(resp.Msg, nil)
	})
}

// Write sends a replica write and reports whether it was applied.
func (c *Client) Write(node string, req *Request, cb func(bool, error)) {
	req.Type = MsgReplicaWrite
	c.call(node, req, func(resp *Response, err error) {
		cb(resp.Applied, err)
	})
}

// Remove drops every trace of key on node.
func (c *Client) Remove(node string, shard meta.ShardID, key string, ltime uint64, cb func(error)) {
	c.call(node, &Request{Type: MsgReplicaRemove, Shard: shard, Key: key, Ltime: ltime}, func(_ *Response, err error) {
		cb(err)
	})
}

// CreateContainer creates the shard's container on node.
func (c *Client) CreateContainer(node string, shard meta.ShardID, cb func(error)) {
	c.call(node, &Request{Type: MsgCreateContainer, Shard: shard}, func(_ *Response, err error) {
		cb(err)
	})
}

// DeleteContainer drops the shard's container on node.
func (c *Client) DeleteContainer(node string, shard meta.ShardID, cb func(error)) {
	c.call(node, &Request{Type: MsgDeleteContainer, Shard: shard}, func(_ *Response, err error) {
		cb(err)
	})
}
