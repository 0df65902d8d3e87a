package coordinator

import (
	"github.com/dreamware/replikv/internal/lockmgr"
	"github.com/dreamware/replikv/internal/rpc"
	"github.com/dreamware/replikv/internal/shard"
)

// fanout is how an operation picks the nodes it forwards to.
type fanout int

const (
	// fanLocal sends to this node only.
	fanLocal fanout = iota
	// fanAllOrNothing sends to every configured replica; any failure fails
	// the operation.
	fanAllOrNothing
	// fanAllLive sends to every live replica. A failed peer is marked
	// failed on the shard instead of failing the operation.
	fanAllLive
)

func (f fanout) String() string {
	switch f {
	case fanLocal:
		return "local"
	case fanAllOrNothing:
		return "all_or_nothing"
	case fanAllLive:
		return "all_live"
	}
	return "unknown"
}

type lockNeed int

const (
	lockNone lockNeed = iota
	lockShared
	lockExclusive
)

func (l lockNeed) mode() lockmgr.Mode {
	if l == lockShared {
		return lockmgr.Shared
	}
	return lockmgr.Exclusive
}

type shardNeed int

const (
	// shardNone operations run without a shard.
	shardNone shardNeed = iota
	// shardHosted operations need the shard hosted here with the class's
	// access.
	shardHosted
	// shardCreate operations need the shard not to exist yet.
	shardCreate
)

// opClass is the static description of one client message type.
type opClass struct {
	shard  shardNeed
	access shard.Access
	lock   lockNeed
	seqno  bool
	fanout fanout
	// key is set when the request must name a key.
	key bool
}

var opClasses = map[rpc.MsgType]opClass{
	rpc.MsgGet:         {shard: shardHosted, access: shard.AccessRead, lock: lockShared, fanout: fanLocal, key: true},
	rpc.MsgPut:         {shard: shardHosted, access: shard.AccessWrite, lock: lockExclusive, seqno: true, fanout: fanAllLive, key: true},
	rpc.MsgDelete:      {shard: shardHosted, access: shard.AccessWrite, lock: lockExclusive, seqno: true, fanout: fanAllLive, key: true},
	rpc.MsgCreateShard: {shard: shardCreate, fanout: fanAllOrNothing},
	rpc.MsgDeleteShard: {shard: shardHosted, access: shard.AccessWrite, fanout: fanAllLive},
	rpc.MsgCommand:     {fanout: fanLocal},
}
