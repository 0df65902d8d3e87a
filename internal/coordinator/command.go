package coordinator

import (
	"fmt"
	"strings"

	"github.com/dreamware/replikv/internal/meta"
	"github.com/dreamware/replikv/internal/rpc"
)

// Administrative commands accepted by CommandAsync.
const (
	// CmdRecovered tells the current owner that the preferred replica is
	// back, starting a switch-back to it.
	CmdRecovered = "RECOVERED"
	// CmdStatus describes the shard and its replicas.
	CmdStatus = "STATUS"
)

var ErrUnknownCommand = fmt.Errorf("%w: unknown command", rpc.ErrInvalid)

// CommandAsync runs an administrative command against a shard and passes
// its output to cb in a later task.
func (c *Coordinator) CommandAsync(id meta.ShardID, cmd string, cb func(string, error)) {
	c.sched.Post(func() {
		out, err := c.command(id, cmd)
		cb(out, err)
	})
}

func (c *Coordinator) command(id meta.ShardID, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty", ErrUnknownCommand)
	}
	h := c.shards[id]
	if h == nil {
		return "", fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	s := h.shard

	switch name := strings.ToUpper(fields[0]); name {
	case CmdRecovered:
		if err := s.SwitchBack(); err != nil {
			return "", fmt.Errorf("shard %d: %w", id, err)
		}
		c.log.Info().Uint64("shard", uint64(id)).Msg("switch-back requested")
		return fmt.Sprintf("shard %d switching back\n", id), nil

	case CmdStatus:
		info := s.Info()
		var b strings.Builder
		fmt.Fprintf(&b, "shard %d state %s access %s home %q ltime %d seqno %d meta_seqno %d pending %d\n",
			info.ID, info.State, info.Access, info.Home, info.Ltime, info.Seqno, info.MetaSeqno, info.PendingOps)
		for _, r := range info.Replicas {
			ranges := make([]string, len(r.Ranges))
			for i, rg := range r.Ranges {
				ranges[i] = rg.String()
			}
			fmt.Fprintf(&b, "  replica %s %s %s writeable=%t live=%t ranges=[%s]\n",
				r.Node, r.State, r.Persistent, r.Writeable, r.Live, strings.Join(ranges, " "))
		}
		return b.String(), nil

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
}
