package raft

import (
	"io"

	"github.com/cpopescu/whisperlib/logio"
	"github.com/cpopescu/whisperlib/raftpb"
)

// peer is the Go name for what the design calls a "Node": the leader's
// in-memory bookkeeping for one member of the cluster, including itself.
// Breaking the cyclic Server/Node reference from the original design: peer
// only owns its own cursor, reader, and RPC stub; the server passes itself
// as a parameter whenever a peer-affecting operation needs server state.
type peer struct {
	id     int32
	isSelf bool

	// nextLogPos is the block boundary (RecordNum == 0) the leader will
	// next try to extend this follower's log from (see DESIGN.md on
	// block-granularity reconciliation). lastLogTerm is set alongside it:
	// the leader's own last term on taking office, the term of the last
	// matched entry after a success, and the term of the first entry of the
	// preceding block (0 at block 0) after a degrade. AppendEntries requests
	// take their LastLogPos/LastLogTerm from the entries they carry.
	nextLogPos  logio.LogPos
	lastLogTerm int64

	matchLogPos logio.LogPos
	votesForMe  bool
	inTransfer  bool

	reader *logio.LogReader // dedicated cursor over the leader's own log
	client raftpb.RaftClient
	closer io.Closer
}

func (p *peer) close() {
	if p.reader != nil {
		p.reader.Close()
		p.reader = nil
	}
	if p.closer != nil {
		p.closer.Close()
		p.closer = nil
	}
}
