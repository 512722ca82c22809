package raft

import (
	"context"

	"github.com/cpopescu/whisperlib/raftpb"
)

// Save implements the raft.Raft/Save RPC: the client-facing write entry
// point. A non-leader redirects the caller to the current leader (if
// known); the leader appends the entry, starts an AppendEntries to every
// follower that has none in flight, and either replies right away or parks the caller
// on the commit waiter set until the entry is committed.
func (s *Server) Save(ctx context.Context, req *raftpb.Data) (*raftpb.DataResponse, error) {
	s.mu.Lock()

	if s.role != RoleLeader {
		resp := &raftpb.DataResponse{Term: s.currentTerm}
		if s.leaderID >= 0 && int(s.leaderID) < len(s.cfg.PeerAddrs) {
			name := s.cfg.PeerAddrs[s.leaderID]
			resp.LeaderName = &name
		}
		s.mu.Unlock()
		return resp, nil
	}

	pos := s.writer.Tell()
	entry := raftpb.DataEntry{
		Pos:         raftpb.FromLogPos(pos),
		LastLogPos:  raftpb.FromLogPos(s.lastLogPos),
		Term:        s.currentTerm,
		LastLogTerm: s.lastLogTerm,
		Data:        req.Data,
	}
	if err := s.appendEntriesToLogLocked([]raftpb.DataEntry{entry}); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for _, p := range s.peers {
		if !p.isSelf {
			s.sendAppendEntriesToNodeLocked(p)
		}
	}
	if len(s.peers) == 1 {
		s.maybeAdvanceCommitLocked()
	}

	term := s.currentTerm
	committedPos := pos
	wasCommittedAlready := s.commitPos.GreaterOrEqual(committedPos)
	if !req.WaitToCommit || wasCommittedAlready {
		wasCommitted := wasCommittedAlready
		wirePos := raftpb.FromLogPos(committedPos)
		s.mu.Unlock()
		return &raftpb.DataResponse{Term: term, Pos: &wirePos, WasCommitted: &wasCommitted}, nil
	}

	result := make(chan bool, 1)
	s.waiters.add(committedPos, func(committed bool) { result <- committed })
	s.mu.Unlock()

	select {
	case committed := <-result:
		wirePos := raftpb.FromLogPos(committedPos)
		return &raftpb.DataResponse{Term: term, Pos: &wirePos, WasCommitted: &committed}, nil
	case <-ctx.Done():
		return &raftpb.DataResponse{Term: term}, ctx.Err()
	}
}
