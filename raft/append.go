package raft

import (
	"context"
	"time"

	"github.com/cpopescu/whisperlib/logio"
	"github.com/cpopescu/whisperlib/raftpb"
)

// Append implements the raft.Raft/Append RPC (follower side).
func (s *Server) Append(ctx context.Context, req *raftpb.AppendEntries) (*raftpb.AppendEntriesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(req), nil
}

func (s *Server) appendLocked(req *raftpb.AppendEntries) *raftpb.AppendEntriesResponse {
	success := false

	// A stale leader's request is rejected outright, but the reply still
	// always reports current_term, current_pos, and commit_pos below.
	if req.Term >= s.currentTerm {
		if req.Term > s.currentTerm || s.role != RoleFollower || s.leaderID != req.LeaderId {
			s.becomeFollowerLocked(req.Term, req.LeaderId)
		} else {
			s.resetElectionDeadlineLocked()
		}

		lastLogPos := req.LastLogPos.ToLogPos()
		if len(req.Entry) == 0 {
			success = s.lastLogPos.Equal(lastLogPos) && s.lastLogTerm == req.LastLogTerm
		} else if s.reconcileLocked(lastLogPos, req.LastLogTerm) {
			if err := s.appendEntriesToLogLocked(req.Entry); err != nil {
				s.log.Error().Err(err).Msg("appending replicated entries")
			} else {
				success = true
			}
		}

		if success {
			leaderCommit := req.LeaderCommitPos.ToLogPos()
			if leaderCommit.Greater(s.commitPos) {
				newCommit := leaderCommit
				if s.lastLogPos.Less(newCommit) {
					newCommit = s.lastLogPos
				}
				if newCommit.Greater(s.commitPos) {
					s.commitPos = newCommit
					s.persistStateLocked()
				}
			}
		}
	}

	resp := &raftpb.AppendEntriesResponse{Term: s.currentTerm, Success: success}
	currentPos := raftpb.FromLogPos(s.writer.Tell())
	commitPos := raftpb.FromLogPos(s.commitPos)
	resp.CurrentPos = &currentPos
	resp.CommitPos = &commitPos
	return resp
}

// reconcileLocked checks that our log agrees with the leader's claimed
// prefix (lastLogPos, lastLogTerm) and, if our log holds divergent or
// simply extra entries beyond it, discards them. TruncateAt only accepts a
// block boundary, so when lastLogPos lies in an already-sealed block the log
// is truncated from the next block on, and when it lies inside the block
// still being buffered that block is rewound to the kept prefix instead
// (see logio.LogWriter.RewindWithinBlock).
func (s *Server) reconcileLocked(lastLogPos logio.LogPos, lastLogTerm int64) bool {
	tail := s.writer.Tell()
	if !lastLogPos.IsNull() {
		if tail.LessOrEqual(lastLogPos) {
			return false
		}
		entry, ok, err := s.readEntryAtLocked(lastLogPos)
		if err != nil || !ok || entry.Term != lastLogTerm {
			return false
		}
	}
	if tail.Equal(lastLogPos) {
		return true
	}
	if lastLogPos.Less(s.commitPos) {
		return false // never discard committed entries (I3)
	}

	cut := logio.LogPos{FileNum: lastLogPos.FileNum, BlockNum: lastLogPos.BlockNum + 1, RecordNum: 0}
	if lastLogPos.IsNull() {
		cut = logio.LogPos{FileNum: 0, BlockNum: 0, RecordNum: 0}
	}
	sameBlock := !lastLogPos.IsNull() && tail.FileNum == lastLogPos.FileNum && tail.BlockNum == lastLogPos.BlockNum
	if !sameBlock {
		// lastLogPos sits in an already-sealed block (or names nothing, in
		// the IsNull case): TruncateAt discards everything from the next
		// block on, leaving the sealed block holding lastLogPos intact.
		if err := s.writer.TruncateAt(cut); err != nil {
			s.log.Error().Err(err).Msg("truncating log during reconciliation")
			return false
		}
		return true
	}
	// lastLogPos sits inside the block we are still buffering: keep its
	// first RecordNum+1 records and discard the rest in place.
	if err := s.writer.RewindWithinBlock(int(lastLogPos.RecordNum + 1)); err != nil {
		s.log.Error().Err(err).Msg("rewinding block during reconciliation")
		return false
	}
	return true
}

func (s *Server) readEntryAtLocked(pos logio.LogPos) (raftpb.DataEntry, bool, error) {
	r, err := logio.NewLogReader(s.cfg.LogDir, s.cfg.FileBase, s.readerOpts, pos)
	if err != nil {
		return raftpb.DataEntry{}, false, err
	}
	defer r.Close()
	raw, ok, err := r.GetNextRecord()
	if err != nil || !ok {
		return raftpb.DataEntry{}, false, err
	}
	entry, err := raftpb.DecodeDataEntry(raw)
	if err != nil {
		return raftpb.DataEntry{}, false, err
	}
	return entry, true, nil
}

// appendEntriesToLogLocked writes entries to the log in order, then flushes
// once so the positions callers observed via Tell() before calling this are
// durable, and updates lastLogPos/lastLogTerm/persists afterward.
func (s *Server) appendEntriesToLogLocked(entries []raftpb.DataEntry) error {
	var last raftpb.DataEntry
	for _, e := range entries {
		raw, err := raftpb.EncodeDataEntry(e)
		if err != nil {
			return err
		}
		if _, err := s.writer.WriteRecord(raw); err != nil {
			return err
		}
		last = e
	}
	if err := s.writer.Flush(true); err != nil {
		return err
	}
	s.lastLogPos = last.Pos.ToLogPos()
	s.lastLogTerm = last.Term
	s.persistStateLocked()
	return nil
}

// --- leader-side replication ---

func (s *Server) sendHeartbeatToFollowersLocked() {
	s.lastHeartbeat = s.cfg.Clock.Now()
	for _, p := range s.peers {
		if !p.isSelf && !p.inTransfer {
			s.sendAppendEntriesToNodeLocked(p)
		}
	}
}

// sendAppendEntriesToNodeLocked reads up to MaxEntriesSize bytes of entries
// starting at p.nextLogPos from the leader's own log and sends them to p.
func (s *Server) sendAppendEntriesToNodeLocked(p *peer) {
	if p.inTransfer || p.reader == nil {
		return
	}
	var entries []raftpb.DataEntry
	size := 0
	for size < s.cfg.MaxEntriesSize {
		raw, ok, err := p.reader.GetNextRecord()
		if err != nil {
			s.log.Error().Err(err).Int32("peer", p.id).Msg("reading follower replication stream")
			return
		}
		if !ok {
			break
		}
		entry, err := raftpb.DecodeDataEntry(raw)
		if err != nil {
			s.log.Error().Err(err).Int32("peer", p.id).Msg("decoding replicated entry")
			return
		}
		entries = append(entries, entry)
		size += len(raw)
	}

	// LastLogPos/LastLogTerm name the entry just before the first one sent
	// (each DataEntry records its predecessor); with nothing to send, the
	// follower is expected to hold exactly the leader's own tail.
	prevPos, prevTerm := raftpb.FromLogPos(s.lastLogPos), s.lastLogTerm
	if len(entries) > 0 {
		prevPos, prevTerm = entries[0].LastLogPos, entries[0].LastLogTerm
	}
	req := &raftpb.AppendEntries{
		Term:            s.currentTerm,
		LeaderId:        s.cfg.NodeID,
		LastLogTerm:     prevTerm,
		LastLogPos:      prevPos,
		LeaderCommitPos: raftpb.FromLogPos(s.commitPos),
		Entry:           entries,
	}
	p.inTransfer = true
	term := s.currentTerm
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := p.client.Append(ctx, req)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.handleAppendResponseLocked(term, p, req, resp, err)
	}()
}

func (s *Server) handleAppendResponseLocked(requestTerm int64, p *peer, req *raftpb.AppendEntries, resp *raftpb.AppendEntriesResponse, err error) {
	p.inTransfer = false
	if s.role != RoleLeader || s.currentTerm != requestTerm {
		return
	}
	if err != nil {
		return // transient failure; next heartbeat/send retries
	}
	if resp.Term > s.currentTerm {
		s.becomeFollowerLocked(resp.Term, noLeader)
		return
	}
	if !resp.Success {
		s.degradeNodeLocked(p, resp)
		return
	}
	if len(req.Entry) > 0 {
		last := req.Entry[len(req.Entry)-1]
		p.matchLogPos = last.Pos.ToLogPos()
	}
	s.advanceNextLogPosLocked(p)
	s.maybeAdvanceCommitLocked()
	if p.reader != nil {
		// More log may already exist beyond what we just sent (a Save
		// landed while this RPC was in flight): keep pipelining.
		s.sendAppendEntriesToNodeLocked(p)
	}
}

// advanceNextLogPosLocked points nextLogPos/lastLogTerm at the reader's
// current position (a block boundary, since the dedicated reader only ever
// stops there once it runs out of data) and the term of the entry just
// before it.
func (s *Server) advanceNextLogPosLocked(p *peer) {
	if p.matchLogPos.IsNull() {
		return
	}
	p.nextLogPos = logio.LogPos{FileNum: p.matchLogPos.FileNum, BlockNum: p.matchLogPos.BlockNum + 1, RecordNum: 0}
	p.lastLogTerm = s.termAtOrBeforeLocked(p.matchLogPos)
}

func (s *Server) termAtOrBeforeLocked(pos logio.LogPos) int64 {
	entry, ok, err := s.readEntryAtLocked(pos)
	if err != nil || !ok {
		return s.lastLogTerm
	}
	return entry.Term
}

// degradeNodeLocked implements "decrement and retry": rewind the follower's
// cursor to the previous block and resend from there, using the commit_pos
// the follower reported (if any) to skip back faster.
func (s *Server) degradeNodeLocked(p *peer, resp *raftpb.AppendEntriesResponse) {
	target := logio.LogPos{FileNum: 0, BlockNum: 0, RecordNum: 0}
	if resp.CommitPos != nil {
		cp := resp.CommitPos.ToLogPos()
		if !cp.IsNull() {
			target = logio.LogPos{FileNum: cp.FileNum, BlockNum: cp.BlockNum, RecordNum: 0}
		}
	} else if p.nextLogPos.BlockNum > 0 || p.nextLogPos.FileNum > 0 {
		target = logio.LogPos{FileNum: p.nextLogPos.FileNum, BlockNum: p.nextLogPos.BlockNum - 1, RecordNum: 0}
		if p.nextLogPos.BlockNum == 0 {
			target = logio.LogPos{FileNum: p.nextLogPos.FileNum - 1, BlockNum: 0, RecordNum: 0}
		}
	}
	p.nextLogPos = target
	if target.BlockNum == 0 {
		p.lastLogTerm = 0
	} else {
		p.lastLogTerm = s.termAtOrBeforeLocked(logio.LogPos{FileNum: target.FileNum, BlockNum: target.BlockNum - 1, RecordNum: 0})
	}
	if err := p.reader.Seek(target); err != nil {
		s.log.Error().Err(err).Int32("peer", p.id).Msg("seeking follower reader during degrade")
		return
	}
	s.sendAppendEntriesToNodeLocked(p)
}

// maybeAdvanceCommitLocked implements the median-of-matches commit rule.
func (s *Server) maybeAdvanceCommitLocked() {
	positions := make([]logio.LogPos, 0, len(s.peers))
	for _, p := range s.peers {
		if p.isSelf {
			positions = append(positions, s.lastLogPos)
		} else {
			positions = append(positions, p.matchLogPos)
		}
	}
	sortLogPos(positions)
	median := positions[(len(positions)-1)/2]
	if median.Greater(s.commitPos) {
		s.commitPos = median
		s.persistStateLocked()
		s.waiters.signalUpTo(s.commitPos)
	}
}

func sortLogPos(p []logio.LogPos) {
	for i := 1; i < len(p); i++ {
		for j := i; j > 0 && p[j].Less(p[j-1]); j-- {
			p[j], p[j-1] = p[j-1], p[j]
		}
	}
}
