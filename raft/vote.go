package raft

import (
	"context"
	"time"

	"github.com/cpopescu/whisperlib/raftpb"
)

// Vote implements the raft.Raft/Vote RPC.
func (s *Server) Vote(ctx context.Context, req *raftpb.RequestVote) (*raftpb.RequestVoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voteLocked(req), nil
}

// voteLocked implements the grant predicate exactly as specified, including
// its two near-duplicate clauses (see DESIGN.md: this is a deliberately
// preserved, documented behavior rather than an oversight).
func (s *Server) voteLocked(req *raftpb.RequestVote) *raftpb.RequestVoteResponse {
	candidateID := req.CandidateId
	known := candidateID >= 0 && int(candidateID) < len(s.peers)
	candidateLastPos := req.LastLogPos.ToLogPos()

	granted := false
	if known {
		clauseHigherTerm := req.Term > s.currentTerm && candidateLastPos.GreaterOrEqual(s.commitPos)
		clauseSameTermUnvoted := req.Term >= s.currentTerm && s.votedFor == noVote && candidateLastPos.GreaterOrEqual(s.lastLogPos)
		granted = clauseHigherTerm || clauseSameTermUnvoted
	}

	if granted {
		s.votedFor = candidateID
		s.currentTerm = req.Term
		if s.role != RoleFollower {
			s.stepDownRoleOnlyLocked()
		}
		s.persistStateLocked()
	} else if req.Term > s.currentTerm {
		s.becomeFollowerLocked(req.Term, noLeader)
	}
	return &raftpb.RequestVoteResponse{Term: s.currentTerm, VoteGranted: granted}
}

// stepDownRoleOnlyLocked moves to follower without touching term/votedFor,
// used when a vote grant already performed the term update the caller
// needs.
func (s *Server) stepDownRoleOnlyLocked() {
	wasLeader := s.role == RoleLeader
	s.role = RoleFollower
	s.leaderID = noLeader
	if wasLeader {
		s.waiters.abandonAll()
		for _, p := range s.peers {
			if !p.isSelf {
				p.close()
			}
		}
	}
}

// sendRequestVoteLocked broadcasts Vote RPCs to every other peer.
func (s *Server) sendRequestVoteLocked() {
	req := &raftpb.RequestVote{
		Term:        s.currentTerm,
		CandidateId: s.cfg.NodeID,
		LastLogTerm: s.lastLogTerm,
		LastLogPos:  raftpb.FromLogPos(s.lastLogPos),
	}
	term := s.currentTerm
	for _, p := range s.peers {
		if p.isSelf {
			continue
		}
		p := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := p.client.Vote(ctx, req)
			s.mu.Lock()
			defer s.mu.Unlock()
			s.handleVoteResponseLocked(term, p.id, resp, err)
		}()
	}
}

func (s *Server) handleVoteResponseLocked(requestTerm int64, peerID int32, resp *raftpb.RequestVoteResponse, err error) {
	if s.role != RoleCandidate || s.currentTerm != requestTerm {
		return // a stale response for a round we've already left
	}
	s.outstandingVotes--
	if err != nil {
		s.maybeRevertCandidateLocked()
		return
	}
	if resp.Term > s.currentTerm {
		s.becomeFollowerLocked(resp.Term, noLeader)
		return
	}
	if resp.VoteGranted {
		if p := s.peerByID(peerID); p != nil {
			p.votesForMe = true
		}
		if s.countVotesLocked() >= majority(len(s.peers)) {
			s.becomeLeaderLocked()
			return
		}
	}
	s.maybeRevertCandidateLocked()
}

func (s *Server) maybeRevertCandidateLocked() {
	if s.role == RoleCandidate && s.outstandingVotes <= 0 && s.countVotesLocked() < majority(len(s.peers)) {
		s.role = RoleFollower
		s.leaderID = noLeader
		s.persistStateLocked()
	}
}
