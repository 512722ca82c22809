// Package raft implements the replicated-log consensus state machine:
// leader election, log replication, commit advancement, and follower log
// reconciliation, on top of package logio's append-only record log.
package raft

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cpopescu/whisperlib/logio"
	"github.com/cpopescu/whisperlib/raftpb"
)

// Role is one of the three Raft roles a Server can hold.
type Role int32

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return fmt.Sprintf("ROLE(%d)", int(r))
	}
}

const (
	noVote    int32 = -1
	noLeader  int32 = -1
	maxEntriesSizeDefault = 1 << 20
)

// Dialer opens an RPC stub to the peer at addr. The returned io.Closer is
// closed when the peer is no longer needed (role change, shutdown).
type Dialer func(addr string) (raftpb.RaftClient, io.Closer, error)

// GRPCDialer is the default Dialer, connecting over plaintext gRPC using
// the gob-backed "proto" codec registered in package raftpb.
func GRPCDialer(addr string) (raftpb.RaftClient, io.Closer, error) {
	cc, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return raftpb.NewRaftClient(cc), cc, nil
}

// Config configures a Server.
type Config struct {
	NodeID    int32
	PeerAddrs []string // index is node id; PeerAddrs[NodeID] is this node

	LogDir        string
	FileBase      string
	BlockSize     int
	BlocksPerFile int
	Deflate       bool

	ElectionTimeout time.Duration
	MaxEntriesSize  int

	Clock  clock.Clock
	Logger zerolog.Logger
	Dial   Dialer

	// CommitCallback is stored with the configuration, but Server never
	// calls it: commit advancement is reported only to parked Save callers
	// (the commit waiter set).
	CommitCallback func(pos logio.LogPos, entry raftpb.DataEntry)
}

func (c *Config) withDefaults() {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 2000 * time.Millisecond
	}
	if c.MaxEntriesSize <= 0 {
		c.MaxEntriesSize = maxEntriesSizeDefault
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Dial == nil {
		c.Dial = GRPCDialer
	}
	if c.BlockSize <= 0 {
		c.BlockSize = logio.DefaultBlockSize
	}
	if c.BlocksPerFile <= 0 {
		c.BlocksPerFile = logio.DefaultBlocksPerFile
	}
}

// Server is the Raft consensus state machine for one node.
type Server struct {
	cfg Config

	mu sync.Mutex

	role        Role
	currentTerm int64
	votedFor    int32
	leaderID    int32
	lastLogPos  logio.LogPos
	lastLogTerm int64
	commitPos   logio.LogPos

	peers            []*peer
	outstandingVotes int

	waiters waiterSet

	writer          *logio.LogWriter
	readerOpts      logio.Options
	electionDeadline time.Time
	lastHeartbeat   time.Time

	log zerolog.Logger

	grpcServer *grpc.Server
	listener   net.Listener

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewServer initializes a Server from cfg: acquires the log directory,
// loads persistent state (refusing to start if it is missing but the log
// is non-empty, per the design's safer startup contract), and constructs
// per-peer cursors.
func NewServer(cfg Config) (*Server, error) {
	cfg.withDefaults()
	opts := logio.Options{BlockSize: cfg.BlockSize, BlocksPerFile: cfg.BlocksPerFile, Deflate: cfg.Deflate}
	writer, err := logio.NewLogWriter(cfg.LogDir, cfg.FileBase, opts)
	if err != nil {
		return nil, fmt.Errorf("raft: opening log writer: %w", err)
	}

	state, ok, err := loadPersistentState(cfg.LogDir, cfg.FileBase)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("raft: loading persistent state: %w", err)
	}
	if !ok {
		if writer.Tell().BlockNum > 0 || writer.Tell().FileNum > 0 {
			writer.Close()
			return nil, fmt.Errorf("raft: state file missing but log is non-empty; refusing to start")
		}
		state = persistentState{VotedFor: noVote, LastLogPos: logio.NullLogPos, CommitPos: logio.NullLogPos}
	}

	s := &Server{
		cfg:         cfg,
		role:        RoleFollower,
		currentTerm: state.CurrentTerm,
		votedFor:    state.VotedFor,
		leaderID:    noLeader,
		lastLogPos:  state.LastLogPos,
		lastLogTerm: state.LastLogTerm,
		commitPos:   state.CommitPos,
		writer:      writer,
		readerOpts:  opts,
		log:         cfg.Logger,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for i, addr := range cfg.PeerAddrs {
		p := &peer{id: int32(i), isSelf: int32(i) == cfg.NodeID}
		if !p.isSelf {
			client, closer, err := cfg.Dial(addr)
			if err != nil {
				s.closePeersLocked()
				writer.Close()
				return nil, fmt.Errorf("raft: dialing peer %d: %w", i, err)
			}
			p.client, p.closer = client, closer
		}
		s.peers = append(s.peers, p)
	}
	return s, nil
}

func (s *Server) closePeersLocked() {
	for _, p := range s.peers {
		p.close()
	}
}

// Serve starts the gRPC listener and the internal timer loop. It returns
// once the listener is bound; serving continues on background goroutines
// until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("raft: listening on %s: %w", addr, err)
	}
	s.listener = lis
	s.grpcServer = grpc.NewServer()
	raftpb.RegisterRaftServer(s.grpcServer, s)

	s.mu.Lock()
	s.resetElectionDeadlineLocked()
	s.mu.Unlock()

	go s.grpcServer.Serve(lis)
	go s.run()
	return nil
}

// Stop halts the timer loop and the gRPC server, releasing the log and all
// peer connections.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		s.mu.Lock()
		s.closePeersLocked()
		s.writer.Close()
		s.mu.Unlock()
	})
}

// run is the server's timer loop: it owns nothing but the ticker and stop
// channel, following the CSP shape of a single goroutine servicing a
// select, with all state mutation happening under s.mu from here or from
// concurrent RPC handlers.
func (s *Server) run() {
	defer close(s.stopped)
	ticker := s.cfg.Clock.Ticker(s.cfg.ElectionTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.periodicCheck()
		}
	}
}

func (s *Server) periodicCheck() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock.Now()
	switch s.role {
	case RoleLeader:
		if now.Sub(s.lastHeartbeat) >= s.heartbeatInterval() {
			s.sendHeartbeatToFollowersLocked()
		}
	default:
		if !now.Before(s.electionDeadline) {
			s.becomeCandidateLocked()
		}
	}
}

func (s *Server) heartbeatInterval() time.Duration {
	return s.cfg.ElectionTimeout * 20 / 100
}

// randomizedElectionTimeoutLocked adds up to ~90% jitter to the base
// election timeout, seeded off the clock, to avoid split votes.
func (s *Server) randomizedElectionTimeoutLocked() time.Duration {
	base := s.cfg.ElectionTimeout
	jitterUnits := s.cfg.Clock.Now().UnixNano() % 10
	return base + base/10*time.Duration(jitterUnits)
}

func (s *Server) resetElectionDeadlineLocked() {
	s.electionDeadline = s.cfg.Clock.Now().Add(s.randomizedElectionTimeoutLocked())
}

// Status returns a short human-readable summary of the server's current
// role, term, and log position, for operational visibility.
func (s *Server) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("node=%d role=%s term=%d leader=%d last=%s commit=%s",
		s.cfg.NodeID, s.role, s.currentTerm, s.leaderID, s.lastLogPos, s.commitPos)
}

func (s *Server) persistStateLocked() {
	state := persistentState{
		CurrentTerm: s.currentTerm,
		VotedFor:    s.votedFor,
		LastLogPos:  s.lastLogPos,
		LastLogTerm: s.lastLogTerm,
		CommitPos:   s.commitPos,
	}
	if err := savePersistentState(s.cfg.LogDir, s.cfg.FileBase, state); err != nil {
		// Persistence is the one fatal condition this server can hit: a
		// reply or vote grant must never be observed without its backing
		// state durable.
		s.log.Fatal().Err(err).Msg("raft: failed to persist state")
	}
}

func majority(n int) int { return n/2 + 1 }

func (s *Server) countVotesLocked() int {
	n := 0
	for _, p := range s.peers {
		if p.votesForMe {
			n++
		}
	}
	return n
}

// --- role transitions, all require s.mu held ---

func (s *Server) becomeCandidateLocked() {
	s.role = RoleCandidate
	s.currentTerm++
	s.votedFor = s.cfg.NodeID
	s.leaderID = noLeader
	for _, p := range s.peers {
		p.votesForMe = p.isSelf
	}
	s.outstandingVotes = len(s.peers) - 1
	s.persistStateLocked()
	s.resetElectionDeadlineLocked()
	s.log.Info().Int64("term", s.currentTerm).Msg("becoming candidate")
	if s.outstandingVotes == 0 {
		// single-node cluster: we already have our own vote.
		if s.countVotesLocked() >= majority(len(s.peers)) {
			s.becomeLeaderLocked()
		}
		return
	}
	s.sendRequestVoteLocked()
}

func (s *Server) becomeLeaderLocked() {
	s.role = RoleLeader
	s.leaderID = s.cfg.NodeID
	tail := s.writer.Tell()
	for _, p := range s.peers {
		p.nextLogPos = logio.LogPos{FileNum: tail.FileNum, BlockNum: tail.BlockNum, RecordNum: 0}
		p.lastLogTerm = s.lastLogTerm
		p.matchLogPos = logio.NullLogPos
		p.inTransfer = false
		if !p.isSelf {
			r, err := logio.NewLogReader(s.cfg.LogDir, s.cfg.FileBase, s.readerOpts, p.nextLogPos)
			if err != nil {
				s.log.Error().Err(err).Int32("peer", p.id).Msg("opening follower reader")
				continue
			}
			p.reader = r
		}
	}
	s.persistStateLocked()
	s.log.Info().Int64("term", s.currentTerm).Msg("becoming leader")
	s.sendHeartbeatToFollowersLocked()
}

// becomeFollowerLocked adopts term (if higher) and leaderID, stepping down
// from any other role.
func (s *Server) becomeFollowerLocked(term int64, leaderID int32) {
	if term > s.currentTerm {
		s.votedFor = noVote
	}
	wasLeader := s.role == RoleLeader
	s.currentTerm = term
	s.role = RoleFollower
	s.leaderID = leaderID
	if wasLeader {
		s.waiters.abandonAll()
		for _, p := range s.peers {
			if !p.isSelf {
				p.close()
			}
		}
	}
	s.persistStateLocked()
	s.resetElectionDeadlineLocked()
}

func (s *Server) peerByID(id int32) *peer {
	if id < 0 || int(id) >= len(s.peers) {
		return nil
	}
	return s.peers[id]
}
