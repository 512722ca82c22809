package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/cpopescu/whisperlib/raftpb"
)

// Client is a Raft replicated-log client: it knows the address of every
// replica but not which one is currently the leader, so it round-robins
// until a Save redirects it, then sticks to the reported leader until a
// request against it fails.
//
// Grounded on the original whisper::raft::Client: round-robin + sticky
// leader hint, bounded retries per call, and a failed connection is closed
// and reopened no sooner than reopenConnectionInterval after the failure.
type Client struct {
	replicas []string
	dial     Dialer

	numRetries               int
	requestTimeout           time.Duration
	reopenConnectionInterval time.Duration
	clk                      clock.Clock

	mu          sync.Mutex
	leaderName  string
	nextIndex   int
	current     string
	conn        raftConn
	lastFailure time.Time
	closeCount  int64
}

type raftConn struct {
	client raftpb.RaftClient
	closer interface{ Close() error }
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Replicas []string
	Dial     Dialer
	Clock    clock.Clock

	NumRetries               int
	RequestTimeout           time.Duration
	ReopenConnectionInterval time.Duration
}

func (c *ClientConfig) withDefaults() {
	if c.Dial == nil {
		c.Dial = GRPCDialer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.NumRetries <= 0 {
		c.NumRetries = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 40 * time.Second
	}
	if c.ReopenConnectionInterval <= 0 {
		c.ReopenConnectionInterval = 500 * time.Millisecond
	}
}

// NewClient builds a Client that can reach any of cfg.Replicas.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.withDefaults()
	if len(cfg.Replicas) == 0 {
		return nil, fmt.Errorf("raft: client requires at least one replica address")
	}
	return &Client{
		replicas:                 cfg.Replicas,
		dial:                     cfg.Dial,
		numRetries:               cfg.NumRetries,
		requestTimeout:           cfg.RequestTimeout,
		reopenConnectionInterval: cfg.ReopenConnectionInterval,
		clk:                      cfg.Clock,
	}, nil
}

// Close releases the active connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn.closer == nil {
		return nil
	}
	err := c.conn.closer.Close()
	c.conn = raftConn{}
	c.current = ""
	c.closeCount++
	return err
}

// targetLocked picks which replica to try next: the sticky leader hint if
// one is known, otherwise the next replica in round-robin order.
func (c *Client) targetLocked() string {
	if c.leaderName != "" {
		return c.leaderName
	}
	addr := c.replicas[c.nextIndex%len(c.replicas)]
	c.nextIndex++
	return addr
}

func (c *Client) ensureConnLocked(addr string) (raftpb.RaftClient, error) {
	if c.current == addr && c.conn.client != nil {
		return c.conn.client, nil
	}
	c.closeLocked()
	client, closer, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	c.current = addr
	c.conn = raftConn{client: client, closer: closer}
	return client, nil
}

// SendData implements the Data RPC's request/redirect/retry dance. If
// waitToCommit is true, the call blocks (up to requestTimeout per attempt)
// until the server reports commit_pos has reached the entry, then returns
// whether it actually committed; otherwise it returns as soon as the
// leader accepts the entry.
func (c *Client) SendData(ctx context.Context, data []byte, waitToCommit bool) (committed bool, err error) {
	req := &raftpb.Data{Data: data, WaitToCommit: waitToCommit}

	for attempt := 0; attempt <= c.numRetries; attempt++ {
		c.mu.Lock()
		// After a failure, give the target a moment before retrying it
		// (or a peer) rather than hammering a server that is down.
		if !c.lastFailure.IsZero() {
			wait := c.reopenConnectionInterval - c.clk.Now().Sub(c.lastFailure)
			if wait > 0 {
				c.mu.Unlock()
				select {
				case <-c.clk.After(wait):
				case <-ctx.Done():
					return false, ctx.Err()
				}
				c.mu.Lock()
			}
		}
		addr := c.targetLocked()
		client, dialErr := c.ensureConnLocked(addr)
		c.mu.Unlock()
		if dialErr != nil {
			c.recordFailure(addr)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		resp, callErr := client.Save(callCtx, req)
		cancel()
		if callErr != nil {
			c.recordFailure(addr)
			continue
		}

		if resp.LeaderName != nil && *resp.LeaderName != "" && *resp.LeaderName != addr {
			c.mu.Lock()
			c.leaderName = *resp.LeaderName
			c.mu.Unlock()
			continue // redirected; try again against the reported leader
		}
		if resp.Pos == nil {
			// Not the leader and no redirect hint: fall back to round-robin.
			c.mu.Lock()
			c.leaderName = ""
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.leaderName = addr
		c.lastFailure = time.Time{}
		c.mu.Unlock()

		if resp.WasCommitted != nil {
			return *resp.WasCommitted, nil
		}
		return !waitToCommit, nil
	}
	return false, fmt.Errorf("raft: client: exhausted %d retries against %v", c.numRetries, c.replicas)
}

func (c *Client) recordFailure(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailure = c.clk.Now()
	c.leaderName = ""
	if c.current == addr {
		c.closeLocked()
	}
}
