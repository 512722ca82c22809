package raft

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/cpopescu/whisperlib/raftpb"
)

// fakeRaftClient is a stand-in RaftClient used to drive Client without a
// real network, the way the teacher's RPC stubs are swapped for fakes in
// unit tests that don't need a live gRPC server.
type fakeRaftClient struct {
	save func(ctx context.Context, in *raftpb.Data) (*raftpb.DataResponse, error)
}

func (f *fakeRaftClient) Vote(ctx context.Context, in *raftpb.RequestVote, opts ...grpc.CallOption) (*raftpb.RequestVoteResponse, error) {
	return nil, io.EOF
}
func (f *fakeRaftClient) Append(ctx context.Context, in *raftpb.AppendEntries, opts ...grpc.CallOption) (*raftpb.AppendEntriesResponse, error) {
	return nil, io.EOF
}
func (f *fakeRaftClient) Save(ctx context.Context, in *raftpb.Data, opts ...grpc.CallOption) (*raftpb.DataResponse, error) {
	return f.save(ctx, in)
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func TestClientFollowsLeaderRedirect(t *testing.T) {
	leaderAddr := "node-1"
	dial := func(addr string) (raftpb.RaftClient, io.Closer, error) {
		if addr != leaderAddr {
			leader := leaderAddr
			return &fakeRaftClient{save: func(ctx context.Context, in *raftpb.Data) (*raftpb.DataResponse, error) {
				return &raftpb.DataResponse{LeaderName: &leader}, nil
			}}, noopCloser{}, nil
		}
		pos := raftpb.LogPos{FileNum: 0, BlockNum: 0, RecordNum: 0}
		committed := true
		return &fakeRaftClient{save: func(ctx context.Context, in *raftpb.Data) (*raftpb.DataResponse, error) {
			return &raftpb.DataResponse{Pos: &pos, WasCommitted: &committed}, nil
		}}, noopCloser{}, nil
	}

	c, err := NewClient(ClientConfig{
		Replicas: []string{"node-0", leaderAddr, "node-2"},
		Dial:     dial,
		Clock:    clock.NewMock(),
	})
	require.NoError(t, err)
	defer c.Close()

	committed, err := c.SendData(context.Background(), []byte("x"), true)
	require.NoError(t, err)
	require.True(t, committed, "expected committed=true")
}

func TestClientExhaustsRetriesWhenAllReplicasFail(t *testing.T) {
	dial := func(addr string) (raftpb.RaftClient, io.Closer, error) {
		return &fakeRaftClient{save: func(ctx context.Context, in *raftpb.Data) (*raftpb.DataResponse, error) {
			return nil, io.EOF
		}}, noopCloser{}, nil
	}
	c, err := NewClient(ClientConfig{
		Replicas:                 []string{"node-0", "node-1"},
		Dial:                     dial,
		NumRetries:               2,
		ReopenConnectionInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SendData(context.Background(), []byte("x"), false)
	require.Error(t, err, "expected an error once retries are exhausted")
}
