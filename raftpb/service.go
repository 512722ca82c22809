package raftpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Full method names for the raft.Raft service, matching the
// "/<service>/<method>" shape gRPC expects on the wire.
const (
	RaftVoteFullMethodName   = "/raft.Raft/Vote"
	RaftAppendFullMethodName = "/raft.Raft/Append"
	RaftSaveFullMethodName   = "/raft.Raft/Save"
)

// RaftClient is the client API for the raft.Raft service: Vote, Append, and
// Save, exactly as specified.
type RaftClient interface {
	Vote(ctx context.Context, in *RequestVote, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	Append(ctx context.Context, in *AppendEntries, opts ...grpc.CallOption) (*AppendEntriesResponse, error)
	Save(ctx context.Context, in *Data, opts ...grpc.CallOption) (*DataResponse, error)
}

type raftClient struct {
	cc grpc.ClientConnInterface
}

// NewRaftClient wraps a gRPC connection (or any ClientConnInterface, useful
// for tests) as a RaftClient.
func NewRaftClient(cc grpc.ClientConnInterface) RaftClient {
	return &raftClient{cc: cc}
}

func (c *raftClient) Vote(ctx context.Context, in *RequestVote, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.cc.Invoke(ctx, RaftVoteFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftClient) Append(ctx context.Context, in *AppendEntries, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.cc.Invoke(ctx, RaftAppendFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *raftClient) Save(ctx context.Context, in *Data, opts ...grpc.CallOption) (*DataResponse, error) {
	out := new(DataResponse)
	if err := c.cc.Invoke(ctx, RaftSaveFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RaftServer is the server API for the raft.Raft service.
type RaftServer interface {
	Vote(context.Context, *RequestVote) (*RequestVoteResponse, error)
	Append(context.Context, *AppendEntries) (*AppendEntriesResponse, error)
	Save(context.Context, *Data) (*DataResponse, error)
}

// UnimplementedRaftServer can be embedded in a RaftServer implementation for
// forward compatibility with methods added later.
type UnimplementedRaftServer struct{}

func (UnimplementedRaftServer) Vote(context.Context, *RequestVote) (*RequestVoteResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Vote not implemented")
}

func (UnimplementedRaftServer) Append(context.Context, *AppendEntries) (*AppendEntriesResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Append not implemented")
}

func (UnimplementedRaftServer) Save(context.Context, *Data) (*DataResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Save not implemented")
}

// RegisterRaftServer registers srv as the handler for the raft.Raft service
// on s.
func RegisterRaftServer(s grpc.ServiceRegistrar, srv RaftServer) {
	s.RegisterService(&RaftServiceDesc, srv)
}

func raftVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RequestVote)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).Vote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftVoteFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).Vote(ctx, req.(*RequestVote))
	}
	return interceptor(ctx, in, info, handler)
}

func raftAppendHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AppendEntries)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftAppendFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).Append(ctx, req.(*AppendEntries))
	}
	return interceptor(ctx, in, info, handler)
}

func raftSaveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Data)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServer).Save(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftSaveFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftServer).Save(ctx, req.(*Data))
	}
	return interceptor(ctx, in, info, handler)
}

// RaftServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a service with Vote/Append/Save unary RPCs. Written by hand
// because no protoc toolchain is available in this environment; the wire
// messages it carries are plain Go structs (see codec.go), not generated
// protobuf types.
var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: "raft.Raft",
	HandlerType: (*RaftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: raftVoteHandler},
		{MethodName: "Append", Handler: raftAppendHandler},
		{MethodName: "Save", Handler: raftSaveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft.proto",
}
