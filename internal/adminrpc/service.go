// Package adminrpc exposes a small operator-facing RPC surface — Propose
// and Status — on the same gRPC server the health and reflection services
// already run on, without a .proto file or protoc-generated stubs: the
// service is registered with a hand-built grpc.ServiceDesc whose methods
// exchange plain JSON-tagged Go structs via jsonCodec.
package adminrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ProposeRequest carries the opaque command bytes to append to the log.
type ProposeRequest struct {
	Data []byte `json:"data"`
}

// ProposeResponse reports the outcome of a Propose call. When Accepted is
// false, either NotLeader is true and LeaderHint (if non-zero) and Term
// identify who to retry against, or Error describes why the proposal
// failed.
type ProposeResponse struct {
	Accepted   bool   `json:"accepted"`
	Index      uint64 `json:"index,omitempty"`
	Term       uint64 `json:"term,omitempty"`
	NotLeader  bool   `json:"not_leader,omitempty"`
	LeaderHint uint64 `json:"leader_hint,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatusRequest is empty; Status takes no parameters.
type StatusRequest struct{}

// StatusResponse reports a point-in-time view of this node's consensus
// state for operational visibility.
type StatusResponse struct {
	ServerId    uint64            `json:"server_id"`
	Term        uint64            `json:"term"`
	Role        string            `json:"role"`
	LeaderHint  uint64            `json:"leader_hint"`
	CommitIndex uint64            `json:"commit_index"`
	LastIndex   uint64            `json:"last_index"`
	Config      map[uint64]string `json:"config"`
}

// AdminServer is implemented by whatever owns the local consensus module and
// driving server; cmd/raftnode binds one instance per process.
type AdminServer interface {
	Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
}

func _Admin_Propose_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProposeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Propose(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftd.Admin/Propose"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Propose(ctx, req.(*ProposeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Admin_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftd.Admin/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would otherwise generate from a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftd.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Propose", Handler: _Admin_Propose_Handler},
		{MethodName: "Status", Handler: _Admin_Status_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/adminrpc/service.go",
}

// RegisterAdminServer registers srv with s under the Admin service name.
func RegisterAdminServer(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}
