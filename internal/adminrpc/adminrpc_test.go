package adminrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeAdminServer struct {
	proposeResp *ProposeResponse
	statusResp  *StatusResponse
}

func (f *fakeAdminServer) Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error) {
	return f.proposeResp, nil
}

func (f *fakeAdminServer) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return f.statusResp, nil
}

func dialBufconn(t *testing.T, srv AdminServer) (*Client, func()) {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	RegisterAdminServer(grpcServer, srv)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	return NewClient(conn), func() {
		conn.Close()
		grpcServer.Stop()
	}
}

func TestProposeRoundTrip(t *testing.T) {
	fake := &fakeAdminServer{proposeResp: &ProposeResponse{Accepted: true, Index: 7, Term: 2}}
	client, closeFn := dialBufconn(t, fake)
	defer closeFn()

	resp, err := client.Propose(context.Background(), []byte("command"))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.EqualValues(t, 7, resp.Index)
	require.EqualValues(t, 2, resp.Term)
}

func TestStatusRoundTrip(t *testing.T) {
	fake := &fakeAdminServer{statusResp: &StatusResponse{
		ServerId: 1, Term: 3, Role: "leader", CommitIndex: 9,
		Config: map[uint64]string{1: "member", 2: "member"},
	}}
	client, closeFn := dialBufconn(t, fake)
	defer closeFn()

	resp, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "leader", resp.Role)
	require.EqualValues(t, 9, resp.CommitIndex)
	require.Len(t, resp.Config, 2)
}

func TestProposeNotLeaderRejection(t *testing.T) {
	fake := &fakeAdminServer{proposeResp: &ProposeResponse{Accepted: false, NotLeader: true, LeaderHint: 2}}
	client, closeFn := dialBufconn(t, fake)
	defer closeFn()

	resp, err := client.Propose(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.True(t, resp.NotLeader)
	require.EqualValues(t, 2, resp.LeaderHint)
}
