package adminrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the Admin service over an existing connection, negotiating
// jsonCodec via CallContentSubtype on every invocation.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an already-dialed connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Propose(ctx context.Context, data []byte) (*ProposeResponse, error) {
	out := new(ProposeResponse)
	err := c.conn.Invoke(ctx, "/raftd.Admin/Propose", &ProposeRequest{Data: data}, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	err := c.conn.Invoke(ctx, "/raftd.Admin/Status", &StatusRequest{}, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}
