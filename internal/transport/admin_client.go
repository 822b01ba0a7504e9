package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminClient calls the admin service of a coordinator or node.
type AdminClient struct {
	conn      *grpc.ClientConn
	authToken string
	timeout   time.Duration
}

// NewAdminClient prepares a connection to address. The connection is
// established lazily on the first call.
func NewAdminClient(address, authToken string, timeout time.Duration) (*AdminClient, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	return &AdminClient{conn: conn, authToken: authToken, timeout: timeout}, nil
}

// GetRing returns the ring text.
func (c *AdminClient) GetRing(ctx context.Context) (string, error) {
	out := new(httpbody.HttpBody)
	if err := c.invoke(ctx, MethodGetRing, out); err != nil {
		return "", err
	}
	return string(out.GetData()), nil
}

// ListNodes returns the ring members as a generic map.
func (c *AdminClient) ListNodes(ctx context.Context) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, MethodListNodes, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Health returns the health line of the remote process.
func (c *AdminClient) Health(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, MethodHealth, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Close closes the connection.
func (c *AdminClient) Close() error {
	return c.conn.Close()
}

func (c *AdminClient) invoke(ctx context.Context, method string, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, c.authToken)
	}
	if err := c.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}
