package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const adminServiceName = "ringkv.admin.v1.Admin"

// Full method names of the admin service.
const (
	MethodGetRing   = "/" + adminServiceName + "/GetRing"
	MethodListNodes = "/" + adminServiceName + "/ListNodes"
	MethodHealth    = "/" + adminServiceName + "/Health"
)

// RingSource is what the admin service and the HTTP API expose: the ring as
// last seen by the coordinator or a node.
type RingSource interface {
	// Ring returns a snapshot the caller may keep.
	Ring() *ring.Ring
	Role() string
	Address() string
}

// AdminService is the server side of the admin service.
type AdminService interface {
	GetRing(context.Context, *emptypb.Empty) (*httpbody.HttpBody, error)
	ListNodes(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Health(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// AdminServer serves ring inspection over gRPC.
type AdminServer struct {
	source    RingSource
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string

	address  string
	listener net.Listener
}

// NewAdminServer creates an admin server for source.
func NewAdminServer(source RingSource, address string, authToken string, logger *pkg.Logger) (*AdminServer, error) {
	if source == nil {
		return nil, fmt.Errorf("ring source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &AdminServer{
		source:    source,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "admin_server"}),
	}, nil
}

// Start listens and serves in the background.
func (s *AdminServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
		grpc.StreamInterceptor(AuthStreamInterceptor(s.authToken)),
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&adminServiceDesc, s)
	reflection.Register(s.server)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC admin server")

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server.
func (s *AdminServer) Stop() error {
	s.logger.Info().Msg("Stopping gRPC admin server")

	if s.server != nil {
		s.server.GracefulStop()
	}
	return nil
}

// GetRing returns the ring text.
func (s *AdminServer) GetRing(ctx context.Context, _ *emptypb.Empty) (*httpbody.HttpBody, error) {
	return &httpbody.HttpBody{
		ContentType: "text/plain",
		Data:        []byte(s.source.Ring().String()),
	}, nil
}

// ListNodes returns the ring members with their arcs.
func (s *AdminServer) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	nodes := s.source.Ring().Nodes()
	list := make([]any, 0, len(nodes))
	for _, n := range nodes {
		list = append(list, map[string]any{
			"ip":    n.IP,
			"port":  n.Port,
			"start": n.Start.String(),
			"end":   n.End.String(),
		})
	}

	out, err := structpb.NewStruct(map[string]any{
		"role":    s.source.Role(),
		"address": s.source.Address(),
		"nodes":   list,
	})
	if err != nil {
		return nil, fmt.Errorf("encode nodes: %w", err)
	}
	return out, nil
}

// Health reports the role and address of the serving process.
func (s *AdminServer) Health(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(fmt.Sprintf("%s %s ok", s.source.Role(), s.source.Address())), nil
}

func adminGetRingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).GetRing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetRing}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminService).GetRing(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func adminListNodesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).ListNodes(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListNodes}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminService).ListNodes(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func adminHealthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminService).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodHealth}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminService).Health(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// adminServiceDesc is registered by hand; the messages are well-known types
// so no generated code is needed.
var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRing", Handler: adminGetRingHandler},
		{MethodName: "ListNodes", Handler: adminListNodesHandler},
		{MethodName: "Health", Handler: adminHealthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringkv/admin.proto",
}
