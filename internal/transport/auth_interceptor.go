package transport

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthTokenHeader is the metadata key carrying the admin token.
const AuthTokenHeader = "x-auth-token"

// AuthInterceptor rejects unary calls without the expected token. An empty
// expected token disables the check.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkToken(ctx, expectedToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// AuthStreamInterceptor is the streaming counterpart of AuthInterceptor.
func AuthStreamInterceptor(expectedToken string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkToken(ss.Context(), expectedToken); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkToken(ctx context.Context, expected string) error {
	if expected == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	tokens := md.Get(AuthTokenHeader)
	if len(tokens) == 0 {
		return status.Error(codes.Unauthenticated, "missing auth token")
	}
	if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(expected)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid auth token")
	}
	return nil
}
