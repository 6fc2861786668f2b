package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// authorizationMetadataKey is the lower-cased gRPC metadata key.
const authorizationMetadataKey = "authorization"

// UnaryServerInterceptor authenticates the bearer token in the
// "authorization" metadata with authn. A denied call fails with
// codes.Unauthenticated carrying the reason; an allowed call reaches the
// handler with the identity in its context.
func UnaryServerInterceptor(authn TokenAuthenticator, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticateGRPC(ctx, authn, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(authn TokenAuthenticator, logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticateGRPC(ss.Context(), authn, logger, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticateGRPC(ctx context.Context, authn TokenAuthenticator, logger *slog.Logger, method string) (context.Context, error) {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(authorizationMetadataKey); len(values) > 0 {
			token = ExtractBearerToken(values[0])
		}
	}

	d := authn.Authenticate(ctx, token)
	if !d.OK {
		logger.DebugContext(ctx, "auth: grpc call rejected",
			"method", method,
			"reason", d.Reason,
			"source", d.Source.String(),
		)
		return ctx, status.Error(codes.Unauthenticated, d.Reason)
	}
	return ContextWithIdentity(ctx, d.Identity, d.Source), nil
}

// wrappedServerStream overrides Context so handlers see the identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
