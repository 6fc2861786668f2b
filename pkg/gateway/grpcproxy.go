package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/StricklySoft/storefront-gateway/pkg/auth"
)

// frame is an undecoded gRPC message forwarded between the caller and the
// upstream.
type frame struct {
	payload []byte
}

// frameCodec passes frames through untouched and encodes anything else
// as protobuf, so services registered on the gateway itself (health,
// reflection) keep working under the forced codec.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.payload, nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, status.Errorf(codes.Internal, "gateway: cannot encode %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *frame:
		m.payload = append(m.payload[:0], data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return status.Errorf(codes.Internal, "gateway: cannot decode into %T", v)
}

func (frameCodec) Name() string { return "proto" }

// grpcProxy forwards every method the gateway does not serve itself to
// one upstream connection.
type grpcProxy struct {
	conn *grpc.ClientConn
}

var proxyStreamDesc = &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}

// handle is installed as the server's unknown-service handler. It runs
// behind the stream interceptor, so the stream context already carries
// the authenticated identity.
func (p *grpcProxy) handle(_ any, ss grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(ss)
	if !ok {
		return status.Error(codes.Internal, "gateway: no method on stream")
	}

	ctx, cancel := context.WithCancel(ss.Context())
	defer cancel()
	ctx = metadata.NewOutgoingContext(ctx, upstreamMetadata(ss.Context()))

	cs, err := p.conn.NewStream(ctx, proxyStreamDesc, method, grpc.ForceCodec(frameCodec{}))
	if err != nil {
		return err
	}

	toUpstream := forwardToUpstream(ss, cs)
	toCaller := forwardToCaller(cs, ss)
	for range 2 {
		select {
		case err := <-toUpstream:
			if !errors.Is(err, io.EOF) {
				cancel()
				return status.Errorf(codes.Internal, "gateway: forwarding request: %v", err)
			}
			_ = cs.CloseSend()
		case err := <-toCaller:
			ss.SetTrailer(cs.Trailer())
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return status.Error(codes.Internal, "gateway: upstream stream ended without status")
}

// forwardToUpstream copies caller messages to the upstream until the
// caller half-closes (io.EOF) or fails.
func forwardToUpstream(src grpc.ServerStream, dst grpc.ClientStream) <-chan error {
	errc := make(chan error, 1)
	go func() {
		f := &frame{}
		for {
			if err := src.RecvMsg(f); err != nil {
				errc <- err
				return
			}
			if err := dst.SendMsg(f); err != nil {
				errc <- err
				return
			}
		}
	}()
	return errc
}

// forwardToCaller copies upstream messages back, sending the upstream's
// headers ahead of the first one. It ends with io.EOF or the upstream
// status.
func forwardToCaller(src grpc.ClientStream, dst grpc.ServerStream) <-chan error {
	errc := make(chan error, 1)
	go func() {
		f := &frame{}
		for first := true; ; first = false {
			if err := src.RecvMsg(f); err != nil {
				errc <- err
				return
			}
			if first {
				md, err := src.Header()
				if err != nil {
					errc <- err
					return
				}
				if err := dst.SendHeader(md); err != nil {
					errc <- err
					return
				}
			}
			if err := dst.SendMsg(f); err != nil {
				errc <- err
				return
			}
		}
	}()
	return errc
}

// upstreamMetadata copies the caller's metadata, replacing any identity
// keys with the ones derived from the authenticated identity.
func upstreamMetadata(ctx context.Context) metadata.MD {
	in, _ := metadata.FromIncomingContext(ctx)
	md := in.Copy()
	for _, name := range auth.IdentityHeaders() {
		md.Delete(name)
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		h := http.Header{}
		auth.ApplyIdentityHeaders(h, id, auth.SourceFromContext(ctx))
		for name, values := range h {
			md.Set(name, values...)
		}
	}
	return md
}
