// Package grpctransport carries halo messages between ranks in separate
// processes over gRPC.
package grpctransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/seislts/halo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "lts.halo.v1.Halo"
	deliverMethod = "/" + ServiceName + "/Deliver"
	headerSize    = 16
	tracerName    = "github.com/notargets/seislts/halo/grpctransport"
)

// HaloServer receives copy-layer messages of one rank
type HaloServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// ServiceDesc describes the halo service without generated stubs
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HaloServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lts/halo/v1/halo.proto",
}

// RegisterHaloServer attaches srv to a gRPC server
func RegisterHaloServer(s grpc.ServiceRegistrar, srv HaloServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HaloServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(HaloServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// mailboxServer hands every message to the rank's mailbox
type mailboxServer struct {
	mb *halo.Mailbox
}

func (s *mailboxServer) Deliver(_ context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	src, tag, payload, err := decodeMessage(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.mb.Deliver(src, tag, payload); err != nil {
		if errors.Is(err, halo.ErrTransportClosed) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// encodeMessage frames a payload as source rank and tag followed by the values, little endian
func encodeMessage(src, tag int, payload []float64) []byte {
	out := make([]byte, headerSize+8*len(payload))
	binary.LittleEndian.PutUint64(out[0:], uint64(int64(src)))
	binary.LittleEndian.PutUint64(out[8:], uint64(int64(tag)))
	for i, v := range payload {
		binary.LittleEndian.PutUint64(out[headerSize+8*i:], math.Float64bits(v))
	}
	return out
}

func decodeMessage(data []byte) (src, tag int, payload []float64, err error) {
	if len(data) < headerSize || (len(data)-headerSize)%8 != 0 {
		return 0, 0, nil, fmt.Errorf("malformed halo message of %d bytes", len(data))
	}
	src = int(int64(binary.LittleEndian.Uint64(data[0:])))
	tag = int(int64(binary.LittleEndian.Uint64(data[8:])))
	payload = make([]float64, (len(data)-headerSize)/8)
	for i := range payload {
		payload[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[headerSize+8*i:]))
	}
	return src, tag, payload, nil
}

// tracingInterceptor opens a server span per delivered message
func tracingInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := tracer.Start(ctx, "halo.Deliver", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		if bv, ok := req.(*wrapperspb.BytesValue); ok {
			span.SetAttributes(attribute.Int("halo.bytes", len(bv.GetValue())))
		}
		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		return resp, err
	}
}
