package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProcessMethod полное имя метода для клиентов (conn.Invoke)
const ProcessMethod = "/uag.v1.Gateway/Process"

// GatewayService gRPC-контракт шлюза. Сообщения google.protobuf.Struct
// с тем же JSON, что и у HTTP, поэтому сгенерированный код не нужен.
type GatewayService interface {
	Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: "uag.v1.Gateway",
	HandlerType: (*GatewayService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "uag/v1/gateway.proto",
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayService).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayService).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGatewayServer struct {
	gw     *Gateway
	logger *zap.Logger
}

func NewGRPCGatewayServer(gw *Gateway, logger *zap.Logger) *GRPCGatewayServer {
	return &GRPCGatewayServer{gw: gw, logger: logger.Named("uag-grpc")}
}

// Register вешает сервис на grpc.Server
func (s *GRPCGatewayServer) Register(srv *grpc.Server) {
	srv.RegisterService(&GatewayServiceDesc, s)
}

func (s *GRPCGatewayServer) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> JSON: схема проверяется по документу, как у HTTP
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	// 2. Тот же пайплайн, что и для HTTP
	resp, err := s.gw.ProcessJSON(ctx, raw)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
		}
		if errors.Is(err, domain.ErrPersistence) {
			s.logger.Error("process failed", zap.Error(err))
			return nil, status.Error(codes.Internal, "audit ledger unavailable")
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	// 3. Собираем ответ обратно в Struct. DENY это значение, не gRPC ошибка.
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
