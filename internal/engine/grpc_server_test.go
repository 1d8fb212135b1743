package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-control-plane/internal/domain"
	"github.com/xela07ax/spaceai-control-plane/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func dialGateway(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func requestStruct(t *testing.T, req domain.Request) *structpb.Struct {
	t.Helper()
	s, err := toStruct(req)
	require.NoError(t, err)
	return s
}

func TestGRPC_Process(t *testing.T) {
	f := newFixture(t, nil)
	srv := grpc.NewServer()
	NewGRPCGatewayServer(f.gw, zap.NewNop()).Register(srv)
	conn := dialGateway(t, srv)

	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), ProcessMethod, requestStruct(t, purchase("DEMO")), out))
	assert.Equal(t, "DENY", out.GetFields()["decision"].GetStringValue())
	assert.Equal(t, "DEMO_EXECUTION_BLOCKED", out.GetFields()["reason"].GetStringValue())

	out = new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), ProcessMethod, requestStruct(t, purchase("PROD")), out))
	assert.Equal(t, "ALLOW", out.GetFields()["decision"].GetStringValue())
	assert.NotEmpty(t, out.GetFields()["session_id"].GetStringValue())

	// Документ, не прошедший схему, это записанный отказ, а не ошибка транспорта
	bad := []map[string]any{
		{"caller_id": "user-1", "target": "shop", "action": "purchase.create",
			"context": map[string]any{"env": "web", "mode": "PROD", "trust_level": "3"}},
		{"caller_id": "user-1", "target": "shop", "action": "purchase.create",
			"context": map[string]any{"env": "web", "mode": "PROD", "trust_level": 2.5}},
		{"caller_id": "user-1", "target": "shop", "action": "purchase.create",
			"context": map[string]any{"env": "web", "mode": "PROD"}},
	}
	for _, doc := range bad {
		in, err := structpb.NewStruct(doc)
		require.NoError(t, err)
		out = new(structpb.Struct)
		require.NoError(t, conn.Invoke(context.Background(), ProcessMethod, in, out))
		assert.Equal(t, "DENY", out.GetFields()["decision"].GetStringValue())
		assert.Equal(t, domain.ReasonSchemaInvalid, out.GetFields()["reason"].GetStringValue())

		events := timeline(t, f.ledger, out.GetFields()["session_id"].GetStringValue())
		require.Len(t, events, 1)
		assert.Equal(t, "user-1", events[0].UserID)
	}
}

func TestGRPC_AuthInterceptor(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok, err := auth.NewSigner(key, time.Hour).Issue(domain.User{ID: "user-1"})
	require.NoError(t, err)

	f := newFixture(t, nil)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(auth.NewBaseValidator(&key.PublicKey), zap.NewNop())))
	NewGRPCGatewayServer(f.gw, zap.NewNop()).Register(srv)
	conn := dialGateway(t, srv)

	err = conn.Invoke(context.Background(), ProcessMethod, requestStruct(t, purchase("PROD")), new(structpb.Struct))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok.AccessToken, "x-trace-id", "grpc-trace")
	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, ProcessMethod, requestStruct(t, purchase("PROD")), out))
	assert.Equal(t, "ALLOW", out.GetFields()["decision"].GetStringValue())
	assert.Equal(t, "grpc-trace", out.GetFields()["trace_id"].GetStringValue())
}
