// ============================================================================
// block-farming gRPC 伺服器
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 對外提供 farming.v1.FarmingService 與標準 gRPC 健康檢查
//
// 服務方法（請求與回應皆為 google.protobuf.Struct）:
//   - CreateLand / GetLand / ListLands / RenameLand / PurgeLand
//   - Sow / Clean
//   - ListBlocks / ListLogs
//   - RunSweep / Status
//
// 錯誤對應:
//   作物不適合氣候 → FailedPrecondition
//   土地或區塊不存在 → NotFound
//   參數不合法 → InvalidArgument
//   土地名稱重複 → AlreadyExists
//
// ============================================================================

package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// Farm 土地管理與活動請求，由 *scheduler.Scheduler 實作
type Farm interface {
	CreateLand(ctx context.Context, name string, climate types.Climate, size int) (types.Land, error)
	GetLand(ctx context.Context, id uuid.UUID) (types.Land, error)
	ListLands(ctx context.Context, offset, limit int) ([]types.Land, error)
	RenameLand(ctx context.Context, id uuid.UUID, name string) (types.Land, error)
	PurgeLand(ctx context.Context, id uuid.UUID) (int, error)
	Sow(ctx context.Context, landID uuid.UUID, c types.Crop, count int, comment *string) ([]types.Block, error)
	Clean(ctx context.Context, landID uuid.UUID, count int, comment *string) (scheduler.CleanResult, error)
	ListBlocks(ctx context.Context, id uuid.UUID) ([]types.Block, error)
	ListLogs(ctx context.Context, id uuid.UUID, q activitylog.Query) ([]types.LandLog, error)
}

// Operator 維運操作，由 *controller.Controller 實作
type Operator interface {
	RunSweep(ctx context.Context, name string) (int, error)
	GetStatus() controller.Status
}

var (
	_ Farm     = (*scheduler.Scheduler)(nil)
	_ Operator = (*controller.Controller)(nil)
)

// Server gRPC 伺服器與健康檢查
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer 註冊 FarmingService 與健康檢查服務
func NewServer(farm Farm, ops Operator, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, NewService(farm, ops))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs}
}

// Serve 在 lis 上提供服務，直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop 將健康狀態設為 NOT_SERVING，等待進行中的呼叫完成後關閉
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// logUnary 記錄每次呼叫的方法、耗時與狀態碼
func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if err != nil {
		slog.Debug("gRPC call failed", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start), "error", err)
	} else {
		slog.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}
