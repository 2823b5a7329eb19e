package server

// ============================================================================
// 職責說明：
// 1. 以手寫 ServiceDesc 註冊 farming.v1.FarmingService
// 2. 每個方法解碼 Struct 請求、呼叫 Farm / Operator、編碼回應
// 3. 將領域錯誤對應為 gRPC status code
// ============================================================================

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
)

// ServiceName 完整服務名稱，同時用於健康檢查
const ServiceName = "farming.v1.FarmingService"

// FarmingServer FarmingService 的伺服端介面
type FarmingServer interface {
	CreateLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListLands(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RenameLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	PurgeLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Sow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Clean(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListBlocks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListLogs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RunSweep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv FarmingServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(FarmingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(FarmingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FarmingServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("CreateLand", FarmingServer.CreateLand),
		methodDesc("GetLand", FarmingServer.GetLand),
		methodDesc("ListLands", FarmingServer.ListLands),
		methodDesc("RenameLand", FarmingServer.RenameLand),
		methodDesc("PurgeLand", FarmingServer.PurgeLand),
		methodDesc("Sow", FarmingServer.Sow),
		methodDesc("Clean", FarmingServer.Clean),
		methodDesc("ListBlocks", FarmingServer.ListBlocks),
		methodDesc("ListLogs", FarmingServer.ListLogs),
		methodDesc("RunSweep", FarmingServer.RunSweep),
		methodDesc("Status", FarmingServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "farming/v1/farming.proto",
}

// Service FarmingService 的實作
type Service struct {
	farm Farm
	ops  Operator
}

var _ FarmingServer = (*Service)(nil)

// NewService 建立服務；ops 為 nil 時 RunSweep 與 Status 回傳 Unimplemented
func NewService(farm Farm, ops Operator) *Service {
	return &Service{farm: farm, ops: ops}
}

// call 解碼請求、執行 fn、編碼回應
func call[Req, Resp any](ctx context.Context, in *structpb.Struct, fn func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *Service) CreateLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req CreateLandRequest) (any, error) {
		return s.farm.CreateLand(ctx, req.Name, req.Climate, req.Size)
	})
}

func (s *Service) GetLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req LandRequest) (any, error) {
		return s.farm.GetLand(ctx, req.LandID)
	})
}

func (s *Service) ListLands(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req ListLandsRequest) (ListLandsResponse, error) {
		lands, err := s.farm.ListLands(ctx, req.Offset, req.Limit)
		return ListLandsResponse{Lands: lands}, err
	})
}

func (s *Service) RenameLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req RenameLandRequest) (any, error) {
		return s.farm.RenameLand(ctx, req.LandID, req.Name)
	})
}

func (s *Service) PurgeLand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req LandRequest) (PurgeLandResponse, error) {
		n, err := s.farm.PurgeLand(ctx, req.LandID)
		return PurgeLandResponse{DeletedBlocks: n}, err
	})
}

func (s *Service) Sow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req SowRequest) (BlocksResponse, error) {
		blocks, err := s.farm.Sow(ctx, req.LandID, req.Crop, req.Count, req.Comment)
		return BlocksResponse{Blocks: blocks}, err
	})
}

func (s *Service) Clean(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req CleanRequest) (CleanResponse, error) {
		res, err := s.farm.Clean(ctx, req.LandID, req.Count, req.Comment)
		return CleanResponse{Scheduled: res.Scheduled, Available: res.Available}, err
	})
}

func (s *Service) ListBlocks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req LandRequest) (BlocksResponse, error) {
		blocks, err := s.farm.ListBlocks(ctx, req.LandID)
		return BlocksResponse{Blocks: blocks}, err
	})
}

func (s *Service) ListLogs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return call(ctx, in, func(ctx context.Context, req ListLogsRequest) (LogsResponse, error) {
		logs, err := s.farm.ListLogs(ctx, req.LandID, activitylog.Query{
			Start:  req.Start,
			End:    req.End,
			Offset: req.Offset,
			Limit:  req.Limit,
		})
		return LogsResponse{Logs: logs}, err
	})
}

func (s *Service) RunSweep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.ops == nil {
		return nil, status.Error(codes.Unimplemented, "sweeps are not exposed by this server")
	}
	return call(ctx, in, func(ctx context.Context, req SweepRequest) (SweepResponse, error) {
		n, err := s.ops.RunSweep(ctx, req.Sweep)
		return SweepResponse{Sweep: req.Sweep, Processed: n}, err
	})
}

func (s *Service) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.ops == nil {
		return nil, status.Error(codes.Unimplemented, "status is not exposed by this server")
	}
	return call(ctx, in, func(context.Context, Empty) (StatusResponse, error) {
		return StatusOf(s.ops.GetStatus()), nil
	})
}

// StatusOf 轉換控制器狀態
func StatusOf(st controller.Status) StatusResponse {
	return StatusResponse{
		Uptime:           st.Uptime.Round(time.Second).String(),
		StoreDriver:      st.StoreDriver,
		LogDriver:        st.LogDriver,
		Partitions:       st.Partitions,
		QueueDepth:       st.QueueDepth,
		StaleThreshold:   st.StaleThreshold.String(),
		MaturityInterval: st.MaturityInterval.String(),
		StuckInterval:    st.StuckInterval.String(),
	}
}

// ============================================================================
// 錯誤對應
// ============================================================================

// toStatus 將領域錯誤轉為 gRPC status
func toStatus(err error) error {
	var unsuitable *scheduler.UnsuitableCropError
	switch {
	case errors.As(err, &unsuitable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case scheduler.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, blockstore.ErrDuplicateLand):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, controller.ErrUnknownSweep):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, controller.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
