package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

// Client FarmingService 的呼叫端
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial 以不加密連線建立 Client
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient 使用既有連線
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return decode(out, resp)
}

// Check 查詢伺服器健康狀態；非 SERVING 時回傳錯誤
func (c *Client) Check(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %s is %s", ServiceName, resp.GetStatus())
	}
	return nil
}

func (c *Client) CreateLand(ctx context.Context, name string, climate types.Climate, size int) (types.Land, error) {
	var land types.Land
	err := c.invoke(ctx, "CreateLand", CreateLandRequest{Name: name, Climate: climate, Size: size}, &land)
	return land, err
}

func (c *Client) GetLand(ctx context.Context, id uuid.UUID) (types.Land, error) {
	var land types.Land
	err := c.invoke(ctx, "GetLand", LandRequest{LandID: id}, &land)
	return land, err
}

func (c *Client) ListLands(ctx context.Context, offset, limit int) ([]types.Land, error) {
	var resp ListLandsResponse
	err := c.invoke(ctx, "ListLands", ListLandsRequest{Offset: offset, Limit: limit}, &resp)
	return resp.Lands, err
}

func (c *Client) RenameLand(ctx context.Context, id uuid.UUID, name string) (types.Land, error) {
	var land types.Land
	err := c.invoke(ctx, "RenameLand", RenameLandRequest{LandID: id, Name: name}, &land)
	return land, err
}

func (c *Client) PurgeLand(ctx context.Context, id uuid.UUID) (int, error) {
	var resp PurgeLandResponse
	err := c.invoke(ctx, "PurgeLand", LandRequest{LandID: id}, &resp)
	return resp.DeletedBlocks, err
}

func (c *Client) Sow(ctx context.Context, landID uuid.UUID, crop types.Crop, count int, comment *string) ([]types.Block, error) {
	var resp BlocksResponse
	err := c.invoke(ctx, "Sow", SowRequest{LandID: landID, Crop: crop, Count: count, Comment: comment}, &resp)
	return resp.Blocks, err
}

func (c *Client) Clean(ctx context.Context, landID uuid.UUID, count int, comment *string) (CleanResponse, error) {
	var resp CleanResponse
	err := c.invoke(ctx, "Clean", CleanRequest{LandID: landID, Count: count, Comment: comment}, &resp)
	return resp, err
}

func (c *Client) ListBlocks(ctx context.Context, id uuid.UUID) ([]types.Block, error) {
	var resp BlocksResponse
	err := c.invoke(ctx, "ListBlocks", LandRequest{LandID: id}, &resp)
	return resp.Blocks, err
}

func (c *Client) ListLogs(ctx context.Context, id uuid.UUID, start, end *time.Time, offset, limit int) ([]types.LandLog, error) {
	var resp LogsResponse
	req := ListLogsRequest{LandID: id, Start: start, End: end, Offset: offset, Limit: limit}
	err := c.invoke(ctx, "ListLogs", req, &resp)
	return resp.Logs, err
}

func (c *Client) RunSweep(ctx context.Context, sweep string) (int, error) {
	var resp SweepResponse
	err := c.invoke(ctx, "RunSweep", SweepRequest{Sweep: sweep}, &resp)
	return resp.Processed, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.invoke(ctx, "Status", Empty{}, &resp)
	return resp, err
}
