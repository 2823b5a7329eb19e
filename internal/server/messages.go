package server

// ============================================================================
// 職責說明：
// 1. 定義 FarmingService 各方法的請求與回應
// 2. 以 JSON 為中介，與 google.protobuf.Struct 互相轉換
//
// 線上格式為 google.protobuf.Struct，欄位名稱與 HTTP API 的 JSON 相同，
// 因此 gRPC 與 HTTP 的呼叫端看到的資料形狀一致。
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

type Empty struct{}

type CreateLandRequest struct {
	Name    string        `json:"name"`
	Climate types.Climate `json:"climate"`
	Size    int           `json:"size"`
}

type LandRequest struct {
	LandID uuid.UUID `json:"land_id"`
}

type ListLandsRequest struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

type ListLandsResponse struct {
	Lands []types.Land `json:"lands"`
}

type RenameLandRequest struct {
	LandID uuid.UUID `json:"land_id"`
	Name   string    `json:"name"`
}

type PurgeLandResponse struct {
	DeletedBlocks int `json:"deleted_blocks"`
}

type SowRequest struct {
	LandID  uuid.UUID  `json:"land_id"`
	Crop    types.Crop `json:"crop,omitempty"`
	Count   int        `json:"count"`
	Comment *string    `json:"comment,omitempty"`
}

type CleanRequest struct {
	LandID  uuid.UUID `json:"land_id"`
	Count   int       `json:"count"`
	Comment *string   `json:"comment,omitempty"`
}

type CleanResponse struct {
	Scheduled []types.Block `json:"scheduled"`
	Available int           `json:"number_of_available_blocks"`
}

type BlocksResponse struct {
	Blocks []types.Block `json:"blocks"`
}

type ListLogsRequest struct {
	LandID uuid.UUID  `json:"land_id"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
	Offset int        `json:"offset,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

type LogsResponse struct {
	Logs []types.LandLog `json:"logs"`
}

type SweepRequest struct {
	Sweep string `json:"sweep"`
}

type SweepResponse struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
}

// StatusResponse 時間欄位為 Go duration 字串
type StatusResponse struct {
	Uptime           string         `json:"uptime"`
	StoreDriver      string         `json:"store_driver"`
	LogDriver        string         `json:"log_driver"`
	Partitions       int            `json:"partitions"`
	QueueDepth       map[string]int `json:"queue_depth"`
	StaleThreshold   string         `json:"stale_threshold"`
	MaturityInterval string         `json:"maturity_interval"`
	StuckInterval    string         `json:"stuck_interval"`
}

// encode 將 Go 值轉為 Struct；v 必須序列化為 JSON 物件
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("convert message to struct: %w", err)
	}
	return out, nil
}

// decode 將 Struct 轉回 Go 值
func decode(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("convert struct to message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
