// Package types 定義了 block-farming 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// 區塊狀態
// ============================================================================

// Status 區塊狀態
type Status int

// 定義區塊狀態常數（數值與持久化格式保持一致）
const (
	StatusAvailable        Status = iota // 可用：空地，等待播種
	StatusScheduledSow                   // 已排程播種：已保留，等待 worker 播種
	StatusOccupied                       // 已占用：作物生長中
	StatusScheduledHarvest               // 已排程收成：作物已成熟，等待 worker 收成
	StatusScheduledClean                 // 已排程清理：等待 worker 清空區塊
)

var statusNames = [...]string{
	StatusAvailable:        "Available",
	StatusScheduledSow:     "ScheduledSow",
	StatusOccupied:         "Occupied",
	StatusScheduledHarvest: "ScheduledHarvest",
	StatusScheduledClean:   "ScheduledClean",
}

// ScheduledStatuses 所有「已排程」狀態
var ScheduledStatuses = []Status{StatusScheduledSow, StatusScheduledHarvest, StatusScheduledClean}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid 檢查狀態值是否合法
func (s Status) Valid() bool {
	return s >= StatusAvailable && s <= StatusScheduledClean
}

// IsScheduled 是否為任一「已排程」狀態
func (s Status) IsScheduled() bool {
	switch s {
	case StatusScheduledSow, StatusScheduledHarvest, StatusScheduledClean:
		return true
	}
	return false
}

// ParseStatus 將名稱轉換為 Status（不分大小寫）
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown block status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid block status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ============================================================================
// 作物與氣候
// ============================================================================

// Crop 作物種類，零值 CropNone 表示「無作物」
type Crop int

const (
	CropNone Crop = iota
	Manioc
	Rice
	Yams
	Grape
	Tomato
	Pumpkin
	Kale
	Spinach
	Lettuce
)

var cropNames = [...]string{
	CropNone: "",
	Manioc:   "Manioc",
	Rice:     "Rice",
	Yams:     "Yams",
	Grape:    "Grape",
	Tomato:   "Tomato",
	Pumpkin:  "Pumpkin",
	Kale:     "Kale",
	Spinach:  "Spinach",
	Lettuce:  "Lettuce",
}

// AllCrops 依數值排序的所有作物
var AllCrops = []Crop{Manioc, Rice, Yams, Grape, Tomato, Pumpkin, Kale, Spinach, Lettuce}

func (c Crop) String() string {
	if c < 0 || int(c) >= len(cropNames) {
		return fmt.Sprintf("Crop(%d)", int(c))
	}
	return cropNames[c]
}

// Valid 是否為實際作物（不含 CropNone）
func (c Crop) Valid() bool {
	return c >= Manioc && c <= Lettuce
}

// ParseCrop 將名稱轉換為 Crop，空字串回傳 CropNone
func ParseCrop(name string) (Crop, error) {
	if name == "" {
		return CropNone, nil
	}
	for i, n := range cropNames {
		if i > 0 && strings.EqualFold(n, name) {
			return Crop(i), nil
		}
	}
	return CropNone, fmt.Errorf("unknown crop %q", name)
}

func (c Crop) MarshalText() ([]byte, error) {
	if c != CropNone && !c.Valid() {
		return nil, fmt.Errorf("invalid crop %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Crop) UnmarshalText(text []byte) error {
	parsed, err := ParseCrop(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Climate 土地氣候，決定可種植的作物
type Climate int

const (
	Tropical Climate = iota + 1
	Dry
	Mild
	Continental
	Polar
)

var climateNames = map[Climate]string{
	Tropical:    "Tropical",
	Dry:         "Dry",
	Mild:        "Mild",
	Continental: "Continental",
	Polar:       "Polar",
}

func (c Climate) String() string {
	if n, ok := climateNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Climate(%d)", int(c))
}

// Valid 氣候值是否合法
func (c Climate) Valid() bool {
	_, ok := climateNames[c]
	return ok
}

// ParseClimate 將名稱轉換為 Climate（不分大小寫）
func ParseClimate(name string) (Climate, error) {
	for c, n := range climateNames {
		if strings.EqualFold(n, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown climate %q", name)
}

func (c Climate) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid climate %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Climate) UnmarshalText(text []byte) error {
	parsed, err := ParseClimate(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ============================================================================
// 土地與區塊
// ============================================================================

// Land 土地，包含固定數量的區塊
type Land struct {
	ID           uuid.UUID `json:"id"`            // 土地唯一識別碼
	Name         string    `json:"name"`          // 名稱（唯一）
	Climate      Climate   `json:"climate"`       // 氣候（建立後不可變更）
	Size         int16     `json:"size"`          // 區塊數量（建立後不可變更）
	CreationTime time.Time `json:"creation_time"` // 建立時間
}

// BlockID 區塊的複合識別碼：（土地, 序號）
type BlockID struct {
	LandID  uuid.UUID `json:"land_id"`
	Ordinal int16     `json:"id"`
}

func (id BlockID) String() string {
	return fmt.Sprintf("(%d)%s", id.Ordinal, id.LandID)
}

// Block 區塊，土地中最小的耕作單位
type Block struct {
	LandID        uuid.UUID  `json:"land_id"`                  // 所屬土地
	Ordinal       int16      `json:"id"`                       // 土地內序號（建立時指定，不可變）
	Status        Status     `json:"status"`                   // 目前狀態
	Crop          Crop       `json:"crop,omitempty"`           // 作物（僅占用/排程時有值）
	SowTime       *time.Time `json:"sow_time,omitempty"`       // 播種時間
	MatureTime    *time.Time `json:"mature_time,omitempty"`    // 成熟時間
	HarvestAmount *int16     `json:"harvest_amount,omitempty"` // 收成數量
	Comment       *string    `json:"comment,omitempty"`        // 備註
	UpdateTime    time.Time  `json:"update_time"`              // 最後一次狀態變更時間（樂觀並發控制的關鍵）
}

// ID 取得區塊的複合識別碼
func (b Block) ID() BlockID {
	return BlockID{LandID: b.LandID, Ordinal: b.Ordinal}
}

// Clone 深拷貝區塊（指標欄位各自複製）
func (b Block) Clone() Block {
	c := b
	if b.SowTime != nil {
		t := *b.SowTime
		c.SowTime = &t
	}
	if b.MatureTime != nil {
		t := *b.MatureTime
		c.MatureTime = &t
	}
	if b.HarvestAmount != nil {
		n := *b.HarvestAmount
		c.HarvestAmount = &n
	}
	if b.Comment != nil {
		s := *b.Comment
		c.Comment = &s
	}
	return c
}

// ClearCultivation 清空作物相關欄位並設為可用狀態
func (b *Block) ClearCultivation() {
	b.Status = StatusAvailable
	b.Crop = CropNone
	b.SowTime = nil
	b.MatureTime = nil
	b.HarvestAmount = nil
}

// ============================================================================
// 活動種類（sow / harvest / clean）
// ============================================================================

// ActivityKind 非同步活動種類，對應一個佇列 topic 與一個 handler
type ActivityKind int

const (
	KindSow ActivityKind = iota + 1
	KindHarvest
	KindClean
)

// AllKinds 所有活動種類
var AllKinds = []ActivityKind{KindSow, KindHarvest, KindClean}

func (k ActivityKind) String() string {
	switch k {
	case KindSow:
		return "sow"
	case KindHarvest:
		return "harvest"
	case KindClean:
		return "clean"
	}
	return fmt.Sprintf("ActivityKind(%d)", int(k))
}

// Topic 佇列 topic 名稱
func (k ActivityKind) Topic() string {
	switch k {
	case KindSow:
		return "sowing"
	case KindHarvest:
		return "harvesting"
	case KindClean:
		return "cleaning"
	}
	panic(fmt.Sprintf("types: unknown activity kind %d", int(k)))
}

// ScheduledStatus 此活動對應的「已排程」狀態
func (k ActivityKind) ScheduledStatus() Status {
	switch k {
	case KindSow:
		return StatusScheduledSow
	case KindHarvest:
		return StatusScheduledHarvest
	case KindClean:
		return StatusScheduledClean
	}
	panic(fmt.Sprintf("types: unknown activity kind %d", int(k)))
}

// LogActivity 完成此活動後寫入日誌的種類
func (k ActivityKind) LogActivity() LogActivity {
	switch k {
	case KindSow:
		return Sowing
	case KindHarvest:
		return Harvesting
	case KindClean:
		return Cleaning
	}
	panic(fmt.Sprintf("types: unknown activity kind %d", int(k)))
}

// KindForStatus 由「已排程」狀態推得活動種類；非排程狀態回傳 false
func KindForStatus(s Status) (ActivityKind, bool) {
	switch s {
	case StatusScheduledSow:
		return KindSow, true
	case StatusScheduledHarvest:
		return KindHarvest, true
	case StatusScheduledClean:
		return KindClean, true
	}
	return 0, false
}

// WorkItem 佇列中的工作項目：完整區塊內容，路由鍵為區塊識別碼
type WorkItem struct {
	Kind  ActivityKind `json:"kind"`
	Block Block        `json:"block"`
}

// Key 分區路由鍵，同一區塊的項目永遠落在同一分區
func (w WorkItem) Key() string {
	return w.Block.ID().String()
}

// ============================================================================
// 土地日誌
// ============================================================================

// LogActivity 日誌活動種類
type LogActivity int

const (
	Sowing LogActivity = iota + 1
	Harvesting
	Cleaning
)

func (a LogActivity) String() string {
	switch a {
	case Sowing:
		return "Sowing"
	case Harvesting:
		return "Harvesting"
	case Cleaning:
		return "Cleaning"
	}
	return fmt.Sprintf("LogActivity(%d)", int(a))
}

func (a LogActivity) MarshalText() ([]byte, error) {
	switch a {
	case Sowing, Harvesting, Cleaning:
		return []byte(a.String()), nil
	}
	return nil, fmt.Errorf("invalid log activity %d", int(a))
}

func (a *LogActivity) UnmarshalText(text []byte) error {
	for _, v := range []LogActivity{Sowing, Harvesting, Cleaning} {
		if strings.EqualFold(v.String(), string(text)) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("unknown log activity %q", string(text))
}

// BlockPayload 日誌中保存的區塊內容快照
type BlockPayload struct {
	Crop          Crop       `json:"crop,omitempty"`
	SowTime       *time.Time `json:"sow_time,omitempty"`
	MatureTime    *time.Time `json:"mature_time,omitempty"`
	HarvestAmount *int16     `json:"harvest_amount,omitempty"`
	Comment       *string    `json:"comment,omitempty"`
	UpdateTime    time.Time  `json:"update_time"`
}

// PayloadOf 由區塊建立內容快照
func PayloadOf(b Block) BlockPayload {
	c := b.Clone()
	return BlockPayload{
		Crop:          c.Crop,
		SowTime:       c.SowTime,
		MatureTime:    c.MatureTime,
		HarvestAmount: c.HarvestAmount,
		Comment:       c.Comment,
		UpdateTime:    c.UpdateTime,
	}
}

// LandLog 土地活動日誌，鍵為（土地, 時間, 區塊序號），寫入後不可變
type LandLog struct {
	LandID      uuid.UUID    `json:"land_id"`
	Time        time.Time    `json:"time"`
	BlockID     int16        `json:"block_id"`
	Activity    LogActivity  `json:"activity"`
	UsedSeconds int          `json:"used_time_second"` // 活動耗費秒數
	Payload     BlockPayload `json:"payload"`
}
