// ============================================================================
// block-farming HTTP API
// ============================================================================
//
// Package: internal/api
// 文件: api.go
// 功能: 以 chi 提供 REST 介面，路徑與欄位沿用農場服務既有的 HTTP 形狀
//
// 路由:
//   GET    /lands?page=&size=                 依名稱排序列出土地
//   POST   /land                              建立土地（201）
//   GET    /land/{land_id}                    取得土地
//   PUT    /land/{land_id}                    改名
//   DELETE /land/{land_id}                    刪除土地、區塊與日誌
//   GET    /land/{land_id}/blocks             依序號列出區塊
//   GET    /land/{land_id}/logs               日誌（start_time, end_time, page, size）
//   POST   /land/{land_id}/sow                播種 {crop, asked_blocks, comment}
//   POST   /land/{land_id}/clean              清理 {asked_blocks, comment}
//   POST   /sweeps/{sweep}                    立即執行 maturity 或 stuck sweep
//   GET    /status                            系統狀態
//   GET    /healthz                           存活檢查
//   GET    /metrics                           Prometheus 指標
//
// 錯誤格式: {"code": n, "detail": ...}
//   code 1 為作物不適合氣候，detail 為 {climate, crop}；其他錯誤 code 0，detail 為訊息。
//
// ============================================================================

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
	"github.com/ChuLiYu/block-farming/internal/server"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

// 分頁預設值
const (
	defaultPageSize = 20
	maxLogPageSize  = activitylog.MaxListLimit
)

// 錯誤碼
const (
	CodeGeneric        = 0
	CodeUnsuitableCrop = 1
)

// ErrorBody 錯誤回應
type ErrorBody struct {
	Code   int `json:"code"`
	Detail any `json:"detail"`
}

type landBody struct {
	Name    string        `json:"name"`
	Climate types.Climate `json:"climate"`
	Size    int           `json:"size"`
}

type renameBody struct {
	Name string `json:"name"`
}

// askBody 播種與清理共用的請求
type askBody struct {
	Crop        types.Crop `json:"crop"`
	AskedBlocks int        `json:"asked_blocks"`
	Comment     *string    `json:"comment,omitempty"`
}

type handler struct {
	farm server.Farm
	ops  server.Operator
}

// NewRouter 建立路由；ops 或 metrics 為 nil 時不註冊對應的路由
func NewRouter(farm server.Farm, ops server.Operator, metrics http.Handler) http.Handler {
	h := &handler{farm: farm, ops: ops}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/lands", h.listLands)
	r.Post("/land", h.createLand)
	r.Route("/land/{land_id}", func(r chi.Router) {
		r.Get("/", h.getLand)
		r.Put("/", h.renameLand)
		r.Delete("/", h.purgeLand)
		r.Get("/blocks", h.listBlocks)
		r.Get("/logs", h.listLogs)
		r.Post("/sow", h.sow)
		r.Post("/clean", h.clean)
	})

	if ops != nil {
		r.Post("/sweeps/{sweep}", h.runSweep)
		r.Get("/status", h.status)
	}
	return r
}

// ============================================================================
// 土地
// ============================================================================

func (h *handler) listLands(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pageOf(r, scheduler.MaxLandPage)
	if err != nil {
		writeError(w, err)
		return
	}
	lands, err := h.farm.ListLands(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(lands))
}

func (h *handler) createLand(w http.ResponseWriter, r *http.Request) {
	var body landBody
	if !readJSON(w, r, &body) {
		return
	}
	land, err := h.farm.CreateLand(r.Context(), body.Name, body.Climate, body.Size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, land)
}

func (h *handler) getLand(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	land, err := h.farm.GetLand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, land)
}

func (h *handler) renameLand(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	var body renameBody
	if !readJSON(w, r, &body) {
		return
	}
	land, err := h.farm.RenameLand(r.Context(), id, body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, land)
}

func (h *handler) purgeLand(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	n, err := h.farm.PurgeLand(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"number_of_blocks": n})
}

// ============================================================================
// 區塊與日誌
// ============================================================================

func (h *handler) listBlocks(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	blocks, err := h.farm.ListBlocks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(blocks))
}

func (h *handler) listLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	q := activitylog.Query{}
	var err error
	if q.Start, err = timeParam(r, "start_time"); err != nil {
		writeError(w, err)
		return
	}
	if q.End, err = timeParam(r, "end_time"); err != nil {
		writeError(w, err)
		return
	}
	if q.Offset, q.Limit, err = pageOf(r, maxLogPageSize); err != nil {
		writeError(w, err)
		return
	}

	logs, err := h.farm.ListLogs(r.Context(), id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

// ============================================================================
// 活動請求
// ============================================================================

func (h *handler) sow(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	var body askBody
	if !readJSON(w, r, &body) {
		return
	}
	blocks, err := h.farm.Sow(r.Context(), id, body.Crop, body.AskedBlocks, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(blocks))
}

func (h *handler) clean(w http.ResponseWriter, r *http.Request) {
	id, ok := landID(w, r)
	if !ok {
		return
	}
	var body askBody
	if !readJSON(w, r, &body) {
		return
	}
	res, err := h.farm.Clean(r.Context(), id, body.AskedBlocks, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"number_of_available_blocks":    res.Available,
		"scheduled_blocks_for_cleaning": len(res.Scheduled),
	})
}

// ============================================================================
// 維運
// ============================================================================

func (h *handler) runSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sweep")
	n, err := h.ops.RunSweep(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server.SweepResponse{Sweep: name, Processed: n})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, server.StatusOf(h.ops.GetStatus()))
}

// ============================================================================
// 輔助函數
// ============================================================================

func landID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "land_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Code: CodeGeneric, Detail: fmt.Sprintf("invalid land id %q", raw)})
		return uuid.Nil, false
	}
	return id, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Code: CodeGeneric, Detail: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// pageOf 讀取 page（從 0 開始）與 size，size 上限為 maxSize
func pageOf(r *http.Request, maxSize int) (offset, limit int, err error) {
	page, err := intParam(r, "page", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err := intParam(r, "size", defaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	if page < 0 || size < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 0 and size >= 1", scheduler.ErrInvalidRequest)
	}
	size = min(size, maxSize)
	return page * size, size, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", scheduler.ErrInvalidRequest, name)
	}
	return n, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC 3339", scheduler.ErrInvalidRequest, name)
	}
	return &t, nil
}

// nonNil 讓空結果序列化為 [] 而不是 null
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// writeError 將領域錯誤轉為 HTTP 狀態碼與錯誤內容
func writeError(w http.ResponseWriter, err error) {
	var unsuitable *scheduler.UnsuitableCropError
	switch {
	case errors.As(err, &unsuitable):
		writeJSON(w, http.StatusBadRequest, ErrorBody{
			Code:   CodeUnsuitableCrop,
			Detail: map[string]any{"climate": unsuitable.Climate, "crop": unsuitable.Crop},
		})
		return
	case scheduler.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorBody{Code: CodeGeneric, Detail: err.Error()})
	case errors.Is(err, blockstore.ErrDuplicateLand):
		writeJSON(w, http.StatusConflict, ErrorBody{Code: CodeGeneric, Detail: err.Error()})
	case errors.Is(err, scheduler.ErrInvalidRequest), errors.Is(err, controller.ErrUnknownSweep):
		writeJSON(w, http.StatusBadRequest, ErrorBody{Code: CodeGeneric, Detail: err.Error()})
	case errors.Is(err, controller.ErrNotRunning):
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Code: CodeGeneric, Detail: err.Error()})
	default:
		slog.Error("Request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Code: CodeGeneric, Detail: "internal error"})
	}
}

// logRequests 以 Debug 記錄每個請求
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
