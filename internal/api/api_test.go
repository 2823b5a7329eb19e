package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/block-farming/internal/activitylog"
	"github.com/ChuLiYu/block-farming/internal/blockstore"
	"github.com/ChuLiYu/block-farming/internal/controller"
	"github.com/ChuLiYu/block-farming/internal/queue"
	"github.com/ChuLiYu/block-farming/internal/scheduler"
	"github.com/ChuLiYu/block-farming/pkg/types"
)

type fakeOps struct {
	err error
}

func (f *fakeOps) RunSweep(_ context.Context, name string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func (f *fakeOps) GetStatus() controller.Status {
	return controller.Status{Uptime: 2 * time.Minute, StoreDriver: "sqlite", Partitions: 4}
}

// newTestRouter 使用記憶體儲存與未啟動的佇列
func newTestRouter(t *testing.T, ops *fakeOps) http.Handler {
	t.Helper()
	q := queue.New(queue.Options{Partitions: 1})
	sched := scheduler.New(blockstore.NewMemoryStore(), activitylog.NewMemoryLog(), q, scheduler.Options{})
	if ops == nil {
		return NewRouter(sched, nil, nil)
	}
	return NewRouter(sched, ops, promhttp.Handler())
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func createLand(t *testing.T, h http.Handler, name string, climate types.Climate, size int) types.Land {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/land", map[string]any{"name": name, "climate": climate, "size": size})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[types.Land](t, rec)
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t, nil)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

// ============================================================================
// 土地
// ============================================================================

func TestLandLifecycle(t *testing.T) {
	h := newTestRouter(t, nil)
	land := createLand(t, h, "orchard", types.Mild, 3)
	path := "/land/" + land.ID.String()

	rec := do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orchard", decodeBody[types.Land](t, rec).Name)

	rec = do(t, h, http.MethodPut, path, map[string]string{"name": "grove"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "grove", decodeBody[types.Land](t, rec).Name)

	rec = do(t, h, http.MethodGet, "/lands?page=0&size=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]types.Land](t, rec), 1)

	rec = do(t, h, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"number_of_blocks":3}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLandErrors(t *testing.T) {
	h := newTestRouter(t, nil)
	createLand(t, h, "twin", types.Dry, 1)

	rec := do(t, h, http.MethodPost, "/land", map[string]any{"name": "twin", "climate": types.Dry, "size": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/land", map[string]any{"name": "", "climate": types.Dry, "size": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/land", map[string]any{"name": "x", "unknown": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/land/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/lands?size=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptyListsAreArrays(t *testing.T) {
	h := newTestRouter(t, nil)
	rec := do(t, h, http.MethodGet, "/lands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

// ============================================================================
// 活動請求
// ============================================================================

func TestSowAndBlocks(t *testing.T) {
	h := newTestRouter(t, nil)
	land := createLand(t, h, "paddy", types.Tropical, 4)
	path := "/land/" + land.ID.String()

	rec := do(t, h, http.MethodPost, path+"/sow", map[string]any{"crop": types.Rice, "asked_blocks": 2, "comment": "east side"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sown := decodeBody[[]types.Block](t, rec)
	require.Len(t, sown, 2)
	for _, b := range sown {
		assert.Equal(t, types.StatusScheduledSow, b.Status)
		assert.Equal(t, types.Rice, b.Crop)
	}

	rec = do(t, h, http.MethodGet, path+"/blocks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	blocks := decodeBody[[]types.Block](t, rec)
	require.Len(t, blocks, 4)
	for i, b := range blocks {
		assert.Equal(t, int16(i), b.Ordinal)
	}
}

// TestSowUnsuitableCrop tests the climate error body
func TestSowUnsuitableCrop(t *testing.T) {
	h := newTestRouter(t, nil)
	land := createLand(t, h, "ice", types.Polar, 2)

	rec := do(t, h, http.MethodPost, "/land/"+land.ID.String()+"/sow", map[string]any{"crop": types.Rice, "asked_blocks": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"code":1,"detail":{"climate":"Polar","crop":"Rice"}}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/land/"+uuid.NewString()+"/sow", map[string]any{"crop": types.Kale, "asked_blocks": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanCounts(t *testing.T) {
	h := newTestRouter(t, nil)
	land := createLand(t, h, "bare", types.Continental, 3)

	rec := do(t, h, http.MethodPost, "/land/"+land.ID.String()+"/clean", map[string]any{"asked_blocks": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"number_of_available_blocks":2,"scheduled_blocks_for_cleaning":0}`, rec.Body.String())
}

func TestListLogsParams(t *testing.T) {
	h := newTestRouter(t, nil)
	land := createLand(t, h, "logged", types.Mild, 1)
	path := "/land/" + land.ID.String() + "/logs"

	rec := do(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	now := time.Now().UTC()
	window := fmt.Sprintf("?start_time=%s&end_time=%s&page=0&size=5000",
		now.Add(-time.Hour).Format(time.RFC3339), now.Format(time.RFC3339))
	rec = do(t, h, http.MethodGet, path+window, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, path+"?start_time=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	inverted := fmt.Sprintf("?start_time=%s&end_time=%s", now.Format(time.RFC3339), now.Add(-time.Hour).Format(time.RFC3339))
	rec = do(t, h, http.MethodGet, path+inverted, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// 維運
// ============================================================================

func TestOperatorRoutes(t *testing.T) {
	h := newTestRouter(t, &fakeOps{})

	rec := do(t, h, http.MethodPost, "/sweeps/maturity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sweep":"maturity","processed":3}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"uptime":"2m0s"`)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperatorRouteErrors(t *testing.T) {
	h := newTestRouter(t, &fakeOps{err: fmt.Errorf("%w: %q", controller.ErrUnknownSweep, "weekly")})
	rec := do(t, h, http.MethodPost, "/sweeps/weekly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h = newTestRouter(t, &fakeOps{err: controller.ErrNotRunning})
	rec = do(t, h, http.MethodPost, "/sweeps/stuck", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	bare := newTestRouter(t, nil)
	assert.Equal(t, http.StatusNotFound, do(t, bare, http.MethodGet, "/status", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, bare, http.MethodGet, "/metrics", nil).Code)
}
