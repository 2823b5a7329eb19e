package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/block-farming/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.scheduled, "scheduled counter should be initialized")
	assert.NotNil(t, collector.lostRaces, "lostRaces counter should be initialized")
	assert.NotNil(t, collector.finalized, "finalized counter should be initialized")
	assert.NotNil(t, collector.activityDuration, "activityDuration histogram should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
}

func TestNewCollectorDefaultRegistry(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	registry := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = registry

	collector := NewCollector(nil)
	collector.ImpossibleState()

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCountersByKind(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.BlockScheduled(types.KindSow)
	collector.BlockScheduled(types.KindSow)
	collector.BlockScheduled(types.KindClean)
	collector.PublishFailed(types.KindHarvest)
	collector.BlockMissing(types.KindClean)
	collector.LostRace("schedule")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.scheduled.WithLabelValues("sow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.scheduled.WithLabelValues("clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.publishFailures.WithLabelValues("harvest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.missing.WithLabelValues("clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.lostRaces.WithLabelValues("schedule")))
}

func TestActivityFinalized(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	durations := []time.Duration{time.Millisecond, 100 * time.Millisecond, 3 * time.Second}
	for _, d := range durations {
		assert.NotPanics(t, func() {
			collector.ActivityFinalized(types.KindHarvest, d)
		}, "ActivityFinalized should not panic with %s", d)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.finalized.WithLabelValues("harvest")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.activityDuration))
}

func TestSweepCompleted(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	collector.SweepCompleted(SweepMaturity, 50, 20*time.Millisecond)
	collector.SweepCompleted(SweepMaturity, 0, time.Millisecond)
	collector.SweepCompleted(SweepStuck, 3, time.Millisecond)

	assert.Equal(t, 50.0, testutil.ToFloat64(collector.sweepBlocks.WithLabelValues(SweepMaturity)))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.sweepBlocks.WithLabelValues(SweepStuck)))
}

func TestGauges(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	testCases := []struct {
		name  string
		kind  types.ActivityKind
		depth int
	}{
		{"empty", types.KindSow, 0},
		{"backlog", types.KindHarvest, 120},
		{"negative (shouldn't happen)", types.KindClean, -1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.SetQueueDepth(tc.kind, tc.depth)
			assert.Equal(t, float64(tc.depth), testutil.ToFloat64(collector.queueDepth.WithLabelValues(tc.kind.String())))
		})
	}

	collector.SetRecoveryTime(2.5)
	assert.Equal(t, 2.5, testutil.ToFloat64(collector.recoveryTime))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())

	// Prometheus metrics should be thread-safe
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.BlockScheduled(types.KindSow)
			collector.ActivityFinalized(types.KindSow, 10*time.Millisecond)
			collector.SetQueueDepth(types.KindSow, 5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.scheduled.WithLabelValues("sow")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.finalized.WithLabelValues("sow")))
}

func TestCollectorIsolation(t *testing.T) {
	registry := prometheus.NewRegistry()

	collector1 := NewCollector(registry)
	require.NotNil(t, collector1)

	// Second collector on the same registry panics due to duplicate registration
	assert.Panics(t, func() {
		NewCollector(registry)
	}, "Creating a second collector should panic due to duplicate registration")

	// A separate registry is independent
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(prometheus.NewRegistry())
	collector.BlockScheduled(types.KindClean)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), `farming_blocks_scheduled_total{kind="clean"} 1`))
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.BlockScheduled(types.KindSow)
		r.LostRace("finalize")
		r.PublishFailed(types.KindSow)
		r.ActivityFinalized(types.KindClean, time.Second)
		r.BlockMissing(types.KindHarvest)
		r.SweepCompleted(SweepStuck, 1, time.Second)
		r.ImpossibleState()
	})
}
