package cache

import (
	"fmt"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

func withRedis(t *testing.T, action func(r *RedisClient, s *miniredis.Miniredis)) {
	s := miniredis.RunT(t)
	r, err := NewRedisClient(s.Addr())
	require.NoError(t, err)
	defer r.Close()
	action(r, s)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := NewRedisClient(addr)
	assert.Error(t, err)
}

func TestStoreAlert_NewestFirstAndCapped(t *testing.T) {
	withRedis(t, func(r *RedisClient, s *miniredis.Miniredis) {
		for i := 1; i <= maxRecentAlerts+5; i++ {
			require.NoError(t, r.StoreAlert(models.AlertEvent{
				WaferID:      fmt.Sprintf("WF%04d", i),
				RollingYield: 0.9,
				AlertType:    models.AlertTypeYieldDrop,
				Severity:     models.SeverityWarning,
			}))
		}

		all, err := r.GetRecentAlerts(2 * maxRecentAlerts)
		require.NoError(t, err)
		assert.Len(t, all, maxRecentAlerts)

		recent, err := r.GetRecentAlerts(2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "WF1005", recent[0].WaferID)
		assert.Equal(t, "WF1004", recent[1].WaferID)
		assert.Equal(t, 0.9, recent[0].RollingYield)
	})
}

func TestStoreAlert_UndefinedYieldSurvives(t *testing.T) {
	withRedis(t, func(r *RedisClient, s *miniredis.Miniredis) {
		require.NoError(t, r.StoreAlert(models.AlertEvent{WaferID: "WF0001", RollingYield: math.NaN(), Severity: models.SeverityWarning}))

		got, err := r.GetRecentAlerts(1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, math.IsNaN(got[0].RollingYield))
	})
}

func TestGetRecentAlerts_SkipsUndecodableEntries(t *testing.T) {
	withRedis(t, func(r *RedisClient, s *miniredis.Miniredis) {
		require.NoError(t, r.StoreAlert(models.AlertEvent{WaferID: "WF0001", RollingYield: 0.5, Severity: models.SeverityCritical}))
		_, err := s.Lpush(recentAlertsKey, "not json")
		require.NoError(t, err)

		got, err := r.GetRecentAlerts(10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "WF0001", got[0].WaferID)
	})
}

func TestStoreReport(t *testing.T) {
	withRedis(t, func(r *RedisClient, s *miniredis.Miniredis) {
		report := &analytics.Report{
			TotalWafers:    2,
			AverageYield:   0.5,
			CostPerGoodDie: math.Inf(1),
			Coverage:       map[string]float64{"bin_1": math.NaN()},
			Yield:          []models.YieldSummary{{Key: "WF0001", TotalDies: 2, PassingDies: 1, Yield: 0.5}},
		}
		require.NoError(t, r.StoreReport("run-1", report))
		assert.True(t, s.Exists("report:run-1"))
		assert.Equal(t, reportTTL, s.TTL("report:run-1"))

		got, err := r.GetReport("run-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalWafers)
		assert.True(t, math.IsInf(got.CostPerGoodDie, 1))
		assert.True(t, math.IsNaN(got.Coverage["bin_1"]))
		assert.Equal(t, report.Yield, got.Yield)

		_, err = r.GetReport("missing")
		assert.Error(t, err)
	})
}
