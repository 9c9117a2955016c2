package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

const (
	recentAlertsKey = "alerts:recent"
	maxRecentAlerts = 1000
	reportTTL       = 24 * time.Hour
)

type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisClient(addr string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		MaxRetries:   3,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
	}

	return &RedisClient{
		client: client,
		ctx:    ctx,
	}, nil
}

// StoreReport keeps the report for a day under report:<runID>. Reports are
// stored as YAML since JSON has no encoding for the NaN and +Inf sentinels.
func (r *RedisClient) StoreReport(runID string, report *analytics.Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}
	if err := r.client.Set(r.ctx, reportKey(runID), data, reportTTL).Err(); err != nil {
		return errors.Wrap(err, "failed to store report in redis")
	}
	return nil
}

func (r *RedisClient) GetReport(runID string) (*analytics.Report, error) {
	data, err := r.client.Get(r.ctx, reportKey(runID)).Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get report %s", runID)
	}
	var report analytics.Report
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, errors.Wrapf(err, "failed to decode report %s", runID)
	}
	return &report, nil
}

// StoreAlert pushes the alert onto the recent list, capped at maxRecentAlerts.
func (r *RedisClient) StoreAlert(alert models.AlertEvent) error {
	data, err := json.Marshal(storedAlert(alert))
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}
	if err := r.client.LPush(r.ctx, recentAlertsKey, data).Err(); err != nil {
		return errors.Wrap(err, "failed to update recent alerts list")
	}
	return r.client.LTrim(r.ctx, recentAlertsKey, 0, maxRecentAlerts-1).Err()
}

// GetRecentAlerts returns up to count alerts, newest first. Entries that no
// longer decode are skipped.
func (r *RedisClient) GetRecentAlerts(count int64) ([]models.AlertEvent, error) {
	items, err := r.client.LRange(r.ctx, recentAlertsKey, 0, count-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get recent alerts")
	}

	alerts := make([]models.AlertEvent, 0, len(items))
	for _, item := range items {
		var a alertEntry
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		alerts = append(alerts, a.event())
	}
	return alerts, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func reportKey(runID string) string {
	return fmt.Sprintf("report:%s", runID)
}
