package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wafer-analytics/internal/alerting"
	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

func dataset(passing ...int) models.Dataset {
	ts := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	ds := models.Dataset{BinColumns: []string{"bin_1"}}
	for w, p := range passing {
		for d := 1; d <= 10; d++ {
			ds.Records = append(ds.Records, models.TestRecord{
				Timestamp: ts.Add(time.Duration(w) * 10 * time.Minute),
				WaferID:   fmt.Sprintf("WF%04d", w+1),
				DieID:     fmt.Sprintf("D%03d", d),
				IsPassing: d <= p,
				Bins:      map[string]bool{"bin_1": d <= p},
				Voltage:   float64(d),
			})
		}
	}
	return ds
}

type memStore struct {
	reports   map[string]*analytics.Report
	alerts    []models.AlertEvent
	failAlert bool
}

func (m *memStore) StoreReport(runID string, r *analytics.Report) error {
	if m.reports == nil {
		m.reports = map[string]*analytics.Report{}
	}
	m.reports[runID] = r
	return nil
}

func (m *memStore) StoreAlert(a models.AlertEvent) error {
	if m.failAlert {
		return errors.New("connection refused")
	}
	m.alerts = append(m.alerts, a)
	return nil
}

func TestRun_DispatchesEveryAlert(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := alerting.NewDispatcher(
		alerting.NewEmailChannel(alerting.EmailConfig{}),
		alerting.NewWebhookChannel(alerting.WebhookConfig{URL: srv.URL}),
	)
	store := &memStore{}
	opts := Options{Report: analytics.DefaultReportOptions(), Recipients: []string{"ops@example.com"}, ChannelOverride: "#yield-alerts"}

	res, err := Run(context.Background(), dataset(10, 10, 10, 10, 5, 1), opts, d, store)
	require.NoError(t, err)

	require.Len(t, res.Report.Alerts, 2)
	assert.Len(t, res.Deliveries, 2)
	for _, del := range res.Deliveries {
		assert.True(t, del.Delivered)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&posts))
	assert.Contains(t, store.reports, res.RunID)
	assert.Len(t, store.alerts, 2)
}

func TestRun_DeliveryFailureDoesNotAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := alerting.NewDispatcher(alerting.NewWebhookChannel(alerting.WebhookConfig{URL: srv.URL}))
	store := &memStore{failAlert: true}

	res, err := Run(context.Background(), dataset(10, 10, 10, 10, 1), Options{Report: analytics.DefaultReportOptions()}, d, store)
	require.NoError(t, err)
	require.Len(t, res.Deliveries, 1)
	assert.False(t, res.Deliveries[0].Delivered)
	assert.Equal(t, models.SeverityCritical, res.Deliveries[0].Alert.Severity)
	assert.InDelta(t, 0.82, res.Report.AverageYield, 1e-12)
	Summary(res)
}

func TestRun_NoAlerts(t *testing.T) {
	res, err := Run(context.Background(), dataset(10, 10, 10), Options{Report: analytics.DefaultReportOptions()}, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Deliveries)
	assert.NotEmpty(t, res.RunID)
}

func TestRun_RejectsMalformedDataset(t *testing.T) {
	ds := dataset(10)
	ds.Records[3].WaferID = ""

	_, err := Run(context.Background(), ds, Options{Report: analytics.DefaultReportOptions()}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMalformedDataset))
}
