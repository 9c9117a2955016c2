// Package pipeline runs one analysis pass: engine, report, cache, alerts.
package pipeline

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"wafer-analytics/internal/alerting"
	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

// Store persists reports and alerts. Failures are logged, never fatal.
type Store interface {
	StoreReport(runID string, report *analytics.Report) error
	StoreAlert(alert models.AlertEvent) error
}

type Options struct {
	Report          analytics.ReportOptions
	Recipients      []string
	ChannelOverride string
}

type AlertDelivery struct {
	Alert     models.AlertEvent
	Delivered bool
}

type Result struct {
	RunID      string
	Report     *analytics.Report
	Deliveries []AlertDelivery
}

// Run analyses ds and dispatches every yield alert. Only a malformed dataset
// or invalid options abort the run; store and delivery failures degrade the
// result instead. dispatcher and store may be nil.
func Run(ctx context.Context, ds models.Dataset, opts Options, dispatcher *alerting.Dispatcher, store Store) (*Result, error) {
	runID := uuid.NewString()
	logger := log.WithField("run", runID)

	analyzer, err := analytics.NewAnalyzer(ds)
	if err != nil {
		return nil, errors.Wrap(err, "rejecting dataset")
	}

	logger.Info("Calculating metrics...")
	report, err := analytics.BuildReport(analyzer, opts.Report)
	if err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.StoreReport(runID, report); err != nil {
			logger.Warnf("Failed to cache report: %s", err)
		}
	}

	res := &Result{RunID: runID, Report: report}
	if len(report.Alerts) == 0 {
		logger.Info("No yield drops detected")
		return res, nil
	}

	logger.Infof("Sending %d alerts...", len(report.Alerts))
	for _, alert := range report.Alerts {
		if store != nil {
			if err := store.StoreAlert(alert); err != nil {
				logger.Warnf("Failed to cache alert for %s: %s", alert.WaferID, err)
			}
		}
		delivered := true
		if dispatcher != nil {
			delivered = dispatcher.Send(ctx, alert, opts.Recipients, opts.ChannelOverride)
		}
		res.Deliveries = append(res.Deliveries, AlertDelivery{Alert: alert, Delivered: delivered})
	}
	return res, nil
}

// Summary logs the headline numbers of a run.
func Summary(res *Result) {
	r := res.Report
	fields := log.Fields{
		"run":    res.RunID,
		"wafers": r.TotalWafers,
		"alerts": len(r.Alerts),
	}
	entry := log.WithFields(fields)
	entry.Infof("Total Wafers: %d", r.TotalWafers)
	if math.IsNaN(r.AverageYield) {
		entry.Info("Average Yield: n/a")
	} else {
		entry.Infof("Average Yield: %.2f%%", r.AverageYield*100)
	}
	if math.IsInf(r.CostPerGoodDie, 1) {
		entry.Warn("Cost per Good Die: no passing dies")
	} else {
		entry.Infof("Cost per Good Die: $%.2f", r.CostPerGoodDie)
	}
	failed := 0
	for _, d := range res.Deliveries {
		if !d.Delivered {
			failed++
		}
	}
	if failed > 0 {
		entry.Warnf("%d of %d alerts were not fully delivered", failed, len(res.Deliveries))
	}
}
