package main

import (
	"math"

	"wafer-analytics/internal/analytics"
	"wafer-analytics/internal/models"
)

// The types below mirror the analytics views with NaN and +Inf written as
// null, which is the only way encoding/json can carry them.

type yieldRow struct {
	Key         string   `json:"key"`
	TotalDies   int      `json:"total_dies"`
	PassingDies int      `json:"passing_dies"`
	Yield       *float64 `json:"yield"`
}

type costItem struct {
	Metric string   `json:"metric"`
	Value  *float64 `json:"value"`
}

type costResponse struct {
	CostPerGoodDie *float64   `json:"cost_per_good_die"`
	Breakdown      []costItem `json:"breakdown"`
}

type correlationResponse struct {
	Columns []string     `json:"columns"`
	Values  [][]*float64 `json:"values"`
}

type alertRow struct {
	WaferID      string          `json:"wafer_id"`
	RollingYield *float64        `json:"rolling_yield"`
	AlertType    string          `json:"alert_type"`
	Severity     models.Severity `json:"severity"`
}

type jsonReportBody struct {
	TotalWafers    int                 `json:"total_wafers"`
	AverageYield   *float64            `json:"average_yield"`
	Yield          []yieldRow          `json:"yield"`
	Coverage       map[string]*float64 `json:"coverage"`
	CostPerGoodDie *float64            `json:"cost_per_good_die"`
	CostBreakdown  []costItem          `json:"cost_breakdown"`
	Correlation    correlationResponse `json:"correlation"`
	Alerts         []alertRow          `json:"alerts"`
}

func jsonReport(r *analytics.Report) jsonReportBody {
	return jsonReportBody{
		TotalWafers:    r.TotalWafers,
		AverageYield:   finite(r.AverageYield),
		Yield:          yieldRows(r.Yield),
		Coverage:       coverageBody(r.Coverage),
		CostPerGoodDie: finite(r.CostPerGoodDie),
		CostBreakdown:  costItems(r.CostBreakdown),
		Correlation:    correlationBody(r.Correlation),
		Alerts:         alertRows(r.Alerts),
	}
}

func yieldRows(rows []models.YieldSummary) []yieldRow {
	out := make([]yieldRow, len(rows))
	for i, y := range rows {
		out[i] = yieldRow{Key: y.Key, TotalDies: y.TotalDies, PassingDies: y.PassingDies, Yield: finite(y.Yield)}
	}
	return out
}

func coverageBody(coverage map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(coverage))
	for bin, v := range coverage {
		out[bin] = finite(v)
	}
	return out
}

func costItems(items []models.CostItem) []costItem {
	out := make([]costItem, len(items))
	for i, item := range items {
		out[i] = costItem{Metric: item.Metric, Value: finite(item.Value)}
	}
	return out
}

func correlationBody(m models.CorrelationMatrix) correlationResponse {
	out := correlationResponse{Columns: m.Columns, Values: make([][]*float64, len(m.Values))}
	for i, row := range m.Values {
		out.Values[i] = make([]*float64, len(row))
		for j, v := range row {
			out.Values[i][j] = finite(v)
		}
	}
	return out
}

func alertRows(alerts []models.AlertEvent) []alertRow {
	out := make([]alertRow, len(alerts))
	for i, a := range alerts {
		out[i] = alertRow{WaferID: a.WaferID, RollingYield: finite(a.RollingYield), AlertType: a.AlertType, Severity: a.Severity}
	}
	return out
}

// finite maps NaN and ±Inf to nil.
func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
