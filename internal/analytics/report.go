package analytics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"wafer-analytics/internal/models"
)

type ReportOptions struct {
	GroupBy        GroupKey `mapstructure:"group_by"`
	WaferCost      float64  `mapstructure:"wafer_cost"`
	TestCostPerDie float64  `mapstructure:"test_cost_per_die"`
	Threshold      float64  `mapstructure:"threshold"`
	WindowSize     int      `mapstructure:"window_size"`
}

func DefaultReportOptions() ReportOptions {
	return ReportOptions{
		GroupBy:        GroupByWafer,
		WaferCost:      DefaultWaferCost,
		TestCostPerDie: DefaultTestCostPerDie,
		Threshold:      DefaultThreshold,
		WindowSize:     DefaultWindowSize,
	}
}

// Report bundles every view the dashboard pulls from one dataset.
type Report struct {
	TotalWafers    int                      `json:"total_wafers" yaml:"total_wafers"`
	AverageYield   float64                  `json:"average_yield" yaml:"average_yield"`
	Yield          []models.YieldSummary    `json:"yield" yaml:"yield"`
	Coverage       map[string]float64       `json:"coverage" yaml:"coverage"`
	CostPerGoodDie float64                  `json:"cost_per_good_die" yaml:"cost_per_good_die"`
	CostBreakdown  []models.CostItem        `json:"cost_breakdown" yaml:"cost_breakdown"`
	Correlation    models.CorrelationMatrix `json:"correlation" yaml:"correlation"`
	Alerts         []models.AlertEvent      `json:"alerts" yaml:"alerts"`
}

func BuildReport(a *Analyzer, opts ReportOptions) (*Report, error) {
	yields, err := a.YieldBy(opts.GroupBy)
	if err != nil {
		return nil, errors.Wrap(err, "computing yield")
	}
	alerts, err := a.DetectYieldDrops(opts.Threshold, opts.WindowSize)
	if err != nil {
		return nil, errors.Wrap(err, "detecting yield drops")
	}
	perGood, breakdown := a.CostPerGoodDie(opts.WaferCost, opts.TestCostPerDie)

	return &Report{
		TotalWafers:    int(breakdown[0].Value),
		AverageYield:   meanYield(yields),
		Yield:          yields,
		Coverage:       a.TestCoverage(),
		CostPerGoodDie: perGood,
		CostBreakdown:  breakdown,
		Correlation:    a.Correlate(),
		Alerts:         alerts,
	}, nil
}

func meanYield(rows []models.YieldSummary) float64 {
	if len(rows) == 0 {
		return math.NaN()
	}
	return stat.Mean(yieldValues(rows), nil)
}
