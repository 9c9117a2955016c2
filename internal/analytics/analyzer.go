package analytics

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"wafer-analytics/internal/models"
)

const (
	DefaultThreshold      = 0.95
	DefaultWindowSize     = 5
	DefaultWaferCost      = 1000.0
	DefaultTestCostPerDie = 0.5

	// criticalRatio scales the threshold below which a drop is Critical.
	criticalRatio = 0.9
)

type GroupKey string

const (
	GroupByWafer     GroupKey = models.ColumnWaferID
	GroupByTimestamp GroupKey = models.ColumnTimestamp
	GroupByDie       GroupKey = models.ColumnDieID
)

// Analyzer computes yield, coverage, cost and correlation views over a
// dataset. It holds a private copy of the dataset and never mutates it, so
// separate instances can be used from separate goroutines.
type Analyzer struct {
	ds models.Dataset
}

func NewAnalyzer(ds models.Dataset) (*Analyzer, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{ds: ds.Clone()}, nil
}

func (a *Analyzer) Dataset() models.Dataset {
	return a.ds.Clone()
}

// YieldBy groups records by key in first-seen order.
func (a *Analyzer) YieldBy(key GroupKey) ([]models.YieldSummary, error) {
	keyOf, err := keyFunc(key)
	if err != nil {
		return nil, err
	}

	index := map[string]int{}
	var out []models.YieldSummary
	for _, r := range a.ds.Records {
		k := keyOf(r)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, models.YieldSummary{Key: k})
		}
		out[i].TotalDies++
		if r.IsPassing {
			out[i].PassingDies++
		}
	}
	for i := range out {
		out[i].Yield = ratio(float64(out[i].PassingDies), float64(out[i].TotalDies))
	}
	return out, nil
}

func keyFunc(key GroupKey) (func(models.TestRecord) string, error) {
	switch key {
	case GroupByWafer, "":
		return func(r models.TestRecord) string { return r.WaferID }, nil
	case GroupByTimestamp:
		return func(r models.TestRecord) string { return r.Timestamp.Format(time.RFC3339Nano) }, nil
	case GroupByDie:
		return func(r models.TestRecord) string { return r.DieID }, nil
	default:
		return nil, errors.Errorf("unsupported group key %q", key)
	}
}

// TestCoverage returns, per bin, the fraction of all rows that passed it.
func (a *Analyzer) TestCoverage() map[string]float64 {
	coverage := make(map[string]float64, len(a.ds.BinColumns))
	total := float64(len(a.ds.Records))
	for _, bin := range a.ds.BinColumns {
		var passed float64
		for _, r := range a.ds.Records {
			if r.Bins[bin] {
				passed++
			}
		}
		coverage[bin] = ratio(passed, total)
	}
	return coverage
}

// CostPerGoodDie returns +Inf when no die passed.
func (a *Analyzer) CostPerGoodDie(waferCost, testCostPerDie float64) (float64, []models.CostItem) {
	wafers := map[string]struct{}{}
	var passing int
	for _, r := range a.ds.Records {
		wafers[r.WaferID] = struct{}{}
		if r.IsPassing {
			passing++
		}
	}
	totalDies := len(a.ds.Records)
	totalCost := float64(len(wafers))*waferCost + float64(totalDies)*testCostPerDie

	perGood := math.Inf(1)
	if passing > 0 {
		perGood = totalCost / float64(passing)
	}

	return perGood, []models.CostItem{
		{Metric: models.CostTotalWafers, Value: float64(len(wafers))},
		{Metric: models.CostTotalDies, Value: float64(totalDies)},
		{Metric: models.CostPassingDies, Value: float64(passing)},
		{Metric: models.CostTotalCost, Value: totalCost},
		{Metric: models.CostPerGoodDieName, Value: perGood},
	}
}

// Correlate returns the Pearson correlation matrix over the bin columns
// (as 0/1) and the three process parameters. Constant columns, and every
// column of a dataset with fewer than two rows, correlate as NaN.
func (a *Analyzer) Correlate() models.CorrelationMatrix {
	columns := append(append([]string(nil), a.ds.BinColumns...),
		models.ColumnVoltage, models.ColumnCurrent, models.ColumnTemperature)

	series := make([][]float64, len(columns))
	for i, col := range columns {
		series[i] = a.column(col)
	}
	varies := make([]bool, len(columns))
	for i, s := range series {
		varies[i] = len(s) >= 2 && !constant(s)
	}

	values := make([][]float64, len(columns))
	for i := range values {
		values[i] = make([]float64, len(columns))
	}
	for i := range columns {
		for j := i; j < len(columns); j++ {
			v := math.NaN()
			switch {
			case !varies[i] || !varies[j]:
			case i == j:
				v = 1
			default:
				v = clamp(stat.Correlation(series[i], series[j], nil), -1, 1)
			}
			values[i][j] = v
			values[j][i] = v
		}
	}
	return models.CorrelationMatrix{Columns: columns, Values: values}
}

func (a *Analyzer) column(name string) []float64 {
	out := make([]float64, len(a.ds.Records))
	for i, r := range a.ds.Records {
		switch name {
		case models.ColumnVoltage:
			out[i] = r.Voltage
		case models.ColumnCurrent:
			out[i] = r.Current
		case models.ColumnTemperature:
			out[i] = r.Temperature
		default:
			if r.Bins[name] {
				out[i] = 1
			}
		}
	}
	return out
}

// DetectYieldDrops flags wafers whose trailing windowSize-wafer mean yield is
// strictly below threshold. The first windowSize-1 wafers have no rolling
// value and are never flagged.
func (a *Analyzer) DetectYieldDrops(threshold float64, windowSize int) ([]models.AlertEvent, error) {
	if windowSize < 1 {
		return nil, errors.Errorf("window size must be >= 1, got %d", windowSize)
	}
	yields, err := a.YieldBy(GroupByWafer)
	if err != nil {
		return nil, err
	}

	rolling := RollingMean(yieldValues(yields), windowSize)
	var alerts []models.AlertEvent
	for i, y := range yields {
		r := rolling[i]
		if math.IsNaN(r) || r >= threshold {
			continue
		}
		alerts = append(alerts, models.AlertEvent{
			WaferID:      y.Key,
			RollingYield: r,
			AlertType:    models.AlertTypeYieldDrop,
			Severity:     severity(r, threshold),
		})
	}
	return alerts, nil
}

func severity(rolling, threshold float64) models.Severity {
	if rolling < threshold*criticalRatio {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

// RollingMean returns the trailing mean over window values; entries before
// the window fills, and windows containing NaN, are NaN.
func RollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if window < 1 || i+1 < window {
			out[i] = math.NaN()
			continue
		}
		out[i] = stat.Mean(values[i+1-window:i+1], nil)
	}
	return out
}

func yieldValues(rows []models.YieldSummary) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.Yield
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return math.NaN()
	}
	return num / den
}

func constant(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
