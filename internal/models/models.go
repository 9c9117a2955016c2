package models

import (
	"math"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrMalformedDataset is returned when a dataset is missing a required column.
var ErrMalformedDataset = errors.New("malformed dataset")

// TestRecord is one die outcome from one test event.
type TestRecord struct {
	Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	WaferID     string          `json:"wafer_id" yaml:"wafer_id"`
	DieID       string          `json:"die_id" yaml:"die_id"`
	IsPassing   bool            `json:"is_passing" yaml:"is_passing"`
	Bins        map[string]bool `json:"bins" yaml:"bins"`
	Voltage     float64         `json:"voltage" yaml:"voltage"`
	Current     float64         `json:"current" yaml:"current"`
	Temperature float64         `json:"temperature" yaml:"temperature"`
}

// Dataset is an ordered set of records sharing one bin schema. Records of a
// wafer are contiguous and wafers appear in generation order.
type Dataset struct {
	BinColumns []string     `json:"bin_columns" yaml:"bin_columns"`
	Records    []TestRecord `json:"records" yaml:"records"`
}

// Len returns the number of rows.
func (d Dataset) Len() int {
	return len(d.Records)
}

// Clone returns a deep copy; the copy shares no maps or slices with d.
func (d Dataset) Clone() Dataset {
	out := Dataset{
		BinColumns: append([]string(nil), d.BinColumns...),
		Records:    make([]TestRecord, len(d.Records)),
	}
	for i, r := range d.Records {
		bins := make(map[string]bool, len(r.Bins))
		for k, v := range r.Bins {
			bins[k] = v
		}
		r.Bins = bins
		out.Records[i] = r
	}
	return out
}

// Validate checks that every record carries the required columns and exactly
// the bin columns declared by the schema. All problems found are reported.
func (d Dataset) Validate() error {
	var result *multierror.Error
	if len(d.BinColumns) == 0 {
		result = multierror.Append(result, errors.New("dataset has no bin columns"))
	}
	declared := make(map[string]struct{}, len(d.BinColumns))
	for _, c := range d.BinColumns {
		if _, dup := declared[c]; dup {
			result = multierror.Append(result, errors.Errorf("bin column %s declared twice", c))
		}
		declared[c] = struct{}{}
	}

	for i, r := range d.Records {
		if r.WaferID == "" {
			result = multierror.Append(result, errors.Errorf("record %d has an empty wafer_id", i))
		}
		if r.DieID == "" {
			result = multierror.Append(result, errors.Errorf("record %d has an empty die_id", i))
		}
		if r.Timestamp.IsZero() {
			result = multierror.Append(result, errors.Errorf("record %d has no timestamp", i))
		}
		if len(r.Bins) != len(declared) {
			result = multierror.Append(result, errors.Errorf("record %d has %d bins, schema declares %d", i, len(r.Bins), len(declared)))
			continue
		}
		for _, c := range d.BinColumns {
			if _, ok := r.Bins[c]; !ok {
				result = multierror.Append(result, errors.Errorf("record %d is missing column %s", i, c))
			}
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(ErrMalformedDataset, err.Error())
	}
	return nil
}

// YieldSummary is the yield of one group of records.
type YieldSummary struct {
	Key         string  `json:"key" yaml:"key"`
	TotalDies   int     `json:"total_dies" yaml:"total_dies"`
	PassingDies int     `json:"passing_dies" yaml:"passing_dies"`
	Yield       float64 `json:"yield" yaml:"yield"`
}

type Severity string

const (
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

const AlertTypeYieldDrop = "Yield Drop"

// AlertEvent flags a wafer whose rolling yield fell below threshold.
// RollingYield is NaN when the window was not yet full.
type AlertEvent struct {
	WaferID      string   `json:"wafer_id" yaml:"wafer_id"`
	RollingYield float64  `json:"rolling_yield" yaml:"rolling_yield"`
	AlertType    string   `json:"alert_type" yaml:"alert_type"`
	Severity     Severity `json:"severity" yaml:"severity"`
}

// HasYield reports whether the rolling yield is defined.
func (e AlertEvent) HasYield() bool {
	return !math.IsNaN(e.RollingYield)
}

// CostItem is one row of a cost breakdown.
type CostItem struct {
	Metric string  `json:"metric" yaml:"metric"`
	Value  float64 `json:"value" yaml:"value"`
}

const (
	CostTotalWafers    = "Total Wafers"
	CostTotalDies      = "Total Dies"
	CostPassingDies    = "Passing Dies"
	CostTotalCost      = "Total Cost"
	CostPerGoodDieName = "Cost per Good Die"
)

// CorrelationMatrix is a square matrix indexed by Columns in both dimensions.
type CorrelationMatrix struct {
	Columns []string    `json:"columns" yaml:"columns"`
	Values  [][]float64 `json:"values" yaml:"values"`
}

// At returns the coefficient for the given pair of columns.
func (m CorrelationMatrix) At(row, col string) (float64, bool) {
	i, j := -1, -1
	for k, c := range m.Columns {
		if c == row {
			i = k
		}
		if c == col {
			j = k
		}
	}
	if i < 0 || j < 0 {
		return math.NaN(), false
	}
	return m.Values[i][j], true
}
