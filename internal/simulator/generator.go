// Package simulator produces synthetic wafer test data standing in for a
// tester feed.
package simulator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"wafer-analytics/internal/models"
)

const (
	passingDieBinPassRate = 0.95
	failingDieBinPassRate = 0.30

	minWaferGapMinutes = 5
	maxWaferGapMinutes = 15
)

type normal struct {
	mean, stdDev float64
}

var (
	voltageDist     = normal{mean: 1.0, stdDev: 0.1}
	currentDist     = normal{mean: 0.5, stdDev: 0.05}
	temperatureDist = normal{mean: 25, stdDev: 2}
)

type Config struct {
	NumWafers    int       `mapstructure:"num_wafers"`
	DiesPerWafer int       `mapstructure:"dies_per_wafer"`
	NumBins      int       `mapstructure:"num_bins"`
	YieldTarget  float64   `mapstructure:"yield_target"`
	Variation    float64   `mapstructure:"variation"`
	Start        time.Time `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		NumWafers:    100,
		DiesPerWafer: 100,
		NumBins:      10,
		YieldTarget:  0.95,
		Variation:    0.05,
	}
}

func (c Config) Validate() error {
	switch {
	case c.NumWafers < 0:
		return errors.Errorf("num_wafers must be >= 0, got %d", c.NumWafers)
	case c.DiesPerWafer < 1:
		return errors.Errorf("dies_per_wafer must be >= 1, got %d", c.DiesPerWafer)
	case c.NumBins < 1:
		return errors.Errorf("num_bins must be >= 1, got %d", c.NumBins)
	case c.YieldTarget < 0 || c.YieldTarget > 1:
		return errors.Errorf("yield_target must be within [0, 1], got %v", c.YieldTarget)
	case c.Variation < 0:
		return errors.Errorf("variation must be >= 0, got %v", c.Variation)
	}
	return nil
}

// Generator draws every random value from the source it was built with, so a
// seeded source yields the same dataset on every run.
type Generator struct {
	cfg Config
	rng *rand.Rand
}

func NewGenerator(cfg Config, rng *rand.Rand) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	return &Generator{cfg: cfg, rng: rng}, nil
}

func NewSeededGenerator(cfg Config, seed int64) (*Generator, error) {
	return NewGenerator(cfg, rand.New(rand.NewSource(seed)))
}

// BinColumns returns the bin schema, bin_1..bin_N.
func (g *Generator) BinColumns() []string {
	cols := make([]string, g.cfg.NumBins)
	for i := range cols {
		cols[i] = fmt.Sprintf("%s%d", models.BinColumnPrefix, i+1)
	}
	return cols
}

// Generate produces NumWafers × DiesPerWafer records, wafer by wafer.
//
// Within a wafer the first PassingDies(yield) die indices pass and the rest
// fail. The ordering carries no physical meaning but is kept as is because
// per-bin draws depend on it.
func (g *Generator) Generate() models.Dataset {
	bins := g.BinColumns()
	ds := models.Dataset{
		BinColumns: bins,
		Records:    make([]models.TestRecord, 0, g.cfg.NumWafers*g.cfg.DiesPerWafer),
	}

	ts := g.cfg.Start
	for w := 1; w <= g.cfg.NumWafers; w++ {
		waferID := fmt.Sprintf("WF%04d", w)
		passing := PassingDies(g.waferYield(), g.cfg.DiesPerWafer)

		for d := 1; d <= g.cfg.DiesPerWafer; d++ {
			isPassing := d <= passing
			rec := models.TestRecord{
				Timestamp: ts,
				WaferID:   waferID,
				DieID:     fmt.Sprintf("D%03d", d),
				IsPassing: isPassing,
				Bins:      g.binOutcomes(bins, isPassing),
			}
			rec.Voltage = g.draw(voltageDist)
			rec.Current = g.draw(currentDist)
			rec.Temperature = g.draw(temperatureDist)
			ds.Records = append(ds.Records, rec)
		}

		gap := minWaferGapMinutes + g.rng.Intn(maxWaferGapMinutes-minWaferGapMinutes+1)
		ts = ts.Add(time.Duration(gap) * time.Minute)
	}
	return ds
}

// waferYield draws from N(target, variation) clamped to [0, 1].
func (g *Generator) waferYield() float64 {
	y := g.draw(normal{mean: g.cfg.YieldTarget, stdDev: g.cfg.Variation})
	return clamp(y, 0, 1)
}

func (g *Generator) binOutcomes(bins []string, isPassing bool) map[string]bool {
	p := failingDieBinPassRate
	if isPassing {
		p = passingDieBinPassRate
	}
	out := make(map[string]bool, len(bins))
	for _, b := range bins {
		out[b] = g.rng.Float64() < p
	}
	return out
}

func (g *Generator) draw(n normal) float64 {
	return n.mean + n.stdDev*g.rng.NormFloat64()
}

// PassingDies truncates yield × dies to a die count.
func PassingDies(yield float64, dies int) int {
	return int(float64(dies) * yield)
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
