package cache

import (
	"math"

	"wafer-analytics/internal/models"
)

// alertEntry is the JSON form of an alert; an undefined rolling yield is
// stored as null.
type alertEntry struct {
	WaferID      string          `json:"wafer_id"`
	RollingYield *float64        `json:"rolling_yield"`
	AlertType    string          `json:"alert_type"`
	Severity     models.Severity `json:"severity"`
}

func storedAlert(a models.AlertEvent) alertEntry {
	e := alertEntry{WaferID: a.WaferID, AlertType: a.AlertType, Severity: a.Severity}
	if a.HasYield() {
		y := a.RollingYield
		e.RollingYield = &y
	}
	return e
}

func (e alertEntry) event() models.AlertEvent {
	a := models.AlertEvent{WaferID: e.WaferID, RollingYield: math.NaN(), AlertType: e.AlertType, Severity: e.Severity}
	if e.RollingYield != nil {
		a.RollingYield = *e.RollingYield
	}
	return a
}
