// Package alerting turns yield alerts into notifications delivered over
// independent channels. A failing channel never affects the others and never
// surfaces as an error to the caller.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"wafer-analytics/internal/models"
)

// defaultTimeout bounds a single delivery attempt when a channel sets none.
const defaultTimeout = 10 * time.Second

// ErrSkipped is returned by a channel that had nothing to deliver.
var ErrSkipped = errors.New("nothing to deliver")

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "yield_alert_deliveries_total",
	Help: "Alert delivery attempts by channel and outcome",
}, []string{"channel", "status"})

// Notification is what a channel delivers.
type Notification struct {
	Subject    string
	Body       string
	Recipients []string
	Target     string
}

// Channel is one delivery path. Send is only called when Enabled is true.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, n Notification) error
}

// DeliveryResult is the outcome of one channel for one event.
type DeliveryResult struct {
	Channel   string
	Attempted bool
	OK        bool
	Err       error
}

type Dispatcher struct {
	channels []Channel
	now      func() time.Time
}

func NewDispatcher(channels ...Channel) *Dispatcher {
	return &Dispatcher{channels: channels, now: time.Now}
}

// Format renders the alert message. The yield reads "n/a" when undefined.
func (d *Dispatcher) Format(event models.AlertEvent) string {
	yield := "n/a"
	if event.HasYield() {
		yield = fmt.Sprintf("%.2f%%", event.RollingYield*100)
	}
	return fmt.Sprintf(`[%s] %s Alert
-------------------------
Wafer ID: %s
Current Yield: %s
Severity: %s
`, d.now().Format("2006-01-02 15:04:05"), alertType(event), event.WaferID, yield, event.Severity)
}

// Deliver attempts every enabled channel in order and reports each outcome.
func (d *Dispatcher) Deliver(ctx context.Context, event models.AlertEvent, recipients []string, target string) []DeliveryResult {
	n := Notification{
		Subject:    alertType(event) + " Alert",
		Body:       d.Format(event),
		Recipients: nonEmpty(recipients),
		Target:     target,
	}

	results := make([]DeliveryResult, 0, len(d.channels))
	var failures *multierror.Error
	for _, ch := range d.channels {
		res := DeliveryResult{Channel: ch.Name()}
		if !ch.Enabled() {
			res.OK = true
			results = append(results, res)
			continue
		}
		err := safeSend(ctx, ch, n)
		if errors.Is(err, ErrSkipped) {
			res.OK = true
			deliveriesTotal.WithLabelValues(res.Channel, "skipped").Inc()
			results = append(results, res)
			continue
		}
		res.Attempted = true
		res.Err = err
		res.OK = err == nil
		if res.OK {
			deliveriesTotal.WithLabelValues(res.Channel, "sent").Inc()
		} else {
			deliveriesTotal.WithLabelValues(res.Channel, "failed").Inc()
			failures = multierror.Append(failures, errors.Wrap(res.Err, res.Channel))
			log.WithFields(log.Fields{
				"channel": res.Channel,
				"wafer":   event.WaferID,
			}).Errorf("Failed to send %s alert: %s", alertType(event), res.Err)
		}
		results = append(results, res)
	}

	if err := failures.ErrorOrNil(); err != nil {
		log.WithField("wafer", event.WaferID).Warnf("Alert delivery degraded: %s", err)
	}
	return results
}

// Send reports whether every attempted channel delivered. Channels that are
// not configured do not count against the result.
func (d *Dispatcher) Send(ctx context.Context, event models.AlertEvent, recipients []string, target string) bool {
	return AllDelivered(d.Deliver(ctx, event, recipients, target))
}

func AllDelivered(results []DeliveryResult) bool {
	for _, r := range results {
		if !r.OK {
			return false
		}
	}
	return true
}

// safeSend converts a panicking channel into an error.
func safeSend(ctx context.Context, ch Channel, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Send(ctx, n)
}

func alertType(event models.AlertEvent) string {
	if event.AlertType == "" {
		return models.AlertTypeYieldDrop
	}
	return event.AlertType
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
