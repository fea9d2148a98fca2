// Package alerts turns a reading and its thresholds into human-readable alerts
// and hands them to the push service.
package alerts

import (
	"strconv"

	"vitalpaw/internal/metrics"
	"vitalpaw/internal/models"
)

// Metric names used in alert text and metric labels.
const (
	MetricHeartRate   = "heart rate"
	MetricTemperature = "temperature"
)

// Evaluate returns one alert per violated bound, heart rate first. It is a pure
// function of its inputs, so redelivered readings yield identical alerts.
// Movement is carried on the reading but never evaluated.
func Evaluate(r models.BiometricReading, th models.Thresholds) []string {
	var out []string
	if !th.HeartRateInRange(r.HeartRate) {
		out = append(out, format(MetricHeartRate, r.HeartRate))
	}
	if !th.TemperatureInRange(r.Temperature) {
		out = append(out, format(MetricTemperature, r.Temperature))
	}
	return out
}

func format(metric string, value float64) string {
	return "Abnormal " + metric + ": " + strconv.FormatFloat(value, 'f', -1, 64)
}

// record counts violated bounds by metric.
func record(r models.BiometricReading, th models.Thresholds) {
	if !th.HeartRateInRange(r.HeartRate) {
		metrics.AlertsTotal.WithLabelValues(MetricHeartRate).Inc()
	}
	if !th.TemperatureInRange(r.Temperature) {
		metrics.AlertsTotal.WithLabelValues(MetricTemperature).Inc()
	}
}

// EvaluateAndRecord is Evaluate plus alert metrics.
func EvaluateAndRecord(r models.BiometricReading, th models.Thresholds) []string {
	record(r, th)
	return Evaluate(r, th)
}
