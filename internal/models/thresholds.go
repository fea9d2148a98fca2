package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultBreed is used when a pet cannot be resolved.
const DefaultBreed = "Labrador"

// Fallback bounds used when the thresholds service cannot answer.
const (
	DefaultMinHeartRate   = 60.0
	DefaultMaxHeartRate   = 120.0
	DefaultMinTemperature = 36.5
	DefaultMaxTemperature = 39.5
)

// ErrInvertedBounds is returned when a minimum exceeds its maximum.
var ErrInvertedBounds = errors.New("threshold minimum exceeds maximum")

// Thresholds are the breed-specific vital-sign bounds, inclusive on both ends.
type Thresholds struct {
	Breed          string  `json:"breed"`
	MinHeartRate   float64 `json:"minHeartRate"`
	MaxHeartRate   float64 `json:"maxHeartRate"`
	MinTemperature float64 `json:"minTemperature"`
	MaxTemperature float64 `json:"maxTemperature"`
}

// DefaultThresholds returns the fixed fallback bounds tagged with breed.
func DefaultThresholds(breed string) Thresholds {
	return Thresholds{
		Breed:          breed,
		MinHeartRate:   DefaultMinHeartRate,
		MaxHeartRate:   DefaultMaxHeartRate,
		MinTemperature: DefaultMinTemperature,
		MaxTemperature: DefaultMaxTemperature,
	}
}

var requiredThresholdFields = []string{"minHeartRate", "maxHeartRate", "minTemperature", "maxTemperature"}

// DecodeThresholds parses a thresholds service body. All four bounds must be
// present under their exact names; a missing bound would otherwise decode as 0.
func DecodeThresholds(body []byte) (Thresholds, error) {
	body = bytes.TrimSpace(body)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return Thresholds{}, ErrMalformedPayload
	}

	for _, field := range requiredThresholdFields {
		if v, ok := raw[field]; !ok || string(v) == "null" {
			return Thresholds{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}

	var t Thresholds
	targets := map[string]*float64{
		"minHeartRate":   &t.MinHeartRate,
		"maxHeartRate":   &t.MaxHeartRate,
		"minTemperature": &t.MinTemperature,
		"maxTemperature": &t.MaxTemperature,
	}
	for _, field := range requiredThresholdFields {
		if err := json.Unmarshal(raw[field], targets[field]); err != nil {
			return Thresholds{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, field, err)
		}
	}
	if v, ok := raw["breed"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &t.Breed); err != nil {
			return Thresholds{}, fmt.Errorf("%w: breed: %v", ErrMalformedPayload, err)
		}
	}

	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// Validate enforces min <= max for both pairs.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.MinHeartRate, t.MaxHeartRate, t.MinTemperature, t.MaxTemperature} {
		if !isFinite(v) {
			return ErrNonFiniteValue
		}
	}
	if t.MinHeartRate > t.MaxHeartRate || t.MinTemperature > t.MaxTemperature {
		return ErrInvertedBounds
	}
	return nil
}

// HeartRateInRange reports whether bpm lies within [MinHeartRate, MaxHeartRate].
func (t Thresholds) HeartRateInRange(bpm float64) bool {
	return bpm >= t.MinHeartRate && bpm <= t.MaxHeartRate
}

// TemperatureInRange reports whether celsius lies within [MinTemperature, MaxTemperature].
func (t Thresholds) TemperatureInRange(celsius float64) bool {
	return celsius >= t.MinTemperature && celsius <= t.MaxTemperature
}
