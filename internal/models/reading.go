package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// BiometricReading is one telemetry sample emitted by a pet's wearable.
type BiometricReading struct {
	// Pet identifier, also the last segment of the MQTT topic
	PetID string `json:"petId"`

	// Beats per minute
	HeartRate float64 `json:"heartRate"`

	// Body temperature in degrees Celsius
	Temperature float64 `json:"temperature"`

	// Free-form activity label reported by the device; never evaluated
	Movement string `json:"movement"`
}

// Decoding errors
var (
	ErrMalformedPayload = errors.New("payload is not a JSON object")
	ErrMissingField     = errors.New("required field missing")
	ErrEmptyPetID       = errors.New("pet ID cannot be empty")
	ErrNonFiniteValue   = errors.New("value must be a finite number")
)

var requiredReadingFields = []string{"petId", "heartRate", "temperature"}

// DecodeReading parses a queue payload into a BiometricReading.
// Field names must match exactly; encoding/json alone would accept any casing.
func DecodeReading(payload []byte) (*BiometricReading, error) {
	payload = bytes.TrimSpace(payload)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return nil, ErrMalformedPayload
	}

	for _, field := range requiredReadingFields {
		if v, ok := raw[field]; !ok || string(v) == "null" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}

	r := &BiometricReading{}
	if err := json.Unmarshal(raw["petId"], &r.PetID); err != nil {
		return nil, fmt.Errorf("%w: petId: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw["heartRate"], &r.HeartRate); err != nil {
		return nil, fmt.Errorf("%w: heartRate: %v", ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(raw["temperature"], &r.Temperature); err != nil {
		return nil, fmt.Errorf("%w: temperature: %v", ErrMalformedPayload, err)
	}
	if v, ok := raw["movement"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &r.Movement); err != nil {
			return nil, fmt.Errorf("%w: movement: %v", ErrMalformedPayload, err)
		}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the reading carries an identifier and usable numbers.
func (r *BiometricReading) Validate() error {
	r.PetID = strings.TrimSpace(r.PetID)
	if r.PetID == "" {
		return ErrEmptyPetID
	}
	if !isFinite(r.HeartRate) || !isFinite(r.Temperature) {
		return ErrNonFiniteValue
	}
	return nil
}

// Encode serializes the reading into the queue payload format.
func (r *BiometricReading) Encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
