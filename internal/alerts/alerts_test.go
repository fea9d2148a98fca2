package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vitalpaw/internal/models"
)

func TestEvaluate(t *testing.T) {
	th := models.DefaultThresholds("Labrador")

	tests := []struct {
		name    string
		reading models.BiometricReading
		want    []string
	}{
		{
			name:    "all in range",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 80, Temperature: 38.0},
			want:    nil,
		},
		{
			name:    "heart rate high",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 140, Temperature: 38.0},
			want:    []string{"Abnormal heart rate: 140"},
		},
		{
			name:    "heart rate low",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 45.5, Temperature: 38.0},
			want:    []string{"Abnormal heart rate: 45.5"},
		},
		{
			name:    "temperature high",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 90, Temperature: 40.2},
			want:    []string{"Abnormal temperature: 40.2"},
		},
		{
			name:    "both out of range keeps heart rate first",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 30, Temperature: 35},
			want:    []string{"Abnormal heart rate: 30", "Abnormal temperature: 35"},
		},
		{
			name:    "bounds are inclusive",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 120, Temperature: 36.5},
			want:    nil,
		},
		{
			name:    "movement is ignored",
			reading: models.BiometricReading{PetID: "p1", HeartRate: 80, Temperature: 38, Movement: "seizure"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.reading, th))
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	th := models.Thresholds{Breed: "Poodle", MinHeartRate: 70, MaxHeartRate: 110, MinTemperature: 37, MaxTemperature: 39}
	r := models.BiometricReading{PetID: "p9", HeartRate: 111, Temperature: 39.01}

	first := EvaluateAndRecord(r, th)
	second := EvaluateAndRecord(r, th)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"Abnormal heart rate: 111", "Abnormal temperature: 39.01"}, first)
}

func TestEvaluateBeagleHeartRateOnly(t *testing.T) {
	beagle := models.Thresholds{Breed: "Beagle", MinHeartRate: 70, MaxHeartRate: 130, MinTemperature: 37.0, MaxTemperature: 39.0}

	got := Evaluate(models.BiometricReading{PetID: "rex", HeartRate: 140, Temperature: 38.0}, beagle)

	assert.Len(t, got, 1)
	assert.Contains(t, got[0], "heart rate")
	assert.Contains(t, got[0], "140")
	assert.NotContains(t, got[0], "temperature")
}
