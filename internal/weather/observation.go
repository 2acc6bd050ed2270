package weather

import (
	"errors"
	"fmt"
	"time"
)

// ErrIncompleteObservation indicates an observation is missing measurement
// fields required by risk evaluation.
var ErrIncompleteObservation = errors.New("weather: incomplete observation")

// Location is a WGS84 coordinate pair identifying a farm's position.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Key returns a stable string form used for logging and cache keys.
func (l Location) Key() string {
	return fmt.Sprintf("%.4f,%.4f", l.Latitude, l.Longitude)
}

// Field identifies a single measurement within an observation.
type Field uint8

const (
	FieldTemperature Field = 1 << iota
	FieldHumidity
	FieldRainfall
	FieldRainProbability
	FieldWindSpeed
)

// requiredFields must all be present before risk rules may run.
const requiredFields = FieldTemperature | FieldHumidity | FieldRainfall | FieldWindSpeed

// Observation is a simplified point-in-time weather reading. It is produced
// by a Source and consumed read-only by the risk engine; the service never
// persists it.
type Observation struct {
	Location  Location
	Timestamp time.Time

	TemperatureC        float64
	HumidityPct         float64
	RainfallMm          float64
	RainProbabilityPct  float64
	WindSpeedKmh        float64
	ConsecutiveRainDays int

	// Fields tracks which measurements the source actually supplied, so a
	// zero temperature can be told apart from a missing one.
	Fields Field
}

// Validate reports whether the observation carries every measurement the
// risk engine depends on.
func (o Observation) Validate() error {
	missing := requiredFields &^ o.Fields
	if missing == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing fields 0b%b", ErrIncompleteObservation, missing)
}
