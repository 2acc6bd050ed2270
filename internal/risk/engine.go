package risk

import (
	"fmt"

	"github.com/agrolert/backend/internal/farms"
	"github.com/agrolert/backend/internal/weather"
)

// Assessment is the outcome of evaluating one observation against one farm.
// SeverityNone means no notification should be produced.
type Assessment struct {
	FarmID      farms.FarmID
	OwnerID     farms.OwnerID
	CropType    string
	Severity    Severity
	Dimension   Dimension
	Message     string
	Advice      string
	Observation weather.Observation
}

// finding is one dimension's contribution before reduction.
type finding struct {
	dimension Dimension
	severity  Severity
	message   string
	advice    string
}

// Engine classifies weather observations into risk assessments. It is a pure
// function of its inputs: no I/O, no state, so repeated evaluations of the
// same conditions produce the same assessment and fingerprint downstream.
type Engine struct{}

// NewEngine constructs the rules engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate returns exactly one assessment for the farm. An error is returned
// only for malformed input; favorable conditions are SeverityNone, not a
// failure.
func (e *Engine) Evaluate(observation weather.Observation, farm farms.Farm) (Assessment, error) {
	if farm.FarmID == "" || farm.OwnerID == "" {
		return Assessment{}, fmt.Errorf("risk: farm and owner ids are required")
	}
	if err := observation.Validate(); err != nil {
		return Assessment{}, err
	}

	thresholds := thresholdsFor(farm.CropType)
	findings := map[Dimension]finding{
		DimensionHeatStress:      classifyHeat(observation, thresholds),
		DimensionFrost:           classifyFrost(observation, thresholds),
		DimensionFlood:           classifyFlood(observation, thresholds),
		DimensionWindDamage:      classifyWind(observation, thresholds),
		DimensionDiseasePressure: classifyDisease(observation, thresholds),
	}

	// Reduce to the single most severe finding; the fixed dimension priority
	// order breaks ties.
	winner := finding{severity: SeverityNone}
	for _, dimension := range dimensionPriority {
		candidate := findings[dimension]
		if candidate.severity.Rank() > winner.severity.Rank() {
			winner = candidate
		}
	}

	assessment := Assessment{
		FarmID:      farms.FarmID(farm.FarmID),
		OwnerID:     farms.OwnerID(farm.OwnerID),
		CropType:    farm.CropType,
		Severity:    winner.severity,
		Dimension:   winner.dimension,
		Message:     winner.message,
		Advice:      winner.advice,
		Observation: observation,
	}
	return assessment, nil
}

func classifyHeat(o weather.Observation, t cropThresholds) finding {
	f := finding{dimension: DimensionHeatStress, severity: SeverityNone}
	switch {
	case o.TemperatureC >= t.HeatCritical:
		f.severity = SeverityCritical
		f.message = fmt.Sprintf("Extreme heat of %.1f°C detected, beyond the %.0f°C crop damage point.", o.TemperatureC, t.HeatCritical)
		f.advice = "Irrigate immediately and apply shade protection where possible."
	case o.TemperatureC >= t.HeatHigh:
		f.severity = SeverityHigh
		f.message = fmt.Sprintf("High heat of %.1f°C detected, above the %.0f°C stress threshold.", o.TemperatureC, t.HeatHigh)
		f.advice = "Increase irrigation frequency and monitor for wilting."
	case o.TemperatureC >= t.HeatHigh-3:
		f.severity = SeverityMedium
		f.message = fmt.Sprintf("Temperature of %.1f°C is approaching the heat stress threshold.", o.TemperatureC)
		f.advice = "Prepare irrigation capacity for the coming days."
	}
	return f
}

func classifyFrost(o weather.Observation, t cropThresholds) finding {
	f := finding{dimension: DimensionFrost, severity: SeverityNone}
	switch {
	case o.TemperatureC <= t.FrostCritical:
		f.severity = SeverityCritical
		f.message = fmt.Sprintf("Hard frost at %.1f°C, below the %.0f°C kill point.", o.TemperatureC, t.FrostCritical)
		f.advice = "Deploy frost covers or irrigation-based frost protection now."
	case o.TemperatureC <= t.FrostHigh:
		f.severity = SeverityHigh
		f.message = fmt.Sprintf("Frost risk at %.1f°C, below the %.0f°C damage threshold.", o.TemperatureC, t.FrostHigh)
		f.advice = "Protect sensitive plantings overnight."
	case o.TemperatureC <= t.FrostHigh+2:
		f.severity = SeverityMedium
		f.message = fmt.Sprintf("Temperature of %.1f°C is approaching frost conditions.", o.TemperatureC)
		f.advice = "Watch overnight forecasts and keep covers ready."
	}
	return f
}

func classifyFlood(o weather.Observation, t cropThresholds) finding {
	f := finding{dimension: DimensionFlood, severity: SeverityNone}
	switch {
	case o.RainfallMm >= t.RainCritical:
		f.severity = SeverityCritical
		f.message = fmt.Sprintf("Severe rainfall of %.0fmm detected, flooding is likely.", o.RainfallMm)
		f.advice = "Clear drainage channels and move equipment to high ground."
	case o.RainfallMm >= t.RainHigh:
		f.severity = SeverityHigh
		f.message = fmt.Sprintf("Heavy rainfall of %.0fmm detected, waterlogging risk is elevated.", o.RainfallMm)
		f.advice = "Check field drainage and delay any planned irrigation."
	case o.ConsecutiveRainDays >= t.RainDaysHigh && o.RainProbabilityPct >= 60:
		f.severity = SeverityMedium
		f.message = fmt.Sprintf("Rain has persisted for %d days with more forecast.", o.ConsecutiveRainDays)
		f.advice = "Monitor low-lying sections for standing water."
	}
	return f
}

func classifyWind(o weather.Observation, t cropThresholds) finding {
	f := finding{dimension: DimensionWindDamage, severity: SeverityNone}
	switch {
	case o.WindSpeedKmh >= t.WindCritical:
		f.severity = SeverityCritical
		f.message = fmt.Sprintf("Destructive winds of %.0fkm/h detected.", o.WindSpeedKmh)
		f.advice = "Secure structures and postpone all field operations."
	case o.WindSpeedKmh >= t.WindHigh:
		f.severity = SeverityHigh
		f.message = fmt.Sprintf("Strong winds of %.0fkm/h detected, lodging risk is elevated.", o.WindSpeedKmh)
		f.advice = "Postpone spraying and inspect supports."
	}
	return f
}

func classifyDisease(o weather.Observation, t cropThresholds) finding {
	f := finding{dimension: DimensionDiseasePressure, severity: SeverityNone}
	inBand := o.TemperatureC >= t.FungalBandLow && o.TemperatureC <= t.FungalBandHigh
	switch {
	case inBand && o.HumidityPct >= t.HumidityHigh && o.ConsecutiveRainDays >= 2:
		f.severity = SeverityHigh
		f.message = fmt.Sprintf("Sustained humidity of %.0f%% in the fungal growth band raises disease risk.", o.HumidityPct)
		f.advice = "Scout for early infection signs and plan preventive treatment."
	case inBand && o.HumidityPct >= t.HumidityHigh:
		f.severity = SeverityMedium
		f.message = fmt.Sprintf("Humidity of %.0f%% favors fungal development.", o.HumidityPct)
		f.advice = "Improve canopy airflow and keep fungicide on hand."
	}
	return f
}
