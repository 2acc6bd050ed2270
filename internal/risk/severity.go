package risk

// Severity is the ordinal urgency classification of a threat. It drives the
// immediate-versus-batched delivery choice downstream.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of the severity; unknown values rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the more severe of two values.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Dimension names an independent threat axis evaluated by the engine. The
// dimension of the winning finding becomes the alert's message category.
type Dimension string

const (
	DimensionHeatStress      Dimension = "heat-stress"
	DimensionFrost           Dimension = "frost"
	DimensionFlood           Dimension = "flood"
	DimensionWindDamage      Dimension = "wind-damage"
	DimensionDiseasePressure Dimension = "disease-pressure"
)

// dimensionPriority breaks severity ties deterministically: threats that
// destroy a crop within hours outrank slower-acting ones.
var dimensionPriority = []Dimension{
	DimensionHeatStress,
	DimensionFrost,
	DimensionFlood,
	DimensionWindDamage,
	DimensionDiseasePressure,
}
