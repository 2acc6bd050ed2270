package risk

// cropThresholds hold the per-crop trigger points for each threat dimension.
// Temperatures in °C, rainfall in mm, wind in km/h, humidity in percent.
type cropThresholds struct {
	HeatHigh     float64
	HeatCritical float64

	FrostHigh     float64
	FrostCritical float64

	RainHigh     float64
	RainCritical float64
	// RainDaysHigh is the consecutive-rain-day count that signals waterlogging
	// even when the instantaneous rainfall reading is moderate.
	RainDaysHigh int

	WindHigh     float64
	WindCritical float64

	// Disease pressure triggers when humidity exceeds HumidityHigh while the
	// temperature sits inside the fungal growth band.
	HumidityHigh   float64
	FungalBandLow  float64
	FungalBandHigh float64
}

const genericCrop = "generic"

var thresholdsByCrop = map[string]cropThresholds{
	genericCrop: {
		HeatHigh: 35, HeatCritical: 42,
		FrostHigh: 2, FrostCritical: -2,
		RainHigh: 25, RainCritical: 60, RainDaysHigh: 3,
		WindHigh: 40, WindCritical: 70,
		HumidityHigh: 85, FungalBandLow: 18, FungalBandHigh: 30,
	},
	"wheat": {
		HeatHigh: 34, HeatCritical: 40,
		FrostHigh: 0, FrostCritical: -4,
		RainHigh: 30, RainCritical: 70, RainDaysHigh: 4,
		WindHigh: 45, WindCritical: 75,
		HumidityHigh: 85, FungalBandLow: 15, FungalBandHigh: 25,
	},
	"maize": {
		HeatHigh: 36, HeatCritical: 43,
		FrostHigh: 4, FrostCritical: 0,
		RainHigh: 35, RainCritical: 80, RainDaysHigh: 4,
		WindHigh: 35, WindCritical: 60,
		HumidityHigh: 88, FungalBandLow: 20, FungalBandHigh: 32,
	},
	"rice": {
		HeatHigh: 38, HeatCritical: 45,
		FrostHigh: 10, FrostCritical: 5,
		// Paddy tolerates standing water; only extremes matter.
		RainHigh: 80, RainCritical: 150, RainDaysHigh: 7,
		WindHigh: 40, WindCritical: 65,
		HumidityHigh: 92, FungalBandLow: 24, FungalBandHigh: 34,
	},
	"potato": {
		HeatHigh: 30, HeatCritical: 38,
		FrostHigh: 1, FrostCritical: -3,
		RainHigh: 20, RainCritical: 50, RainDaysHigh: 3,
		WindHigh: 50, WindCritical: 80,
		// Late blight band.
		HumidityHigh: 80, FungalBandLow: 10, FungalBandHigh: 24,
	},
}

// thresholdsFor returns the crop's thresholds, falling back to generic.
func thresholdsFor(cropType string) cropThresholds {
	if t, ok := thresholdsByCrop[cropType]; ok {
		return t
	}
	return thresholdsByCrop[genericCrop]
}
