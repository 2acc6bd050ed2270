package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Source abstracts the weather data provider (e.g. Open-Meteo).
type Source interface {
	FetchObservation(ctx context.Context, loc Location) (Observation, error)
}

// OpenMeteoConfig configures the Open-Meteo backed source.
type OpenMeteoConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
}

// OpenMeteoSource fetches current conditions plus a short hourly forecast
// and reduces them to the simplified observation the risk engine consumes.
// Calls run through a circuit breaker so a dead upstream fails fast instead
// of stalling every evaluation worker on each tick.
type OpenMeteoSource struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	clock   func() time.Time
}

// NewOpenMeteoSource constructs a source with the given configuration.
func NewOpenMeteoSource(cfg OpenMeteoConfig) (*OpenMeteoSource, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("weather: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "open-meteo",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &OpenMeteoSource{
		baseURL: cfg.BaseURL,
		client:  client,
		breaker: breaker,
		clock:   clock,
	}, nil
}

type openMeteoResponse struct {
	Current struct {
		Temperature *float64 `json:"temperature_2m"`
		Humidity    *float64 `json:"relativehumidity_2m"`
		Rain        *float64 `json:"rain"`
		WindSpeed   *float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Hourly struct {
		Time                     []string  `json:"time"`
		Rain                     []float64 `json:"rain"`
		PrecipitationProbability []float64 `json:"precipitation_probability"`
	} `json:"hourly"`
}

// FetchObservation retrieves and simplifies the latest reading for loc.
func (s *OpenMeteoSource) FetchObservation(ctx context.Context, loc Location) (Observation, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, loc)
	})
	if err != nil {
		return Observation{}, err
	}
	return result.(Observation), nil
}

func (s *OpenMeteoSource) fetch(ctx context.Context, loc Location) (Observation, error) {
	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", loc.Latitude))
	query.Set("longitude", fmt.Sprintf("%.4f", loc.Longitude))
	query.Set("current", "temperature_2m,relativehumidity_2m,rain,wind_speed_10m")
	query.Set("hourly", "rain,precipitation_probability")
	query.Set("forecast_days", "3")
	query.Set("timezone", "UTC")

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return Observation{}, err
	}

	response, err := s.client.Do(request)
	if err != nil {
		return Observation{}, fmt.Errorf("weather: fetch failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Observation{}, fmt.Errorf("weather: unexpected status %d", response.StatusCode)
	}

	var payload openMeteoResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return Observation{}, fmt.Errorf("weather: decode failed: %w", err)
	}

	return simplify(loc, payload, s.clock().UTC()), nil
}

// simplify maps the provider payload onto an Observation, recording which
// measurement fields were actually supplied.
func simplify(loc Location, payload openMeteoResponse, now time.Time) Observation {
	observation := Observation{Location: loc, Timestamp: now}

	if payload.Current.Temperature != nil {
		observation.TemperatureC = *payload.Current.Temperature
		observation.Fields |= FieldTemperature
	}
	if payload.Current.Humidity != nil {
		observation.HumidityPct = *payload.Current.Humidity
		observation.Fields |= FieldHumidity
	}
	if payload.Current.Rain != nil {
		observation.RainfallMm = *payload.Current.Rain
		observation.Fields |= FieldRainfall
	}
	if payload.Current.WindSpeed != nil {
		observation.WindSpeedKmh = *payload.Current.WindSpeed
		observation.Fields |= FieldWindSpeed
	}
	if len(payload.Hourly.PrecipitationProbability) > 0 {
		observation.RainProbabilityPct = payload.Hourly.PrecipitationProbability[0]
		observation.Fields |= FieldRainProbability
	}

	observation.ConsecutiveRainDays = countRainDays(payload.Hourly.Time, payload.Hourly.Rain)
	return observation
}

// countRainDays counts distinct forecast days with any rainfall.
func countRainDays(times []string, rain []float64) int {
	rainDays := map[string]struct{}{}
	for i, stamp := range times {
		if i >= len(rain) || rain[i] <= 0 {
			continue
		}
		day, _, found := strings.Cut(stamp, "T")
		if found {
			rainDays[day] = struct{}{}
		}
	}
	return len(rainDays)
}
