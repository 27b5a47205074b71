package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
)

const featureName = "WeatherProvider"

// Irradiance thresholds in W/m² for the eco power mapping.
const (
	RadCloudy = 200.0
	RadSunny  = 650.0
)

const defaultEndpoint = "https://api.open-meteo.com/v1/forecast"

type Snapshot struct {
	AsOf               time.Time `json:"as_of"`
	ShortwaveRadiation *float64  `json:"shortwave_radiation"`
}

// Provider fetches the solar shortwave irradiance forecast from
// Open-Meteo. The control loop consumes the average of the current and
// the next hour to smooth short-term noise.
type Provider struct {
	endpoint string
	lat      string
	lon      string
	client   *http.Client
	logger   internal.LogHandler

	mux       sync.Mutex
	radiation float64
	valid     bool
	fetchedAt time.Time
}

func NewProvider(lat, lon string, logger internal.LogHandler) *Provider {
	return &Provider{
		endpoint: defaultEndpoint,
		lat:      lat,
		lon:      lon,
		logger:   logger,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SetEndpoint overrides the forecast endpoint, used in tests.
func (p *Provider) SetEndpoint(endpoint string) {
	p.endpoint = endpoint
}

type forecastResponse struct {
	Hourly struct {
		Time               []string  `json:"time"`
		ShortwaveRadiation []float64 `json:"shortwave_radiation"`
	} `json:"hourly"`
}

// Refresh fetches the forecast and caches the smoothed irradiance.
// Failures are logged and invalidate the cache so consumers fall back to
// the cloudy default.
func (p *Provider) Refresh(now time.Time) {
	radiation, err := p.fetch(now)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("weather fetch failed: %s", err))
		p.mux.Lock()
		p.valid = false
		p.mux.Unlock()
		return
	}
	p.mux.Lock()
	p.radiation = radiation
	p.valid = true
	p.fetchedAt = now
	p.mux.Unlock()
	p.logger.FeatureEvent(featureName, "", fmt.Sprintf("shortwave radiation %.0f W/m2", radiation))
}

func (p *Provider) fetch(now time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s?latitude=%s&longitude=%s&hourly=shortwave_radiation&forecast_days=2&timezone=UTC",
		p.endpoint, p.lat, p.lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading body: %w", err)
	}
	var forecast forecastResponse
	if err = json.Unmarshal(body, &forecast); err != nil {
		return 0, fmt.Errorf("parsing forecast: %w", err)
	}
	return smoothedRadiation(&forecast, now)
}

// smoothedRadiation averages the forecast value of the current hour and
// the next hour.
func smoothedRadiation(forecast *forecastResponse, now time.Time) (float64, error) {
	hourly := forecast.Hourly
	if len(hourly.Time) == 0 || len(hourly.Time) != len(hourly.ShortwaveRadiation) {
		return 0, fmt.Errorf("forecast series empty or inconsistent")
	}
	current := now.UTC().Truncate(time.Hour).Format("2006-01-02T15:04")
	for i, stamp := range hourly.Time {
		if stamp != current {
			continue
		}
		value := hourly.ShortwaveRadiation[i]
		if i+1 < len(hourly.ShortwaveRadiation) {
			value = (value + hourly.ShortwaveRadiation[i+1]) / 2.0
		}
		return value, nil
	}
	return 0, fmt.Errorf("current hour %s not in forecast", current)
}

// Radiation returns the cached smoothed irradiance. Without valid data
// it reports the cloudy threshold, the conservative default.
func (p *Provider) Radiation() (float64, bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if !p.valid {
		return RadCloudy, false
	}
	return p.radiation, true
}

func (p *Provider) Snapshot(now time.Time) Snapshot {
	snapshot := Snapshot{AsOf: now.UTC()}
	p.mux.Lock()
	if p.valid {
		radiation := p.radiation
		snapshot.ShortwaveRadiation = &radiation
	}
	p.mux.Unlock()
	return snapshot
}

// EcoKw maps irradiance to a charging power: below the cloudy threshold
// the cloudy power, above the sunny threshold the sunny power, linear
// interpolation in between. Both bounds are clamped to the hardware
// window first.
func EcoKw(radiation, cloudyKw, sunnyKw, minKw, maxKw float64) float64 {
	cloudyKw = clamp(cloudyKw, minKw, maxKw)
	sunnyKw = clamp(sunnyKw, minKw, maxKw)
	if radiation <= RadCloudy {
		return cloudyKw
	}
	if radiation >= RadSunny {
		return sunnyKw
	}
	fraction := (radiation - RadCloudy) / (RadSunny - RadCloudy)
	return cloudyKw + fraction*(sunnyKw-cloudyKw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
