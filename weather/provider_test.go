package weather

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) FeatureEvent(string, string, string) {}
func (nopLogger) Debug(string) {}
func (nopLogger) Warn(string) {}
func (nopLogger) Error(string, error) {}
func (nopLogger) RawDataEvent(string, string) {}

func TestEcoKw(t *testing.T) {
	// below the cloudy threshold the cloudy power applies
	assert.InDelta(t, 3.7, EcoKw(100, 3.7, 11.0, 3.7, 11.0), 1e-9)
	// above the sunny threshold the sunny power applies
	assert.InDelta(t, 11.0, EcoKw(900, 3.7, 11.0, 3.7, 11.0), 1e-9)
	// halfway between the thresholds the power interpolates linearly
	assert.InDelta(t, 7.35, EcoKw(425, 3.7, 11.0, 3.7, 11.0), 1e-9)
	// bounds outside the hardware window are clamped first
	assert.InDelta(t, 3.7, EcoKw(100, 1.0, 22.0, 3.7, 11.0), 1e-9)
	assert.InDelta(t, 11.0, EcoKw(900, 1.0, 22.0, 3.7, 11.0), 1e-9)
}

func TestRefreshSmoothsCurrentAndNextHour(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)
	hour := now.Truncate(time.Hour)
	body := fmt.Sprintf(`{"hourly":{"time":["%s","%s"],"shortwave_radiation":[400,600]}}`,
		hour.Format("2006-01-02T15:04"), hour.Add(time.Hour).Format("2006-01-02T15:04"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	provider := NewProvider("48.83", "12.86", nopLogger{})
	provider.SetEndpoint(server.URL)
	provider.Refresh(now)

	radiation, ok := provider.Radiation()
	require.True(t, ok)
	assert.InDelta(t, 500.0, radiation, 1e-9)
}

func TestRefreshFailureInvalidatesCache(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 10, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	provider := NewProvider("48.83", "12.86", nopLogger{})
	provider.SetEndpoint(server.URL)
	provider.Refresh(now)

	radiation, ok := provider.Radiation()
	assert.False(t, ok)
	// consumers fall back to the conservative cloudy default
	assert.InDelta(t, RadCloudy, radiation, 1e-9)
}

func TestRadiationWithoutData(t *testing.T) {
	provider := NewProvider("48.83", "12.86", nopLogger{})
	radiation, ok := provider.Radiation()
	assert.False(t, ok)
	assert.InDelta(t, RadCloudy, radiation, 1e-9)
}
