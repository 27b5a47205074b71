package pricing

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badgercharge/Energymanager/internal"
)

type nopLogger struct{}

func (nopLogger) FeatureEvent(string, string, string) {}
func (nopLogger) Debug(string) {}
func (nopLogger) Warn(string) {}
func (nopLogger) Error(string, error) {}
func (nopLogger) RawDataEvent(string, string) {}

var _ internal.LogHandler = nopLogger{}

func TestParseSeriesMarketData(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	body := fmt.Sprintf(`{"data":[{"start_timestamp":%d,"end_timestamp":%d,"marketprice":100.0}]}`,
		start.UnixMilli(), end.UnixMilli())

	slots, err := ParseSeries([]byte(body))
	require.NoError(t, err)
	// one hourly slot expands into four quarter-hour slots
	require.Len(t, slots, 4)
	assert.Equal(t, start, slots[0].Start)
	assert.Equal(t, start.Add(45*time.Minute), slots[3].Start)
	for _, slot := range slots {
		// 100 EUR/MWh is 10 ct/kWh
		assert.InDelta(t, 10.0, slot.CtPerKwh, 1e-9)
	}
}

func TestParseSeriesFlatList(t *testing.T) {
	body := `[
		{"start":"2026-03-10T10:00:00Z","ct_per_kwh":12.5},
		{"ts":"2026-03-10T10:15:00Z","price_eur_per_mwh":200.0},
		{"start":"not-a-time","ct_per_kwh":1.0},
		{"start":"2026-03-10T10:30:00Z"}
	]`
	slots, err := ParseSeries([]byte(body))
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.InDelta(t, 12.5, slots[0].CtPerKwh, 1e-9)
	assert.InDelta(t, 20.0, slots[1].CtPerKwh, 1e-9)
}

func TestParseSeriesMalformed(t *testing.T) {
	_, err := ParseSeries([]byte(`{"nope"`))
	assert.Error(t, err)
}

func newTestProvider(t *testing.T, body string) (*Provider, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	provider := NewProvider(server.URL, time.UTC, nopLogger{})
	return provider, server.Close
}

func TestCurrentAndMedian(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	body := `[
		{"start":"2026-03-10T10:00:00Z","ct_per_kwh":10},
		{"start":"2026-03-10T10:15:00Z","ct_per_kwh":20},
		{"start":"2026-03-10T10:30:00Z","ct_per_kwh":30},
		{"start":"2026-03-10T10:45:00Z","ct_per_kwh":40}
	]`
	provider, done := newTestProvider(t, body)
	defer done()
	provider.Refresh(now)

	median, ok := provider.MedianToday(now)
	require.True(t, ok)
	assert.InDelta(t, 25.0, median, 1e-9)

	// one minute into the third slot its price applies
	current, ok := provider.CurrentPrice(time.Date(2026, 3, 10, 10, 31, 0, 0, time.UTC))
	require.True(t, ok)
	assert.InDelta(t, 30.0, current, 1e-9)

	// before the first slot there is no current price
	_, ok = provider.CurrentPrice(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}

func TestRefreshKeepsLastGoodSeries(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	failing := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"start":"2026-03-10T11:00:00Z","ct_per_kwh":15}]`))
	}))
	defer server.Close()

	provider := NewProvider(server.URL, time.UTC, nopLogger{})
	provider.Refresh(now)
	failing = true
	provider.Refresh(now.Add(5 * time.Minute))

	current, ok := provider.CurrentPrice(now)
	require.True(t, ok)
	assert.InDelta(t, 15.0, current, 1e-9)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 20, 0, 0, time.UTC)
	body := `[
		{"start":"2026-03-10T10:00:00Z","ct_per_kwh":10},
		{"start":"2026-03-10T10:15:00Z","ct_per_kwh":30}
	]`
	provider, done := newTestProvider(t, body)
	defer done()
	provider.Refresh(now)

	snapshot := provider.Snapshot(now)
	require.NotNil(t, snapshot.CurrentCtPerKwh)
	require.NotNil(t, snapshot.MedianCtPerKwh)
	require.NotNil(t, snapshot.BelowOrEqualMedian)
	assert.InDelta(t, 30.0, *snapshot.CurrentCtPerKwh, 1e-9)
	assert.InDelta(t, 20.0, *snapshot.MedianCtPerKwh, 1e-9)
	assert.False(t, *snapshot.BelowOrEqualMedian)
	assert.Len(t, snapshot.Slots, 2)
}
