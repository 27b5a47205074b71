package power

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCutoff(t *testing.T) {
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)

	cutoff, err := NextCutoff(now, "06:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC), cutoff)

	// a cutoff already passed today resolves to tomorrow
	cutoff, err = NextCutoff(now, "04:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 4, 0, 0, 0, time.UTC), cutoff)

	// the exact cutoff instant also rolls over
	cutoff, err = NextCutoff(now, "05:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC), cutoff)

	_, err = NextCutoff(now, "25:99", time.UTC)
	assert.Error(t, err)
}

func TestRequiredKw(t *testing.T) {
	// 50% of 60 kWh in 5 hours at perfect efficiency
	assert.InDelta(t, 6.0, RequiredKw(50, 60, 5, 1.0), 1e-9)

	// losses raise the required wall power
	assert.InDelta(t, 6.0/0.92, RequiredKw(50, 60, 5, 0.92), 1e-9)

	// implausible efficiency values are clamped
	assert.InDelta(t, 12.0, RequiredKw(50, 60, 5, 0.1), 1e-9)
	assert.InDelta(t, 6.0, RequiredKw(50, 60, 5, 2.0), 1e-9)

	assert.Equal(t, 0.0, RequiredKw(0, 60, 5, 1.0))
	assert.Equal(t, 0.0, RequiredKw(-10, 60, 5, 1.0))
	assert.Equal(t, 0.0, RequiredKw(50, 60, 0, 1.0))
}
