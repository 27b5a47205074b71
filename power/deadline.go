package power

import (
	"fmt"
	"time"
)

// NextCutoff resolves a "HH:MM" wall clock cutoff to the next concrete
// point in time: today if still ahead, otherwise tomorrow.
func NextCutoff(now time.Time, cutoff string, location *time.Location) (time.Time, error) {
	parsed, err := time.Parse("15:04", cutoff)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cutoff %q: %w", cutoff, err)
	}
	local := now.In(location)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), parsed.Hour(), parsed.Minute(), 0, 0, location)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// RequiredKw computes the charging power needed to lift the battery by
// neededSoc percentage points before the deadline. Efficiency is clamped
// to a plausible range so a bad config cannot inflate the result.
func RequiredKw(neededSoc, batteryKwh, hoursRemaining, efficiency float64) float64 {
	if neededSoc <= 0 || hoursRemaining <= 0 || batteryKwh <= 0 {
		return 0
	}
	if efficiency < 0.5 {
		efficiency = 0.5
	}
	if efficiency > 1.0 {
		efficiency = 1.0
	}
	neededKwh := neededSoc / 100.0 * batteryKwh
	return neededKwh / hoursRemaining / efficiency
}
