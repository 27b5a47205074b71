package utility

import "math"

// ClampKw limits a power value to the configured hardware window.
func ClampKw(kw, minKw, maxKw float64) float64 {
	if kw < minKw {
		return minKw
	}
	if kw > maxKw {
		return maxKw
	}
	return kw
}

// KwToAmps converts a total power in kW to the per-phase current in amperes.
func KwToAmps(kw float64, phases int, voltage float64) float64 {
	if phases < 1 {
		phases = 1
	}
	if voltage < 1 {
		voltage = 1
	}
	amps := kw * 1000.0 / (voltage * float64(phases))
	if amps < 0 {
		return 0
	}
	return amps
}

// KwFromAmps is the inverse of KwToAmps.
func KwFromAmps(amps float64, phases int, voltage float64) float64 {
	if phases < 1 {
		phases = 1
	}
	return amps * voltage * float64(phases) / 1000.0
}

// RoundToTenth rounds half-up to one decimal place; the OCPP schema
// requires charging rate limits with a 0.1 resolution.
func RoundToTenth(x float64) float64 {
	return math.Round(x*10) / 10
}
