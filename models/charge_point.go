package models

import (
	"strings"
	"time"
)

// Mode selects the setpoint computation strategy for a charge point.
type Mode string

const (
	ModeEco    Mode = "eco"
	ModeMax    Mode = "max"
	ModeOff    Mode = "off"
	ModePrice  Mode = "price"
	ModeManual Mode = "manual"
)

// ModeFromString folds a raw mode string to the canonical enum value.
func ModeFromString(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeEco:
		return ModeEco, true
	case ModeMax:
		return ModeMax, true
	case ModeOff:
		return ModeOff, true
	case ModePrice:
		return ModePrice, true
	case ModeManual:
		return ModeManual, true
	}
	return "", false
}

// ChargePointSession is the live record of one charge point. Records are
// created lazily on first contact and never destroyed; a disconnect only
// clears the Connected flag so session data survives a reconnection under
// the same identifier.
type ChargePointSession struct {
	Id            string     `json:"id"`
	Connected     bool       `json:"connected"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Vendor        string     `json:"vendor,omitempty"`
	Model         string     `json:"model,omitempty"`

	Mode     Mode    `json:"mode"`
	TargetKw float64 `json:"target_kw"`

	PhaseCount      int     `json:"phase_count"`
	VoltagePerPhase float64 `json:"voltage_per_phase"`
	MaxCurrentA     float64 `json:"max_current_a"`

	Status    string `json:"status,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	Soc       *int     `json:"soc,omitempty"`
	CurrentKw *float64 `json:"current_kw,omitempty"`

	BoostEnabled   bool   `json:"boost_enabled"`
	BoostCutoff    string `json:"boost_cutoff"`
	BoostTargetSoc int    `json:"boost_target_soc"`
	BoostNotified  bool   `json:"boost_notified"`

	TxActive              bool       `json:"tx_active"`
	TransactionId         int        `json:"transaction_id,omitempty"`
	SessionStartAt        *time.Time `json:"session_start_at,omitempty"`
	SessionStartEnergyKwh *float64   `json:"session_start_energy_kwh,omitempty"`
	SessionEnergyKwh      float64    `json:"session_energy_kwh"`
	SessionEstEndAt       *time.Time `json:"session_est_end_at,omitempty"`

	EnergyTotalKwh *float64 `json:"energy_total_kwh,omitempty"`
}

// UpdateSessionEnergy recomputes the accumulated session energy from an
// absolute register reading. The register may repeat or run backwards on
// the wire; the session counter never drops below zero.
func (s *ChargePointSession) UpdateSessionEnergy(registerKwh float64) {
	if s.SessionStartEnergyKwh == nil {
		return
	}
	delta := registerKwh - *s.SessionStartEnergyKwh
	if delta < 0 {
		delta = 0
	}
	s.SessionEnergyKwh = delta
}
