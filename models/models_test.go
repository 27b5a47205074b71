package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeFromString(t *testing.T) {
	mode, ok := ModeFromString("  ECO ")
	require.True(t, ok)
	assert.Equal(t, ModeEco, mode)

	mode, ok = ModeFromString("Price")
	require.True(t, ok)
	assert.Equal(t, ModePrice, mode)

	_, ok = ModeFromString("turbo")
	assert.False(t, ok)
}

func TestUpdateSessionEnergy(t *testing.T) {
	start := 10.0
	session := ChargePointSession{SessionStartEnergyKwh: &start}

	session.UpdateSessionEnergy(12.5)
	assert.InDelta(t, 2.5, session.SessionEnergyKwh, 1e-9)

	// register running backwards must not produce negative session energy
	session.UpdateSessionEnergy(9.0)
	assert.Equal(t, 0.0, session.SessionEnergyKwh)

	// without a session start the counter stays untouched
	other := ChargePointSession{SessionEnergyKwh: 1.0}
	other.UpdateSessionEnergy(50.0)
	assert.Equal(t, 1.0, other.SessionEnergyKwh)
}

func TestRegistryDefaults(t *testing.T) {
	registry := NewRegistry(SessionDefaults{BoostCutoff: "07:00", BoostTargetSoc: 100})
	registry.Update("cp001", func(session *ChargePointSession) {})

	session, ok := registry.View("cp001")
	require.True(t, ok)
	assert.Equal(t, ModeEco, session.Mode)
	assert.Equal(t, 3, session.PhaseCount)
	assert.Equal(t, 230.0, session.VoltagePerPhase)
	assert.Equal(t, "07:00", session.BoostCutoff)
	assert.Equal(t, 100, session.BoostTargetSoc)
}

func TestRegistryViewReturnsCopy(t *testing.T) {
	registry := NewRegistry(SessionDefaults{})
	registry.Update("cp001", func(session *ChargePointSession) {
		session.TargetKw = 7.4
	})
	session, _ := registry.View("cp001")
	session.TargetKw = 1.0

	again, _ := registry.View("cp001")
	assert.Equal(t, 7.4, again.TargetKw)
}

func TestRegistryAllSorted(t *testing.T) {
	registry := NewRegistry(SessionDefaults{})
	registry.Update("cp002", func(*ChargePointSession) {})
	registry.Update("cp001", func(*ChargePointSession) {})

	sessions := registry.All()
	require.Len(t, sessions, 2)
	assert.Equal(t, "cp001", sessions[0].Id)
	assert.Equal(t, "cp002", sessions[1].Id)
}

func TestEnergyLogCap(t *testing.T) {
	log := NewEnergyLog()
	start := time.Now().Add(-10 * time.Hour)
	for i := 0; i <= energyLogCap; i++ {
		log.Append(start.Add(time.Duration(i)*time.Second), float64(i))
	}
	assert.Equal(t, energyLogTrim, log.Len())

	first, last, ok := log.LastTwo()
	require.True(t, ok)
	assert.True(t, last.EnergyKwh > first.EnergyKwh)
}

func TestEnergyLogWindowKwh(t *testing.T) {
	log := NewEnergyLog()
	now := time.Now()
	log.Append(now.Add(-48*time.Hour), 100.0)
	log.Append(now.Add(-2*time.Hour), 110.0)
	log.Append(now.Add(-time.Hour), 112.5)

	assert.InDelta(t, 2.5, log.WindowKwh(now.Add(-24*time.Hour)), 1e-9)
	assert.Equal(t, 0.0, log.WindowKwh(now.Add(time.Minute)))
}
