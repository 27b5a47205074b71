package models

import (
	"sort"
	"sync"
	"time"
)

// SessionDefaults seed every lazily created charge point record.
type SessionDefaults struct {
	Mode            Mode
	PhaseCount      int
	VoltagePerPhase float64
	MaxCurrentA     float64
	BoostCutoff     string
	BoostTargetSoc  int
}

// Registry owns the in-memory map of charge point sessions and their
// energy logs. All access goes through the registry; both the OCPP
// handler layer and the control loop receive it by injection. A single
// coarse mutex guards the whole record, which is sufficient at the
// seconds-to-minutes write cadence of a handful of charge points.
type Registry struct {
	mux      sync.Mutex
	defaults SessionDefaults
	sessions map[string]*ChargePointSession
	logs     map[string]*EnergyLog
}

func NewRegistry(defaults SessionDefaults) *Registry {
	if defaults.Mode == "" {
		defaults.Mode = ModeEco
	}
	if defaults.PhaseCount == 0 {
		defaults.PhaseCount = 3
	}
	if defaults.VoltagePerPhase == 0 {
		defaults.VoltagePerPhase = 230
	}
	return &Registry{
		defaults: defaults,
		sessions: make(map[string]*ChargePointSession),
		logs:     make(map[string]*EnergyLog),
	}
}

func (r *Registry) newSession(id string) *ChargePointSession {
	return &ChargePointSession{
		Id:              id,
		Mode:            r.defaults.Mode,
		PhaseCount:      r.defaults.PhaseCount,
		VoltagePerPhase: r.defaults.VoltagePerPhase,
		MaxCurrentA:     r.defaults.MaxCurrentA,
		BoostCutoff:     r.defaults.BoostCutoff,
		BoostTargetSoc:  r.defaults.BoostTargetSoc,
	}
}

// Update applies fn to the session record under the registry lock,
// creating the record with defaults on first contact.
func (r *Registry) Update(id string, fn func(*ChargePointSession)) {
	r.mux.Lock()
	defer r.mux.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		session = r.newSession(id)
		r.sessions[id] = session
	}
	fn(session)
}

// View returns a copy of the session record, if it exists.
func (r *Registry) View(id string) (ChargePointSession, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return ChargePointSession{}, false
	}
	return *session, true
}

// All returns copies of every known session record, sorted by identifier.
func (r *Registry) All() []ChargePointSession {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]ChargePointSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Log returns the energy log for a charge point, creating it on demand.
func (r *Registry) Log(id string) *EnergyLog {
	r.mux.Lock()
	defer r.mux.Unlock()
	l, ok := r.logs[id]
	if !ok {
		l = NewEnergyLog()
		r.logs[id] = l
	}
	return l
}

// WindowEnergyKwh sums the register growth of all charge points over the
// trailing window.
func (r *Registry) WindowEnergyKwh(window time.Duration) float64 {
	r.mux.Lock()
	logs := make([]*EnergyLog, 0, len(r.logs))
	for _, l := range r.logs {
		logs = append(logs, l)
	}
	r.mux.Unlock()

	since := time.Now().Add(-window)
	total := 0.0
	for _, l := range logs {
		total += l.WindowKwh(since)
	}
	return total
}
