package models

import (
	"sync"
	"time"
)

const (
	energyLogCap  = 5000
	energyLogTrim = 4000
)

type EnergyLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EnergyKwh float64   `json:"energy_kwh"`
}

// EnergyLog is an append-only, capped series of absolute meter register
// readings for one charge point.
type EnergyLog struct {
	mux     sync.Mutex
	entries []EnergyLogEntry
}

func NewEnergyLog() *EnergyLog {
	return &EnergyLog{}
}

func (l *EnergyLog) Append(timestamp time.Time, energyKwh float64) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.entries = append(l.entries, EnergyLogEntry{Timestamp: timestamp, EnergyKwh: energyKwh})
	if len(l.entries) > energyLogCap {
		l.entries = append([]EnergyLogEntry{}, l.entries[len(l.entries)-energyLogTrim:]...)
	}
}

// LastTwo returns the two most recent entries, oldest first.
func (l *EnergyLog) LastTwo() (EnergyLogEntry, EnergyLogEntry, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if len(l.entries) < 2 {
		return EnergyLogEntry{}, EnergyLogEntry{}, false
	}
	return l.entries[len(l.entries)-2], l.entries[len(l.entries)-1], true
}

func (l *EnergyLog) Len() int {
	l.mux.Lock()
	defer l.mux.Unlock()
	return len(l.entries)
}

// WindowKwh reports the register growth inside the trailing window, taken
// as the difference between the newest and the oldest entry not older
// than since. Register resets yield zero, not a negative value.
func (l *EnergyLog) WindowKwh(since time.Time) float64 {
	l.mux.Lock()
	defer l.mux.Unlock()
	var first, last *EnergyLogEntry
	for i := range l.entries {
		if l.entries[i].Timestamp.Before(since) {
			continue
		}
		if first == nil {
			first = &l.entries[i]
		}
		last = &l.entries[i]
	}
	if first == nil || last == nil {
		return 0
	}
	delta := last.EnergyKwh - first.EnergyKwh
	if delta < 0 {
		return 0
	}
	return delta
}
