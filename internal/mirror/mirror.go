// Package mirror keeps the last accepted value of every (charger, state id)
// pair. It is the local answer to "what does the cloud think right now"
// without asking the cloud.
package mirror

import (
	"sort"
	"sync"
	"time"

	"github.com/temoto/evbridge/internal/obs"
)

type Value struct {
	Text string
	At   time.Time
}

type Mirror struct {
	mu sync.RWMutex
	m  map[string]map[int32]Value
}

func NewMirror() *Mirror {
	return &Mirror{m: make(map[string]map[int32]Value, 8)}
}

// Apply offers one observation sample. Samples older than the mirrored value
// are rejected, that keeps slow poll responses from clobbering fresh bus
// data. changed is false when the accepted sample carries the same text.
func (m *Mirror) Apply(o *obs.Observation) (applied, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states, ok := m.m[o.ChargerID]
	if !ok {
		states = make(map[int32]Value, 16)
		m.m[o.ChargerID] = states
	}
	prev, exist := states[o.StateID]
	if exist && prev.At.After(o.Timestamp) {
		return false, false
	}
	states[o.StateID] = Value{Text: o.Value, At: o.Timestamp}
	return true, !exist || prev.Text != o.Value
}

func (m *Mirror) Get(charger string, id int32) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states, ok := m.m[charger]
	if !ok {
		return Value{}, false
	}
	v, ok := states[id]
	return v, ok
}

func (m *Mirror) Chargers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs := make([]string, 0, len(m.m))
	for charger := range m.m {
		cs = append(cs, charger)
	}
	sort.Strings(cs)
	return cs
}

func (m *Mirror) Iter(fun func(charger string, id int32, v Value)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for charger, states := range m.m {
		for id, v := range states {
			fun(charger, id, v)
		}
	}
}

// Snapshot returns a deep copy, safe to keep.
func (m *Mirror) Snapshot() map[string]map[int32]Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[int32]Value, len(m.m))
	for charger, states := range m.m {
		cp := make(map[int32]Value, len(states))
		for id, v := range states {
			cp[id] = v
		}
		out[charger] = cp
	}
	return out
}
