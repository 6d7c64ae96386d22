// Package meter accumulates lifetime energy per charger from session energy
// samples. The cloud only reports energy within the current session, the
// counter resets when a new car plugs in, so lifetime totals must be summed
// on this side and survive restarts.
package meter

import (
	"sort"
	"sync"

	"github.com/temoto/evbridge/helpers/atomic_float"
	"github.com/temoto/evbridge/internal/persist"
)

type counter struct {
	total   atomic_float.F64
	session atomic_float.F64
}

type Meter struct { //nolint:maligned
	persist.Persist
	mu sync.RWMutex
	cs map[string]*counter
}

func NewMeter() *Meter {
	return &Meter{cs: make(map[string]*counter, 8)}
}

func (m *Meter) counter(charger string) *counter {
	m.mu.RLock()
	c, ok := m.cs[charger]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.cs[charger]; ok {
		return c
	}
	c = &counter{}
	m.cs[charger] = c
	return c
}

// AddSession feeds one session energy sample (kWh) and returns the new
// lifetime total. A sample below the previous one means the session counter
// was reset, the whole sample is new energy then.
func (m *Meter) AddSession(charger string, kwh float64) float64 {
	c := m.counter(charger)
	delta := kwh - c.session.Load()
	if delta < 0 {
		delta = kwh
	}
	c.session.Store(kwh)
	if delta > 0 {
		return c.total.Add(delta)
	}
	return c.total.Load()
}

func (m *Meter) Total(charger string) float64 {
	m.mu.RLock()
	c, ok := m.cs[charger]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.total.Load()
}

func (m *Meter) Session(charger string) float64 {
	m.mu.RLock()
	c, ok := m.cs[charger]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.session.Load()
}

func (m *Meter) Chargers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs := make([]string, 0, len(m.cs))
	for charger := range m.cs {
		cs = append(cs, charger)
	}
	sort.Strings(cs)
	return cs
}

var _ persist.Stater = &Meter{}
