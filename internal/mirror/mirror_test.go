package mirror_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/evbridge/internal/mirror"
	"github.com/temoto/evbridge/internal/obs"
)

func mkObs(charger string, id int32, value string, at time.Time) *obs.Observation {
	return &obs.Observation{ChargerID: charger, StateID: id, Timestamp: at, Value: value}
}

func TestApply(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2021, 3, 9, 21, 45, 0, 0, time.UTC)
	m := mirror.NewMirror()

	applied, changed := m.Apply(mkObs("ZAP1", obs.TotalChargePower, "0", t0))
	assert.True(t, applied)
	assert.True(t, changed)

	applied, changed = m.Apply(mkObs("ZAP1", obs.TotalChargePower, "0", t0.Add(time.Second)))
	assert.True(t, applied)
	assert.False(t, changed, "same text must not report change")

	applied, changed = m.Apply(mkObs("ZAP1", obs.TotalChargePower, "3680", t0.Add(2*time.Second)))
	assert.True(t, applied)
	assert.True(t, changed)

	applied, changed = m.Apply(mkObs("ZAP1", obs.TotalChargePower, "11", t0.Add(time.Second)))
	assert.False(t, applied, "stale sample must be rejected")
	assert.False(t, changed)

	v, ok := m.Get("ZAP1", obs.TotalChargePower)
	require.True(t, ok)
	assert.Equal(t, mirror.Value{Text: "3680", At: t0.Add(2 * time.Second)}, v)

	_, ok = m.Get("ZAP1", obs.OperationMode)
	assert.False(t, ok)
	_, ok = m.Get("ZAP9", obs.TotalChargePower)
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2021, 3, 9, 21, 45, 0, 0, time.UTC)
	m := mirror.NewMirror()
	m.Apply(mkObs("ZAP1", obs.OperationMode, "1", t0))
	m.Apply(mkObs("ZAP2", obs.OperationMode, "3", t0))
	m.Apply(mkObs("ZAP2", obs.TotalChargePower, "7360", t0))

	assert.Equal(t, []string{"ZAP1", "ZAP2"}, m.Chargers())

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "7360", snap["ZAP2"][obs.TotalChargePower].Text)

	snap["ZAP2"][obs.TotalChargePower] = mirror.Value{Text: "corrupt"}
	v, ok := m.Get("ZAP2", obs.TotalChargePower)
	require.True(t, ok)
	assert.Equal(t, "7360", v.Text, "snapshot must be a copy")

	count := 0
	m.Iter(func(charger string, id int32, v mirror.Value) { count++ })
	assert.Equal(t, 3, count)
}
