package obs_test

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/evbridge/internal/obs"
)

func TestParse(t *testing.T) {
	t.Parallel()

	type O = obs.Observation
	cases := []struct {
		name   string
		input  string
		expect O
		err    string
	}{
		{"power", `{"ChargerId":"ZAP049123","StateId":513,"Timestamp":"2021-03-09T21:45:11.01Z","ValueAsString":"3680.5"}`,
			O{ChargerID: "ZAP049123", StateID: 513, Timestamp: time.Date(2021, 3, 9, 21, 45, 11, 10000000, time.UTC), Value: "3680.5"}, ""},
		{"mode", `{"ChargerId":"ZAP049123","StateId":710,"Timestamp":"2021-03-09T21:45:12Z","ValueAsString":"3"}`,
			O{ChargerID: "ZAP049123", StateID: 710, Timestamp: time.Date(2021, 3, 9, 21, 45, 12, 0, time.UTC), Value: "3"}, ""},
		{"extra-fields-ignored", `{"ChargerId":"ZAP1","StateId":711,"Timestamp":"2021-03-09T21:45:12Z","ValueAsString":"1","DeviceType":4}`,
			O{ChargerID: "ZAP1", StateID: 711, Timestamp: time.Date(2021, 3, 9, 21, 45, 12, 0, time.UTC), Value: "1"}, ""},
		{"error-no-charger", `{"StateId":513,"ValueAsString":"1"}`, O{}, "without ChargerId"},
		{"error-no-state", `{"ChargerId":"ZAP1","ValueAsString":"1"}`, O{}, "without StateId"},
		{"error-syntax", `{"ChargerId":`, O{}, "unexpected end of JSON input"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			o, err := obs.Parse([]byte(c.input))
			if c.err == "" {
				require.NoError(t, err)
				assert.True(t, c.expect.Timestamp.Equal(o.Timestamp), "timestamp expected=%s actual=%s", c.expect.Timestamp, o.Timestamp)
				o.Timestamp = c.expect.Timestamp
				assert.Equal(t, c.expect, o)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.err)
			}
		})
	}
}

func TestFloat(t *testing.T) {
	t.Parallel()

	o := obs.Observation{ChargerID: "ZAP1", StateID: obs.TotalChargePower, Value: "1104.91"}
	f, err := o.Float()
	require.NoError(t, err)
	assert.Equal(t, 1104.91, f)

	o.Value = "Charging"
	_, err = o.Float()
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err), "expected NotValid, got %v", err)
}

func TestNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "TotalChargePower", obs.Name(513))
	assert.Equal(t, "OperationMode", obs.Name(710))
	assert.Equal(t, "804", obs.Name(804))

	id, ok := obs.IDByName("SessionEnergy")
	assert.True(t, ok)
	assert.Equal(t, obs.SessionEnergy, id)
	_, ok = obs.IDByName("Bogus")
	assert.False(t, ok)

	o := obs.Observation{ChargerID: "ZAP1", StateID: 710, Value: "3"}
	assert.Equal(t, `(charger=ZAP1 OperationMode="3" at=0001-01-01T00:00:00Z)`, o.String())
}
