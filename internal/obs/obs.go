// Package obs models charger observations, the unit of telemetry both the
// service bus and the cloud REST API deliver. One observation is one
// (charger, state id, value) sample with the backend timestamp.
package obs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// Online is synthesized from cloud discovery, the wire never carries it.
const Online int32 = -2

// Well known state ids of the charge point.
const (
	TemperatureInternal int32 = 201
	Humidity            int32 = 270
	VoltagePhase1       int32 = 501
	VoltagePhase2       int32 = 502
	VoltagePhase3       int32 = 503
	CurrentPhase1       int32 = 507
	CurrentPhase2       int32 = 508
	CurrentPhase3       int32 = 509
	TotalChargePower    int32 = 513
	SessionEnergy       int32 = 553
	OperationMode       int32 = 710
	IsEnabled           int32 = 711
)

// OperationMode values.
const (
	ModeUnknown           = 0
	ModeDisconnected      = 1
	ModeConnectedRequest  = 2
	ModeConnectedCharging = 3
	ModeConnectedFinished = 5
)

var names = map[int32]string{
	Online:              "Online",
	TemperatureInternal: "TemperatureInternal",
	Humidity:            "Humidity",
	VoltagePhase1:       "VoltagePhase1",
	VoltagePhase2:       "VoltagePhase2",
	VoltagePhase3:       "VoltagePhase3",
	CurrentPhase1:       "CurrentPhase1",
	CurrentPhase2:       "CurrentPhase2",
	CurrentPhase3:       "CurrentPhase3",
	TotalChargePower:    "TotalChargePower",
	SessionEnergy:       "SessionEnergy",
	OperationMode:       "OperationMode",
	IsEnabled:           "IsEnabled",
}

var ids map[string]int32

func init() {
	ids = make(map[string]int32, len(names))
	for id, name := range names {
		ids[name] = id
	}
}

// Name returns the registry name of id or its decimal form when unknown.
func Name(id int32) string {
	if s, ok := names[id]; ok {
		return s
	}
	return strconv.Itoa(int(id))
}

func IDByName(name string) (int32, bool) {
	id, ok := ids[name]
	return id, ok
}

// Observation field names follow the cloud JSON schema.
type Observation struct {
	ChargerID string    `json:"ChargerId"`
	StateID   int32     `json:"StateId"`
	Timestamp time.Time `json:"Timestamp"`
	Value     string    `json:"ValueAsString"`
}

// Parse decodes one observation from cloud JSON.
func Parse(b []byte) (Observation, error) {
	var o Observation
	if err := json.Unmarshal(b, &o); err != nil {
		return Observation{}, errors.Annotatef(err, "observation json=%s", string(b))
	}
	if o.ChargerID == "" {
		return Observation{}, errors.NotValidf("observation without ChargerId json=%s", string(b))
	}
	if o.StateID == 0 {
		return Observation{}, errors.NotValidf("observation without StateId json=%s", string(b))
	}
	return o, nil
}

func (o *Observation) Name() string { return Name(o.StateID) }

// Float parses ValueAsString for numeric observations.
func (o *Observation) Float() (float64, error) {
	f, err := strconv.ParseFloat(o.Value, 64)
	if err != nil {
		return 0, errors.NotValidf("observation %s value=%q", o.Name(), o.Value)
	}
	return f, nil
}

func (o *Observation) String() string {
	return fmt.Sprintf("(charger=%s %s=%q at=%s)", o.ChargerID, o.Name(), o.Value, o.Timestamp.Format(time.RFC3339))
}
