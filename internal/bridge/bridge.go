// Package bridge wires the pipeline: service bus and cloud poll on the
// input side, mirror, meter and home automation delivery on the output side.
//
// Data flow and acknowledge rules:
// - bus message -> nbfx decode -> observation JSON in first element text
// - decode or parse failure: message is not acknowledged, broker redelivers
// - accepted observations update the mirror, stale samples are dropped
// - session energy feeds the lifetime meter which persists after every update
// - changed values route to home automation devices through the disk outbox
package bridge

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/internal/bus"
	"github.com/temoto/evbridge/internal/cloud"
	"github.com/temoto/evbridge/internal/ha"
	"github.com/temoto/evbridge/internal/meter"
	"github.com/temoto/evbridge/internal/mirror"
	"github.com/temoto/evbridge/internal/obs"
	"github.com/temoto/evbridge/internal/outbox"
	"github.com/temoto/evbridge/internal/state"
	"github.com/temoto/evbridge/log2"
	"github.com/temoto/evbridge/nbfx"
)

const (
	defaultPollInterval = 5 * time.Minute
	defaultHTTPTimeout  = 30 * time.Second
)

type Bridge struct { //nolint:maligned
	g        *state.Global
	mirror   *mirror.Mirror
	meter    *meter.Meter
	cloud    *cloud.Client
	haClient *ha.Client
	consumer *bus.Consumer
	out      *outbox.Outbox

	pollInterval time.Duration
	pollBackoff  helpers.Backoff

	// config routes, read only after New
	devices map[string]map[int32]state.DeviceMap

	mu    sync.Mutex
	alias map[string]string // charger id -> device serial from discovery
}

func New(ctx context.Context) (*Bridge, error) {
	g := state.GetGlobal(ctx)
	c := g.Config
	b := &Bridge{
		g:            g,
		mirror:       mirror.NewMirror(),
		meter:        meter.NewMeter(),
		alias:        make(map[string]string, 8),
		pollInterval: helpers.IntSecondDefault(c.Cloud.PollIntervalSec, defaultPollInterval),
		pollBackoff:  helpers.Backoff{Min: 1 * time.Second, Max: 1 * time.Minute, K: 2},
	}
	if err := b.buildRoutes(); err != nil {
		return nil, err
	}

	if c.Cloud.Username != "" {
		cl, err := cloud.NewClient(cloud.Options{
			BaseURL:  c.Cloud.ApiBase,
			Username: c.Cloud.Username,
			Password: c.Cloud.Password,
			Timeout:  helpers.IntSecondDefault(c.Cloud.TimeoutSec, defaultHTTPTimeout),
			Log:      g.Log,
		})
		if err != nil {
			return nil, errors.Annotate(err, "bridge cloud")
		}
		b.cloud = cl
	}

	if len(c.HA.Devices) > 0 {
		if c.HA.BaseURL == "" {
			return nil, errors.NotValidf("config: ha.device present but ha.base_url empty")
		}
		hc, err := ha.NewClient(ha.Options{
			BaseURL:  c.HA.BaseURL,
			Username: c.HA.Username,
			Password: c.HA.Password,
			Timeout:  helpers.IntSecondDefault(c.HA.TimeoutSec, defaultHTTPTimeout),
			Log:      g.Log,
		})
		if err != nil {
			return nil, errors.Annotate(err, "bridge ha")
		}
		b.haClient = hc
	}

	if b.cloud == nil && !c.Bus.Enable {
		return nil, errors.NotValidf("config: neither cloud.username nor bus.enable, nothing to do")
	}
	return b, nil
}

func (b *Bridge) buildRoutes() error {
	c := b.g.Config
	b.devices = make(map[string]map[int32]state.DeviceMap, 4)
	errs := make([]error, 0)
	for _, d := range c.HA.Devices {
		id, ok := obs.IDByName(d.Observation)
		if !ok {
			errs = append(errs, errors.NotValidf("config: ha.device observation=%s unknown", d.Observation))
			continue
		}
		m, ok := b.devices[d.Charger]
		if !ok {
			m = make(map[int32]state.DeviceMap, 4)
			b.devices[d.Charger] = m
		}
		if first, exist := m[id]; exist {
			errs = append(errs, errors.NotValidf("config: ha.device observation=%s charger=%s duplicate idx=%d first idx=%d", d.Observation, d.Charger, d.Idx, first.Idx))
			continue
		}
		m[id] = d
	}
	return helpers.FoldErrors(errs)
}

func (b *Bridge) Start(ctx context.Context) error {
	c := b.g.Config

	if err := b.meter.Init("meter", b.meter, c.Persist.Root, true, b.g.Log); err != nil {
		return errors.Annotate(err, "bridge meter persist")
	}
	if err := b.meter.Load(); err != nil {
		// start over with empty totals rather than refuse to run
		b.g.Error(err, "bridge meter load")
	}

	if b.haClient != nil {
		out, err := outbox.Open(outbox.Options{
			Path:   filepath.Join(c.Persist.Root, "outbox"),
			Sender: b.haClient,
			Log:    b.g.Log,
		})
		if err != nil {
			return errors.Annotate(err, "bridge outbox")
		}
		b.out = out
	}

	if c.Bus.Enable {
		busLog := b.g.Log
		if c.Bus.LogDebug {
			busLog = busLog.Clone(log2.LDebug)
		}
		consumer, err := bus.NewConsumer(bus.Options{
			BrokerURL:      c.Bus.BrokerURL,
			ClientID:       c.Bus.ClientID,
			Username:       c.Bus.Username,
			Password:       c.Bus.Password,
			KeepaliveSec:   uint16(c.Bus.KeepaliveSec),
			NetworkTimeout: helpers.IntSecondDefault(c.Bus.NetworkTimeoutSec, bus.DefaultNetworkTimeout),
			ReconnectDelay: helpers.IntSecondDefault(c.Bus.ReconnectDelaySec, bus.DefaultReconnectDelay),
			Subscriptions:  []packet.Subscription{{Topic: c.Bus.Topic, QOS: packet.QOSAtLeastOnce}},
			OnMessage:      b.onMessage,
			Log:            busLog,
		})
		if err != nil {
			return errors.Annotate(err, "bridge bus")
		}
		b.consumer = consumer
	}

	if b.cloud != nil {
		b.g.Alive.Add(1)
		go b.pollWorker(ctx)
	}
	return nil
}

// WaitReady blocks until the bus subscription is live, if the bus is enabled.
func (b *Bridge) WaitReady(ctx context.Context) error {
	if b.consumer == nil {
		return nil
	}
	return b.consumer.WaitReady(ctx)
}

func (b *Bridge) Stop() {
	if b.consumer != nil {
		_ = b.consumer.Close()
	}
	if b.out != nil {
		b.out.Close()
	}
	if err := b.meter.Store(); err != nil {
		b.g.Error(err, "bridge meter store")
	}
}

func (b *Bridge) onMessage(msg *packet.Message) error {
	elems, err := nbfx.Decode(msg.Payload)
	if err != nil {
		return errors.Annotatef(err, "decode topic=%s payload=%x", msg.Topic, msg.Payload)
	}
	if len(elems) == 0 {
		return errors.Errorf("message without elements topic=%s payload=%x", msg.Topic, msg.Payload)
	}
	o, err := obs.Parse([]byte(elems[0].Text))
	if err != nil {
		return errors.Annotatef(err, "topic=%s payload=%x", msg.Topic, msg.Payload)
	}
	b.apply(&o)
	return nil
}

func (b *Bridge) apply(o *obs.Observation) {
	applied, changed := b.mirror.Apply(o)
	if !applied {
		b.g.Log.Debugf("bridge stale %s", o.String())
		return
	}

	var total float64
	haveTotal := false
	if o.StateID == obs.SessionEnergy && b.meterMatch(o.ChargerID) {
		if kwh, err := o.Float(); err != nil {
			b.g.Error(err, "bridge meter %s", o.String())
		} else {
			total = b.meter.AddSession(o.ChargerID, kwh)
			haveTotal = true
			if err := b.meter.Store(); err != nil {
				b.g.Error(err, "bridge meter store")
			}
		}
	}

	if !changed {
		return
	}
	b.g.Log.Debugf("bridge apply %s", o.String())
	rule, ok := b.lookupDevice(o.ChargerID, o.StateID)
	if !ok || b.out == nil {
		return
	}
	svalue := b.buildSValue(&rule, o, total, haveTotal)
	if err := b.out.Push(rule.Idx, svalue); err != nil {
		b.g.Error(err, "bridge push idx=%d", rule.Idx)
	}
}

func (b *Bridge) meterMatch(charger string) bool {
	want := b.g.Config.Meter.Charger
	if want == "" {
		return true
	}
	if charger == want {
		return true
	}
	b.mu.Lock()
	serial := b.alias[charger]
	b.mu.Unlock()
	return serial == want
}

func (b *Bridge) lookupDevice(charger string, id int32) (state.DeviceMap, bool) {
	keys := make([]string, 0, 3)
	keys = append(keys, charger)
	b.mu.Lock()
	if serial, ok := b.alias[charger]; ok {
		keys = append(keys, serial)
	}
	b.mu.Unlock()
	keys = append(keys, "")
	for _, k := range keys {
		if m, ok := b.devices[k]; ok {
			if d, ok := m[id]; ok {
				return d, true
			}
		}
	}
	return state.DeviceMap{}, false
}

// buildSValue renders the device update. Session energy devices follow the
// Electric P1 format "power;energy", everything else is a single value.
func (b *Bridge) buildSValue(d *state.DeviceMap, o *obs.Observation, total float64, haveTotal bool) string {
	if o.StateID == obs.SessionEnergy {
		if !haveTotal {
			total = b.meter.Total(o.ChargerID)
		}
		power := 0.0
		if v, ok := b.mirror.Get(o.ChargerID, obs.TotalChargePower); ok {
			if f, err := strconv.ParseFloat(v.Text, 64); err == nil {
				power = f
			}
		}
		return formatFloat(power) + ";" + formatFloat(total*d.Scale)
	}
	if f, err := o.Float(); err == nil {
		return formatFloat(f * d.Scale)
	}
	return o.Value
}

func (b *Bridge) setAlias(charger, serial string) {
	if charger == "" || serial == "" {
		return
	}
	b.mu.Lock()
	b.alias[charger] = serial
	b.mu.Unlock()
}

func (b *Bridge) pollWorker(ctx context.Context) {
	defer b.g.Alive.Done()
	stopch := b.g.Alive.StopChan()
	for b.g.Alive.IsRunning() {
		delay := b.pollInterval
		if err := b.pollRound(ctx); err != nil {
			b.g.Error(err, "bridge poll")
			b.pollBackoff.Failure()
			delay = b.pollBackoff.DelayBefore()
		} else {
			b.pollBackoff.Reset()
		}
		select {
		case <-stopch:
			return
		case <-time.After(delay):
		}
	}
}

// pollRound reconciles mirror and meter against the cloud REST view. It
// also discovers chargers, bus messages alone never tell which chargers
// exist or that one went offline.
func (b *Bridge) pollRound(ctx context.Context) error {
	insts, err := b.cloud.Installations(ctx)
	if err != nil {
		return err
	}
	count := 0
	for _, inst := range insts {
		chargers, err := b.cloud.Chargers(ctx, inst.ID)
		if err != nil {
			return err
		}
		for _, ch := range chargers {
			b.setAlias(ch.ID, ch.DeviceID)
			online := "0"
			if ch.Online {
				online = "1"
			}
			b.apply(&obs.Observation{ChargerID: ch.ID, StateID: obs.Online, Timestamp: time.Now(), Value: online})
			states, err := b.cloud.ChargerState(ctx, ch.ID)
			if err != nil {
				return err
			}
			for i := range states {
				b.apply(&states[i])
			}
			count += len(states)
		}
	}
	b.g.Log.Debugf("bridge poll installations=%d observations=%d", len(insts), count)
	return nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
