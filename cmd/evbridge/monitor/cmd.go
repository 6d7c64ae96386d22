package monitor

import (
	"context"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/evbridge/cmd/evbridge/subcmd"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/internal/obs"
	"github.com/temoto/evbridge/internal/state"
	"github.com/temoto/evbridge/nbfx"
)

const modName = "monitor"

var Mod = subcmd.Mod{Name: modName, Main: Main}

// Watches the service bus with an independent MQTT stack and prints every
// message decoded. Useful to compare against the bridge consumer when
// chasing wire problems.
func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	if config.Bus.BrokerURL == "" {
		return errors.NotValidf("config: monitor needs bus.broker_url")
	}
	if config.Bus.Topic == "" {
		return errors.NotValidf("config: monitor needs bus.topic")
	}

	mqtt.ERROR = g.Log
	mqtt.CRITICAL = g.Log
	mqtt.WARN = g.Log
	if config.Bus.LogDebug {
		mqtt.DEBUG = g.Log
	}

	username := config.Bus.Username
	password := config.Bus.Password
	if u, err := url.ParseRequestURI(config.Bus.BrokerURL); err != nil {
		return errors.Annotatef(err, "config: bus.broker_url=%s", config.Bus.BrokerURL)
	} else if u.User != nil && username == "" && password == "" {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	clientID := config.Bus.ClientID
	if clientID == "" {
		clientID = "evbridge-monitor"
	}
	keepAlive := helpers.IntSecondDefault(config.Bus.KeepaliveSec, 60*time.Second)

	mopt := mqtt.NewClientOptions().
		AddBroker(config.Bus.BrokerURL).
		SetClientID(clientID).
		SetUsername(username).
		SetPassword(password).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetPingTimeout(keepAlive / 2).
		SetOrderMatters(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			g.Log.Infof("monitor connected broker=%s", config.Bus.BrokerURL)
			if token := c.Subscribe(config.Bus.Topic, 1, newHandler(g)); token.Wait() && token.Error() != nil {
				g.Log.Errorf("monitor subscribe topic=%s err=%v", config.Bus.Topic, token.Error())
			}
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			g.Log.Errorf("monitor disconnected err=%v", err)
		})
	m := mqtt.NewClient(mopt)
	if token := m.Connect(); token.Error() != nil {
		return errors.Annotatef(token.Error(), "monitor connect broker=%s", config.Bus.BrokerURL)
	}
	defer m.Disconnect(250)

	g.Log.Debugf("monitor init complete, running")
	g.Alive.Wait()
	return nil
}

func newHandler(g *state.Global) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		g.Log.Infof("topic=%s payload=%x", msg.Topic(), payload)
		elems, err := nbfx.Decode(payload)
		if err != nil {
			g.Log.Errorf("nbfx.Decode err=%v", err)
			return
		}
		for i := range elems {
			g.Log.Infof("element %d %s", i, elems[i].String())
		}
		if len(elems) == 0 {
			return
		}
		if o, err := obs.Parse([]byte(elems[0].Text)); err == nil {
			g.Log.Info(o.String())
		}
	}
}
