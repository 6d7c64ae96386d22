package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg

	g.Log.Infof("build version=%s", g.BuildVersion)

	if g.Config.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}

	if g.Config.Persist.Root == "" {
		g.Config.Persist.Root = "./evbridge-db"
		g.Log.Errorf("config: persist.root=empty changed=%s", g.Config.Persist.Root)
	}
	g.Log.Debugf("config: persist.root=%s", g.Config.Persist.Root)

	errs := make([]error, 0)

	if g.Config.Cloud.ApiBase != "" && (g.Config.Cloud.Username == "" || g.Config.Cloud.Password == "") {
		errs = append(errs, errors.NotValidf("config: cloud.api_base is set but username/password empty"))
	}

	if g.Config.Bus.Enable {
		if g.Config.Bus.BrokerURL == "" {
			errs = append(errs, errors.NotValidf("config: bus.enable but broker_url empty"))
		}
		if g.Config.Bus.Topic == "" {
			errs = append(errs, errors.NotValidf("config: bus.enable but topic empty"))
		}
	}

	for i := range g.Config.HA.Devices {
		d := &g.Config.HA.Devices[i]
		if d.Idx <= 0 {
			errs = append(errs, errors.NotValidf("config: ha.device observation=%s idx=%d", d.Observation, d.Idx))
		}
		if d.Scale == 0 {
			d.Scale = 1
		}
	}

	return helpers.FoldErrors(errs)
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Errorf(errors.ErrorStack(err))
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(err)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
