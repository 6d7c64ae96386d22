package bridge

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/evbridge/cmd/evbridge/subcmd"
	"github.com/temoto/evbridge/internal/bridge"
	"github.com/temoto/evbridge/internal/state"
)

const modName = "bridge"

const readyTimeout = 30 * time.Second

var Mod = subcmd.Mod{Name: modName, Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	b, err := bridge.New(ctx)
	if err != nil {
		return errors.Annotate(err, modName)
	}
	if err = b.Start(ctx); err != nil {
		return errors.Annotate(err, modName)
	}
	defer b.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	if err = b.WaitReady(waitCtx); err != nil {
		// reconnect keeps trying in background, not fatal
		g.Log.Errorf("%s bus not ready err=%v", modName, err)
	}
	cancel()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("%s init complete, running", modName)
	g.Alive.Wait()
	return nil
}
