package decode

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/temoto/evbridge/cmd/evbridge/subcmd"
	"github.com/temoto/evbridge/helpers/cli"
	"github.com/temoto/evbridge/internal/obs"
	"github.com/temoto/evbridge/internal/state"
	"github.com/temoto/evbridge/nbfx"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Main: Main}

// Offline inspection of captured bus payloads, hex one per line.
func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	synthConfig := &state.Config{LogDebug: true}
	synthConfig.Persist.Root = config.Persist.Root
	g.MustInit(ctx, synthConfig)

	g.Log.Debugf("decode init complete, reading hex lines")
	cli.MainLoop(g.Log, newExecutor(ctx), newCompleter(ctx))
	return nil
}

func newCompleter(ctx context.Context) func(d prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		return nil
	}
}

func newExecutor(ctx context.Context) func(string) {
	g := state.GetGlobal(ctx)
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		// mosquitto_sub wrongly strips leading zero in hex format
		if len(line)%2 == 1 {
			line = "0" + line
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			g.Log.Errorf("hex.Decode err=%v", err)
			return
		}

		elems, err := nbfx.Decode(b)
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
		o, err := obs.Parse([]byte(elems[0].Text))
		if err != nil {
			g.Log.Infof("text is not an observation err=%v", err)
			return
		}
		g.Log.Info(o.String())
	}
}
